package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxLen is the CLIP context length.
const MaxLen = 77

// CLIP implements BPE tokenization for the prior's CLIP text encoder.
type CLIP struct {
	Vocab  map[string]int
	Merges []MergePair
	BOS    int // <|startoftext|>
	EOS    int // <|endoftext|>
	Pad    int // defaults to EOS
	MaxLen int

	ranks map[MergePair]int
}

type MergePair struct {
	A, B string
}

// Load reads vocab.json and merges.txt from dir.
func Load(dir string) (*CLIP, error) {
	vocabData, err := os.ReadFile(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}
	vocab := make(map[string]int)
	if err := json.Unmarshal(vocabData, &vocab); err != nil {
		return nil, fmt.Errorf("parse vocab: %w", err)
	}

	mergesData, err := os.ReadFile(filepath.Join(dir, "merges.txt"))
	if err != nil {
		return nil, fmt.Errorf("read merges: %w", err)
	}
	var merges []MergePair
	for _, line := range strings.Split(string(mergesData), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) == 2 {
			merges = append(merges, MergePair{A: parts[0], B: parts[1]})
		}
	}
	return New(vocab, merges)
}

// New builds a tokenizer from an in-memory vocab and merge list.
func New(vocab map[string]int, merges []MergePair) (*CLIP, error) {
	bos, ok := vocab["<|startoftext|>"]
	if !ok {
		return nil, errors.New("missing BOS token")
	}
	eos, ok := vocab["<|endoftext|>"]
	if !ok {
		return nil, errors.New("missing EOS token")
	}
	ranks := make(map[MergePair]int, len(merges))
	for i, m := range merges {
		if _, dup := ranks[m]; !dup {
			ranks[m] = i
		}
	}
	return &CLIP{
		Vocab:  vocab,
		Merges: merges,
		BOS:    bos,
		EOS:    eos,
		Pad:    eos,
		MaxLen: MaxLen,
		ranks:  ranks,
	}, nil
}

// Encode tokenizes text into MaxLen ids plus an attention mask
// (1 for BOS..EOS, 0 for padding).
func (t *CLIP) Encode(text string) (ids []int64, mask []int64) {
	text = strings.ToLower(strings.Join(strings.Fields(text), " "))

	tokens := []int{t.BOS}
	for _, word := range splitIntoWords(text) {
		for _, part := range t.bpe(encodeBytes(word) + "</w>") {
			if id, ok := t.Vocab[part]; ok {
				tokens = append(tokens, id)
			}
		}
	}
	tokens = append(tokens, t.EOS)

	if len(tokens) > t.MaxLen {
		tokens = tokens[:t.MaxLen]
		tokens[t.MaxLen-1] = t.EOS
	}

	ids = make([]int64, t.MaxLen)
	mask = make([]int64, t.MaxLen)
	for i := range ids {
		if i < len(tokens) {
			ids[i] = int64(tokens[i])
			mask[i] = 1
		} else {
			ids[i] = int64(t.Pad)
		}
	}
	return ids, mask
}

// bpe merges by rank, lowest first, until no ranked pair remains.
func (t *CLIP) bpe(word string) []string {
	var parts []string
	for i := 0; i < len(word); {
		if strings.HasPrefix(word[i:], "</w>") {
			parts = append(parts, "</w>")
			i += 4
			continue
		}
		_, size := utf8.DecodeRuneInString(word[i:])
		parts = append(parts, word[i:i+size])
		i += size
	}
	// attach </w> to the last symbol as CLIP does
	if n := len(parts); n >= 2 && parts[n-1] == "</w>" {
		parts[n-2] += "</w>"
		parts = parts[:n-1]
	}

	for len(parts) > 1 {
		best := -1
		bestRank := int(^uint(0) >> 1)
		for i := 0; i+1 < len(parts); i++ {
			if r, ok := t.ranks[MergePair{parts[i], parts[i+1]}]; ok && r < bestRank {
				best, bestRank = i, r
			}
		}
		if best < 0 {
			break
		}
		merged := MergePair{parts[best], parts[best+1]}
		next := make([]string, 0, len(parts))
		for j := 0; j < len(parts); {
			if j+1 < len(parts) && parts[j] == merged.A && parts[j+1] == merged.B {
				next = append(next, merged.A+merged.B)
				j += 2
			} else {
				next = append(next, parts[j])
				j++
			}
		}
		parts = next
	}
	return parts
}

// byteEncoder maps every byte to a printable rune so BPE never sees raw
// UTF-8 continuation bytes. Printable Latin-1 bytes map to themselves, the
// rest to 256+n in byte order.
var byteEncoder = func() [256]rune {
	var table [256]rune
	n := 0
	for b := 0; b < 256; b++ {
		if (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF) {
			table[b] = rune(b)
		} else {
			table[b] = rune(256 + n)
			n++
		}
	}
	return table
}()

func encodeBytes(word string) string {
	var sb strings.Builder
	for i := 0; i < len(word); i++ {
		sb.WriteRune(byteEncoder[word[i]])
	}
	return sb.String()
}

func splitIntoWords(text string) []string {
	var words []string
	var current []rune
	for _, r := range text {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			if len(current) > 0 {
				words = append(words, string(current))
				current = current[:0]
			}
			if unicode.IsPunct(r) {
				words = append(words, string(r))
			}
		} else {
			current = append(current, r)
		}
	}
	if len(current) > 0 {
		words = append(words, string(current))
	}
	return words
}
