package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/ariannamethod/embedit/internal/tensor"
)

const metadataKey = "__metadata__"

// TensorInfo describes a tensor in the safetensors file
type TensorInfo struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// File holds a parsed safetensors file
type File struct {
	Meta     map[string]TensorInfo
	Metadata map[string]string
	Data     []byte // raw tensor data (after header)
}

// Open reads and parses a safetensors file.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses an in-memory safetensors blob.
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("file too small: %d bytes", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("header length %d exceeds file size %d", headerLen, len(data))
	}

	headerJSON := data[8 : 8+headerLen]
	tensorData := data[8+headerLen:]

	// header may contain __metadata__ which is not a tensor
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	f := &File{Meta: make(map[string]TensorInfo), Data: tensorData}
	for k, v := range raw {
		if k == metadataKey {
			if err := json.Unmarshal(v, &f.Metadata); err != nil {
				return nil, fmt.Errorf("parse metadata: %w", err)
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(v, &info); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", k, err)
		}
		if info.DataOffsets[0] < 0 || info.DataOffsets[1] < info.DataOffsets[0] || info.DataOffsets[1] > len(tensorData) {
			return nil, fmt.Errorf("tensor %s: offsets %v out of range", k, info.DataOffsets)
		}
		f.Meta[k] = info
	}
	return f, nil
}

// Tensor reads a tensor as float32 (converting from float16/int64 if needed)
func (f *File) Tensor(name string) (*tensor.Tensor, error) {
	info, ok := f.Meta[name]
	if !ok {
		return nil, fmt.Errorf("tensor %q not found", name)
	}

	raw := f.Data[info.DataOffsets[0]:info.DataOffsets[1]]
	numel := 1
	for _, s := range info.Shape {
		numel *= s
	}

	var width int
	switch info.Dtype {
	case "F32":
		width = 4
	case "F16":
		width = 2
	case "I64":
		width = 8
	default:
		return nil, fmt.Errorf("unsupported dtype %q for tensor %q", info.Dtype, name)
	}
	if len(raw) != numel*width {
		return nil, fmt.Errorf("tensor %q: %d bytes for %d %s values", name, len(raw), numel, info.Dtype)
	}

	result := make([]float32, numel)
	switch info.Dtype {
	case "F32":
		for i := 0; i < numel; i++ {
			result[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		for i := 0; i < numel; i++ {
			result[i] = Float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "I64":
		for i := 0; i < numel; i++ {
			result[i] = float32(int64(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	}
	return tensor.From(result, info.Shape...)
}

// Write encodes named tensors as F32 safetensors. Tensors are laid out in
// name order so output is deterministic.
func Write(w io.Writer, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == metadataKey {
			return fmt.Errorf("reserved tensor name %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var body bytes.Buffer
	for _, name := range names {
		t := tensors[name]
		start := body.Len()
		for _, v := range t.Data {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			body.Write(b[:])
		}
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[name] = TensorInfo{Dtype: "F32", Shape: shape, DataOffsets: [2]int{start, body.Len()}}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	// pad header to 8 bytes with spaces
	for len(headerJSON)%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerJSON)))
	for _, chunk := range [][]byte{lenBuf[:], headerJSON, body.Bytes()} {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

// Float16ToFloat32 converts IEEE 754 half-precision to single-precision
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h) & 0x3FF

	switch {
	case exp == 0:
		if mant == 0 {
			return math.Float32frombits(sign << 31) // ±0
		}
		// denormal: normalize into float32
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x3FF
		return math.Float32frombits((sign << 31) | ((exp + 112) << 23) | (mant << 13))
	case exp == 0x1F:
		if mant == 0 {
			return math.Float32frombits((sign << 31) | 0x7F800000) // ±Inf
		}
		return math.Float32frombits((sign << 31) | 0x7FC00000) // NaN
	default:
		return math.Float32frombits((sign << 31) | ((exp + 112) << 23) | (mant << 13))
	}
}

// Float32ToFloat16 converts a float32 to IEEE 754 half bits (round toward zero).
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := (bits >> 31) & 1
	exp := int((bits>>23)&0xFF) - 127
	frac := bits & 0x7FFFFF

	if exp == 128 {
		if frac != 0 {
			return uint16(sign<<15 | 0x7C00 | 1) // NaN
		}
		return uint16(sign<<15 | 0x7C00) // Inf
	}
	if exp > 15 {
		return uint16(sign<<15 | 0x7C00) // overflow
	}
	if exp < -24 {
		return uint16(sign << 15) // underflow
	}
	if exp < -14 {
		// denormal
		frac |= 0x800000
		shift := uint(-14 - exp)
		frac >>= (shift + 13)
		return uint16(sign<<15) | uint16(frac)
	}
	return uint16(sign)<<15 | uint16(exp+15)<<10 | uint16(frac>>13)
}
