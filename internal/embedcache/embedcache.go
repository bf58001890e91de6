package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"image"
	"image/draw"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/ariannamethod/embedit/internal/logutil"
	"github.com/ariannamethod/embedit/internal/pipeline"
	"github.com/ariannamethod/embedit/internal/tensor"
)

// WrapPrior caches EncodeImage results keyed by image content. Embed is not
// cached because it is seeded and strength dependent.
// Returns p unchanged when size or ttl disable the cache.
func WrapPrior(p pipeline.Prior, size int, ttl time.Duration) pipeline.Prior {
	if p == nil || size <= 0 || ttl <= 0 {
		return p
	}
	return &lruPrior{
		next:  p,
		cache: expirable.NewLRU[string, *tensor.Tensor](size, nil, ttl),
	}
}

type lruPrior struct {
	next  pipeline.Prior
	cache *expirable.LRU[string, *tensor.Tensor]
}

func (l *lruPrior) EncodeImage(ctx context.Context, imgs ...image.Image) (*tensor.Tensor, error) {
	rows := make([]*tensor.Tensor, len(imgs))
	for i, img := range imgs {
		key := contentKey(img)
		if cached, ok := l.cache.Get(key); ok {
			logutil.GetLogger(ctx).Debug("image embedding cache hit", zap.String("key", key[:12]))
			rows[i] = cached.Clone()
			continue
		}
		emb, err := l.next.EncodeImage(ctx, img)
		if err != nil {
			return nil, err
		}
		l.cache.Add(key, emb.Clone())
		rows[i] = emb
	}
	if len(rows) == 1 {
		return rows[0], nil
	}
	return tensor.Concat(rows...)
}

func (l *lruPrior) Embed(ctx context.Context, prompt string, img image.Image, strength float64) (*tensor.Tensor, *tensor.Tensor, error) {
	return l.next.Embed(ctx, prompt, img, strength)
}

// contentKey hashes the image size and its RGBA pixels.
func contentKey(img image.Image) string {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Rect.Min != (image.Point{}) || rgba.Stride != 4*b.Dx() {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	h := sha256.New()
	var dims [16]byte
	binary.LittleEndian.PutUint64(dims[:8], uint64(b.Dx()))
	binary.LittleEndian.PutUint64(dims[8:], uint64(b.Dy()))
	h.Write(dims[:])
	h.Write(rgba.Pix[:4*b.Dx()*b.Dy()])
	return hex.EncodeToString(h.Sum(nil))
}
