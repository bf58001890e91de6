// Package pipeline edits images by arithmetic on prior embeddings.
//
// The prior maps images (and an optional prompt) to image embeddings; the
// decoder renders an image from an embedding pair. An edit direction is the
// difference between the embeddings of an "after" and a "before" example and
// is added to the embedding of a new target before decoding.
package pipeline

import (
	"context"
	"errors"
	"image"
	"math"

	"github.com/ariannamethod/embedit/internal/tensor"
)

// ErrInvalidStrength is returned for strengths outside [0, 1].
var ErrInvalidStrength = errors.New("strength must be in [0, 1]")

// ImageEncoder maps images to prior image embeddings, one row per image.
type ImageEncoder interface {
	EncodeImage(ctx context.Context, imgs ...image.Image) (*tensor.Tensor, error)
}

// Prior is the first stage: image encoding and prompt/image re-embedding.
type Prior interface {
	ImageEncoder
	// Embed returns the image embedding and its negative counterpart for
	// (prompt, img, strength).
	Embed(ctx context.Context, prompt string, img image.Image, strength float64) (emb, neg *tensor.Tensor, err error)
}

// DecodeRequest carries everything the decoder needs for one image.
type DecodeRequest struct {
	Embedding         *tensor.Tensor
	NegativeEmbedding *tensor.Tensor
	Height            int
	Width             int
	Steps             int
}

// Decoder is the second stage: embedding pair to bitmap.
type Decoder interface {
	Decode(ctx context.Context, req DecodeRequest) (image.Image, error)
}

// EditDirection returns after - before.
func EditDirection(before, after *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Sub(after, before)
}

// ApplyDirection returns target + scale*direction.
func ApplyDirection(target, direction *tensor.Tensor, scale float32) (*tensor.Tensor, error) {
	return tensor.AddScaled(target, direction, scale)
}

func validStrength(s float64) error {
	if math.IsNaN(s) || s < 0 || s > 1 {
		return ErrInvalidStrength
	}
	return nil
}
