package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/ariannamethod/embedit/internal/logutil"
	"github.com/ariannamethod/embedit/internal/tensor"
)

// Params are the fixed generation parameters handed to the decoder.
type Params struct {
	Height int
	Width  int
	Steps  int
	// Scale multiplies the edit direction before it is added.
	Scale float32
}

// DefaultParams renders 768x768 in 100 steps with the direction added as is.
func DefaultParams() Params {
	return Params{Height: 768, Width: 768, Steps: 100, Scale: 1}
}

// Option configures an Editor.
type Option func(*Editor)

func WithParams(p Params) Option {
	return func(e *Editor) { e.params = p }
}

func WithScale(scale float32) Option {
	return func(e *Editor) { e.params.Scale = scale }
}

// Editor derives edit directions from example pairs and applies them to
// target images.
type Editor struct {
	prior   Prior
	decoder Decoder
	params  Params
}

func NewEditor(prior Prior, decoder Decoder, opts ...Option) *Editor {
	e := &Editor{prior: prior, decoder: decoder, params: DefaultParams()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EditRequest is one embedding-arithmetic edit.
type EditRequest struct {
	Before image.Image
	After  image.Image
	Target image.Image
	// Prompt is passed to the prior with the target; usually empty.
	Prompt   string
	Strength float64
}

// GuideRequest is a text-guided re-embedding of a single image.
type GuideRequest struct {
	Prompt   string
	Image    image.Image
	Strength float64
}

// Result holds the decoded image and the embeddings that produced it.
type Result struct {
	Image             image.Image
	Embedding         *tensor.Tensor
	NegativeEmbedding *tensor.Tensor
	// Direction is nil for guided edits.
	Direction *tensor.Tensor
}

// Direction encodes both examples and returns feats(after) - feats(before).
func (e *Editor) Direction(ctx context.Context, before, after image.Image) (*tensor.Tensor, error) {
	if before == nil || after == nil {
		return nil, errors.New("direction: before and after images are required")
	}
	start := time.Now()
	beforeEmb, err := e.prior.EncodeImage(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("encode before: %w", err)
	}
	afterEmb, err := e.prior.EncodeImage(ctx, after)
	if err != nil {
		return nil, fmt.Errorf("encode after: %w", err)
	}
	dir, err := EditDirection(beforeEmb, afterEmb)
	if err != nil {
		return nil, fmt.Errorf("edit direction: %w", err)
	}
	logutil.GetLogger(ctx).Info("edit direction computed",
		zap.Ints("shape", dir.Shape),
		zap.Float32("norm", tensor.Norm(dir)),
		zap.Duration("took", time.Since(start)),
	)
	return dir, nil
}

// Edit computes the direction from req.Before/req.After and applies it to req.Target.
func (e *Editor) Edit(ctx context.Context, req EditRequest) (*Result, error) {
	if err := validStrength(req.Strength); err != nil {
		return nil, err
	}
	dir, err := e.Direction(ctx, req.Before, req.After)
	if err != nil {
		return nil, err
	}
	return e.ApplyEdit(ctx, dir, req.Target, req.Prompt, req.Strength)
}

// ApplyEdit re-embeds target, adds direction and decodes.
func (e *Editor) ApplyEdit(ctx context.Context, direction *tensor.Tensor, target image.Image, prompt string, strength float64) (*Result, error) {
	if err := validStrength(strength); err != nil {
		return nil, err
	}
	if direction == nil || target == nil {
		return nil, errors.New("apply edit: direction and target are required")
	}
	logger := logutil.GetLogger(ctx)

	start := time.Now()
	emb, neg, err := e.prior.Embed(ctx, prompt, target, strength)
	if err != nil {
		return nil, fmt.Errorf("prior: %w", err)
	}
	logger.Info("target embedded", zap.Float64("strength", strength), zap.Duration("took", time.Since(start)))

	edited, err := ApplyDirection(emb, direction, e.params.Scale)
	if err != nil {
		return nil, fmt.Errorf("apply direction: %w", err)
	}
	if sim, err := tensor.CosineSimilarity(emb, edited); err == nil {
		logger.Debug("edited embedding", zap.Float32("cosine_to_target", sim), zap.Float32("scale", e.params.Scale))
	}

	img, err := e.decode(ctx, edited, neg)
	if err != nil {
		return nil, err
	}
	return &Result{Image: img, Embedding: edited, NegativeEmbedding: neg, Direction: direction}, nil
}

// Guide re-embeds an image under a text prompt and decodes it.
func (e *Editor) Guide(ctx context.Context, req GuideRequest) (*Result, error) {
	if err := validStrength(req.Strength); err != nil {
		return nil, err
	}
	if req.Image == nil {
		return nil, errors.New("guide: image is required")
	}
	start := time.Now()
	emb, neg, err := e.prior.Embed(ctx, req.Prompt, req.Image, req.Strength)
	if err != nil {
		return nil, fmt.Errorf("prior: %w", err)
	}
	logutil.GetLogger(ctx).Info("image embedded with prompt",
		zap.String("prompt", req.Prompt),
		zap.Float64("strength", req.Strength),
		zap.Duration("took", time.Since(start)),
	)
	img, err := e.decode(ctx, emb, neg)
	if err != nil {
		return nil, err
	}
	return &Result{Image: img, Embedding: emb, NegativeEmbedding: neg}, nil
}

func (e *Editor) decode(ctx context.Context, emb, neg *tensor.Tensor) (image.Image, error) {
	start := time.Now()
	img, err := e.decoder.Decode(ctx, DecodeRequest{
		Embedding:         emb,
		NegativeEmbedding: neg,
		Height:            e.params.Height,
		Width:             e.params.Width,
		Steps:             e.params.Steps,
	})
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	logutil.GetLogger(ctx).Info("image decoded",
		zap.Int("height", e.params.Height),
		zap.Int("width", e.params.Width),
		zap.Int("steps", e.params.Steps),
		zap.Duration("took", time.Since(start)),
	)
	return img, nil
}
