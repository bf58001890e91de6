package ort

import (
	"context"
	"fmt"
	"image"
	"math/rand"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ariannamethod/embedit/internal/imageio"
	"github.com/ariannamethod/embedit/internal/logutil"
	"github.com/ariannamethod/embedit/internal/safetensors"
	"github.com/ariannamethod/embedit/internal/scheduler"
	"github.com/ariannamethod/embedit/internal/tensor"
	"github.com/ariannamethod/embedit/internal/tokenizer"
)

// Files expected in the prior model directory.
const (
	ImageEncoderFile = "image_encoder.onnx"
	TextEncoderFile  = "text_encoder.onnx"
	PriorFile        = "prior.onnx"
	ClipStatsFile    = "clip_stats.safetensors"
	TokenizerDir     = "tokenizer"
)

const (
	trainTimesteps = scheduler.TrainTimesteps
	priorClipRange = 10
)

// PriorConfig holds the Emb2Emb sampling settings.
type PriorConfig struct {
	Dir      string
	Steps    int
	Guidance float32
	Seed     int64
}

func DefaultPriorConfig(dir string) PriorConfig {
	return PriorConfig{Dir: dir, Steps: 25, Guidance: 4, Seed: 42}
}

// Prior is the Kandinsky 2.2 prior: CLIP image/text encoders plus the prior
// transformer that refines an image embedding toward a prompt.
type Prior struct {
	cfg      PriorConfig
	imageEnc *session
	textEnc  *session
	prior    *session
	tok      *tokenizer.CLIP
	clipMean *tensor.Tensor
	clipStd  *tensor.Tensor
}

func NewPrior(ctx context.Context, rt *Runtime, cfg PriorConfig) (*Prior, error) {
	if cfg.Steps < 2 {
		return nil, fmt.Errorf("prior steps must be >= 2, got %d", cfg.Steps)
	}
	p := &Prior{cfg: cfg}

	tok, err := tokenizer.Load(filepath.Join(cfg.Dir, TokenizerDir))
	if err != nil {
		return nil, fmt.Errorf("prior tokenizer: %w", err)
	}
	p.tok = tok

	stats, err := safetensors.Open(filepath.Join(cfg.Dir, ClipStatsFile))
	if err != nil {
		return nil, fmt.Errorf("clip stats: %w", err)
	}
	if p.clipMean, err = stats.Tensor("clip_mean"); err != nil {
		return nil, err
	}
	if p.clipStd, err = stats.Tensor("clip_std"); err != nil {
		return nil, err
	}

	if p.imageEnc, err = rt.openSession(ctx, "image_encoder", filepath.Join(cfg.Dir, ImageEncoderFile)); err != nil {
		p.Close()
		return nil, err
	}
	if p.textEnc, err = rt.openSession(ctx, "text_encoder", filepath.Join(cfg.Dir, TextEncoderFile)); err != nil {
		p.Close()
		return nil, err
	}
	if p.prior, err = rt.openSession(ctx, "prior", filepath.Join(cfg.Dir, PriorFile)); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Prior) Close() {
	p.imageEnc.Destroy()
	p.textEnc.Destroy()
	p.prior.Destroy()
}

// EncodeImage returns one CLIP image embedding row per image, [N, D].
func (p *Prior) EncodeImage(ctx context.Context, imgs ...image.Image) (*tensor.Tensor, error) {
	if len(imgs) == 0 {
		return nil, fmt.Errorf("encode image: no images")
	}
	rows := make([]*tensor.Tensor, 0, len(imgs))
	for _, img := range imgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, err := p.encodePixels(imageio.CLIPPixels(img))
		if err != nil {
			return nil, err
		}
		rows = append(rows, emb)
	}
	return tensor.Concat(rows...)
}

func (p *Prior) encodePixels(px *tensor.Tensor) (*tensor.Tensor, error) {
	res, err := p.imageEnc.run(map[string]feed{"pixel_values": feedOf(px)})
	if err != nil {
		return nil, err
	}
	return p.imageEnc.output(res, "image_embeds"), nil
}

// negativeEmbedding is the image encoder's response to an all-zero image.
func (p *Prior) negativeEmbedding() (*tensor.Tensor, error) {
	return p.encodePixels(tensor.New(1, 3, imageio.CLIPSize, imageio.CLIPSize))
}

type textEmbedding struct {
	embeds *tensor.Tensor // [1, D]
	hidden *tensor.Tensor // [1, 77, D]
	mask   []float32      // [77]
}

func (p *Prior) encodeText(prompt string) (*textEmbedding, error) {
	ids, mask := p.tok.Encode(prompt)
	idf := make([]float32, len(ids))
	maskf := make([]float32, len(mask))
	for i := range ids {
		idf[i] = float32(ids[i])
		maskf[i] = float32(mask[i])
	}
	shape := []int64{1, int64(len(ids))}
	feeds := map[string]feed{"input_ids": {data: idf, shape: shape}}
	if p.textEnc.has("attention_mask") {
		feeds["attention_mask"] = feed{data: maskf, shape: shape}
	}
	res, err := p.textEnc.run(feeds)
	if err != nil {
		return nil, err
	}
	te := &textEmbedding{
		embeds: p.textEnc.output(res, "text_embeds"),
		hidden: res["last_hidden_state"],
		mask:   maskf,
	}
	if te.hidden == nil {
		return nil, fmt.Errorf("text_encoder: missing last_hidden_state output")
	}
	return te, nil
}

// Embed refines the embedding of img toward prompt. strength selects how many
// of the final prior timesteps are run; when that count is zero the image
// embedding is returned unchanged. The second result is the negative
// embedding of a blank image.
func (p *Prior) Embed(ctx context.Context, prompt string, img image.Image, strength float64) (*tensor.Tensor, *tensor.Tensor, error) {
	logger := logutil.GetLogger(ctx)
	if strength < 0 || strength > 1 {
		return nil, nil, fmt.Errorf("prior strength must be in [0, 1], got %v", strength)
	}
	start := time.Now()

	imgEmb, err := p.EncodeImage(ctx, img)
	if err != nil {
		return nil, nil, err
	}
	neg, err := p.negativeEmbedding()
	if err != nil {
		return nil, nil, err
	}

	emb, steps, err := p.sampler().refine(ctx, prompt, imgEmb, strength)
	if err != nil {
		return nil, nil, err
	}
	if steps == 0 {
		logger.Debug("prior skipped", zap.Float64("strength", strength))
		return emb, neg, nil
	}
	logger.Info("prior done",
		zap.Int("steps", steps),
		zap.Float64("strength", strength),
		zap.Duration("took", time.Since(start)),
	)
	return emb, neg, nil
}

func (p *Prior) sampler() *priorSampler {
	return &priorSampler{
		steps:      p.cfg.Steps,
		guidance:   p.cfg.Guidance,
		seed:       p.cfg.Seed,
		mean:       p.clipMean,
		std:        p.clipStd,
		encodeText: p.encodeText,
		predict:    p.predict,
	}
}

// priorSampler is the Emb2Emb loop: noise the image embedding to the first
// kept timestep, denoise with the prior, then un-normalize with the CLIP stats.
type priorSampler struct {
	steps    int
	guidance float32
	seed     int64
	mean     *tensor.Tensor
	std      *tensor.Tensor

	encodeText func(prompt string) (*textEmbedding, error)
	predict    func(latents *tensor.Tensor, t int, te *textEmbedding) (*tensor.Tensor, error)
}

// refine returns the refined embedding and the number of prior steps run.
// With zero steps imgEmb itself is returned.
func (s *priorSampler) refine(ctx context.Context, prompt string, imgEmb *tensor.Tensor, strength float64) (*tensor.Tensor, int, error) {
	sched, err := scheduler.NewUnCLIP(trainTimesteps, priorClipRange)
	if err != nil {
		return nil, 0, err
	}
	all, err := sched.SetTimesteps(s.steps)
	if err != nil {
		return nil, 0, err
	}
	timesteps := scheduler.Strength(all, strength)
	if len(timesteps) == 0 {
		return imgEmb, 0, nil
	}

	cond, err := s.encodeText(prompt)
	if err != nil {
		return nil, 0, err
	}
	// an empty prompt is its own unconditional embedding
	uncond := cond
	if s.guidance > 1 && prompt != "" {
		if uncond, err = s.encodeText(""); err != nil {
			return nil, 0, err
		}
	}

	rng := rand.New(rand.NewSource(s.seed))
	noise := tensor.Randn(rng, imgEmb.Shape...)
	latents, err := sched.AddNoise(imgEmb, noise, timesteps[0])
	if err != nil {
		return nil, 0, err
	}

	for i, t := range timesteps {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		pred, err := s.predict(latents, t, cond)
		if err != nil {
			return nil, 0, err
		}
		if s.guidance > 1 && uncond != cond {
			predUncond, err := s.predict(latents, t, uncond)
			if err != nil {
				return nil, 0, err
			}
			if pred, err = guide(predUncond, pred, s.guidance); err != nil {
				return nil, 0, err
			}
		}
		prev := -1
		if i+1 < len(timesteps) {
			prev = timesteps[i+1]
		}
		if latents, err = sched.Step(pred, t, prev, latents, rng); err != nil {
			return nil, 0, err
		}
	}

	emb, err := denormalize(latents, s.mean, s.std)
	if err != nil {
		return nil, 0, err
	}
	return emb, len(timesteps), nil
}

func (p *Prior) predict(latents *tensor.Tensor, t int, te *textEmbedding) (*tensor.Tensor, error) {
	feeds := map[string]feed{
		"hidden_states":         feedOf(latents),
		"timestep":              p.prior.timestep("timestep", t),
		"proj_embedding":        feedOf(te.embeds),
		"encoder_hidden_states": feedOf(te.hidden),
	}
	if p.prior.has("attention_mask") {
		feeds["attention_mask"] = feed{data: te.mask, shape: []int64{1, int64(len(te.mask))}}
	}
	res, err := p.prior.run(feeds)
	if err != nil {
		return nil, err
	}
	out := p.prior.output(res, "predicted_image_embedding")
	if !tensor.SameShape(out, latents) {
		return nil, fmt.Errorf("prior output %v: %w with latents %v", out.Shape, tensor.ErrShapeMismatch, latents.Shape)
	}
	return out, nil
}

// denormalize un-normalizes prior latents: x*clip_std + clip_mean.
func denormalize(latents, mean, std *tensor.Tensor) (*tensor.Tensor, error) {
	d := latents.Shape[len(latents.Shape)-1]
	if mean.Numel() != d || std.Numel() != d {
		return nil, fmt.Errorf("clip stats have %d/%d values, embedding dim is %d", mean.Numel(), std.Numel(), d)
	}
	out := latents.Clone()
	for i := range out.Data {
		j := i % d
		out.Data[i] = out.Data[i]*std.Data[j] + mean.Data[j]
	}
	return out, nil
}

// guide applies classifier-free guidance: uncond + g*(cond-uncond).
func guide(uncond, cond *tensor.Tensor, g float32) (*tensor.Tensor, error) {
	diff, err := tensor.Sub(cond, uncond)
	if err != nil {
		return nil, err
	}
	return tensor.AddScaled(uncond, diff, g)
}
