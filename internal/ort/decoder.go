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
	"github.com/ariannamethod/embedit/internal/pipeline"
	"github.com/ariannamethod/embedit/internal/scheduler"
	"github.com/ariannamethod/embedit/internal/tensor"
)

// Files expected in the decoder model directory.
const (
	UNetFile  = "unet.onnx"
	MoVQFile  = "movq_decoder.onnx"
	latentDim = 4
	// movqScale is the spatial factor between latents and pixels.
	movqScale = 8
)

var (
	_ pipeline.Prior   = (*Prior)(nil)
	_ pipeline.Decoder = (*Decoder)(nil)
)

type DecoderConfig struct {
	Dir      string
	Guidance float32
	Seed     int64
}

func DefaultDecoderConfig(dir string) DecoderConfig {
	return DecoderConfig{Dir: dir, Guidance: 4, Seed: 42}
}

// Decoder turns an image embedding into pixels: a UNet denoising loop in
// MoVQ latent space followed by the MoVQ decoder.
//
// The loop samples with DDIM (eta 0) on the learned-epsilon channels; the
// reference Kandinsky decoder uses DDPM with learned-range variance instead.
type Decoder struct {
	cfg  DecoderConfig
	unet *session
	movq *session
}

func NewDecoder(ctx context.Context, rt *Runtime, cfg DecoderConfig) (*Decoder, error) {
	d := &Decoder{cfg: cfg}
	var err error
	if d.unet, err = rt.openSession(ctx, "unet", filepath.Join(cfg.Dir, UNetFile)); err != nil {
		return nil, err
	}
	if d.movq, err = rt.openSession(ctx, "movq_decoder", filepath.Join(cfg.Dir, MoVQFile)); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Decoder) Close() {
	d.unet.Destroy()
	d.movq.Destroy()
}

// latentSize maps a pixel size to the latent grid: ceil(size/64)*8.
func latentSize(px int) int {
	n := px / (movqScale * movqScale)
	if px%(movqScale*movqScale) != 0 {
		n++
	}
	return n * movqScale
}

func (d *Decoder) Decode(ctx context.Context, req pipeline.DecodeRequest) (image.Image, error) {
	logger := logutil.GetLogger(ctx)
	if req.Embedding == nil || req.NegativeEmbedding == nil {
		return nil, fmt.Errorf("decode: embedding and negative embedding are required")
	}
	if !tensor.SameShape(req.Embedding, req.NegativeEmbedding) {
		return nil, fmt.Errorf("decode: %w: %v vs %v", tensor.ErrShapeMismatch, req.Embedding.Shape, req.NegativeEmbedding.Shape)
	}
	if req.Height <= 0 || req.Width <= 0 || req.Steps <= 0 {
		return nil, fmt.Errorf("decode: size %dx%d and steps %d must be positive", req.Width, req.Height, req.Steps)
	}

	sched, err := scheduler.NewDDIM(trainTimesteps, 0.00085, 0.012, scheduler.Linear)
	if err != nil {
		return nil, err
	}
	timesteps, err := sched.SetTimesteps(req.Steps)
	if err != nil {
		return nil, err
	}

	h, w := latentSize(req.Height), latentSize(req.Width)
	rng := rand.New(rand.NewSource(d.cfg.Seed))
	latents := tensor.Scale(tensor.Randn(rng, 1, latentDim, h, w), sched.InitNoiseSigma())

	start := time.Now()
	for i, t := range timesteps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		noise, err := d.predictNoise(latents, t, req.Embedding)
		if err != nil {
			return nil, err
		}
		if d.cfg.Guidance > 1 {
			uncond, err := d.predictNoise(latents, t, req.NegativeEmbedding)
			if err != nil {
				return nil, err
			}
			if noise, err = guide(uncond, noise, d.cfg.Guidance); err != nil {
				return nil, err
			}
		}
		if latents, err = sched.Step(noise, t, latents); err != nil {
			return nil, err
		}
		if (i+1)%10 == 0 || i == len(timesteps)-1 {
			logger.Debug("decoder step",
				zap.Int("step", i+1),
				zap.Int("of", len(timesteps)),
				zap.Int("timestep", t),
			)
		}
	}
	logger.Info("unet loop done", zap.Int("steps", len(timesteps)), zap.Duration("took", time.Since(start)))

	start = time.Now()
	res, err := d.movq.run(map[string]feed{"latents": feedOf(latents)})
	if err != nil {
		return nil, err
	}
	sample := d.movq.output(res, "sample")
	img, err := imageio.ToRGBA(sample)
	if err != nil {
		return nil, fmt.Errorf("movq output: %w", err)
	}
	// values outside [-1, 1] are clipped by ToRGBA
	logger.Info("movq decode done",
		zap.Float32("min", tensor.Min(sample)),
		zap.Float32("max", tensor.Max(sample)),
		zap.Duration("took", time.Since(start)),
	)
	return img, nil
}

func (d *Decoder) predictNoise(latents *tensor.Tensor, t int, emb *tensor.Tensor) (*tensor.Tensor, error) {
	res, err := d.unet.run(map[string]feed{
		"sample":       feedOf(latents),
		"timestep":     d.unet.timestep("timestep", t),
		"image_embeds": feedOf(emb),
	})
	if err != nil {
		return nil, err
	}
	return leadingChannels(d.unet.output(res, "out_sample"), latentDim)
}

// leadingChannels keeps the first c channels of a [1,C,H,W] tensor. The UNet
// predicts noise and variance stacked on the channel axis.
func leadingChannels(t *tensor.Tensor, c int) (*tensor.Tensor, error) {
	if len(t.Shape) != 4 || t.Shape[0] != 1 || t.Shape[1] < c {
		return nil, fmt.Errorf("unet output %v: want [1,>=%d,H,W]", t.Shape, c)
	}
	if t.Shape[1] == c {
		return t, nil
	}
	plane := t.Shape[2] * t.Shape[3]
	return tensor.From(append([]float32(nil), t.Data[:c*plane]...), 1, c, t.Shape[2], t.Shape[3])
}
