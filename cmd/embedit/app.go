package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/ariannamethod/embedit/internal/config"
	"github.com/ariannamethod/embedit/internal/embedcache"
	"github.com/ariannamethod/embedit/internal/imageio"
	"github.com/ariannamethod/embedit/internal/logutil"
	"github.com/ariannamethod/embedit/internal/ort"
	"github.com/ariannamethod/embedit/internal/pipeline"
	"github.com/ariannamethod/embedit/internal/safetensors"
	"github.com/ariannamethod/embedit/internal/sink"
	"github.com/ariannamethod/embedit/internal/tensor"
)

// directionKey names the edit direction tensor in saved safetensors files.
const directionKey = "edit_direction"

// app owns the loaded models for one command invocation.
type app struct {
	cfg     *config.Config
	rt      *ort.Runtime
	prior   *ort.Prior
	decoder *ort.Decoder
	editor  *pipeline.Editor
	sink    sink.Sink
}

// newApp loads the prior and, when withDecoder is set, the decoder.
func newApp(ctx context.Context, cfg *config.Config, withDecoder bool) (*app, error) {
	logger := logutil.GetLogger(ctx)
	start := time.Now()

	out, err := sink.New(cfg.Sink)
	if err != nil {
		return nil, fmt.Errorf("init sink: %w", err)
	}
	a := &app{cfg: cfg, sink: out}

	a.rt, err = ort.NewRuntime(ctx, ort.Options{
		Library:        cfg.Runtime.Library,
		GPU:            cfg.Runtime.GPU,
		IntraOpThreads: cfg.Runtime.IntraOpThreads,
		InterOpThreads: cfg.Runtime.InterOpThreads,
	})
	if err != nil {
		return nil, err
	}

	g := cfg.Generation
	a.prior, err = ort.NewPrior(ctx, a.rt, ort.PriorConfig{
		Dir:      cfg.Models.PriorDir,
		Steps:    g.PriorSteps,
		Guidance: g.PriorGuidance,
		Seed:     g.Seed,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load prior: %w", err)
	}

	var decoder pipeline.Decoder
	if withDecoder {
		a.decoder, err = ort.NewDecoder(ctx, a.rt, ort.DecoderConfig{
			Dir:      cfg.Models.DecoderDir,
			Guidance: g.DecoderGuidance,
			Seed:     g.Seed,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load decoder: %w", err)
		}
		decoder = a.decoder
	}

	a.editor = pipeline.NewEditor(
		embedcache.WrapPrior(a.prior, cfg.Cache.Size, cfg.Cache.TTL),
		decoder,
		pipeline.WithParams(pipeline.Params{
			Height: g.Height,
			Width:  g.Width,
			Steps:  g.Steps,
			Scale:  g.Scale,
		}),
	)
	logger.Info("models loaded",
		zap.Bool("decoder", withDecoder),
		zap.Bool("gpu", a.rt.GPU()),
		zap.Duration("took", time.Since(start)),
	)
	return a, nil
}

func (a *app) Close() {
	if a.decoder != nil {
		a.decoder.Close()
	}
	if a.prior != nil {
		a.prior.Close()
	}
	if a.rt != nil {
		_ = a.rt.Close()
	}
}

// writePNG encodes img and stores it under key, returning the stored location.
func writePNG(ctx context.Context, s sink.Sink, key string, img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := imageio.EncodePNG(&buf, img); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	loc, err := s.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		return "", fmt.Errorf("store %s: %w", key, err)
	}
	logutil.GetLogger(ctx).Info("image saved", zap.String("location", loc), zap.Int("bytes", buf.Len()))
	return loc, nil
}

// writeDirection stores dir as a single-tensor safetensors file.
func writeDirection(ctx context.Context, s sink.Sink, key string, dir *tensor.Tensor, meta map[string]string) (string, error) {
	var buf bytes.Buffer
	if err := safetensors.Write(&buf, map[string]*tensor.Tensor{directionKey: dir}, meta); err != nil {
		return "", fmt.Errorf("encode direction: %w", err)
	}
	loc, err := s.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		return "", fmt.Errorf("store %s: %w", key, err)
	}
	logutil.GetLogger(ctx).Info("direction saved",
		zap.String("location", loc),
		zap.Ints("shape", dir.Shape),
		zap.Float32("norm", tensor.Norm(dir)),
	)
	return loc, nil
}

func readDirection(path string) (*tensor.Tensor, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open direction: %w", err)
	}
	dir, err := f.Tensor(directionKey)
	if err != nil {
		return nil, fmt.Errorf("read direction: %w", err)
	}
	return dir, nil
}
