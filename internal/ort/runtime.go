// Package ort runs the Kandinsky 2.2 prior and decoder ONNX exports through
// ONNX Runtime.
package ort

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/ariannamethod/embedit/internal/logutil"
)

// DefaultLibraryCandidates are tried in order when no library path is set.
var DefaultLibraryCandidates = []string{
	"/usr/local/lib/libonnxruntime.dylib",
	"/opt/homebrew/lib/libonnxruntime.dylib",
	"/usr/lib/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.so",
	"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	"/usr/lib/aarch64-linux-gnu/libonnxruntime.so",
}

var ErrLibraryNotFound = errors.New("libonnxruntime not found")

// Options configures the shared ONNX Runtime environment.
type Options struct {
	Library        string
	GPU            bool
	IntraOpThreads int
	InterOpThreads int
}

// Runtime owns the ORT environment and the session options shared by every
// model session. Close it after all sessions are destroyed.
type Runtime struct {
	opts *ort.SessionOptions
	gpu  bool
}

// FindLibrary returns the first existing path, or "".
func FindLibrary(candidates []string) string {
	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && !st.IsDir() {
			return c
		}
	}
	return ""
}

// NewRuntime initializes ONNX Runtime. CUDA is used only when o.GPU is set
// and falls back to CPU if the provider cannot be created.
func NewRuntime(ctx context.Context, o Options) (*Runtime, error) {
	logger := logutil.GetLogger(ctx)

	lib := o.Library
	if lib == "" {
		lib = FindLibrary(DefaultLibraryCandidates)
	}
	if lib == "" {
		return nil, fmt.Errorf("%w: set runtime.library or EMBEDIT_ORT_LIB", ErrLibraryNotFound)
	}
	ort.SetSharedLibraryPath(lib)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("ORT init: %w", err)
		}
	}
	logger.Info("onnxruntime initialized", zap.String("library", lib), zap.String("version", ort.GetVersion()))

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("graph optimization: %w", err)
	}

	rt := &Runtime{opts: opts}
	if o.GPU {
		rt.gpu = appendCUDA(ctx, opts)
	}
	if !rt.gpu {
		logger.Info("using CPU execution provider",
			zap.Int("intra_op_threads", o.IntraOpThreads),
			zap.Int("inter_op_threads", o.InterOpThreads),
		)
		if o.IntraOpThreads > 0 {
			if err := opts.SetIntraOpNumThreads(o.IntraOpThreads); err != nil {
				opts.Destroy()
				return nil, fmt.Errorf("intra-op threads: %w", err)
			}
		}
		if o.InterOpThreads > 0 {
			if err := opts.SetInterOpNumThreads(o.InterOpThreads); err != nil {
				opts.Destroy()
				return nil, fmt.Errorf("inter-op threads: %w", err)
			}
		}
	}
	return rt, nil
}

func appendCUDA(ctx context.Context, opts *ort.SessionOptions) bool {
	logger := logutil.GetLogger(ctx)
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		logger.Warn("CUDA not available, using CPU", zap.Error(err))
		return false
	}
	defer cudaOpts.Destroy()
	if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
		logger.Warn("CUDA init failed, falling back to CPU", zap.Error(err))
		return false
	}
	logger.Info("using CUDA execution provider")
	return true
}

// GPU reports whether the CUDA provider was attached.
func (r *Runtime) GPU() bool {
	return r.gpu
}

func (r *Runtime) Close() error {
	if r.opts != nil {
		r.opts.Destroy()
		r.opts = nil
	}
	return ort.DestroyEnvironment()
}

// openSession reads the model's inputs/outputs and creates a dynamic session
// over all of them.
func (r *Runtime) openSession(ctx context.Context, name, path string) (*session, error) {
	start := time.Now()
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("%s info: %w", name, err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%s: model declares no outputs", name)
	}
	s := &session{
		name:   name,
		inputs: make(map[string]ort.InputOutputInfo, len(inputs)),
	}
	for _, in := range inputs {
		s.inNames = append(s.inNames, in.Name)
		s.inputs[in.Name] = in
	}
	for _, out := range outputs {
		s.outNames = append(s.outNames, out.Name)
	}

	s.sess, err = ort.NewDynamicAdvancedSession(path, s.inNames, s.outNames, r.opts)
	if err != nil {
		return nil, fmt.Errorf("%s session: %w", name, err)
	}
	logutil.GetLogger(ctx).Info("model loaded",
		zap.String("model", name),
		zap.Strings("inputs", s.inNames),
		zap.Strings("outputs", s.outNames),
		zap.Duration("took", time.Since(start)),
	)
	return s, nil
}
