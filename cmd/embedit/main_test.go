package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariannamethod/embedit/internal/imageio"
	"github.com/ariannamethod/embedit/internal/safetensors"
	"github.com/ariannamethod/embedit/internal/sink"
	"github.com/ariannamethod/embedit/internal/tensor"
)

func localSink(t *testing.T) (sink.Sink, string) {
	dir := t.TempDir()
	s, err := sink.New(sink.Config{Type: "local", Data: map[string]any{"dir": dir}})
	require.NoError(t, err)
	return s, dir
}

func TestWriteAndReadDirection(t *testing.T) {
	s, _ := localSink(t)
	dir, err := tensor.From([]float32{0.5, -1, 2}, 1, 3)
	require.NoError(t, err)

	loc, err := writeDirection(context.Background(), s, "dirs/neon.safetensors", dir, map[string]string{"before": "a.png"})
	require.NoError(t, err)

	got, err := readDirection(loc)
	require.NoError(t, err)
	assert.Equal(t, dir.Shape, got.Shape)
	assert.Equal(t, dir.Data, got.Data)

	f, err := safetensors.Open(loc)
	require.NoError(t, err)
	assert.Equal(t, "a.png", f.Metadata["before"])
}

func TestReadDirection_MissingTensor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.safetensors")
	var buf bytes.Buffer
	require.NoError(t, safetensors.Write(&buf, map[string]*tensor.Tensor{"other": tensor.New(1, 2)}, nil))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	_, err := readDirection(path)
	require.Error(t, err)
}

func TestWritePNG(t *testing.T) {
	s, _ := localSink(t)
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.SetRGBA(1, 1, color.RGBA{R: 255, A: 255})

	loc, err := writePNG(context.Background(), s, "data/tests/test.png", img)
	require.NoError(t, err)

	got, err := imageio.Load(loc)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), got.Bounds())
	r, _, _, _ := got.At(1, 1).RGBA()
	assert.Equal(t, uint32(0xffff), r)
}

func TestRootCmd_RejectsBadInputsBeforeLoadingModels(t *testing.T) {
	t.Setenv("EMBEDIT_ORT_LIB", "")
	t.Setenv("EMBEDIT_GPU", "")

	cases := map[string][]string{
		"missing config": {"--config", filepath.Join(t.TempDir(), "nope.yaml"), "edit"},
		"bad log level":  {"--log-level", "loud", "edit"},
		"bad strength":   {"edit", "--strength", "1.5"},
		"bad steps":      {"guide", "--steps", "0"},
		"no direction":   {"apply"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetArgs(args)
			require.Error(t, cmd.ExecuteContext(context.Background()))
		})
	}
}
