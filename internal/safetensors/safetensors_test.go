package safetensors

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariannamethod/embedit/internal/tensor"
)

func TestWriteOpen_Direction(t *testing.T) {
	dir, err := tensor.From([]float32{0.25, -1.5, 3}, 1, 3)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "dir.safetensors")

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, map[string]*tensor.Tensor{"edit_direction": dir},
		map[string]string{"before": "goofy.png"}))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	f, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "goofy.png", f.Metadata["before"])

	got, err := f.Tensor("edit_direction")
	require.NoError(t, err)
	assert.Equal(t, dir.Shape, got.Shape)
	assert.Equal(t, dir.Data, got.Data)

	_, err = f.Tensor("missing")
	require.Error(t, err)
}

func TestWrite_HeaderAligned(t *testing.T) {
	var buf bytes.Buffer
	x, _ := tensor.From([]float32{1}, 1)
	require.NoError(t, Write(&buf, map[string]*tensor.Tensor{"x": x}, nil))
	headerLen := binary.LittleEndian.Uint64(buf.Bytes()[:8])
	assert.Zero(t, headerLen%8)
	assert.Equal(t, 8+int(headerLen)+4, buf.Len())
}

func TestWrite_RejectsReservedName(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, map[string]*tensor.Tensor{"__metadata__": tensor.New(1)}, nil)
	require.Error(t, err)
}

func TestParse_F16(t *testing.T) {
	header := []byte(`{"h":{"dtype":"F16","shape":[2],"data_offsets":[0,4]}}`)
	var blob bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(header)))
	blob.Write(lenBuf[:])
	blob.Write(header)
	var v [2]byte
	binary.LittleEndian.PutUint16(v[:], Float32ToFloat16(1.5))
	blob.Write(v[:])
	binary.LittleEndian.PutUint16(v[:], Float32ToFloat16(-2))
	blob.Write(v[:])

	f, err := Parse(blob.Bytes())
	require.NoError(t, err)
	got, err := f.Tensor("h")
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2}, got.Data)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte{1, 2})
	require.Error(t, err)

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 1000)
	_, err = Parse(lenBuf[:])
	require.Error(t, err)

	header := []byte(`{"x":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`)
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(header)))
	_, err = Parse(append(lenBuf[:], header...))
	require.Error(t, err, "offsets beyond data")
}

func TestFloat16Conversions(t *testing.T) {
	for _, v := range []float32{0, 1, -1, 0.5, 65504, 6.1035156e-05} {
		assert.Equal(t, v, Float16ToFloat32(Float32ToFloat16(v)), "value %v", v)
	}
	assert.True(t, math.IsInf(float64(Float16ToFloat32(Float32ToFloat16(1e6))), 1))
	assert.True(t, math.IsNaN(float64(Float16ToFloat32(Float32ToFloat16(float32(math.NaN()))))))
	// smallest denormal
	assert.InDelta(t, 5.96e-08, Float16ToFloat32(0x0001), 1e-9)
}
