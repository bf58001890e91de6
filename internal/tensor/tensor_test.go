package tensor

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustFrom(t *testing.T, data []float32, shape ...int) *Tensor {
	t.Helper()
	x, err := From(data, shape...)
	require.NoError(t, err)
	return x
}

func TestFrom_RejectsWrongLength(t *testing.T) {
	_, err := From([]float32{1, 2, 3}, 2, 2)
	require.Error(t, err)
}

func TestAddSub(t *testing.T) {
	a := mustFrom(t, []float32{1, 2, 3}, 1, 3)
	b := mustFrom(t, []float32{0.5, -1, 4}, 1, 3)

	sum, err := Add(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 1, 7}, sum.Data)
	assert.Equal(t, []int{1, 3}, sum.Shape)

	diff, err := Sub(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 3, -1}, diff.Data)

	// inputs untouched
	assert.Equal(t, []float32{1, 2, 3}, a.Data)
}

func TestAddScaled(t *testing.T) {
	a := mustFrom(t, []float32{1, 1}, 2)
	b := mustFrom(t, []float32{2, -2}, 2)
	out, err := AddScaled(a, b, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 0}, out.Data)
}

func TestShapeMismatch(t *testing.T) {
	a := New(1, 4)
	b := New(1, 3)
	_, err := Add(a, b)
	require.ErrorIs(t, err, ErrShapeMismatch)

	// same length, different shape
	_, err = Sub(New(2, 2), New(1, 4))
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Add(a, nil)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestConcat(t *testing.T) {
	a := mustFrom(t, []float32{1, 2}, 1, 2)
	b := mustFrom(t, []float32{3, 4, 5, 6}, 2, 2)
	out, err := Concat(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, out.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, out.Data)

	_, err = Concat(a, New(1, 3))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestCloneIsDeep(t *testing.T) {
	a := mustFrom(t, []float32{1, 2}, 2)
	c := a.Clone()
	c.Data[0] = 9
	c.Shape[0] = 7
	assert.Equal(t, float32(1), a.Data[0])
	assert.Equal(t, 2, a.Shape[0])
}

func TestCosineSimilarity(t *testing.T) {
	a := mustFrom(t, []float32{1, 0}, 2)
	b := mustFrom(t, []float32{0, 3}, 2)
	c := mustFrom(t, []float32{2, 0}, 2)

	s, err := CosineSimilarity(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 0, s, 1e-6)

	s, err = CosineSimilarity(a, c)
	require.NoError(t, err)
	assert.InDelta(t, 1, s, 1e-6)

	s, err = CosineSimilarity(a, New(2))
	require.NoError(t, err)
	assert.Zero(t, s)
}

func TestNorm(t *testing.T) {
	assert.InDelta(t, 5, Norm(mustFrom(t, []float32{3, 4}, 2)), 1e-6)
}

func TestMinMax(t *testing.T) {
	x := mustFrom(t, []float32{0.5, -1.25, 3, 0}, 2, 2)
	assert.Equal(t, float32(-1.25), Min(x))
	assert.Equal(t, float32(3), Max(x))

	empty := New(0)
	assert.NotPanics(t, func() {
		assert.Zero(t, Min(empty))
		assert.Zero(t, Max(empty))
	})
}

func TestRandn_Deterministic(t *testing.T) {
	a := Randn(rand.New(rand.NewSource(42)), 1, 5)
	b := Randn(rand.New(rand.NewSource(42)), 1, 5)
	assert.Equal(t, a.Data, b.Data)
	assert.Len(t, a.Data, 5)

	var nonZero int
	for _, v := range a.Data {
		if v != 0 {
			nonZero++
		}
	}
	assert.Equal(t, 5, nonZero)
}

func TestApproxEqual(t *testing.T) {
	a := mustFrom(t, []float32{1, 2}, 2)
	b := mustFrom(t, []float32{1.00001, 2}, 2)
	assert.True(t, ApproxEqual(a, b, 1e-4))
	assert.False(t, ApproxEqual(a, b, 1e-7))
	assert.False(t, ApproxEqual(a, New(1, 2), 1))
}
