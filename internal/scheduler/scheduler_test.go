package scheduler

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariannamethod/embedit/internal/tensor"
)

func TestDDIMSetTimesteps(t *testing.T) {
	s, err := NewDDIM(1000, 0.00085, 0.012, Linear)
	require.NoError(t, err)

	ts, err := s.SetTimesteps(4)
	require.NoError(t, err)
	assert.Equal(t, []int{751, 501, 251, 1}, ts)

	_, err = s.SetTimesteps(0)
	require.Error(t, err)
}

func TestDDIMStep_PerfectNoiseRecoversClean(t *testing.T) {
	s, err := NewDDIM(1000, 0.00085, 0.012, Linear)
	require.NoError(t, err)
	ts, err := s.SetTimesteps(10)
	require.NoError(t, err)

	// sample = sqrt(a)*x0 + sqrt(1-a)*eps; predicting eps exactly lands on the
	// previous timestep's marginal for the same x0 and eps.
	x0, _ := tensor.From([]float32{0.5, -0.25}, 2)
	eps, _ := tensor.From([]float32{1, -1}, 2)
	at := s.alphasCumprod[ts[0]]
	sample := tensor.New(2)
	for i := range sample.Data {
		sample.Data[i] = float32(math.Sqrt(at))*x0.Data[i] + float32(math.Sqrt(1-at))*eps.Data[i]
	}

	prev, err := s.Step(eps, ts[0], sample)
	require.NoError(t, err)

	ap := s.alphasCumprod[ts[1]]
	for i := range prev.Data {
		want := float32(math.Sqrt(ap))*x0.Data[i] + float32(math.Sqrt(1-ap))*eps.Data[i]
		assert.InDelta(t, want, prev.Data[i], 1e-4)
	}
}

func TestDDIMSetTimesteps_StaysInsideTrainingRange(t *testing.T) {
	s, err := NewDDIM(TrainTimesteps, 0.00085, 0.012, Linear)
	require.NoError(t, err)

	_, err = s.SetTimesteps(1000)
	require.Error(t, err)
	require.Error(t, CheckDDIMSteps(TrainTimesteps, 1000))

	ts, err := s.SetTimesteps(999)
	require.NoError(t, err)
	assert.Equal(t, 999, ts[0])

	ts, err = s.SetTimesteps(500)
	require.NoError(t, err)
	assert.Equal(t, 999, ts[0])

	sample := tensor.New(2)
	_, err = s.Step(tensor.New(2), ts[0], sample)
	require.NoError(t, err)
	_, err = s.Step(tensor.New(2), TrainTimesteps, sample)
	require.Error(t, err)
	_, err = s.Step(tensor.New(2), -1, sample)
	require.Error(t, err)
}

func TestDDIMStep_RequiresTimesteps(t *testing.T) {
	s, err := NewDDIM(1000, 0.00085, 0.012, Linear)
	require.NoError(t, err)
	_, err = s.Step(tensor.New(1), 1, tensor.New(1))
	require.Error(t, err)
}

func TestUnknownSchedule(t *testing.T) {
	_, err := NewDDIM(1000, 0.1, 0.2, "cubic")
	require.Error(t, err)
}

func TestUnCLIPSetTimesteps(t *testing.T) {
	s, err := NewUnCLIP(1000, 10)
	require.NoError(t, err)
	ts, err := s.SetTimesteps(25)
	require.NoError(t, err)
	require.Len(t, ts, 25)
	assert.Equal(t, 999, ts[0])
	assert.Equal(t, 0, ts[24])
	for i := 1; i < len(ts); i++ {
		assert.Less(t, ts[i], ts[i-1])
	}
}

func TestStrength(t *testing.T) {
	ts := []int{24, 20, 16, 12, 8, 4, 0}
	assert.Empty(t, Strength(ts, 0))
	assert.Equal(t, []int{0}, Strength(ts, 0.15))
	assert.Equal(t, []int{8, 4, 0}, Strength(ts, 0.5))
	assert.Equal(t, ts, Strength(ts, 1))
	assert.Equal(t, ts, Strength(ts, 2))
}

func TestStrength_PriorDefaults(t *testing.T) {
	s, err := NewUnCLIP(1000, 10)
	require.NoError(t, err)
	ts, err := s.SetTimesteps(25)
	require.NoError(t, err)
	// 25 * 0.1 = 2.5 -> 2 refinement steps
	assert.Len(t, Strength(ts, 0.1), 2)
	assert.Len(t, Strength(ts, 0.7), 17)
}

func TestUnCLIPStep_LastStepIsDeterministic(t *testing.T) {
	s, err := NewUnCLIP(1000, 10)
	require.NoError(t, err)

	x0, _ := tensor.From([]float32{0.3, -0.7, 1.2}, 1, 3)
	sample, _ := tensor.From([]float32{0.1, 0.2, 0.3}, 1, 3)

	// at t=0 with prev=-1 the clean prediction is returned as is
	out, err := s.Step(x0, 0, -1, sample, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.True(t, tensor.ApproxEqual(x0, out, 1e-5), "got %v", out.Data)
}

func TestUnCLIPStep_ClipsPrediction(t *testing.T) {
	s, err := NewUnCLIP(1000, 1)
	require.NoError(t, err)
	x0, _ := tensor.From([]float32{50, -50}, 2)
	out, err := s.Step(x0, 0, -1, tensor.New(2), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.InDelta(t, 1, out.Data[0], 1e-5)
	assert.InDelta(t, -1, out.Data[1], 1e-5)
}

func TestUnCLIPAddNoise(t *testing.T) {
	s, err := NewUnCLIP(1000, 10)
	require.NoError(t, err)
	x, _ := tensor.From([]float32{1, 2}, 2)
	zero := tensor.New(2)

	out, err := s.AddNoise(x, zero, 0)
	require.NoError(t, err)
	// very little noise at t=0
	assert.InDelta(t, 1, out.Data[0], 1e-2)

	_, err = s.AddNoise(x, tensor.New(3), 10)
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)

	_, err = s.AddNoise(x, zero, 1000)
	require.Error(t, err)
}
