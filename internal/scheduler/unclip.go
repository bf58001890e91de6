package scheduler

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/ariannamethod/embedit/internal/tensor"
)

// UnCLIP is the prior's DDPM-style scheduler: the model predicts the clean
// sample directly, the prediction is clipped, and fixed_small_log variance
// noise is added on every step but the last.
type UnCLIP struct {
	betas             []float64
	alphasCumprod     []float64
	numTrainTimesteps int
	clipSampleRange   float32
	timesteps         []int
}

// NewUnCLIP matches the Kandinsky prior config:
// 1000 train steps, squaredcos_cap_v2, clip_sample_range=10.
func NewUnCLIP(numTrain int, clipSampleRange float32) (*UnCLIP, error) {
	betas, err := makeBetas(numTrain, 0, 0, SquaredCosCapV2)
	if err != nil {
		return nil, err
	}
	return &UnCLIP{
		betas:             betas,
		alphasCumprod:     cumprod(betas),
		numTrainTimesteps: numTrain,
		clipSampleRange:   clipSampleRange,
	}, nil
}

// SetTimesteps spreads numSteps over [0, T-1] inclusive, largest first.
func (s *UnCLIP) SetTimesteps(numSteps int) ([]int, error) {
	if numSteps < 2 || numSteps > s.numTrainTimesteps {
		return nil, fmt.Errorf("unclip: steps must be in [2, %d], got %d", s.numTrainTimesteps, numSteps)
	}
	stepRatio := float64(s.numTrainTimesteps-1) / float64(numSteps-1)
	ts := make([]int, numSteps)
	for i := 0; i < numSteps; i++ {
		ts[numSteps-1-i] = int(math.RoundToEven(float64(i) * stepRatio))
	}
	s.timesteps = ts
	return ts, nil
}

// Strength keeps the tail of the schedule for image-to-embedding refinement:
// the last int(len*strength) timesteps. Empty when strength rounds down to zero.
func Strength(timesteps []int, strength float64) []int {
	n := len(timesteps)
	initTimestep := int(float64(n) * strength)
	if initTimestep > n {
		initTimestep = n
	}
	start := n - initTimestep
	if start < 0 {
		start = 0
	}
	return timesteps[start:]
}

// Step computes x_{prev} from the predicted clean sample.
// prevTimestep < 0 means "t-1".
func (s *UnCLIP) Step(modelOutput *tensor.Tensor, timestep, prevTimestep int, sample *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	if !tensor.SameShape(modelOutput, sample) {
		return nil, fmt.Errorf("unclip step: %w: %v vs %v", tensor.ErrShapeMismatch, modelOutput.Shape, sample.Shape)
	}
	if timestep < 0 || timestep >= s.numTrainTimesteps {
		return nil, fmt.Errorf("unclip step: timestep %d out of range", timestep)
	}
	t := timestep
	if prevTimestep < 0 {
		prevTimestep = t - 1
	}

	beta, alphaProdT, alphaProdPrev := s.coefficients(t, prevTimestep)
	alpha := 1 - beta
	betaProdT := 1 - alphaProdT
	betaProdPrev := 1 - alphaProdPrev

	predOriginalCoeff := float32(math.Sqrt(alphaProdPrev) * beta / betaProdT)
	currentSampleCoeff := float32(math.Sqrt(alpha) * betaProdPrev / betaProdT)

	var std float32
	var noise *tensor.Tensor
	if t > 0 {
		variance := betaProdPrev / betaProdT * beta
		// fixed_small_log
		std = float32(math.Exp(0.5 * math.Log(math.Max(variance, 1e-20))))
		noise = tensor.Randn(rng, sample.Shape...)
	}

	lim := s.clipSampleRange
	out := tensor.New(sample.Shape...)
	for i := range sample.Data {
		x0 := modelOutput.Data[i]
		if x0 > lim {
			x0 = lim
		} else if x0 < -lim {
			x0 = -lim
		}
		v := predOriginalCoeff*x0 + currentSampleCoeff*sample.Data[i]
		if noise != nil {
			v += std * noise.Data[i]
		}
		out.Data[i] = v
	}
	return out, nil
}

func (s *UnCLIP) coefficients(t, prev int) (beta, alphaProdT, alphaProdPrev float64) {
	alphaProdT = s.alphasCumprod[t]
	alphaProdPrev = 1
	if prev >= 0 {
		alphaProdPrev = s.alphasCumprod[prev]
	}
	if prev == t-1 {
		beta = s.betas[t]
	} else {
		beta = 1 - alphaProdT/alphaProdPrev
	}
	return beta, alphaProdT, alphaProdPrev
}

// AddNoise noises a clean sample to timestep t: sqrt(acp)*x + sqrt(1-acp)*noise.
func (s *UnCLIP) AddNoise(original, noise *tensor.Tensor, t int) (*tensor.Tensor, error) {
	if t < 0 || t >= s.numTrainTimesteps {
		return nil, fmt.Errorf("add noise: timestep %d out of range", t)
	}
	acp := s.alphasCumprod[t]
	scaled := tensor.Scale(original, float32(math.Sqrt(acp)))
	return tensor.AddScaled(scaled, noise, float32(math.Sqrt(1-acp)))
}
