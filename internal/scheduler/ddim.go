package scheduler

import (
	"fmt"
	"math"

	"github.com/ariannamethod/embedit/internal/tensor"
)

// BetaSchedule names how betas are spread over the training timesteps.
type BetaSchedule string

const (
	Linear BetaSchedule = "linear"
	// SquaredCosCapV2 is the cosine alpha-bar schedule capped at 0.999.
	SquaredCosCapV2 BetaSchedule = "squaredcos_cap_v2"
)

// TrainTimesteps is the training horizon of both Kandinsky 2.2 schedulers.
const TrainTimesteps = 1000

// ddimStepsOffset is the decoder scheduler's steps_offset.
const ddimStepsOffset = 1

// CheckDDIMSteps reports whether numSteps yields timesteps inside
// [0, numTrain) once steps_offset is added.
func CheckDDIMSteps(numTrain, numSteps int) error {
	if numSteps <= 0 || numSteps > numTrain {
		return fmt.Errorf("ddim: steps must be in [1, %d], got %d", numTrain-1, numSteps)
	}
	if first := (numSteps-1)*(numTrain/numSteps) + ddimStepsOffset; first >= numTrain {
		return fmt.Errorf("ddim: %d steps put the first timestep at %d, past %d", numSteps, first, numTrain-1)
	}
	return nil
}

// DDIM implements deterministic DDIM sampling (eta=0).
// The decoder was trained with DDPM; DDIM reuses the same alphas with fewer steps.
type DDIM struct {
	alphasCumprod     []float64
	numTrainTimesteps int
	numInferenceSteps int
	stepsOffset       int
}

// NewDDIM creates a DDIM scheduler with steps_offset=1.
// Kandinsky 2.2 decoder config: linear, beta_start=0.00085, beta_end=0.012, 1000 steps.
func NewDDIM(numTrain int, betaStart, betaEnd float64, schedule BetaSchedule) (*DDIM, error) {
	betas, err := makeBetas(numTrain, betaStart, betaEnd, schedule)
	if err != nil {
		return nil, err
	}
	return &DDIM{
		alphasCumprod:     cumprod(betas),
		numTrainTimesteps: numTrain,
		stepsOffset:       ddimStepsOffset,
	}, nil
}

// SetTimesteps returns the DDIM timestep schedule for inference
// With steps_offset=1: timesteps are [T-step+1, T-2*step+1, ..., 1]
func (s *DDIM) SetTimesteps(numSteps int) ([]int, error) {
	if err := CheckDDIMSteps(s.numTrainTimesteps, numSteps); err != nil {
		return nil, err
	}
	s.numInferenceSteps = numSteps
	stepRatio := s.numTrainTimesteps / numSteps
	timesteps := make([]int, numSteps)
	for i := 0; i < numSteps; i++ {
		// largest first
		timesteps[i] = (numSteps-1-i)*stepRatio + s.stepsOffset
	}
	return timesteps, nil
}

// Step performs one DDIM denoising step (eta=0 = deterministic, no added noise)
//
// DDIM update:
//
//	pred_x0 = (sample - sqrt(1-alpha_t) * noise_pred) / sqrt(alpha_t)
//	prev_sample = sqrt(alpha_prev) * pred_x0 + sqrt(1-alpha_prev) * noise_pred
func (s *DDIM) Step(noisePred *tensor.Tensor, timestep int, sample *tensor.Tensor) (*tensor.Tensor, error) {
	if s.numInferenceSteps == 0 {
		return nil, fmt.Errorf("ddim: SetTimesteps not called")
	}
	if !tensor.SameShape(noisePred, sample) {
		return nil, fmt.Errorf("ddim step: %w: %v vs %v", tensor.ErrShapeMismatch, noisePred.Shape, sample.Shape)
	}
	if timestep < 0 || timestep >= s.numTrainTimesteps {
		return nil, fmt.Errorf("ddim step: timestep %d out of range", timestep)
	}
	stepRatio := s.numTrainTimesteps / s.numInferenceSteps
	prevTimestep := timestep - stepRatio

	alphaT := s.alphasCumprod[timestep]
	alphaPrev := s.alphasCumprod[0] // set_alpha_to_one=false
	if prevTimestep >= 0 {
		alphaPrev = s.alphasCumprod[prevTimestep]
	}

	sqrtAlphaT := float32(math.Sqrt(alphaT))
	sqrtOneMinusAlphaT := float32(math.Sqrt(1.0 - alphaT))
	sqrtAlphaPrev := float32(math.Sqrt(alphaPrev))
	sqrtOneMinusAlphaPrev := float32(math.Sqrt(1.0 - alphaPrev))

	out := tensor.New(sample.Shape...)
	for i := range sample.Data {
		predX0 := (sample.Data[i] - sqrtOneMinusAlphaT*noisePred.Data[i]) / sqrtAlphaT
		out.Data[i] = sqrtAlphaPrev*predX0 + sqrtOneMinusAlphaPrev*noisePred.Data[i]
	}
	return out, nil
}

// InitNoiseSigma is the std of the initial latent; 1 for DDIM.
func (s *DDIM) InitNoiseSigma() float32 {
	return 1
}

func makeBetas(numTrain int, betaStart, betaEnd float64, schedule BetaSchedule) ([]float64, error) {
	if numTrain < 2 {
		return nil, fmt.Errorf("num_train_timesteps must be >= 2, got %d", numTrain)
	}
	betas := make([]float64, numTrain)
	switch schedule {
	case Linear:
		for i := range betas {
			betas[i] = betaStart + float64(i)/float64(numTrain-1)*(betaEnd-betaStart)
		}
	case SquaredCosCapV2:
		alphaBar := func(t float64) float64 {
			c := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
			return c * c
		}
		for i := range betas {
			t1 := float64(i) / float64(numTrain)
			t2 := float64(i+1) / float64(numTrain)
			betas[i] = math.Min(1-alphaBar(t2)/alphaBar(t1), 0.999)
		}
	default:
		return nil, fmt.Errorf("unknown beta schedule %q", schedule)
	}
	return betas, nil
}

func cumprod(betas []float64) []float64 {
	out := make([]float64, len(betas))
	prod := 1.0
	for i, b := range betas {
		prod *= 1.0 - b
		out[i] = prod
	}
	return out
}
