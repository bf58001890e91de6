package tensor

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"

	"github.com/hupe1980/vecgo/distance"
)

// ErrShapeMismatch is returned when an element-wise op gets tensors of different shapes.
var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Tensor is an n-dimensional float32 array
type Tensor struct {
	Data  []float32
	Shape []int
}

func New(shape ...int) *Tensor {
	return &Tensor{Data: make([]float32, numel(shape)), Shape: slices.Clone(shape)}
}

// From wraps data without copying. len(data) must match the shape.
func From(data []float32, shape ...int) (*Tensor, error) {
	if n := numel(shape); n != len(data) {
		return nil, fmt.Errorf("shape %v wants %d values, got %d", shape, n, len(data))
	}
	return &Tensor{Data: data, Shape: slices.Clone(shape)}, nil
}

func (t *Tensor) Numel() int {
	return numel(t.Shape)
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{Data: slices.Clone(t.Data), Shape: slices.Clone(t.Shape)}
}

func (t *Tensor) String() string {
	if len(t.Data) <= 4 {
		return fmt.Sprintf("Tensor%v%v", t.Shape, t.Data)
	}
	return fmt.Sprintf("Tensor%v[%.4f %.4f %.4f ...]", t.Shape, t.Data[0], t.Data[1], t.Data[2])
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.Shape, b.Shape)
}

func checkShapes(a, b *Tensor) error {
	if a == nil || b == nil {
		return fmt.Errorf("%w: nil operand", ErrShapeMismatch)
	}
	if !SameShape(a, b) || len(a.Data) != len(b.Data) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	return nil
}

// --- Element-wise operations ---

// Add returns a + b.
func Add(a, b *Tensor) (*Tensor, error) {
	return AddScaled(a, b, 1)
}

// Sub returns a - b.
func Sub(a, b *Tensor) (*Tensor, error) {
	return AddScaled(a, b, -1)
}

// AddScaled returns a + s*b.
func AddScaled(a, b *Tensor, s float32) (*Tensor, error) {
	if err := checkShapes(a, b); err != nil {
		return nil, err
	}
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + s*b.Data[i]
	}
	return out, nil
}

// Scale tensor by scalar
func Scale(x *Tensor, s float32) *Tensor {
	out := New(x.Shape...)
	for i := range x.Data {
		out.Data[i] = x.Data[i] * s
	}
	return out
}

// Concat stacks tensors along the first (batch) axis: [B1,...] + [B2,...] → [B1+B2,...]
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("concat: no tensors")
	}
	first := ts[0]
	if len(first.Shape) == 0 {
		return nil, errors.New("concat: scalar tensor")
	}
	batch := 0
	data := make([]float32, 0, len(first.Data)*len(ts))
	for _, t := range ts {
		if len(t.Shape) != len(first.Shape) || !slices.Equal(t.Shape[1:], first.Shape[1:]) {
			return nil, fmt.Errorf("%w: concat %v with %v", ErrShapeMismatch, first.Shape, t.Shape)
		}
		batch += t.Shape[0]
		data = append(data, t.Data...)
	}
	shape := slices.Clone(first.Shape)
	shape[0] = batch
	return &Tensor{Data: data, Shape: shape}, nil
}

// --- Diagnostics ---

// Norm returns the L2 norm of all elements.
func Norm(t *Tensor) float32 {
	return float32(math.Sqrt(float64(distance.Dot(t.Data, t.Data))))
}

// CosineSimilarity compares two tensors as flat vectors.
// Returns 0 when either has zero norm.
func CosineSimilarity(a, b *Tensor) (float32, error) {
	if err := checkShapes(a, b); err != nil {
		return 0, err
	}
	na, ok := distance.NormalizeL2Copy(a.Data)
	if !ok {
		return 0, nil
	}
	nb, ok := distance.NormalizeL2Copy(b.Data)
	if !ok {
		return 0, nil
	}
	return distance.Dot(na, nb), nil
}

// ApproxEqual reports whether a and b have the same shape and every element
// differs by at most tol.
func ApproxEqual(a, b *Tensor, tol float32) bool {
	if checkShapes(a, b) != nil {
		return false
	}
	for i := range a.Data {
		d := a.Data[i] - b.Data[i]
		if d > tol || d < -tol {
			return false
		}
	}
	return true
}

// Min returns the smallest element, or 0 for an empty tensor.
func Min(t *Tensor) float32 {
	if len(t.Data) == 0 {
		return 0
	}
	m := t.Data[0]
	for _, v := range t.Data[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// Max returns the largest element, or 0 for an empty tensor.
func Max(t *Tensor) float32 {
	if len(t.Data) == 0 {
		return 0
	}
	m := t.Data[0]
	for _, v := range t.Data[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// Randn fills a tensor with standard normal samples (Box-Muller) from a seeded source.
func Randn(rng *rand.Rand, shape ...int) *Tensor {
	t := New(shape...)
	size := len(t.Data)
	for i := 0; i < size-1; i += 2 {
		r, theta := boxMuller(rng)
		t.Data[i] = float32(r * math.Cos(theta))
		t.Data[i+1] = float32(r * math.Sin(theta))
	}
	if size%2 == 1 {
		r, theta := boxMuller(rng)
		t.Data[size-1] = float32(r * math.Cos(theta))
	}
	return t
}

func boxMuller(rng *rand.Rand) (float64, float64) {
	u1 := rng.Float64()
	u2 := rng.Float64()
	for u1 == 0 {
		u1 = rng.Float64()
	}
	return math.Sqrt(-2 * math.Log(u1)), 2 * math.Pi * u2
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}
