package ort

import (
	"encoding/binary"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/ariannamethod/embedit/internal/safetensors"
	"github.com/ariannamethod/embedit/internal/tensor"
)

// session wraps a dynamic ORT session together with the declared element
// types of its inputs, so callers can feed float32 data regardless of how the
// graph was exported.
type session struct {
	name     string
	sess     *ort.DynamicAdvancedSession
	inNames  []string
	outNames []string
	inputs   map[string]ort.InputOutputInfo
}

// feed is one named input in float32 form, converted at run time.
type feed struct {
	data  []float32
	shape []int64
}

func (s *session) has(name string) bool {
	_, ok := s.inputs[name]
	return ok
}

// scalar reports whether the graph declares name with rank 0.
func (s *session) scalar(name string) bool {
	in, ok := s.inputs[name]
	return ok && len(in.Dimensions) == 0
}

// run feeds every declared input and returns all outputs as float32 tensors
// keyed by output name.
func (s *session) run(feeds map[string]feed) (map[string]*tensor.Tensor, error) {
	values := make([]ort.Value, len(s.inNames))
	defer func() {
		for _, v := range values {
			if v != nil {
				v.Destroy()
			}
		}
	}()
	for i, name := range s.inNames {
		f, ok := feeds[name]
		if !ok {
			return nil, fmt.Errorf("%s: no value for input %q", s.name, name)
		}
		v, err := makeValue(f, s.inputs[name].DataType)
		if err != nil {
			return nil, fmt.Errorf("%s: input %q: %w", s.name, name, err)
		}
		values[i] = v
	}

	outputs := make([]ort.Value, len(s.outNames))
	if err := s.sess.Run(values, outputs); err != nil {
		return nil, fmt.Errorf("%s run: %w", s.name, err)
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	result := make(map[string]*tensor.Tensor, len(outputs))
	for i, v := range outputs {
		data, err := extractFloat32(v)
		if err != nil {
			return nil, fmt.Errorf("%s: output %q: %w", s.name, s.outNames[i], err)
		}
		shape := v.GetShape()
		dims := make([]int, len(shape))
		for j, d := range shape {
			dims[j] = int(d)
		}
		t, err := tensor.From(data, dims...)
		if err != nil {
			return nil, fmt.Errorf("%s: output %q: %w", s.name, s.outNames[i], err)
		}
		result[s.outNames[i]] = t
	}
	return result, nil
}

// output returns the named output, or the first one when the graph uses a
// different name.
func (s *session) output(res map[string]*tensor.Tensor, name string) *tensor.Tensor {
	if t, ok := res[name]; ok {
		return t
	}
	return res[s.outNames[0]]
}

func (s *session) Destroy() {
	if s != nil && s.sess != nil {
		s.sess.Destroy()
		s.sess = nil
	}
}

func makeValue(f feed, dtype ort.TensorElementDataType) (ort.Value, error) {
	if len(f.shape) == 0 {
		return makeScalar(f, dtype)
	}
	shape := ort.NewShape(f.shape...)
	if int(shape.FlattenedSize()) != len(f.data) {
		return nil, fmt.Errorf("shape %v wants %d values, got %d", f.shape, shape.FlattenedSize(), len(f.data))
	}
	switch dtype {
	case ort.TensorElementDataTypeFloat:
		return asValue(ort.NewTensor(shape, f.data))
	case ort.TensorElementDataTypeFloat16:
		return asValue(ort.NewCustomDataTensor(shape, fp16Bytes(f.data), ort.TensorElementDataTypeFloat16))
	case ort.TensorElementDataTypeDouble:
		return asValue(ort.NewTensor(shape, convert[float64](f.data)))
	case ort.TensorElementDataTypeInt64:
		return asValue(ort.NewTensor(shape, convert[int64](f.data)))
	case ort.TensorElementDataTypeInt32:
		return asValue(ort.NewTensor(shape, convert[int32](f.data)))
	case ort.TensorElementDataTypeBool:
		return asValue(ort.NewCustomDataTensor(shape, boolBytes(f.data), ort.TensorElementDataTypeBool))
	default:
		return nil, fmt.Errorf("unsupported input type %v", dtype)
	}
}

func makeScalar(f feed, dtype ort.TensorElementDataType) (ort.Value, error) {
	if len(f.data) != 1 {
		return nil, fmt.Errorf("scalar wants 1 value, got %d", len(f.data))
	}
	v := f.data[0]
	switch dtype {
	case ort.TensorElementDataTypeFloat:
		return asValue(ort.NewScalar(v))
	case ort.TensorElementDataTypeDouble:
		return asValue(ort.NewScalar(float64(v)))
	case ort.TensorElementDataTypeInt64:
		return asValue(ort.NewScalar(int64(v)))
	case ort.TensorElementDataTypeInt32:
		return asValue(ort.NewScalar(int32(v)))
	default:
		return nil, fmt.Errorf("unsupported scalar type %v", dtype)
	}
}

func asValue[T ort.Value](v T, err error) (ort.Value, error) {
	if err != nil {
		return nil, err
	}
	return v, nil
}

func convert[T float64 | int64 | int32](src []float32) []T {
	out := make([]T, len(src))
	for i, v := range src {
		out[i] = T(v)
	}
	return out
}

func fp16Bytes(src []float32) []byte {
	out := make([]byte, len(src)*2)
	for i, v := range src {
		binary.LittleEndian.PutUint16(out[i*2:], safetensors.Float32ToFloat16(v))
	}
	return out
}

func boolBytes(src []float32) []byte {
	out := make([]byte, len(src))
	for i, v := range src {
		if v != 0 {
			out[i] = 1
		}
	}
	return out
}

// extractFloat32 copies float data out of an ORT output value.
func extractFloat32(v ort.Value) ([]float32, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		src := t.GetData()
		out := make([]float32, len(src))
		copy(out, src)
		return out, nil
	case *ort.Tensor[float64]:
		src := t.GetData()
		out := make([]float32, len(src))
		for i, x := range src {
			out[i] = float32(x)
		}
		return out, nil
	case *ort.Tensor[uint16]:
		src := t.GetData()
		out := make([]float32, len(src))
		for i, bits := range src {
			out[i] = safetensors.Float16ToFloat32(bits)
		}
		return out, nil
	case *ort.CustomDataTensor:
		return fp16Floats(t.GetData()), nil
	default:
		return nil, fmt.Errorf("unsupported output tensor type %T", v)
	}
}

func fp16Floats(raw []byte) []float32 {
	out := make([]float32, len(raw)/2)
	for i := range out {
		out[i] = safetensors.Float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out
}

// timestep feeds t as a rank-0 or [1] input depending on the export.
func (s *session) timestep(name string, t int) feed {
	f := feed{data: []float32{float32(t)}}
	if !s.scalar(name) {
		f.shape = []int64{1}
	}
	return f
}

func feedOf(t *tensor.Tensor) feed {
	shape := make([]int64, len(t.Shape))
	for i, d := range t.Shape {
		shape[i] = int64(d)
	}
	return feed{data: t.Data, shape: shape}
}
