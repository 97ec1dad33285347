package types

import (
	"encoding/binary"
	"math"
)

// DType identifies the element type of a Tensor.
type DType uint8

const (
	DTypeFloat32 DType = iota
	DTypeFloat64
	DTypeInt8
	DTypeInt16
	DTypeInt32
	DTypeInt64
	DTypeUint8
	DTypeUint16
	DTypeUint32
	DTypeUint64
	DTypeString
	DTypeNested
)

// Size returns the element size in bytes, or 0 for string and nested tensors.
func (d DType) Size() int {
	switch d {
	case DTypeInt8, DTypeUint8:
		return 1
	case DTypeInt16, DTypeUint16:
		return 2
	case DTypeFloat32, DTypeInt32, DTypeUint32:
		return 4
	case DTypeFloat64, DTypeInt64, DTypeUint64:
		return 8
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case DTypeFloat32:
		return "float32"
	case DTypeFloat64:
		return "float64"
	case DTypeInt8:
		return "int8"
	case DTypeInt16:
		return "int16"
	case DTypeInt32:
		return "int32"
	case DTypeInt64:
		return "int64"
	case DTypeUint8:
		return "uint8"
	case DTypeUint16:
		return "uint16"
	case DTypeUint32:
		return "uint32"
	case DTypeUint64:
		return "uint64"
	case DTypeString:
		return "string"
	case DTypeNested:
		return "nested"
	default:
		return "unknown"
	}
}

// Tensor is a typed N-dimensional array. Numeric tensors carry a contiguous
// little-endian byte buffer; layout is row-major unless Strides is set
// (strides are in element units, one per dimension). String tensors carry
// Strings shaped by Shape; nested tensors carry an ordered child sequence.
// A zero-rank tensor has an empty Shape and exactly one element.
type Tensor struct {
	DType   DType
	Shape   []uint64
	Strides []int64
	Data    Buffer
	Strings []string
	Nested  []Tensor
}

// NumElements returns the product of the shape (1 for zero rank).
func NumElements(shape []uint64) uint64 {
	n := uint64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// Validate checks shape/strides/buffer agreement and returns InvalidTensor
// when they disagree.
func (t Tensor) Validate() error {
	n := NumElements(t.Shape)
	if t.Strides != nil && uint64(len(t.Strides)) != uint64(len(t.Shape)) {
		return Errorf(ErrInvalidTensor, "strides rank %d != shape rank %d", len(t.Strides), len(t.Shape))
	}
	switch t.DType {
	case DTypeString:
		if uint64(len(t.Strings)) != n {
			return Errorf(ErrInvalidTensor, "string tensor has %d entries, shape wants %d", len(t.Strings), n)
		}
	case DTypeNested:
		if uint64(len(t.Nested)) != n {
			return Errorf(ErrInvalidTensor, "nested tensor has %d children, shape wants %d", len(t.Nested), n)
		}
		for i := range t.Nested {
			if err := t.Nested[i].Validate(); err != nil {
				return err
			}
		}
	default:
		if t.Strides == nil {
			if uint64(t.Data.Len()) != n*uint64(t.DType.Size()) {
				return Errorf(ErrInvalidTensor, "%s tensor buffer is %d bytes, shape wants %d", t.DType, t.Data.Len(), n*uint64(t.DType.Size()))
			}
			return nil
		}
		if n == 0 {
			return nil
		}
		// The extreme element offsets a strided view can address, in
		// elements from the start of the buffer.
		var lo, hi int64
		for i, d := range t.Shape {
			span := (int64(d) - 1) * t.Strides[i]
			if span < 0 {
				lo += span
			} else {
				hi += span
			}
		}
		if lo < 0 {
			return Errorf(ErrInvalidTensor, "strides address %d elements before the buffer", -lo)
		}
		need := (uint64(hi) + 1) * uint64(t.DType.Size())
		if uint64(t.Data.Len()) < need {
			return Errorf(ErrInvalidTensor, "%s tensor buffer is %d bytes, strided view addresses %d", t.DType, t.Data.Len(), need)
		}
	}
	return nil
}

// Contiguous reports whether the tensor is laid out row-major with no
// explicit strides.
func (t Tensor) Contiguous() bool { return t.Strides == nil }

// RowMajorStrides computes the strides (in elements) of a contiguous
// row-major layout for shape.
func RowMajorStrides(shape []uint64) []int64 {
	s := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= int64(shape[i])
	}
	return s
}

// NewTensor builds a numeric tensor over raw little-endian bytes.
func NewTensor(dt DType, shape []uint64, raw []byte) Tensor {
	return Tensor{DType: dt, Shape: shape, Data: OwnedBuffer(raw)}
}

// Float32Tensor builds a contiguous f32 tensor from values.
func Float32Tensor(shape []uint64, values []float32) Tensor {
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return NewTensor(DTypeFloat32, shape, raw)
}

// Float64Tensor builds a contiguous f64 tensor from values.
func Float64Tensor(shape []uint64, values []float64) Tensor {
	raw := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
	}
	return NewTensor(DTypeFloat64, shape, raw)
}

// Int64Tensor builds a contiguous i64 tensor from values.
func Int64Tensor(shape []uint64, values []int64) Tensor {
	raw := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
	}
	return NewTensor(DTypeInt64, shape, raw)
}

// Uint8Tensor builds a contiguous u8 tensor from values.
func Uint8Tensor(shape []uint64, values []byte) Tensor {
	raw := make([]byte, len(values))
	copy(raw, values)
	return NewTensor(DTypeUint8, shape, raw)
}

// StringTensor builds a string tensor shaped by shape.
func StringTensor(shape []uint64, values []string) Tensor {
	return Tensor{DType: DTypeString, Shape: shape, Strings: values}
}

// NestedTensor wraps an ordered sequence of child tensors.
func NestedTensor(children []Tensor) Tensor {
	return Tensor{DType: DTypeNested, Shape: []uint64{uint64(len(children))}, Nested: children}
}

// Float32Values decodes the buffer of an f32 tensor.
func (t Tensor) Float32Values() []float32 {
	raw := t.Data.Bytes()
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out
}

// Equal reports bitwise equality of two tensors.
func (t Tensor) Equal(o Tensor) bool {
	if t.DType != o.DType || len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	if (t.Strides == nil) != (o.Strides == nil) || len(t.Strides) != len(o.Strides) {
		return false
	}
	for i := range t.Strides {
		if t.Strides[i] != o.Strides[i] {
			return false
		}
	}
	switch t.DType {
	case DTypeString:
		if len(t.Strings) != len(o.Strings) {
			return false
		}
		for i := range t.Strings {
			if t.Strings[i] != o.Strings[i] {
				return false
			}
		}
	case DTypeNested:
		if len(t.Nested) != len(o.Nested) {
			return false
		}
		for i := range t.Nested {
			if !t.Nested[i].Equal(o.Nested[i]) {
				return false
			}
		}
	default:
		a, b := t.Data.Bytes(), o.Data.Bytes()
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}
