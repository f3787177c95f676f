package channel

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Shape is the fixed extent of a payload. Every dimension must be positive.
type Shape []int

// Size returns the number of elements a dense payload of this shape holds.
func (s Shape) Size() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Validate reports ErrInvalidShape for empty shapes or non-positive dimensions.
func (s Shape) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: shape has no dimensions", ErrInvalidShape)
	}
	for i, d := range s {
		if d <= 0 {
			return fmt.Errorf("%w: dimension %d is %d", ErrInvalidShape, i, d)
		}
	}
	return nil
}

// Equal reports whether both shapes have the same dimensions.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// DType is the element type tag carried by a message.
type DType string

const (
	// DTypeFloat carries arbitrary float64 values
	DTypeFloat DType = "float"
	// DTypeInt carries integral values
	DTypeInt DType = "int"
	// DTypeBool carries 0/1 values
	DTypeBool DType = "bool"
)

// Validate reports ErrInvalidDType for unknown tags.
func (d DType) Validate() error {
	switch d {
	case DTypeFloat, DTypeInt, DTypeBool:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDType, string(d))
	}
}

// Accepts reports whether v lies in the value domain of d.
func (d DType) Accepts(v float64) bool {
	switch d {
	case DTypeInt:
		return v == math.Trunc(v) && !math.IsInf(v, 0)
	case DTypeBool:
		return v == 0 || v == 1
	default:
		return true
	}
}

// Kind distinguishes dense payloads from sparse-with-indices payloads.
type Kind string

const (
	// KindDense stores one value per element
	KindDense Kind = "dense"
	// KindSparse stores values only for the listed flat indices
	KindSparse Kind = "sparse"
)

// Message is an immutable, fixed-shape numeric payload plus its type tag.
// PRINCIPLES:
// - KISS: flat float64 storage, the tag says how to read it
// - Ownership moves to the receiver; senders must not mutate after Send
type Message struct {
	Shape   Shape     `json:"shape" msgpack:"shape"`
	DType   DType     `json:"dtype" msgpack:"dtype"`
	Kind    Kind      `json:"kind" msgpack:"kind"`
	Data    []float64 `json:"data" msgpack:"data"`
	Indices []int     `json:"indices,omitempty" msgpack:"indices,omitempty"`
}

// NewDense builds a dense message. The data slice is copied.
func NewDense(shape Shape, dtype DType, data []float64) (Message, error) {
	m := Message{Shape: cloneShape(shape), DType: dtype, Kind: KindDense, Data: cloneFloats(data)}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// NewSparse builds a sparse message addressing flat indices of shape.
func NewSparse(shape Shape, dtype DType, indices []int, data []float64) (Message, error) {
	idx := make([]int, len(indices))
	copy(idx, indices)
	m := Message{Shape: cloneShape(shape), DType: dtype, Kind: KindSparse, Data: cloneFloats(data), Indices: idx}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Zeros returns a dense zero-valued message of the given shape.
func Zeros(shape Shape, dtype DType) Message {
	return Message{Shape: cloneShape(shape), DType: dtype, Kind: KindDense, Data: make([]float64, shape.Size())}
}

// Validate ensures message integrity
func (m *Message) Validate() error {
	if err := m.Shape.Validate(); err != nil {
		return err
	}
	if err := m.DType.Validate(); err != nil {
		return err
	}
	size := m.Shape.Size()
	switch m.Kind {
	case KindDense:
		if len(m.Data) != size {
			return fmt.Errorf("%w: dense payload has %d values, shape %s needs %d", ErrInvalidMessage, len(m.Data), m.Shape, size)
		}
	case KindSparse:
		if len(m.Indices) != len(m.Data) {
			return fmt.Errorf("%w: %d indices for %d values", ErrInvalidMessage, len(m.Indices), len(m.Data))
		}
		for _, idx := range m.Indices {
			if idx < 0 || idx >= size {
				return fmt.Errorf("%w: index %d outside shape %s", ErrInvalidMessage, idx, m.Shape)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, string(m.Kind))
	}
	for _, v := range m.Data {
		if !m.DType.Accepts(v) {
			return fmt.Errorf("%w: value %v is not a valid %s", ErrInvalidMessage, v, m.DType)
		}
	}
	return nil
}

// Dense returns the payload expanded to one value per element. Dense
// messages return a copy of their data.
func (m Message) Dense() []float64 {
	if m.Kind != KindSparse {
		return cloneFloats(m.Data)
	}
	out := make([]float64, m.Shape.Size())
	for i, idx := range m.Indices {
		out[idx] += m.Data[i]
	}
	return out
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	c := m
	c.Shape = cloneShape(m.Shape)
	c.Data = cloneFloats(m.Data)
	if m.Indices != nil {
		c.Indices = make([]int, len(m.Indices))
		copy(c.Indices, m.Indices)
	}
	return c
}

func cloneShape(s Shape) Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

func cloneFloats(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
