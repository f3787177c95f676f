// Package channel provides payload reduction functionality
package channel

import (
	"fmt"
	"math"
)

// Reducer folds an update into an accumulator of the same length.
// PRINCIPLES:
// - ISP: Interface segregation with single method
// - Reduce mutates acc in place; update is read-only
type Reducer interface {
	Reduce(acc, update []float64)
}

// ReducerFunc adapts a plain function to Reducer.
type ReducerFunc func(acc, update []float64)

// Reduce calls f.
func (f ReducerFunc) Reduce(acc, update []float64) { f(acc, update) }

// SumReducer adds updates element-wise
type SumReducer struct{}

// Reduce adds update into acc
func (SumReducer) Reduce(acc, update []float64) {
	for i := range acc {
		acc[i] += update[i]
	}
}

// MaxReducer keeps the element-wise maximum
type MaxReducer struct{}

// Reduce keeps the larger value at each position
func (MaxReducer) Reduce(acc, update []float64) {
	for i := range acc {
		acc[i] = math.Max(acc[i], update[i])
	}
}

// MinReducer keeps the element-wise minimum
type MinReducer struct{}

// Reduce keeps the smaller value at each position
func (MinReducer) Reduce(acc, update []float64) {
	for i := range acc {
		acc[i] = math.Min(acc[i], update[i])
	}
}

// OrReducer treats non-zero as true and ORs element-wise
type OrReducer struct{}

// Reduce sets acc[i] to 1 when either side is non-zero
func (OrReducer) Reduce(acc, update []float64) {
	for i := range acc {
		if acc[i] != 0 || update[i] != 0 {
			acc[i] = 1
		} else {
			acc[i] = 0
		}
	}
}

// ReducerType represents different types of reducers
type ReducerType string

const (
	ReducerSum ReducerType = "sum"
	ReducerMax ReducerType = "max"
	ReducerMin ReducerType = "min"
	ReducerOr  ReducerType = "or"
)

// DefaultReducer is or for bool and sum for every other dtype.
func DefaultReducer(d DType) ReducerType {
	if d == DTypeBool {
		return ReducerOr
	}
	return ReducerSum
}

// CheckReducer reports ErrReducerDType when folding values of d with t can
// produce a value outside d, e.g. summing two true bools into 2.
func CheckReducer(t ReducerType, d DType) error {
	if d == DTypeBool && (t == "" || t == ReducerSum) {
		return fmt.Errorf("%w: %s on %s", ErrReducerDType, ReducerSum, d)
	}
	return nil
}

// NewReducer creates a reducer of the specified type. The empty type is sum.
func NewReducer(reducerType ReducerType) (Reducer, error) {
	switch reducerType {
	case "", ReducerSum:
		return SumReducer{}, nil
	case ReducerMax:
		return MaxReducer{}, nil
	case ReducerMin:
		return MinReducer{}, nil
	case ReducerOr:
		return OrReducer{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownReducer, string(reducerType))
	}
}

// Accumulate folds payloads into one dense message of shape. The first
// payload seeds the accumulator so max/min are not biased toward zero. No
// payloads yields a zero-valued message.
func Accumulate(r Reducer, shape Shape, dtype DType, payloads [][]float64) (Message, error) {
	size := shape.Size()
	out := Zeros(shape, dtype)
	for i, p := range payloads {
		if len(p) != size {
			return Message{}, fmt.Errorf("%w: payload %d has %d values, shape %s needs %d", ErrInvalidShape, i, len(p), shape, size)
		}
		if i == 0 {
			copy(out.Data, p)
			continue
		}
		r.Reduce(out.Data, p)
	}
	return out, nil
}
