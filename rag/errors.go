package rag

import (
	"errors"
	"fmt"
	"math"
)

// ErrEmptyQuery is returned when a retrieval query has no text.
var ErrEmptyQuery = errors.New("empty query")

// InvalidDimensionError reports a vector whose size does not match the index.
// It is never retryable.
type InvalidDimensionError struct {
	Expected int
	Got      int
}

func (e *InvalidDimensionError) Error() string {
	return fmt.Sprintf("invalid vector dimension: expected %d, got %d", e.Expected, e.Got)
}

// NonFiniteVectorError reports a vector holding a NaN or infinite component.
type NonFiniteVectorError struct {
	Index int
	Value float32
}

func (e *NonFiniteVectorError) Error() string {
	return fmt.Sprintf("invalid vector: component %d is %v", e.Index, e.Value)
}

// CheckDimension returns an *InvalidDimensionError if len(v) != expected and
// a *NonFiniteVectorError if a component is NaN or infinite.
func CheckDimension(v []float32, expected int) error {
	if len(v) != expected {
		return &InvalidDimensionError{Expected: expected, Got: len(v)}
	}
	for i, x := range v {
		if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
			return &NonFiniteVectorError{Index: i, Value: x}
		}
	}
	return nil
}

// IsInvalidDimension reports whether err wraps an *InvalidDimensionError.
func IsInvalidDimension(err error) bool {
	var dimErr *InvalidDimensionError
	return errors.As(err, &dimErr)
}

// IsInvalidVector reports whether err wraps either vector error. Neither is
// retryable.
func IsInvalidVector(err error) bool {
	var nonFinite *NonFiniteVectorError
	return IsInvalidDimension(err) || errors.As(err, &nonFinite)
}
