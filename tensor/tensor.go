// Package tensor implements the Tensor abstraction from spec §3: a shape,
// an element count, and a dense row-major float32 buffer, in two backend
// variants (Host here, Device in mathengine/device) sharing one on-disk
// binary format (record.go).
package tensor

import (
	"math"

	"github.com/dayson/ztrain/errs"
)

const (
	minRank = 1
	maxRank = 10
)

// Tensor is the common surface both HostTensor and DeviceTensor satisfy.
// Floats forces synchronization for a device-backed implementation; Release
// destroys the backing buffer and makes any further use a programmer error
// (spec T3: a use-after-free must panic, not silently misbehave).
type Tensor interface {
	Shape() []int
	Len() int64
	Floats() []float32
	Release()
}

// Product computes Π shape, the tensor's element count.
func Product(shape []int) int64 {
	var n int64 = 1
	for _, d := range shape {
		n *= int64(d)
	}
	return n
}

// ValidateShape enforces spec §6: rank in [1,10] and every dimension >= 0
// (a zero dimension gives an empty tensor).
func ValidateShape(shape []int) error {
	if len(shape) < minRank || len(shape) > maxRank {
		return errs.New("tensor.validate_shape", errs.CorruptData, nil)
	}
	for _, d := range shape {
		if d < 0 {
			return errs.New("tensor.validate_shape", errs.CorruptData, nil)
		}
	}
	return nil
}

// hasNonFinite reports whether data contains any NaN or +/-Inf value.
func hasNonFinite(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}
