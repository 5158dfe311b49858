package tensor

import (
	"sync/atomic"

	"github.com/dayson/ztrain/errs"
)

// Host is the host-memory-resident tensor variant.
type Host struct {
	shape    []int
	data     []float32
	released atomic.Bool
}

// NewHost constructs a Host tensor, rejecting malformed shapes and any
// NaN/Inf in data — the "create_from" contract of spec §4.5.
func NewHost(shape []int, data []float32) (*Host, error) {
	if err := ValidateShape(shape); err != nil {
		return nil, err
	}
	if Product(shape) != int64(len(data)) {
		return nil, errs.New("tensor.new_host", errs.InvalidArgument, nil)
	}
	if hasNonFinite(data) {
		return nil, errs.New("tensor.new_host", errs.InvalidArgument, nil)
	}
	return &Host{shape: append([]int(nil), shape...), data: data}, nil
}

// Zeros constructs a zero-filled Host tensor of the given shape.
func Zeros(shape []int) (*Host, error) {
	n := Product(shape)
	if err := ValidateShape(shape); err != nil {
		return nil, err
	}
	return &Host{shape: append([]int(nil), shape...), data: make([]float32, n)}, nil
}

func (h *Host) checkLive(op string) {
	if h.released.Load() {
		panic("tensor: use of Host tensor after Release (" + op + ")")
	}
}

func (h *Host) Shape() []int {
	h.checkLive("Shape")
	return h.shape
}

func (h *Host) Len() int64 {
	h.checkLive("Len")
	return int64(len(h.data))
}

// Floats returns the tensor's backing slice directly — Host tensors need
// no synchronization since they never leave host memory.
func (h *Host) Floats() []float32 {
	h.checkLive("Floats")
	return h.data
}

// Release drops the backing slice. Any further use panics (spec T3).
func (h *Host) Release() {
	if h.released.Swap(true) {
		return
	}
	h.data = nil
	h.shape = nil
}
