package device

import (
	"math"
	"sync/atomic"

	"github.com/dayson/ztrain/errs"
	"github.com/dayson/ztrain/syncguard"
	"github.com/dayson/ztrain/tensor"
)

// Tensor is the DeviceTensor variant of spec §3: a buffer "owned by the
// compute device", referenced here by a plain float32 slice gated behind
// the engine's syncguard.Guard so every host read pays the same
// synchronization cost a real device buffer would.
type Tensor struct {
	shape    []int
	data     []float32
	guard    *syncguard.Guard
	released atomic.Bool
}

func newTensor(shape []int, data []float32, guard *syncguard.Guard) *Tensor {
	return &Tensor{shape: append([]int(nil), shape...), data: data, guard: guard}
}

func (t *Tensor) checkLive(op string) {
	if t.released.Load() {
		panic("device: use of Tensor after Release (" + op + ")")
	}
}

// raw returns the backing slice directly, without going through the sync
// guard. Only the engine's own dispatched kernels may call this — they run
// inside the queue's single worker goroutine, where every prior dispatch
// (including whatever last wrote this buffer) has already completed.
func (t *Tensor) raw() []float32 {
	return t.data
}

func (t *Tensor) Shape() []int {
	t.checkLive("Shape")
	return t.shape
}

func (t *Tensor) Len() int64 {
	t.checkLive("Len")
	return int64(len(t.data))
}

// Floats forces a synchronize_before_read then copies the buffer out, the
// way Tensor.Bytes in a real device backend calls ggml_backend_tensor_get
// only after its sync closure runs.
func (t *Tensor) Floats() []float32 {
	t.checkLive("Floats")
	if err := t.guard.SynchronizeBeforeRead("device.tensor.floats"); err != nil {
		panic("device: synchronize_before_read failed: " + err.Error())
	}
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

// Release synchronizes outstanding writers (failure is logged, not fatal,
// per spec §4.4) then destroys the buffer; any further use panics (T3).
func (t *Tensor) Release() {
	if t.released.Swap(true) {
		return
	}
	t.guard.SynchronizeBeforeDispose("device.tensor.release", int64(len(t.data))*4)
	t.data = nil
	t.shape = nil
}

var _ tensor.Tensor = (*Tensor)(nil)

func hasNonFiniteF32(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

func asDeviceTensor(op string, t tensor.Tensor) (*Tensor, error) {
	dt, ok := t.(*Tensor)
	if !ok {
		return nil, errs.New(op, errs.InvalidArgument, nil)
	}
	return dt, nil
}
