// Package mathengine defines the kernel catalog shared by the device and
// host backends (spec §4.5): matmul variants, elementwise ops, activations
// and their derivatives, softmax, layer norm, embedding lookup/scatter-add,
// one-hot, slicing, clipping, sum-of-squares and the fused Adam update.
//
// Both backends accept and return the common tensor.Tensor interface so
// lstm and adam can be written once against Engine and swapped between a
// device-shaped and a host-shaped implementation.
package mathengine

import (
	"github.com/dayson/ztrain/syncguard"
	"github.com/dayson/ztrain/tensor"
)

// Engine is the kernel catalog of spec §4.5. Every method's argument and
// result shapes are documented at the call sites in lstm and adam; this
// interface only fixes the signatures both backends must satisfy.
type Engine interface {
	Create(shape []int) (tensor.Tensor, error)
	CreateFrom(data []float32, shape []int) (tensor.Tensor, error)
	Zeros(shape []int) (tensor.Tensor, error)

	MatMul(a, b, c tensor.Tensor) error
	MatMulAT(a, b, c tensor.Tensor) error
	MatMulBT(a, b, c tensor.Tensor) error

	Add(dst, a, b tensor.Tensor) error
	Sub(dst, a, b tensor.Tensor) error
	Mul(dst, a, b tensor.Tensor) error
	AddBroadcast(m, bias tensor.Tensor) error
	AddScaled(dst, src tensor.Tensor, s float32) error
	SubScaled(dst, src tensor.Tensor, s float32) error

	Sigmoid(dst, src tensor.Tensor) error
	Tanh(dst, src tensor.Tensor) error
	SigmoidDeriv(dst, y tensor.Tensor) error
	TanhDeriv(dst, y tensor.Tensor) error

	Softmax(x tensor.Tensor) error
	LayerNorm(x, gamma, beta tensor.Tensor, eps float32) error

	Lookup(table tensor.Tensor, idx int, out tensor.Tensor) error
	AccumulateGradient(g tensor.Tensor, row []float32, idx int) error
	OneHot(indices []int32, classes int) (tensor.Tensor, error)

	SliceRow(src tensor.Tensor, row int) ([]float32, error)
	SetRow(dst tensor.Tensor, row int, src []float32) error

	Clip(x tensor.Tensor, lo, hi float32) error
	Scale(x tensor.Tensor, s float32) error
	SanitizeAndClip(x tensor.Tensor, v float32) error

	SumOfSquares(x tensor.Tensor) (float64, error)
	AdamUpdate(p, g, m, v tensor.Tensor, lr, beta1, beta2, eps float32, t int) error

	Close() error
}

// SyncGuarded is implemented by engines backed by a command queue. trainer
// uses it (through SyncGuardOf) as a capability accessor instead of
// downcasting Engine to a concrete type (spec §9 REDESIGN FLAGS).
type SyncGuarded interface {
	SyncGuard() (*syncguard.Guard, bool)
}

// SyncGuardOf extracts the command-queue guard from an engine that has one,
// reporting false for engines (e.g. host) with no queue to drain.
func SyncGuardOf(e Engine) (*syncguard.Guard, bool) {
	if sg, ok := e.(SyncGuarded); ok {
		return sg.SyncGuard()
	}
	return nil, false
}
