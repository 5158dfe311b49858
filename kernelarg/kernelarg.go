// Package kernelarg defines the tagged kernel-argument variant that
// replaces reflection-based `interface{}` marshalling (design notes
// REDESIGN FLAGS). Kernels themselves take typed Go parameters, so their
// argument types are checked by the compiler at each method signature;
// device.Engine builds a []Arg only to log a kernel's argument categories
// in its debug dispatch trace, and nothing dispatches on Kind.
package kernelarg

// Kind tags which field of Arg is populated.
type Kind int

const (
	KindDeviceBuffer Kind = iota
	KindRawBuffer
	KindInt32
	KindFloat32
)

// Arg is a single kernel argument. Exactly one of the typed fields is
// meaningful, selected by Kind.
type Arg struct {
	Kind   Kind
	Device any // the device tensor (a *mathengine/device.Tensor)
	Raw    []float32
	Int    int32
	Float  float32
}

// Device wraps a device buffer handle as a kernel argument.
func Device(handle any) Arg { return Arg{Kind: KindDeviceBuffer, Device: handle} }

// RawBuffer wraps a raw float32 slice (e.g. a scratch reduction buffer).
func RawBuffer(buf []float32) Arg { return Arg{Kind: KindRawBuffer, Raw: buf} }

// Int32 wraps a 32-bit integer argument.
func Int32(v int32) Arg { return Arg{Kind: KindInt32, Int: v} }

// Float32 wraps a 32-bit float argument.
func Float32(v float32) Arg { return Arg{Kind: KindFloat32, Float: v} }

// String renders an argument for diagnostic kernel-dispatch tracing; it is
// never used to recover the argument's value.
func (a Arg) String() string {
	switch a.Kind {
	case KindDeviceBuffer:
		return "device_buffer"
	case KindRawBuffer:
		return "raw_buffer"
	case KindInt32:
		return "i32"
	case KindFloat32:
		return "f32"
	default:
		return "unknown"
	}
}
