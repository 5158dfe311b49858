package kernelarg

import "testing"

func TestConstructorsTagKind(t *testing.T) {
	cases := []struct {
		name string
		arg  Arg
		want Kind
	}{
		{"device", Device("handle"), KindDeviceBuffer},
		{"raw", RawBuffer([]float32{1, 2}), KindRawBuffer},
		{"int32", Int32(7), KindInt32},
		{"float32", Float32(1.5), KindFloat32},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.arg.Kind != c.want {
				t.Fatalf("Kind = %v, want %v", c.arg.Kind, c.want)
			}
		})
	}
}

func TestFloat32ArgCarriesValue(t *testing.T) {
	a := Float32(3.25)
	if a.Float != 3.25 {
		t.Fatalf("Float = %v, want 3.25", a.Float)
	}
}

func TestInt32ArgCarriesValue(t *testing.T) {
	a := Int32(42)
	if a.Int != 42 {
		t.Fatalf("Int = %v, want 42", a.Int)
	}
}
