package device

import (
	"math"
	"os"
	"testing"

	"github.com/dayson/ztrain/eventsink"
)

func TestMatMulRoundTrip(t *testing.T) {
	e := New(eventsink.NopSink{})
	defer e.Close()

	a, _ := e.CreateFrom([]float32{1, 2, 3, 4}, []int{2, 2})
	b, _ := e.CreateFrom([]float32{5, 6, 7, 8}, []int{2, 2})
	c, _ := e.Create([]int{2, 2})

	if err := e.MatMul(a, b, c); err != nil {
		t.Fatalf("MatMul: %v", err)
	}
	want := []float32{19, 22, 43, 50}
	for i, v := range c.Floats() {
		if math.Abs(float64(v-want[i])) > 1e-3 {
			t.Fatalf("c[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestReleaseThenFloatsPanics(t *testing.T) {
	e := New(eventsink.NopSink{})
	defer e.Close()

	a, _ := e.Create([]int{2})
	a.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic after Release")
		}
	}()
	a.Floats()
}

func TestAdamUpdateMatchesReferenceStep(t *testing.T) {
	e := New(eventsink.NopSink{})
	defer e.Close()

	p, _ := e.CreateFrom([]float32{1.0}, []int{1})
	g, _ := e.CreateFrom([]float32{0.1}, []int{1})
	m, _ := e.Create([]int{1})
	v, _ := e.Create([]int{1})

	if err := e.AdamUpdate(p, g, m, v, 0.01, 0.9, 0.999, 1e-8, 1); err != nil {
		t.Fatalf("AdamUpdate: %v", err)
	}
	if math.Abs(float64(p.Floats()[0])-0.99) > 1e-3 {
		t.Fatalf("p = %v, want ~0.99", p.Floats()[0])
	}
}

func TestSumOfSquaresAcrossWorkGroups(t *testing.T) {
	e := New(eventsink.NopSink{})
	defer e.Close()

	data := make([]float32, 600)
	for i := range data {
		data[i] = 1
	}
	x, _ := e.CreateFrom(data, []int{600})

	got, err := e.SumOfSquares(x)
	if err != nil {
		t.Fatalf("SumOfSquares: %v", err)
	}
	if got != 600 {
		t.Fatalf("SumOfSquares = %v, want 600", got)
	}
}

func TestDispatchCounterReachesPeriodicSyncInterval(t *testing.T) {
	e := New(eventsink.NopSink{})
	defer e.Close()

	x, _ := e.Create([]int{1})
	for i := 0; i < periodicSyncInterval; i++ {
		if err := e.Scale(x, 1.0); err != nil {
			t.Fatalf("Scale: %v", err)
		}
	}
	if e.dispatches.Load() != periodicSyncInterval {
		t.Fatalf("dispatches = %d, want %d", e.dispatches.Load(), periodicSyncInterval)
	}
}

func TestDetectXeonFromEnvOverride(t *testing.T) {
	old := os.Getenv("ZRAM_DEVICE_NAME")
	defer os.Setenv("ZRAM_DEVICE_NAME", old)

	os.Setenv("ZRAM_DEVICE_NAME", "Intel Xeon Gold 6258R")
	if !detectXeon() {
		t.Fatal("expected detectXeon to report true for a Xeon device name")
	}

	os.Setenv("ZRAM_DEVICE_NAME", "Apple M2")
	if detectXeon() {
		t.Fatal("expected detectXeon to report false for a non-Xeon device name")
	}
}

func TestSoftmaxSanitizesNaNRow(t *testing.T) {
	e := New(eventsink.NopSink{})
	defer e.Close()

	// CreateFrom rejects non-finite data, so the NaN is written into the
	// buffer directly, the same way TestSanitizeAndClipRemovesNonFinite does.
	x, err := e.CreateFrom([]float32{0, 1.0, 1.0}, []int{1, 3})
	if err != nil {
		t.Fatalf("CreateFrom: %v", err)
	}
	x.(*Tensor).data[0] = float32(math.NaN())
	if err := e.Softmax(x); err != nil {
		t.Fatalf("Softmax: %v", err)
	}
	var sum float32
	for _, v := range x.Floats() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("softmax leaked non-finite output: %v", v)
		}
		sum += v
	}
	if math.Abs(float64(sum)-1) > 1e-3 {
		t.Fatalf("row sum = %v, want ~1", sum)
	}
}

func TestSanitizeAndClipRemovesNonFinite(t *testing.T) {
	e := New(eventsink.NopSink{})
	defer e.Close()

	x, err := e.Create([]int{3})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	xt := x.(*Tensor)
	xt.data[0] = float32(math.NaN())
	xt.data[1] = 100
	xt.data[2] = -100

	if err := e.SanitizeAndClip(x, 10); err != nil {
		t.Fatalf("SanitizeAndClip: %v", err)
	}
	want := []float32{0, 10, -10}
	for i, v := range x.Floats() {
		if v != want[i] {
			t.Fatalf("x[%d] = %v, want %v", i, v, want[i])
		}
	}
}
