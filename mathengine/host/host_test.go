package host

import (
	"math"
	"testing"

	"github.com/dayson/ztrain/tensor"
)

func mustHost(t *testing.T, shape []int, data []float32) *tensor.Host {
	t.Helper()
	h, err := tensor.NewHost(shape, data)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	return h
}

func TestMatMul(t *testing.T) {
	e := New()
	a := mustHost(t, []int{2, 2}, []float32{1, 2, 3, 4})
	b := mustHost(t, []int{2, 2}, []float32{5, 6, 7, 8})
	c, _ := tensor.Zeros([]int{2, 2})

	if err := e.MatMul(a, b, c); err != nil {
		t.Fatalf("MatMul: %v", err)
	}
	want := []float32{19, 22, 43, 50}
	for i, v := range c.Floats() {
		if math.Abs(float64(v-want[i])) > 1e-4 {
			t.Fatalf("c[%d] = %v, want %v", i, v, want[i])
		}
	}
}

// TestEmbeddingLookupAndScatterAdd mirrors spec S1.
func TestEmbeddingLookupAndScatterAdd(t *testing.T) {
	e := New()
	table := mustHost(t, []int{4, 3}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	row, _ := tensor.Zeros([]int{1, 3})

	if err := e.Lookup(table, 2, row); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	want := []float32{7, 8, 9}
	for i, v := range row.Floats() {
		if v != want[i] {
			t.Fatalf("row[%d] = %v, want %v", i, v, want[i])
		}
	}

	g, _ := tensor.Zeros([]int{4, 3})
	if err := e.AccumulateGradient(g, []float32{0.5, 0.5, 0.5}, 2); err != nil {
		t.Fatalf("AccumulateGradient: %v", err)
	}
	gd := g.Floats()
	for r := 0; r < 4; r++ {
		for c := 0; c < 3; c++ {
			got := gd[r*3+c]
			var want float32
			if r == 2 {
				want = 0.5
			}
			if got != want {
				t.Fatalf("g[%d][%d] = %v, want %v", r, c, got, want)
			}
		}
	}
}

// TestAdamStep mirrors spec S3.
func TestAdamStep(t *testing.T) {
	e := New()
	p := mustHost(t, []int{1}, []float32{1.0})
	g := mustHost(t, []int{1}, []float32{0.1})
	m, _ := tensor.Zeros([]int{1})
	v, _ := tensor.Zeros([]int{1})

	if err := e.AdamUpdate(p, g, m, v, 0.01, 0.9, 0.999, 1e-8, 1); err != nil {
		t.Fatalf("AdamUpdate: %v", err)
	}
	if math.Abs(float64(p.Floats()[0])-0.99) > 1e-3 {
		t.Fatalf("p = %v, want ~0.99", p.Floats()[0])
	}
	if math.Abs(float64(m.Floats()[0])-0.01) > 1e-4 {
		t.Fatalf("m = %v, want 0.01", m.Floats()[0])
	}
	if math.Abs(float64(v.Floats()[0])-0.00001) > 1e-6 {
		t.Fatalf("v = %v, want 0.00001", v.Floats()[0])
	}
}

// TestKernelsRejectNaNAndInf mirrors spec T5.
func TestKernelsRejectNaNAndInf(t *testing.T) {
	e := New()
	// NewHost rejects non-finite data, so the adversarial values are copied
	// into a zero tensor's backing slice instead.
	src, _ := tensor.Zeros([]int{3})
	copy(src.Floats(), []float32{float32(math.NaN()), float32(math.Inf(1)), 1e30})
	dst, _ := tensor.Zeros([]int{3})

	if err := e.Sigmoid(dst, src); err != nil {
		t.Fatalf("Sigmoid: %v", err)
	}
	for _, v := range dst.Floats() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("sigmoid leaked non-finite output: %v", v)
		}
	}

	dst2, _ := tensor.Zeros([]int{3})
	if err := e.Tanh(dst2, src); err != nil {
		t.Fatalf("Tanh: %v", err)
	}
	for _, v := range dst2.Floats() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("tanh leaked non-finite output: %v", v)
		}
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	e := New()
	x := mustHost(t, []int{1, 3}, []float32{1, 2, 3})
	if err := e.Softmax(x); err != nil {
		t.Fatalf("Softmax: %v", err)
	}
	var sum float32
	for _, v := range x.Floats() {
		sum += v
	}
	if math.Abs(float64(sum)-1) > 1e-3 {
		t.Fatalf("row sum = %v, want ~1", sum)
	}
}

// TestSoftmaxSanitizesNaNRow mirrors spec S2: a row containing NaN must
// still sum to 1 with no NaN/Inf surviving in the output.
func TestSoftmaxSanitizesNaNRow(t *testing.T) {
	e := New()
	x, _ := tensor.Zeros([]int{1, 3})
	copy(x.Floats(), []float32{float32(math.NaN()), 1.0, 1.0})
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

func TestSanitizeAndClip(t *testing.T) {
	e := New()
	x, _ := tensor.Zeros([]int{3})
	copy(x.Floats(), []float32{float32(math.NaN()), 100, -100})
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
