package lstm

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/dayson/ztrain/mathengine/host"
	"github.com/dayson/ztrain/tensor"
	"github.com/dayson/ztrain/tensorid"
	"github.com/dayson/ztrain/tensorstore"
)

func TestClipGradientsAppliesPerElementClamp(t *testing.T) {
	store, err := tensorstore.Open(filepath.Join(t.TempDir(), "tensors"))
	if err != nil {
		t.Fatalf("tensorstore.Open: %v", err)
	}
	engine := host.New()
	core := &Core{store: store, engine: engine}

	host1, err := tensor.NewHost([]int{1, 3}, []float32{10, -10, 0.001})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	id, err := store.Store(host1, "grad_a")
	host1.Release()
	if err != nil {
		t.Fatalf("store.Store: %v", err)
	}

	grads := map[string]tensorid.ID{"a": id}
	if err := core.clipGradients(grads); err != nil {
		t.Fatalf("clipGradients: %v", err)
	}

	out, err := store.Load(id)
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	defer out.Release()
	vals := out.Floats()
	if vals[0] > perElementClip || vals[1] < -perElementClip {
		t.Fatalf("expected per-element clamp to ±%v, got %v", perElementClip, vals)
	}
	if math.Abs(float64(vals[2])) > perElementClip {
		t.Fatalf("small value should survive untouched-ish, got %v", vals[2])
	}
}

func TestClipGradientsKeepsGlobalNormWithinMax(t *testing.T) {
	store, err := tensorstore.Open(filepath.Join(t.TempDir(), "tensors"))
	if err != nil {
		t.Fatalf("tensorstore.Open: %v", err)
	}
	engine := host.New()
	core := &Core{store: store, engine: engine}

	// Every value sits exactly at perElementClip, so 200 of them have a
	// combined L2 norm of sqrt(200)*0.005 ≈ 0.07, far below defaultMaxNorm:
	// the global scale step does not engage, and the test checks that the
	// post-clip norm stays within defaultMaxNorm.
	n := 200
	ids := make(map[string]tensorid.ID, n)
	for i := 0; i < n; i++ {
		h, err := tensor.NewHost([]int{1, 1}, []float32{perElementClip})
		if err != nil {
			t.Fatalf("NewHost: %v", err)
		}
		id, err := store.Store(h, "g")
		h.Release()
		if err != nil {
			t.Fatalf("store.Store: %v", err)
		}
		ids[string(rune('a'+i%26))+string(rune(i))] = id
	}

	if err := core.clipGradients(ids); err != nil {
		t.Fatalf("clipGradients: %v", err)
	}

	var sumSquares float64
	for _, id := range ids {
		out, err := store.Load(id)
		if err != nil {
			t.Fatalf("store.Load: %v", err)
		}
		for _, v := range out.Floats() {
			sumSquares += float64(v) * float64(v)
		}
		out.Release()
	}
	norm := math.Sqrt(sumSquares)
	if norm > defaultMaxNorm+1e-3 {
		t.Fatalf("expected global norm clipped to <= %v, got %v", defaultMaxNorm, norm)
	}
}
