package lstm

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/dayson/ztrain/adam"
	"github.com/dayson/ztrain/eventsink"
	"github.com/dayson/ztrain/mathengine/host"
	"github.com/dayson/ztrain/swapstore"
	"github.com/dayson/ztrain/tensorstore"
)

func testConfig() Config {
	return Config{VocabSize: 6, EmbeddingSize: 4, HiddenSize: 5, OutputSize: 6}
}

func tinyInit(rows, cols int, seed int64) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		row := make([]float32, cols)
		for j := range row {
			row[j] = 0.01 * float32((i+1)*(j+1)%7-3)
		}
		out[i] = row
	}
	return out
}

func newFixture(t *testing.T) (*tensorstore.Store, *swapstore.Store) {
	t.Helper()
	store, err := tensorstore.Open(filepath.Join(t.TempDir(), "tensors"))
	if err != nil {
		t.Fatalf("tensorstore.Open: %v", err)
	}
	swap, err := swapstore.Open(filepath.Join(t.TempDir(), "swap"))
	if err != nil {
		t.Fatalf("swapstore.Open: %v", err)
	}
	return store, swap
}

func TestTrainSequenceLeavesNoSwapFiles(t *testing.T) {
	store, swap := newFixture(t)
	engine := host.New()
	cfg := testConfig()

	catalog, err := New(store, engine, cfg, tinyInit, 1)
	if err != nil {
		t.Fatalf("New catalog: %v", err)
	}
	core, err := NewCore(store, swap, engine, cfg, eventsink.NopSink{})
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	loaded, err := LoadWeights(store, engine, catalog)
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	defer loaded.Release()

	opt := adam.New(store, engine)

	x := []int32{0, 1, 2, 3}
	y := []int32{1, 2, 3, 4}

	loss, err := core.TrainSequence(catalog, loaded, opt, x, y)
	if err != nil {
		t.Fatalf("TrainSequence: %v", err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) || loss < 0 {
		t.Fatalf("unexpected loss: %v", loss)
	}

	count, err := swap.Count()
	if err != nil {
		t.Fatalf("swap.Count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected zero leaked swap files after cleanup, got %d", count)
	}
	if core.state != StateIdle {
		t.Fatalf("expected state machine to return to Idle, got %v", core.state)
	}
}

func TestTrainSequenceReducesLossOverSteps(t *testing.T) {
	store, swap := newFixture(t)
	engine := host.New()
	cfg := testConfig()

	catalog, err := New(store, engine, cfg, tinyInit, 1)
	if err != nil {
		t.Fatalf("New catalog: %v", err)
	}
	core, err := NewCore(store, swap, engine, cfg, eventsink.NopSink{})
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}

	x := []int32{0, 1, 2, 3, 4}
	y := []int32{1, 2, 3, 4, 5}

	opt := adam.New(store, engine, adam.WithLearningRate(0.05))

	var first, last float64
	for step := 0; step < 20; step++ {
		loaded, err := LoadWeights(store, engine, catalog)
		if err != nil {
			t.Fatalf("LoadWeights: %v", err)
		}
		loss, err := core.TrainSequence(catalog, loaded, opt, x, y)
		loaded.Release()
		if err != nil {
			t.Fatalf("TrainSequence step %d: %v", step, err)
		}
		if step == 0 {
			first = loss
		}
		last = loss
	}
	if last >= first {
		t.Fatalf("expected loss to decrease after training, first=%v last=%v", first, last)
	}
}

func TestSanityCheckPassesOnFreshCatalog(t *testing.T) {
	store, swap := newFixture(t)
	engine := host.New()
	cfg := testConfig()

	catalog, err := New(store, engine, cfg, tinyInit, 1)
	if err != nil {
		t.Fatalf("New catalog: %v", err)
	}
	loaded, err := LoadWeights(store, engine, catalog)
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	defer loaded.Release()

	opt := adam.New(store, engine)
	if err := SanityCheck(store, swap, engine, cfg, catalog, loaded, opt, eventsink.NopSink{}); err != nil {
		t.Fatalf("SanityCheck: %v", err)
	}
}

func TestStateStringCoversAllValues(t *testing.T) {
	for _, s := range []State{StateIdle, StateForward, StateBackward, StateUpdate, StateCleanup} {
		if s.String() == "" {
			t.Fatalf("empty string for state %d", s)
		}
	}
}
