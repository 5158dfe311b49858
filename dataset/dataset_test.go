package dataset

import (
	"math"
	"path/filepath"
	"testing"
)

func TestInitializeSplitsTrainAndValidation(t *testing.T) {
	svc, err := Open(filepath.Join(t.TempDir(), "corpus.blk"), 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer svc.Close()

	tokens := make([]int32, 100)
	for i := range tokens {
		tokens[i] = int32(i % 17)
	}
	const batch = 3
	if err := svc.Initialize(tokens, 17, 0, batch, 0.2); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	train := svc.TrainOffsets()
	valid := svc.ValidationOffsets()
	if len(train) == 0 || len(valid) == 0 {
		t.Fatalf("expected both splits non-empty, got train=%d valid=%d", len(train), len(valid))
	}

	// R3: initialize(corpus, ...) must yield exactly ceil(N/batch) blocks,
	// where N is the number of (input,target) pairs the corpus supports.
	wantPairs := len(tokens) - 4
	wantBlocks := int(math.Ceil(float64(wantPairs) / float64(batch)))
	gotBlocks := len(train) + len(valid)
	if gotBlocks != wantBlocks {
		t.Fatalf("got %d blocks, want ceil(%d/%d) = %d", gotBlocks, wantPairs, batch, wantBlocks)
	}

	var totalPairs int
	for _, off := range append(append([]int64{}, train...), valid...) {
		shard, err := svc.LoadBatch(off)
		if err != nil {
			t.Fatalf("load_batch: %v", err)
		}
		if len(shard.Pairs) == 0 || len(shard.Pairs) > batch {
			t.Fatalf("unexpected pair count in block: %d", len(shard.Pairs))
		}
		for _, pair := range shard.Pairs {
			if len(pair.X) != 4 || len(pair.Y) != 4 {
				t.Fatalf("unexpected pair shape: x=%d y=%d", len(pair.X), len(pair.Y))
			}
			// R3: target[i] == input[i+1], drawn from the same window.
			for i := 0; i < len(pair.X)-1; i++ {
				if pair.Y[i] != pair.X[i+1] {
					t.Fatalf("pair invariant violated: target[%d]=%d, want input[%d+1]=%d", i, pair.Y[i], i, pair.X[i+1])
				}
			}
		}
		totalPairs += len(shard.Pairs)
	}
	if totalPairs != wantPairs {
		t.Fatalf("total pairs across blocks = %d, want %d", totalPairs, wantPairs)
	}
}

func TestInitializeRejectsEmptyCorpus(t *testing.T) {
	svc, err := Open(filepath.Join(t.TempDir(), "corpus.blk"), 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer svc.Close()

	if err := svc.Initialize(nil, 17, 0, 3, 0.1); err == nil {
		t.Fatal("expected error for empty corpus")
	}
}

func TestInitializeRejectsOutOfRangeToken(t *testing.T) {
	svc, err := Open(filepath.Join(t.TempDir(), "corpus.blk"), 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer svc.Close()

	tokens := []int32{0, 1, 2, 17, 4, 5}
	if err := svc.Initialize(tokens, 17, 0, 3, 0.1); err == nil {
		t.Fatal("expected error for a token outside [0, vocab)")
	}
}

func TestInitializePadsShortCorpus(t *testing.T) {
	svc, err := Open(filepath.Join(t.TempDir(), "corpus.blk"), 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer svc.Close()

	tokens := []int32{1, 2}
	if err := svc.Initialize(tokens, 17, 9, 3, 0.1); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	train := svc.TrainOffsets()
	if len(train) != 1 {
		t.Fatalf("expected exactly one block for a short corpus, got %d", len(train))
	}
	shard, err := svc.LoadBatch(train[0])
	if err != nil {
		t.Fatalf("load_batch: %v", err)
	}
	if len(shard.Pairs) != 1 {
		t.Fatalf("expected exactly one padded pair, got %d", len(shard.Pairs))
	}
	pair := shard.Pairs[0]
	wantX := []int32{1, 2, 9, 9}
	wantY := []int32{2, 9, 9, 9}
	for i := range wantX {
		if pair.X[i] != wantX[i] {
			t.Fatalf("pair.X[%d] = %d, want %d", i, pair.X[i], wantX[i])
		}
		if pair.Y[i] != wantY[i] {
			t.Fatalf("pair.Y[%d] = %d, want %d", i, pair.Y[i], wantY[i])
		}
	}
}

func TestOpenRejectsShortSequence(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "corpus.blk"), 1); err == nil {
		t.Fatal("expected error for seqLen < 2")
	}
}
