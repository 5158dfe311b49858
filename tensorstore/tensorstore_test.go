package tensorstore

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dayson/ztrain/tensor"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "session"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestStoreLoadRoundTrip(t *testing.T) {
	s := open(t)
	h, err := tensor.NewHost([]int{2, 2}, []float32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}

	id, err := s.Store(h, "weight")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	loaded, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(h.Shape(), loaded.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, loaded.Floats()); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingIsNotFound(t *testing.T) {
	s := open(t)
	if _, err := s.Load("does_not_exist"); err == nil {
		t.Fatal("expected NotFound error")
	}
}

func TestOverwriteThenLoad(t *testing.T) {
	s := open(t)
	h, _ := tensor.NewHost([]int{1, 3}, []float32{1, 2, 3})
	id, err := s.Store(h, "m")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	updated, _ := tensor.NewHost([]int{1, 3}, []float32{9, 9, 9})
	if err := s.Overwrite(id, updated); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}

	got, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]float32{9, 9, 9}, got.Floats()); diff != "" {
		t.Errorf("data mismatch after overwrite (-want +got):\n%s", diff)
	}
}

func TestSetRowUpdatesOnlyThatRow(t *testing.T) {
	s := open(t)
	h, _ := tensor.NewHost([]int{3, 2}, []float32{1, 1, 2, 2, 3, 3})
	id, err := s.Store(h, "embedding")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	if err := s.SetRow(id, 1, []float32{9, 9}); err != nil {
		t.Fatalf("SetRow: %v", err)
	}

	got, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []float32{1, 1, 9, 9, 3, 3}
	if diff := cmp.Diff(want, got.Floats()); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	s := open(t)
	h, _ := tensor.NewHost([]int{1}, []float32{1})
	id, _ := s.Store(h, "x")
	s.Delete(id)
	if _, err := s.Load(id); err == nil {
		t.Fatal("expected NotFound after Delete")
	}
}

func TestCloneCopiesFileAndShape(t *testing.T) {
	s := open(t)
	h, _ := tensor.NewHost([]int{2}, []float32{5, 6})
	id, _ := s.Store(h, "a")

	cloneID, err := s.Clone(id, "b")
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	got, err := s.Load(cloneID)
	if err != nil {
		t.Fatalf("Load clone: %v", err)
	}
	if diff := cmp.Diff([]float32{5, 6}, got.Floats()); diff != "" {
		t.Errorf("clone data mismatch (-want +got):\n%s", diff)
	}
}
