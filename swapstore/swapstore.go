// Package swapstore implements the ephemeral write-through activation
// store of spec §4.3: every swap-out is durable the instant it returns,
// and destroys the caller's in-memory tensor so the corresponding device
// or host buffer cannot shadow-copy.
package swapstore

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/dayson/ztrain/errs"
	"github.com/dayson/ztrain/tensor"
)

// Store is a training session's scratch directory for BPTT activations,
// shared by every step of the session. Its directory is wiped and
// recreated at construction (spec §3 "SwapFile").
type Store struct {
	dir string
}

// Open deletes and recreates dir, giving every session a clean slate.
func Open(dir string) (*Store, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, errs.New("swapstore.open", errs.IoFailure, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New("swapstore.open", errs.IoFailure, err)
	}
	return &Store{dir: dir}, nil
}

// SwapOut serializes t to a new write-through file labeled label, flushes
// it to durable storage, releases t's backing buffer, and returns the
// file's path (its handle). After SwapOut returns, t must not be used
// again — Release already makes that a panic (spec T3).
func (s *Store) SwapOut(t tensor.Tensor, label string) (string, error) {
	path := filepath.Join(s.dir, label+"_"+uuid.NewString()+".swap")

	// O_SYNC bypasses the OS write-back cache: the write-through contract
	// spec §4.3 requires ("after swap_out returns, the buffer is durable").
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, 0o644)
	if err != nil {
		return "", errs.New("swapstore.swap_out", errs.IoFailure, err)
	}

	shape := t.Shape()
	data := t.Floats()
	if err := tensor.WriteRecord(f, shape, data); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", errs.New("swapstore.swap_out", errs.IoFailure, err)
	}

	t.Release()
	return path, nil
}

// Load materializes a fresh host tensor from path. The caller owns the
// result and is responsible for releasing it.
func (s *Store) Load(path string) (*tensor.Host, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New("swapstore.load", errs.NotFound, err)
	}
	defer f.Close()

	shape, data, err := tensor.ReadRecord(f)
	if err != nil {
		return nil, errs.New("swapstore.load", errs.CorruptData, err)
	}
	return tensor.NewHost(shape, data)
}

// Delete removes a single swap file, deletion of which is mandatory once
// it is no longer needed (spec §3 "deletion is mandatory at step end").
func (s *Store) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.New("swapstore.delete", errs.IoFailure, err)
	}
	return nil
}

// ClearAll removes every swap file currently in the session directory.
// Per-step cleanup does not call it; lstm.Core deletes each step's files
// by path.
func (s *Store) ClearAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errs.New("swapstore.clear_all", errs.IoFailure, err)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return errs.New("swapstore.clear_all", errs.IoFailure, err)
		}
	}
	return nil
}

// Count reports how many swap files remain — used by tests asserting the
// leak-free invariant (T4, S6).
func (s *Store) Count() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, errs.New("swapstore.count", errs.IoFailure, err)
	}
	return len(entries), nil
}
