// Package tensorstore implements the persistent, id-keyed tensor store of
// spec §4.2: one file per tensor under a session directory, an in-memory
// shape index as the authority for T1, and per-id locking for
// read-modify-write operations like SetRow.
package tensorstore

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dayson/ztrain/errs"
	"github.com/dayson/ztrain/tensor"
	"github.com/dayson/ztrain/tensorid"
)

// Store is the persistent tensor store. One Store corresponds to one
// on-disk session directory (`TensorCache/<session>/` in spec §6).
type Store struct {
	dir   string
	alloc tensorid.Allocator

	mu    sync.RWMutex
	index map[tensorid.ID][]int

	rowLocks sync.Map // tensorid.ID -> *sync.Mutex
}

// Open creates (if necessary) the session directory and returns an empty
// Store rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New("tensorstore.open", errs.IoFailure, err)
	}
	return &Store{dir: dir, index: make(map[tensorid.ID][]int)}, nil
}

func (s *Store) path(id tensorid.ID) string {
	return filepath.Join(s.dir, string(id)+".bin")
}

func (s *Store) rowLock(id tensorid.ID) *sync.Mutex {
	v, _ := s.rowLocks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Store allocates a fresh id for name, writes tensor t to a new file
// (create-new semantics — fails if the file already exists, which given
// monotonic allocation only happens on a programmer error), and registers
// its shape in the index.
func (s *Store) Store(t tensor.Tensor, name string) (tensorid.ID, error) {
	id := s.alloc.New(name)
	p := s.path(id)

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", errs.New("tensorstore.store", errs.IoFailure, err)
	}

	shape := t.Shape()
	if err := tensor.WriteRecord(f, shape, t.Floats()); err != nil {
		f.Close()
		os.Remove(p)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(p)
		return "", errs.New("tensorstore.store", errs.IoFailure, err)
	}

	s.mu.Lock()
	s.index[id] = append([]int(nil), shape...)
	s.mu.Unlock()

	return id, nil
}

// Load reconstructs the tensor stored under id as a host tensor, validating
// that the on-disk header matches the index's authoritative shape (T1).
func (s *Store) Load(id tensorid.ID) (*tensor.Host, error) {
	s.mu.RLock()
	wantShape, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.New("tensorstore.load", errs.NotFound, nil)
	}

	f, err := os.Open(s.path(id))
	if err != nil {
		return nil, errs.New("tensorstore.load", errs.CorruptData, err)
	}
	defer f.Close()

	shape, data, err := tensor.ReadRecord(f)
	if err != nil {
		return nil, errs.New("tensorstore.load", errs.CorruptData, err)
	}
	if !shapeEqual(shape, wantShape) {
		return nil, errs.New("tensorstore.load", errs.CorruptData, nil)
	}

	return tensor.NewHost(shape, data)
}

// Overwrite truncates-and-rewrites id's file with a fresh full header,
// serializing concurrent overwrites/row-updates of the same id.
func (s *Store) Overwrite(id tensorid.ID, t tensor.Tensor) error {
	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(s.path(id), os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.New("tensorstore.overwrite", errs.IoFailure, err)
	}
	defer f.Close()

	shape := t.Shape()
	if err := tensor.WriteRecord(f, shape, t.Floats()); err != nil {
		return err
	}

	s.mu.Lock()
	s.index[id] = append([]int(nil), shape...)
	s.mu.Unlock()
	return nil
}

// SetRow performs a read-modify-write of a single row of a 2-D tensor.
func (s *Store) SetRow(id tensorid.ID, row int, source []float32) error {
	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	shape, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return errs.New("tensorstore.set_row", errs.NotFound, nil)
	}
	if len(shape) != 2 {
		return errs.New("tensorstore.set_row", errs.InvalidArgument, nil)
	}
	if len(source) != shape[1] {
		return errs.New("tensorstore.set_row", errs.InvalidArgument, nil)
	}
	if row < 0 || row >= shape[0] {
		return errs.New("tensorstore.set_row", errs.InvalidArgument, nil)
	}

	f, err := os.OpenFile(s.path(id), os.O_RDWR, 0o644)
	if err != nil {
		return errs.New("tensorstore.set_row", errs.IoFailure, err)
	}
	defer f.Close()

	_, data, err := tensor.ReadRecord(f)
	if err != nil {
		return errs.New("tensorstore.set_row", errs.CorruptData, err)
	}
	copy(data[row*shape[1]:(row+1)*shape[1]], source)

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return errs.New("tensorstore.set_row", errs.IoFailure, err)
	}
	if err := f.Truncate(0); err != nil {
		return errs.New("tensorstore.set_row", errs.IoFailure, err)
	}
	return tensor.WriteRecord(f, shape, data)
}

// Delete removes id from the index and deletes its file. A locked file
// (still open elsewhere) is treated as a silent no-op per spec §4.2.
func (s *Store) Delete(id tensorid.ID) {
	s.mu.Lock()
	delete(s.index, id)
	s.mu.Unlock()

	_ = os.Remove(s.path(id)) // best effort; a locked file is a silent no-op
}

// Clone copies the file backing sourceID to a freshly allocated id named
// newName and registers it in the index with the same shape.
func (s *Store) Clone(sourceID tensorid.ID, newName string) (tensorid.ID, error) {
	s.mu.RLock()
	shape, ok := s.index[sourceID]
	s.mu.RUnlock()
	if !ok {
		return "", errs.New("tensorstore.clone", errs.NotFound, nil)
	}

	id := s.alloc.New(newName)

	src, err := os.Open(s.path(sourceID))
	if err != nil {
		return "", errs.New("tensorstore.clone", errs.IoFailure, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(s.path(id), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", errs.New("tensorstore.clone", errs.IoFailure, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(s.path(id))
		return "", errs.New("tensorstore.clone", errs.IoFailure, err)
	}

	s.mu.Lock()
	s.index[id] = append([]int(nil), shape...)
	s.mu.Unlock()

	return id, nil
}

// Shape returns the index's authoritative shape for id, for callers
// (e.g. AdamOptimizer) that need it without a full Load.
func (s *Store) Shape(id tensorid.ID) ([]int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shape, ok := s.index[id]
	return append([]int(nil), shape...), ok
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
