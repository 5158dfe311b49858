// Package blockstore implements the append-only, checksum-protected block
// file described in spec §4.1/§6: every Store call appends
// `len:i32_le | checksum:i32_le | payload` and returns the offset where
// `len` begins; Get re-validates the checksum on every read.
package blockstore

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/dayson/ztrain/errs"
)

const (
	headerSize    = 8 // len:i32_le + checksum:i32_le
	maxBlockBytes = 100 << 20
	headroomBytes = 1 << 20
)

// Store is an append-only checksummed block file guarded by a single
// writer / many readers lock, matching spec §4.1's concurrency note.
type Store struct {
	mu   sync.RWMutex
	path string
	f    *os.File
}

// Open opens (creating if necessary) the block file at path.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.New("blockstore.open", errs.IoFailure, err)
	}
	return &Store{path: path, f: f}, nil
}

func checksum(data []byte) int32 {
	var h uint32
	for _, b := range data {
		h = h*31 + uint32(b)
	}
	return int32(h)
}

// Store appends data as a checksummed block and returns its offset — the
// file position where the length prefix begins.
func (s *Store) Store(data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	preLen, err := s.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errs.New("blockstore.store", errs.IoFailure, err)
	}

	if free, err := freeBytes(s.path); err == nil {
		if free < uint64(len(data))+headroomBytes {
			return 0, errs.New("blockstore.store", errs.OutOfSpace, nil)
		}
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(checksum(data)))

	if _, err := s.f.Write(header); err != nil {
		s.rollback(preLen)
		return 0, errs.New("blockstore.store", errs.IoFailure, err)
	}
	if _, err := s.f.Write(data); err != nil {
		s.rollback(preLen)
		return 0, errs.New("blockstore.store", errs.IoFailure, err)
	}
	if err := s.f.Sync(); err != nil {
		s.rollback(preLen)
		return 0, errs.New("blockstore.store", errs.IoFailure, err)
	}

	return preLen, nil
}

// rollback truncates the file back to its length before a failed write.
func (s *Store) rollback(preLen int64) {
	_ = s.f.Truncate(preLen)
	_, _ = s.f.Seek(preLen, io.SeekStart)
}

// Get reads and validates the block whose length prefix begins at offset.
func (s *Store) Get(offset int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	header := make([]byte, headerSize)
	if _, err := s.f.ReadAt(header, offset); err != nil {
		return nil, errs.New("blockstore.get", errs.IoFailure, err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	wantChecksum := int32(binary.LittleEndian.Uint32(header[4:8]))

	if length > maxBlockBytes {
		return nil, errs.New("blockstore.get", errs.CorruptData, nil)
	}

	data := make([]byte, length)
	if length > 0 {
		if _, err := s.f.ReadAt(data, offset+headerSize); err != nil {
			return nil, errs.New("blockstore.get", errs.IoFailure, err)
		}
	}

	if checksum(data) != wantChecksum {
		return nil, errs.New("blockstore.get", errs.CorruptData, nil)
	}

	return data, nil
}

// Clear truncates the block file back to zero length.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.f.Truncate(0); err != nil {
		return errs.New("blockstore.clear", errs.IoFailure, err)
	}
	_, err := s.f.Seek(0, io.SeekStart)
	if err != nil {
		return errs.New("blockstore.clear", errs.IoFailure, err)
	}
	return nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
