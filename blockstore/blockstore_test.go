package blockstore

import (
	"path/filepath"
	"testing"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "blocks.bts"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreGetRoundTrip(t *testing.T) {
	s := open(t)

	payloads := [][]byte{
		[]byte("hello"),
		[]byte(""),
		bytesOf(10000, 0x5a),
	}

	var offsets []int64
	for _, p := range payloads {
		off, err := s.Store(p)
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		offsets = append(offsets, off)
	}

	for i, off := range offsets {
		got, err := s.Get(off)
		if err != nil {
			t.Fatalf("Get(%d): %v", off, err)
		}
		if string(got) != string(payloads[i]) {
			t.Errorf("round trip %d: got %q want %q", i, got, payloads[i])
		}
	}
}

func TestGetChecksumMismatchIsCorrupt(t *testing.T) {
	s := open(t)
	off, err := s.Store([]byte("abc"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Corrupt a payload byte directly on disk.
	if _, err := s.f.WriteAt([]byte{'X'}, off+headerSize); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if _, err := s.Get(off); err == nil {
		t.Fatal("expected corruption error, got nil")
	}
}

func TestGetOversizedLengthIsCorrupt(t *testing.T) {
	s := open(t)
	off, err := s.Store([]byte("abc"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	header := make([]byte, headerSize)
	if _, err := s.f.ReadAt(header, off); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	header[3] = 0xFF // blow the length field out past maxBlockBytes
	if _, err := s.f.WriteAt(header, off); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if _, err := s.Get(off); err == nil {
		t.Fatal("expected corruption error for oversized length")
	}
}

func TestClearTruncatesToZero(t *testing.T) {
	s := open(t)
	if _, err := s.Store([]byte("abc")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	info, err := s.f.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("expected empty file after Clear, got size %d", info.Size())
	}
}

func bytesOf(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}
