package tensor

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWriteReadRecordRoundTrip(t *testing.T) {
	shape := []int{2, 3}
	data := []float32{1, 2, 3, 4, 5, 6}

	var buf bytes.Buffer
	if err := WriteRecord(&buf, shape, data); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	gotShape, gotData, err := ReadRecord(&buf)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if diff := cmp.Diff(shape, gotShape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(data, gotData); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestReadRecordEmptyTensor(t *testing.T) {
	shape := []int{0, 4}
	var buf bytes.Buffer
	if err := WriteRecord(&buf, shape, nil); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	gotShape, gotData, err := ReadRecord(&buf)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if diff := cmp.Diff(shape, gotShape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if len(gotData) != 0 {
		t.Errorf("expected empty data region, got %d elements", len(gotData))
	}
}

func TestReadRecordRejectsRankOutOfBounds(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0}) // rank 0
	if _, _, err := ReadRecord(&buf); err == nil {
		t.Fatal("expected CorruptData for rank 0")
	}
}

func TestReadRecordRejectsLengthMismatch(t *testing.T) {
	shape := []int{2, 2}
	data := []float32{1, 2, 3, 4}
	var buf bytes.Buffer
	if err := WriteRecord(&buf, shape, data); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	raw := buf.Bytes()
	// Flip the length field to something inconsistent with rank*dims.
	raw[4+4*2] = 99
	if _, _, err := ReadRecord(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected CorruptData for length/dims mismatch")
	}
}

func TestNewHostRejectsNaN(t *testing.T) {
	nan := float32(0)
	nan = nan / nan
	if _, err := NewHost([]int{1}, []float32{nan}); err == nil {
		t.Fatal("expected error constructing Host tensor from NaN data")
	}
}

func TestHostReleaseThenUsePanics(t *testing.T) {
	h, err := Zeros([]int{2})
	if err != nil {
		t.Fatalf("Zeros: %v", err)
	}
	h.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on use-after-release")
		}
	}()
	h.Floats()
}
