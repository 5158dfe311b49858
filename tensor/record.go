// record.go implements the on-disk TensorRecord format from spec §3/§6:
//
//	rank:i32_le | dim_0:i32_le | ... | dim_{rank-1}:i32_le | length:i64_le | f32_le * length
package tensor

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/dayson/ztrain/errs"
)

// WriteRecord writes shape+data in the fixed TensorRecord layout. Callers
// that must never persist NaN/Inf (every training-path writer) are
// expected to have sanitized data beforehand; WriteRecord itself trusts
// its caller, matching spec §3's "enforced at write" placement in the
// math engine rather than in the codec.
func WriteRecord(w io.Writer, shape []int, data []float32) error {
	if err := ValidateShape(shape); err != nil {
		return err
	}
	if Product(shape) != int64(len(data)) {
		return errs.New("tensor.write_record", errs.InvalidArgument, nil)
	}

	header := make([]byte, 4+4*len(shape)+8)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(shape)))
	for i, d := range shape {
		binary.LittleEndian.PutUint32(header[4+4*i:8+4*i], uint32(d))
	}
	binary.LittleEndian.PutUint64(header[len(header)-8:], uint64(len(data)))

	if _, err := w.Write(header); err != nil {
		return errs.New("tensor.write_record", errs.IoFailure, err)
	}

	if len(data) == 0 {
		return nil
	}

	payload := make([]byte, 4*len(data))
	for i, f := range data {
		binary.LittleEndian.PutUint32(payload[4*i:4*i+4], math.Float32bits(f))
	}
	if _, err := w.Write(payload); err != nil {
		return errs.New("tensor.write_record", errs.IoFailure, err)
	}
	return nil
}

// ReadRecord decodes a TensorRecord, validating the header invariant
// length == Π dims (spec B1: a mismatch is fatal CorruptData).
func ReadRecord(r io.Reader) (shape []int, data []float32, err error) {
	var rankBuf [4]byte
	if _, err = io.ReadFull(r, rankBuf[:]); err != nil {
		return nil, nil, errs.New("tensor.read_record", errs.IoFailure, err)
	}
	rank := int32(binary.LittleEndian.Uint32(rankBuf[:]))
	if rank < minRank || rank > maxRank {
		return nil, nil, errs.New("tensor.read_record", errs.CorruptData, nil)
	}

	shape = make([]int, rank)
	dimBuf := make([]byte, 4*int(rank))
	if _, err = io.ReadFull(r, dimBuf); err != nil {
		return nil, nil, errs.New("tensor.read_record", errs.IoFailure, err)
	}
	for i := range shape {
		d := int32(binary.LittleEndian.Uint32(dimBuf[4*i : 4*i+4]))
		if d < 0 {
			return nil, nil, errs.New("tensor.read_record", errs.CorruptData, nil)
		}
		shape[i] = int(d)
	}

	var lenBuf [8]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, nil, errs.New("tensor.read_record", errs.IoFailure, err)
	}
	length := int64(binary.LittleEndian.Uint64(lenBuf[:]))
	if length != Product(shape) {
		return nil, nil, errs.New("tensor.read_record", errs.CorruptData, nil)
	}

	if length == 0 {
		return shape, []float32{}, nil
	}

	payload := make([]byte, 4*length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return nil, nil, errs.New("tensor.read_record", errs.IoFailure, err)
	}

	data = make([]float32, length)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i : 4*i+4]))
	}
	return shape, data, nil
}
