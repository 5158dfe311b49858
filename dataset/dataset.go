// Package dataset shards a token corpus into checksummed minibatch
// blocks and splits the resulting offsets into train/validation sets
// (spec §4.8 "DatasetShardService").
package dataset

import (
	"encoding/binary"

	"github.com/emirpasic/gods/v2/lists/arraylist"

	"github.com/dayson/ztrain/blockstore"
	"github.com/dayson/ztrain/errs"
)

// Pair is one (input, target) next-token-prediction window: target is
// input shifted by one position.
type Pair struct {
	X []int32
	Y []int32
}

// Shard is one deserialized batch block: up to `batch` pairs packed
// together by Initialize (spec §4.8, §6 "Dataset batch block payload").
type Shard struct {
	Pairs []Pair
}

// Service shards a token corpus into batch-packed minibatch blocks
// stored in a blockstore.Store, and tracks which block offsets belong to
// the training split versus the validation split.
type Service struct {
	blocks       *blockstore.Store
	context      int
	trainOffsets *arraylist.List[int64]
	validOffsets *arraylist.List[int64]
}

// Open wraps an existing block file at path; call Initialize to (re)shard
// a corpus into it. context is the fixed input/target window length used
// by every pair this service produces.
func Open(path string, context int) (*Service, error) {
	if context < 2 {
		return nil, errs.New("dataset.open", errs.InvalidArgument, nil)
	}
	bs, err := blockstore.Open(path)
	if err != nil {
		return nil, err
	}
	return &Service{
		blocks:       bs,
		context:      context,
		trainOffsets: arraylist.New[int64](),
		validOffsets: arraylist.New[int64](),
	}, nil
}

// Initialize clears any previous sharding, then streams over corpus
// producing `(input = corpus[i:i+context], target = corpus[i+1:i+context+1])`
// pairs for every valid position, packs `batch` pairs at a time into one
// block (spec §4.8), and assigns the resulting offsets to the
// train/validation split according to valFraction (e.g. 0.1 reserves the
// last 10% of blocks for validation). Every token must lie in [0, vocab);
// if the corpus is shorter than context+1, a single pair is produced with
// both input and target padded out to length context using pad.
func (s *Service) Initialize(corpus []int32, vocab int, pad int32, batch int, valFraction float64) error {
	if len(corpus) == 0 {
		return errs.New("dataset.initialize", errs.InvalidArgument, nil)
	}
	if batch < 1 {
		return errs.New("dataset.initialize", errs.InvalidArgument, nil)
	}
	for _, tok := range corpus {
		if tok < 0 || int(tok) >= vocab {
			return errs.New("dataset.initialize", errs.InvalidArgument, nil)
		}
	}

	if err := s.blocks.Clear(); err != nil {
		return err
	}
	s.trainOffsets = arraylist.New[int64]()
	s.validOffsets = arraylist.New[int64]()

	pairs := s.streamPairs(corpus, pad)
	if len(pairs) == 0 {
		return errs.New("dataset.initialize", errs.InvalidArgument, nil)
	}

	var offsets []int64
	for start := 0; start < len(pairs); start += batch {
		end := start + batch
		if end > len(pairs) {
			end = len(pairs)
		}
		offset, err := s.blocks.Store(encodePack(pairs[start:end]))
		if err != nil {
			return err
		}
		offsets = append(offsets, offset)
	}

	splitAt := int(float64(len(offsets)) * (1 - valFraction))
	if splitAt < 1 {
		splitAt = 1
	}
	if splitAt > len(offsets) {
		splitAt = len(offsets)
	}
	for _, o := range offsets[:splitAt] {
		s.trainOffsets.Add(o)
	}
	for _, o := range offsets[splitAt:] {
		s.validOffsets.Add(o)
	}
	return nil
}

// streamPairs slides a window of length context+1 one token at a time
// over corpus, producing one (input, target) pair per valid position. A
// corpus shorter than context+1 still yields exactly one pair, with both
// input and target padded out to length context using pad.
func (s *Service) streamPairs(corpus []int32, pad int32) []Pair {
	c := s.context
	if len(corpus) < c+1 {
		input := make([]int32, c)
		target := make([]int32, c)
		for i := range input {
			input[i] = pad
			target[i] = pad
		}
		copy(input, corpus)
		if len(corpus) > 1 {
			copy(target, corpus[1:])
		}
		return []Pair{{X: input, Y: target}}
	}

	pairs := make([]Pair, 0, len(corpus)-c)
	for i := 0; i+c <= len(corpus)-1; i++ {
		input := make([]int32, c)
		target := make([]int32, c)
		copy(input, corpus[i:i+c])
		copy(target, corpus[i+1:i+c+1])
		pairs = append(pairs, Pair{X: input, Y: target})
	}
	return pairs
}

// TrainOffsets returns every block offset belonging to the training split.
func (s *Service) TrainOffsets() []int64 { return listToSlice(s.trainOffsets) }

// ValidationOffsets returns every block offset belonging to the
// validation split.
func (s *Service) ValidationOffsets() []int64 { return listToSlice(s.validOffsets) }

// LoadBatch reads and decodes the batch block stored at offset (spec
// §4.8 "load_batch").
func (s *Service) LoadBatch(offset int64) (*Shard, error) {
	payload, err := s.blocks.Get(offset)
	if err != nil {
		return nil, err
	}
	pairs, err := decodePack(payload)
	if err != nil {
		return nil, err
	}
	return &Shard{Pairs: pairs}, nil
}

// Close releases the underlying block file.
func (s *Service) Close() error { return s.blocks.Close() }

// encodePack serializes pairs per spec §6's "Dataset batch block payload":
// count:i32_le | {input_len:i32_le | target_len:i32_le |
// input_indices:i32_le×input_len | target_indices:i32_le×target_len}×count.
func encodePack(pairs []Pair) []byte {
	size := 4
	for _, p := range pairs {
		size += 8 + len(p.X)*4 + len(p.Y)*4
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(pairs)))
	off += 4
	for _, p := range pairs {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(p.X)))
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(p.Y)))
		off += 4
		for _, v := range p.X {
			binary.LittleEndian.PutUint32(buf[off:], uint32(v))
			off += 4
		}
		for _, v := range p.Y {
			binary.LittleEndian.PutUint32(buf[off:], uint32(v))
			off += 4
		}
	}
	return buf
}

// decodePack is encodePack's inverse, validating every length prefix
// against the payload's actual size before trusting it.
func decodePack(payload []byte) ([]Pair, error) {
	if len(payload) < 4 {
		return nil, errs.New("dataset.decode_pack", errs.CorruptData, nil)
	}
	off := 0
	count := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	if count < 0 {
		return nil, errs.New("dataset.decode_pack", errs.CorruptData, nil)
	}

	pairs := make([]Pair, 0, count)
	for i := 0; i < count; i++ {
		if off+8 > len(payload) {
			return nil, errs.New("dataset.decode_pack", errs.CorruptData, nil)
		}
		inputLen := int(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
		targetLen := int(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
		if inputLen < 0 || targetLen < 0 || off+inputLen*4+targetLen*4 > len(payload) {
			return nil, errs.New("dataset.decode_pack", errs.CorruptData, nil)
		}

		x := make([]int32, inputLen)
		for j := range x {
			x[j] = int32(binary.LittleEndian.Uint32(payload[off:]))
			off += 4
		}
		y := make([]int32, targetLen)
		for j := range y {
			y[j] = int32(binary.LittleEndian.Uint32(payload[off:]))
			off += 4
		}
		pairs = append(pairs, Pair{X: x, Y: y})
	}
	return pairs, nil
}

func listToSlice(l *arraylist.List[int64]) []int64 {
	out := make([]int64, 0, l.Size())
	for i := 0; i < l.Size(); i++ {
		v, _ := l.Get(i)
		out = append(out, v)
	}
	return out
}
