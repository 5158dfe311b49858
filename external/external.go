// Package external declares the collaborators spec §6.2 treats as black
// boxes supplied by the caller: tokenization, weight initialization, and
// an optional teacher model for distillation. This package holds only
// their contracts — no implementation belongs here.
package external

// Tokenizer converts between raw text and the integer vocabulary the
// model trains over.
type Tokenizer interface {
	Encode(text string) ([]int32, error)
	Decode(tokens []int32) (string, error)
	VocabSize() int
}

// Initializer produces a [rows][cols]float32 weight matrix for a given
// seed — orthogonal/SVD init and any other scheme live behind this
// boundary, never inside the training core.
type Initializer interface {
	Init(rows, cols int, seed int64) [][]float32
}

// TeacherModel supplies soft targets for optional distillation — a
// probability distribution over the vocabulary for one input sequence.
type TeacherModel interface {
	Predict(tokens []int32) ([]float32, error)
}
