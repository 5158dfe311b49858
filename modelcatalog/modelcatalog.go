// Package modelcatalog serializes the §6.4 JSON envelope that lets a
// training session resume: the model's fixed dimensions plus every
// weight's TensorId, keyed by name so a restart doesn't need to
// reallocate or re-guess ids.
package modelcatalog

import (
	"encoding/json"
	"os"

	"github.com/dayson/ztrain/errs"
	"github.com/dayson/ztrain/lstm"
	"github.com/dayson/ztrain/tensorid"
)

// Envelope is the on-disk JSON document spec §6.4 names.
type Envelope struct {
	VocabSize     int                    `json:"vocab_size"`
	EmbeddingSize int                    `json:"embedding_size"`
	HiddenSize    int                    `json:"hidden_size"`
	OutputSize    int                    `json:"output_size"`
	SessionID     string                 `json:"session_id"`
	TensorIDs     map[string]tensorid.ID `json:"tensor_ids"`
}

// FromCatalog builds the envelope for sessionID from a live WeightCatalog.
func FromCatalog(sessionID string, cfg lstm.Config, catalog *lstm.WeightCatalog) Envelope {
	ids := make(map[string]tensorid.ID, len(catalog.Names()))
	for _, name := range catalog.Names() {
		id, _ := catalog.ID(name)
		ids[name] = id
	}
	return Envelope{
		VocabSize:     cfg.VocabSize,
		EmbeddingSize: cfg.EmbeddingSize,
		HiddenSize:    cfg.HiddenSize,
		OutputSize:    cfg.OutputSize,
		SessionID:     sessionID,
		TensorIDs:     ids,
	}
}

// Save writes e to path as indented JSON.
func Save(path string, e Envelope) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return errs.New("modelcatalog.save", errs.CorruptData, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.New("modelcatalog.save", errs.IoFailure, err)
	}
	return nil
}

// Load reads and decodes the envelope at path.
func Load(path string) (Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Envelope{}, errs.New("modelcatalog.load", errs.IoFailure, err)
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errs.New("modelcatalog.load", errs.CorruptData, err)
	}
	return e, nil
}

// Config reconstructs the lstm.Config this envelope describes.
func (e Envelope) Config() lstm.Config {
	return lstm.Config{
		VocabSize:     e.VocabSize,
		EmbeddingSize: e.EmbeddingSize,
		HiddenSize:    e.HiddenSize,
		OutputSize:    e.OutputSize,
	}
}
