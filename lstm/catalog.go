// Package lstm implements the zero-RAM LSTM training core of spec §4.7:
// the weight identity catalog, the streaming forward pass, the BPTT
// backward pass, global gradient-norm clipping, the per-step sanity
// check, and the IDLE→FORWARD→BACKWARD→UPDATE→CLEANUP→IDLE state machine.
package lstm

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/dayson/ztrain/mathengine"
	"github.com/dayson/ztrain/tensorid"
	"github.com/dayson/ztrain/tensorstore"
)

// gates is the fixed gate order the catalog, forward pass and backward
// pass all iterate in — f(orget), i(nput), c(andidate), o(utput).
var gates = [4]string{"f", "i", "c", "o"}

// Config fixes the four dimensions that determine every weight's shape.
type Config struct {
	VocabSize     int
	EmbeddingSize int
	HiddenSize    int
	OutputSize    int
}

// Initializer is the external orthogonal/SVD weight-init collaborator
// (spec §6.2) — a black box supplied by the caller, never implemented
// here.
type Initializer func(rows, cols int, seed int64) [][]float32

// WeightCatalog holds the 15 primary weight tensors and 8 layer-norm
// parameters of spec §3 "LSTM Weight Catalog", each represented solely by
// its TensorId — the insertion-ordered map keeps JSON output and
// global-norm iteration deterministic (spec §3 addition).
type WeightCatalog struct {
	cfg Config
	ids *orderedmap.OrderedMap[string, tensorid.ID]
}

const (
	keyEmbedding = "embedding"
	keyOutputW   = "W_hy"
	keyOutputB   = "b_y"
)

func weightKey(gate, part string) string { return fmt.Sprintf("%s_%s", part, gate) }
func lnKey(gate, part string) string     { return fmt.Sprintf("ln_%s_%s", part, gate) }

// Names returns every key in the catalog (primary weights and layer-norm
// parameters alike), in the deterministic order they were inserted.
func (c *WeightCatalog) Names() []string {
	names := make([]string, 0, c.ids.Len())
	for pair := c.ids.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// ID returns the tensor id registered under name.
func (c *WeightCatalog) ID(name string) (tensorid.ID, bool) {
	return c.ids.Get(name)
}

// set registers id under name, preserving first-insertion order.
func (c *WeightCatalog) set(name string, id tensorid.ID) {
	c.ids.Set(name, id)
}

// New allocates a fresh weight catalog in store: W_i·/W_h· for each of the
// four gates (initialized by init) plus a zero bias per gate, the
// embedding table and output projection (also init-ed) with a zero output
// bias, and the 8 layer-norm γ/β parameters (γ=ones, β=zeros — the
// standard LN identity start).
func New(store *tensorstore.Store, engine mathengine.Engine, cfg Config, init Initializer, seed int64) (*WeightCatalog, error) {
	c := &WeightCatalog{cfg: cfg, ids: orderedmap.New[string, tensorid.ID]()}

	embID, err := storeInit(store, init, keyEmbedding, cfg.VocabSize, cfg.EmbeddingSize, seed)
	if err != nil {
		return nil, err
	}
	c.set(keyEmbedding, embID)

	for gi, g := range gates {
		wiID, err := storeInit(store, init, weightKey(g, "Wi"), cfg.EmbeddingSize, cfg.HiddenSize, seed+int64(gi)*3+1)
		if err != nil {
			return nil, err
		}
		c.set(weightKey(g, "Wi"), wiID)

		whID, err := storeInit(store, init, weightKey(g, "Wh"), cfg.HiddenSize, cfg.HiddenSize, seed+int64(gi)*3+2)
		if err != nil {
			return nil, err
		}
		c.set(weightKey(g, "Wh"), whID)

		bID, err := storeZeros(store, weightKey(g, "b"), 1, cfg.HiddenSize)
		if err != nil {
			return nil, err
		}
		c.set(weightKey(g, "b"), bID)

		gammaID, err := storeOnes(store, lnKey(g, "gamma"), 1, cfg.HiddenSize)
		if err != nil {
			return nil, err
		}
		c.set(lnKey(g, "gamma"), gammaID)

		betaID, err := storeZeros(store, lnKey(g, "beta"), 1, cfg.HiddenSize)
		if err != nil {
			return nil, err
		}
		c.set(lnKey(g, "beta"), betaID)
	}

	whyID, err := storeInit(store, init, keyOutputW, cfg.HiddenSize, cfg.OutputSize, seed+100)
	if err != nil {
		return nil, err
	}
	c.set(keyOutputW, whyID)

	byID, err := storeZeros(store, keyOutputB, 1, cfg.OutputSize)
	if err != nil {
		return nil, err
	}
	c.set(keyOutputB, byID)

	return c, nil
}

// FromIDs reconstructs a WeightCatalog from a previously persisted
// name->id mapping (spec §6.4's modelcatalog envelope), used to resume a
// training session without reallocating tensors.
func FromIDs(cfg Config, ids map[string]tensorid.ID) *WeightCatalog {
	c := &WeightCatalog{cfg: cfg, ids: orderedmap.New[string, tensorid.ID]()}
	c.set(keyEmbedding, ids[keyEmbedding])
	for _, g := range gates {
		c.set(weightKey(g, "Wi"), ids[weightKey(g, "Wi")])
		c.set(weightKey(g, "Wh"), ids[weightKey(g, "Wh")])
		c.set(weightKey(g, "b"), ids[weightKey(g, "b")])
		c.set(lnKey(g, "gamma"), ids[lnKey(g, "gamma")])
		c.set(lnKey(g, "beta"), ids[lnKey(g, "beta")])
	}
	c.set(keyOutputW, ids[keyOutputW])
	c.set(keyOutputB, ids[keyOutputB])
	return c
}
