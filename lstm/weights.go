package lstm

import (
	"github.com/dayson/ztrain/mathengine"
	"github.com/dayson/ztrain/tensor"
	"github.com/dayson/ztrain/tensorstore"
)

// Loaded is the device-resident weight bundle spec §4.9 step 1 describes:
// every primary weight and LN parameter loaded into engine memory exactly
// once per epoch, released together by Release.
type Loaded struct {
	engine mathengine.Engine
	w      map[string]tensor.Tensor
}

// LoadWeights materializes every tensor named in catalog through engine,
// copying each from TensorStore.
func LoadWeights(store *tensorstore.Store, engine mathengine.Engine, catalog *WeightCatalog) (*Loaded, error) {
	l := &Loaded{engine: engine, w: make(map[string]tensor.Tensor, catalog.ids.Len())}
	for _, name := range catalog.Names() {
		id, _ := catalog.ID(name)
		host, err := store.Load(id)
		if err != nil {
			l.Release()
			return nil, err
		}
		dev, err := engine.CreateFrom(host.Floats(), host.Shape())
		host.Release()
		if err != nil {
			l.Release()
			return nil, err
		}
		l.w[name] = dev
	}
	return l, nil
}

// Get returns the engine-resident tensor registered under name.
func (l *Loaded) Get(name string) tensor.Tensor { return l.w[name] }

// Release frees every loaded weight tensor (end of epoch, spec §4.9 step 3).
func (l *Loaded) Release() {
	for _, t := range l.w {
		t.Release()
	}
	l.w = nil
}

// Persist writes every loaded weight back to TensorStore under its
// original id, used after an Adam update rewrites the in-memory copies.
func (l *Loaded) Persist(store *tensorstore.Store, catalog *WeightCatalog) error {
	for _, name := range catalog.Names() {
		id, _ := catalog.ID(name)
		t := l.w[name]
		host, err := tensor.NewHost(t.Shape(), t.Floats())
		if err != nil {
			return err
		}
		if err := store.Overwrite(id, host); err != nil {
			return err
		}
	}
	return nil
}
