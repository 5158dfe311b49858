// Package adam implements the disk-resident Adam optimizer of spec §4.6:
// per-parameter m/v tensors and a timestep counter, lazily allocated on
// first update.
package adam

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/dayson/ztrain/errs"
	"github.com/dayson/ztrain/mathengine"
	"github.com/dayson/ztrain/tensor"
	"github.com/dayson/ztrain/tensorid"
	"github.com/dayson/ztrain/tensorstore"
)

const (
	defaultLR    = 0.001
	defaultBeta1 = 0.9
	defaultBeta2 = 0.999
	defaultEps   = 1e-8
)

// paramState is one parameter's Adam bookkeeping: its m/v tensor ids and
// the timestep it was last updated at.
type paramState struct {
	m tensorid.ID
	v tensorid.ID
	t int
}

// Optimizer holds Adam state for a set of parameter tensors, keyed in
// insertion order so reset() iterates deterministically (spec §3 "ordered
// map" convention shared with lstm.WeightCatalog).
type Optimizer struct {
	store  *tensorstore.Store
	engine mathengine.Engine
	lr     float32
	beta1  float32
	beta2  float32
	eps    float32
	state  *orderedmap.OrderedMap[tensorid.ID, *paramState]
}

// Option configures the optimizer's hyperparameters at construction.
type Option func(*Optimizer)

func WithLearningRate(lr float32) Option { return func(o *Optimizer) { o.lr = lr } }
func WithBetas(b1, b2 float32) Option    { return func(o *Optimizer) { o.beta1, o.beta2 = b1, b2 } }
func WithEpsilon(eps float32) Option     { return func(o *Optimizer) { o.eps = eps } }

// New constructs an optimizer backed by store for state and engine for the
// fused adam_update kernel.
func New(store *tensorstore.Store, engine mathengine.Engine, opts ...Option) *Optimizer {
	o := &Optimizer{
		store:  store,
		engine: engine,
		lr:     defaultLR,
		beta1:  defaultBeta1,
		beta2:  defaultBeta2,
		eps:    defaultEps,
		state:  orderedmap.New[tensorid.ID, *paramState](),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Update applies one Adam step to the parameter tensor identified by id,
// given its accumulated gradient gradID, allocating m/v on first use.
func (o *Optimizer) Update(id, gradID tensorid.ID) error {
	shape, ok := o.store.Shape(id)
	if !ok {
		return errs.New("adam.update", errs.NotFound, nil)
	}

	st, existed := o.state.Get(id)
	if !existed {
		zero, err := tensor.Zeros(shape)
		if err != nil {
			return err
		}
		mID, err := o.store.Store(zero, string(id)+"_m")
		if err != nil {
			return err
		}
		zero2, err := tensor.Zeros(shape)
		if err != nil {
			return err
		}
		vID, err := o.store.Store(zero2, string(id)+"_v")
		if err != nil {
			return err
		}
		st = &paramState{m: mID, v: vID}
		o.state.Set(id, st)
	}
	st.t++

	hp, err := o.store.Load(id)
	if err != nil {
		return err
	}
	hg, err := o.store.Load(gradID)
	if err != nil {
		return err
	}
	hm, err := o.store.Load(st.m)
	if err != nil {
		return err
	}
	hv, err := o.store.Load(st.v)
	if err != nil {
		return err
	}

	// Bridge the persisted host tensors into the engine's own tensor
	// variant (a no-op copy for mathengine/host, a device-buffer upload
	// for mathengine/device) so adam_update runs through the kernel
	// catalog rather than touching TensorStore's bytes directly.
	p, err := o.engine.CreateFrom(hp.Floats(), hp.Shape())
	hp.Release()
	if err != nil {
		return err
	}
	g, err := o.engine.CreateFrom(hg.Floats(), hg.Shape())
	hg.Release()
	if err != nil {
		return err
	}
	m, err := o.engine.CreateFrom(hm.Floats(), hm.Shape())
	hm.Release()
	if err != nil {
		return err
	}
	v, err := o.engine.CreateFrom(hv.Floats(), hv.Shape())
	hv.Release()
	if err != nil {
		return err
	}

	if err := o.engine.AdamUpdate(p, g, m, v, o.lr, o.beta1, o.beta2, o.eps, st.t); err != nil {
		return err
	}

	newP, err := tensor.NewHost(p.Shape(), p.Floats())
	p.Release()
	if err != nil {
		return err
	}
	newM, err := tensor.NewHost(m.Shape(), m.Floats())
	m.Release()
	if err != nil {
		return err
	}
	newV, err := tensor.NewHost(v.Shape(), v.Floats())
	v.Release()
	if err != nil {
		return err
	}
	g.Release()

	if err := o.store.Overwrite(id, newP); err != nil {
		return err
	}
	if err := o.store.Overwrite(st.m, newM); err != nil {
		return err
	}
	return o.store.Overwrite(st.v, newV)
}

// Reset deletes every parameter's m/v files and clears the catalog (spec
// §3 "reset deletes the files and clears the catalog").
func (o *Optimizer) Reset() {
	for pair := o.state.Oldest(); pair != nil; pair = pair.Next() {
		o.store.Delete(pair.Value.m)
		o.store.Delete(pair.Value.v)
	}
	o.state = orderedmap.New[tensorid.ID, *paramState]()
}
