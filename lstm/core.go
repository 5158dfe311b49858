package lstm

import (
	"math"

	"github.com/dayson/ztrain/adam"
	"github.com/dayson/ztrain/errs"
	"github.com/dayson/ztrain/eventsink"
	"github.com/dayson/ztrain/mathengine"
	"github.com/dayson/ztrain/swapstore"
	"github.com/dayson/ztrain/tensorid"
	"github.com/dayson/ztrain/tensorstore"
)

// State is one phase of the per-step state machine spec §4.7 names:
// IDLE→FORWARD→BACKWARD→UPDATE→CLEANUP→IDLE, with any fault forcing
// CLEANUP before the error is re-raised.
type State int

const (
	StateIdle State = iota
	StateForward
	StateBackward
	StateUpdate
	StateCleanup
)

func (s State) String() string {
	switch s {
	case StateForward:
		return "forward"
	case StateBackward:
		return "backward"
	case StateUpdate:
		return "update"
	case StateCleanup:
		return "cleanup"
	default:
		return "idle"
	}
}

const (
	stateHKey = "h_state"
	stateCKey = "c_state"

	// defaultMaxNorm is the global gradient-norm clip threshold (spec §4.7
	// step 5); preserved even though per-element clip already ran, because
	// downstream hyperparameters were tuned against the combination.
	defaultMaxNorm = 30.0
	perElementClip = 0.005
)

// Core wires TensorStore (weights, state, gradients), SwapStore
// (activations) and a MathEngine together into the train_sequence pipeline
// of spec §4.7.
type Core struct {
	store    *tensorstore.Store
	swap     *swapstore.Store
	engine   mathengine.Engine
	cfg      Config
	sink     eventsink.Sink
	stateIDs map[string]tensorid.ID

	state State
}

// NewCore constructs a Core, allocating its persistent hidden/cell state
// tensors (zero-filled) in store.
func NewCore(store *tensorstore.Store, swap *swapstore.Store, engine mathengine.Engine, cfg Config, sink eventsink.Sink) (*Core, error) {
	if sink == nil {
		sink = eventsink.NopSink{}
	}
	hID, err := storeZeros(store, "h_state", 1, cfg.HiddenSize)
	if err != nil {
		return nil, err
	}
	cID, err := storeZeros(store, "c_state", 1, cfg.HiddenSize)
	if err != nil {
		return nil, err
	}
	return &Core{
		store:  store,
		swap:   swap,
		engine: engine,
		cfg:    cfg,
		sink:   sink,
		stateIDs: map[string]tensorid.ID{
			stateHKey: hID,
			stateCKey: cID,
		},
		state: StateIdle,
	}, nil
}

func (c *Core) transition(to State) {
	c.sink.Event(eventsink.LevelDebug, "lstm state transition", "from", c.state.String(), "to", to.String())
	c.state = to
}

// TrainSequence runs one forward→backward→update→cleanup cycle (spec
// §4.7): forward pass computes the loss and streams every activation to
// swap; backward pass replays them via BPTT, accumulating gradients in
// engine memory and persisting them to TensorStore at the end; every
// parameter is then updated through opt. Any failure forces
// CLEANUP (swap files and gradient tensors deleted) before the error is
// returned.
func (c *Core) TrainSequence(weights *WeightCatalog, loaded *Loaded, opt *adam.Optimizer, x, y []int32) (loss float64, err error) {
	var fwd *ForwardResult
	var grads map[string]tensorid.ID

	defer func() {
		if c.state != StateCleanup {
			c.transition(StateCleanup)
		}
		cleanupErr := c.cleanup(fwd, grads)
		if err == nil {
			err = cleanupErr
		}
		c.transition(StateIdle)
	}()

	c.transition(StateForward)
	fwd, err = c.Forward(loaded, stateHKey, stateCKey, x, y)
	if err != nil {
		return 0, err
	}

	c.transition(StateBackward)
	grads, err = c.Backward(weights, loaded, fwd, x, y)
	if err != nil {
		return 0, err
	}
	if err = c.clipGradients(grads); err != nil {
		return 0, err
	}

	c.transition(StateUpdate)
	for _, name := range weights.Names() {
		id, _ := weights.ID(name)
		gradID := grads[name]
		if err = opt.Update(id, gradID); err != nil {
			return 0, err
		}
		host, loadErr := c.store.Load(id)
		if loadErr != nil {
			return 0, loadErr
		}
		dev, createErr := c.engine.CreateFrom(host.Floats(), host.Shape())
		host.Release()
		if createErr != nil {
			return 0, createErr
		}
		loaded.w[name].Release()
		loaded.w[name] = dev
	}

	c.transition(StateCleanup)
	return fwd.Loss, nil
}

// cleanup deletes every swap file recorded in fwd and every gradient
// tensor in grads; it is best-effort, matching kvcache.Causal.Close()'s
// disposal contract (errors never propagate past this boundary).
func (c *Core) cleanup(fwd *ForwardResult, grads map[string]tensorid.ID) error {
	if fwd != nil {
		for _, act := range fwd.Acts {
			for _, p := range act.swapPaths() {
				if p == "" {
					continue
				}
				if err := c.swap.Delete(p); err != nil {
					c.sink.Event(eventsink.LevelWarn, "cleanup: swap delete failed", "path", p, "err", err.Error())
				}
			}
		}
	}
	for name, id := range grads {
		c.store.Delete(id)
		_ = name
	}
	return nil
}

// SanityCheck runs one forward pass and one backward pass (with gradient
// clipping) on synthetic inputs and verifies: forward loss is finite and
// within one magnitude of ln(V); every gradient is free of NaN/Inf; total
// absolute gradient mass exceeds 1e-9. No parameter update is applied:
// opt is accepted but not used, and the weights are left unchanged. A
// failing check returns a SanityFailed error and MUST abort training.
func SanityCheck(store *tensorstore.Store, swap *swapstore.Store, engine mathengine.Engine, cfg Config, weights *WeightCatalog, loaded *Loaded, opt *adam.Optimizer, sink eventsink.Sink) error {
	core, err := NewCore(store, swap, engine, cfg, sink)
	if err != nil {
		return err
	}

	x := make([]int32, 4)
	y := make([]int32, 4)
	for i := range x {
		x[i] = int32(i % cfg.VocabSize)
		y[i] = int32((i + 1) % cfg.VocabSize)
	}

	fwd, err := core.Forward(loaded, stateHKey, stateCKey, x, y)
	if err != nil {
		return errs.New("lstm.sanity_check", errs.SanityFailed, err)
	}
	if math.IsNaN(fwd.Loss) || math.IsInf(fwd.Loss, 0) {
		return errs.New("lstm.sanity_check", errs.SanityFailed, nil)
	}
	baseline := math.Log(float64(cfg.VocabSize))
	if math.Abs(fwd.Loss-baseline) > baseline {
		return errs.New("lstm.sanity_check", errs.SanityFailed, nil)
	}

	grads, err := core.Backward(weights, loaded, fwd, x, y)
	if err != nil {
		return errs.New("lstm.sanity_check", errs.SanityFailed, err)
	}
	if err := core.clipGradients(grads); err != nil {
		return errs.New("lstm.sanity_check", errs.SanityFailed, err)
	}
	defer func() {
		for _, id := range grads {
			store.Delete(id)
		}
		for _, act := range fwd.Acts {
			for _, p := range act.swapPaths() {
				swap.Delete(p)
			}
		}
	}()

	var totalAbs float64
	for _, id := range grads {
		g, err := store.Load(id)
		if err != nil {
			return errs.New("lstm.sanity_check", errs.SanityFailed, err)
		}
		for _, v := range g.Floats() {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				g.Release()
				return errs.New("lstm.sanity_check", errs.SanityFailed, nil)
			}
			totalAbs += math.Abs(f)
		}
		g.Release()
	}
	if totalAbs <= 1e-9 {
		return errs.New("lstm.sanity_check", errs.SanityFailed, nil)
	}
	return nil
}
