package lstm

import (
	"math"

	"github.com/dayson/ztrain/errs"
	"github.com/dayson/ztrain/tensor"
)

const lnEpsilon = 1e-5

// stepActivation is every swap-store path the backward pass needs to
// replay timestep t (spec §4.7 "a list of SwapStore paths holding every
// activation needed for BPTT").
type stepActivation struct {
	hPrev, cPrev   string
	input          string
	fg, ig, cc, og string
	pre            map[string]string // gate -> swap path of LayerNorm's affine output, pre-activation
	cNext, tanhC   string
	pred           string
	tokenIn        int32
	tokenTarget    int32
}

// swapPaths lists every path allocated for one timestep, used by Core.cleanup
// and SanityCheck to release every activation regardless of which gates ran.
func (a stepActivation) swapPaths() []string {
	paths := []string{a.hPrev, a.cPrev, a.input, a.fg, a.ig, a.cc, a.og, a.cNext, a.tanhC, a.pred}
	for _, p := range a.pre {
		paths = append(paths, p)
	}
	return paths
}

// ForwardResult is everything the backward pass and the trainer need from
// one streamed forward pass.
type ForwardResult struct {
	Loss float64
	Acts []stepActivation
}

// SwapPaths returns every swap-store path allocated across the whole
// sequence — used by callers (e.g. a validation-only forward pass) that
// never run Backward/cleanup and must still reclaim the activations
// themselves.
func (r *ForwardResult) SwapPaths() []string {
	var paths []string
	for _, act := range r.Acts {
		paths = append(paths, act.swapPaths()...)
	}
	return paths
}

// Forward streams the LSTM forward pass over x/y (spec §4.7 "Forward
// pass"), swapping every activation instead of holding the sequence in
// memory. hStateID/cStateID name the persistent initial hidden/cell state
// in store; they are overwritten in place with the sequence's final state.
func (c *Core) Forward(weights *Loaded, hStateID, cStateID string, x, y []int32) (*ForwardResult, error) {
	h := c.cfg.HiddenSize

	hPrevT, err := c.loadState(hStateID, h)
	if err != nil {
		return nil, err
	}
	cPrevT, err := c.loadState(cStateID, h)
	if err != nil {
		return nil, err
	}
	hPrevPath, err := c.swap.SwapOut(hPrevT, "h_init")
	if err != nil {
		return nil, err
	}
	cPrevPath, err := c.swap.SwapOut(cPrevT, "c_init")
	if err != nil {
		return nil, err
	}

	result := &ForwardResult{Acts: make([]stepActivation, 0, len(x))}

	for t := range x {
		act := stepActivation{hPrev: hPrevPath, cPrev: cPrevPath, tokenIn: x[t], tokenTarget: y[t]}

		hPrev, err := c.swap.Load(hPrevPath)
		if err != nil {
			return nil, err
		}
		cPrev, err := c.swap.Load(cPrevPath)
		if err != nil {
			return nil, err
		}
		hPrevDev, err := c.engine.CreateFrom(hPrev.Floats(), hPrev.Shape())
		hPrev.Release()
		if err != nil {
			return nil, err
		}
		cPrevDev, err := c.engine.CreateFrom(cPrev.Floats(), cPrev.Shape())
		cPrev.Release()
		if err != nil {
			return nil, err
		}

		input, err := c.engine.Create([]int{1, c.cfg.EmbeddingSize})
		if err != nil {
			return nil, err
		}
		if err := c.engine.Lookup(weights.Get(keyEmbedding), int(x[t]), input); err != nil {
			return nil, err
		}
		act.input, err = c.swap.SwapOut(input, "input")
		if err != nil {
			return nil, err
		}
		inputDev, err := c.reload(act.input)
		if err != nil {
			return nil, err
		}

		gateOut := make(map[string]tensor.Tensor, 4)
		act.pre = make(map[string]string, 4)
		for _, g := range gates {
			activation := "sigmoid"
			if g == "c" {
				activation = "tanh"
			}
			out, prePath, err := c.gateForward(weights, g, inputDev, hPrevDev, activation)
			if err != nil {
				return nil, err
			}
			gateOut[g] = out
			act.pre[g] = prePath
		}

		fg, ig, cc, og := gateOut["f"], gateOut["i"], gateOut["c"], gateOut["o"]

		act.fg, err = c.swap.SwapOut(fg, "fg")
		if err != nil {
			return nil, err
		}
		act.ig, err = c.swap.SwapOut(ig, "ig")
		if err != nil {
			return nil, err
		}
		act.cc, err = c.swap.SwapOut(cc, "cc")
		if err != nil {
			return nil, err
		}
		act.og, err = c.swap.SwapOut(og, "og")
		if err != nil {
			return nil, err
		}

		fgDev, err := c.reload(act.fg)
		if err != nil {
			return nil, err
		}
		igDev, err := c.reload(act.ig)
		if err != nil {
			return nil, err
		}
		ccDev, err := c.reload(act.cc)
		if err != nil {
			return nil, err
		}
		ogDev, err := c.reload(act.og)
		if err != nil {
			return nil, err
		}

		fgTimesCPrev, err := c.engine.Create([]int{1, h})
		if err != nil {
			return nil, err
		}
		if err := c.engine.Mul(fgTimesCPrev, fgDev, cPrevDev); err != nil {
			return nil, err
		}
		igTimesCC, err := c.engine.Create([]int{1, h})
		if err != nil {
			return nil, err
		}
		if err := c.engine.Mul(igTimesCC, igDev, ccDev); err != nil {
			return nil, err
		}
		cNext, err := c.engine.Create([]int{1, h})
		if err != nil {
			return nil, err
		}
		if err := c.engine.Add(cNext, fgTimesCPrev, igTimesCC); err != nil {
			return nil, err
		}
		fgTimesCPrev.Release()
		igTimesCC.Release()

		act.cNext, err = c.swap.SwapOut(cNext, "c_next")
		if err != nil {
			return nil, err
		}
		cNextDev, err := c.reload(act.cNext)
		if err != nil {
			return nil, err
		}

		tanhC, err := c.engine.Create([]int{1, h})
		if err != nil {
			return nil, err
		}
		if err := c.engine.Tanh(tanhC, cNextDev); err != nil {
			return nil, err
		}
		act.tanhC, err = c.swap.SwapOut(tanhC, "tanh_c")
		if err != nil {
			return nil, err
		}
		tanhCDev, err := c.reload(act.tanhC)
		if err != nil {
			return nil, err
		}

		hNext, err := c.engine.Create([]int{1, h})
		if err != nil {
			return nil, err
		}
		if err := c.engine.Mul(hNext, ogDev, tanhCDev); err != nil {
			return nil, err
		}

		logits, err := c.engine.Create([]int{1, c.cfg.OutputSize})
		if err != nil {
			return nil, err
		}
		if err := c.engine.MatMul(hNext, weights.Get(keyOutputW), logits); err != nil {
			return nil, err
		}
		if err := c.engine.AddBroadcast(logits, weights.Get(keyOutputB)); err != nil {
			return nil, err
		}
		if err := c.engine.Softmax(logits); err != nil {
			return nil, err
		}

		probs := logits.Floats()
		p := probs[y[t]]
		if p < 1e-9 {
			p = 1e-9
		}
		result.Loss += -math.Log(float64(p))

		act.pred, err = c.swap.SwapOut(logits, "pred")
		if err != nil {
			return nil, err
		}

		// SwapOut releases the in-memory hNext; its swap file must outlive
		// this timestep — the path becomes next iteration's h_prev, and the
		// final iteration's file becomes the new persistent h state.
		hNextHostPath, err := c.swap.SwapOut(hNext, "h_next")
		if err != nil {
			return nil, err
		}

		hPrevDev.Release()
		cPrevDev.Release()
		inputDev.Release()
		fgDev.Release()
		igDev.Release()
		ccDev.Release()
		ogDev.Release()
		cNextDev.Release()
		tanhCDev.Release()

		hPrevPath = hNextHostPath
		cPrevPath = act.cNext
		result.Acts = append(result.Acts, act)
	}

	if err := c.saveState(hStateID, hPrevPath); err != nil {
		return nil, err
	}
	if err := c.saveState(cStateID, cPrevPath); err != nil {
		return nil, err
	}

	result.Loss /= float64(len(x))
	return result, nil
}

// gateForward computes sigmoid/tanh(LayerNorm(input·W_i + hPrev·W_h + b))
// for one gate, per spec §4.7 step 2c. It swaps out LayerNorm's affine
// output (pre-activation) and returns its path, since the backward pass
// needs it to recover gamma/beta's gradient.
func (c *Core) gateForward(weights *Loaded, gate string, input, hPrev tensor.Tensor, activation string) (tensor.Tensor, string, error) {
	h := c.cfg.HiddenSize
	fromInput, err := c.engine.Create([]int{1, h})
	if err != nil {
		return nil, "", err
	}
	if err := c.engine.MatMul(input, weights.Get(weightKey(gate, "Wi")), fromInput); err != nil {
		return nil, "", err
	}
	fromHidden, err := c.engine.Create([]int{1, h})
	if err != nil {
		return nil, "", err
	}
	if err := c.engine.MatMul(hPrev, weights.Get(weightKey(gate, "Wh")), fromHidden); err != nil {
		return nil, "", err
	}
	preT, err := c.engine.Create([]int{1, h})
	if err != nil {
		return nil, "", err
	}
	if err := c.engine.Add(preT, fromInput, fromHidden); err != nil {
		return nil, "", err
	}
	fromInput.Release()
	fromHidden.Release()

	if err := c.engine.AddBroadcast(preT, weights.Get(weightKey(gate, "b"))); err != nil {
		return nil, "", err
	}
	if err := c.engine.LayerNorm(preT, weights.Get(lnKey(gate, "gamma")), weights.Get(lnKey(gate, "beta")), lnEpsilon); err != nil {
		return nil, "", err
	}

	prePath, err := c.swap.SwapOut(preT, "pre_"+gate)
	if err != nil {
		return nil, "", err
	}
	preDev, err := c.reload(prePath)
	if err != nil {
		return nil, "", err
	}

	out, err := c.engine.Create([]int{1, h})
	if err != nil {
		preDev.Release()
		return nil, "", err
	}
	switch activation {
	case "sigmoid":
		err = c.engine.Sigmoid(out, preDev)
	case "tanh":
		err = c.engine.Tanh(out, preDev)
	default:
		err = errs.New("lstm.gate_forward", errs.InvalidArgument, nil)
	}
	preDev.Release()
	if err != nil {
		return nil, "", err
	}
	return out, prePath, nil
}

func (c *Core) reload(path string) (tensor.Tensor, error) {
	h, err := c.swap.Load(path)
	if err != nil {
		return nil, err
	}
	dev, err := c.engine.CreateFrom(h.Floats(), h.Shape())
	h.Release()
	return dev, err
}

func (c *Core) loadState(key string, hidden int) (tensor.Tensor, error) {
	host, err := c.store.Load(c.stateIDs[key])
	if err != nil {
		return nil, err
	}
	dev, err := c.engine.CreateFrom(host.Floats(), host.Shape())
	host.Release()
	return dev, err
}

// saveState persists the tensor at swapPath as the new value of the
// persistent state tensor named key, then deletes the swap file — once
// copied into TensorStore it is no longer needed (spec §3 "deletion is
// mandatory at step end").
func (c *Core) saveState(key, swapPath string) error {
	host, err := c.swap.Load(swapPath)
	if err != nil {
		return err
	}
	err = c.store.Overwrite(c.stateIDs[key], host)
	host.Release()
	if delErr := c.swap.Delete(swapPath); delErr != nil && err == nil {
		err = delErr
	}
	return err
}
