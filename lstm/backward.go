package lstm

import (
	"github.com/dayson/ztrain/tensor"
	"github.com/dayson/ztrain/tensorid"
)

// Backward replays fwd's activations in reverse and accumulates the
// gradient of every catalog weight via BPTT (spec §4.7 "Backward pass").
// Gradient accumulators live in engine memory for the duration of the
// pass — the same treatment Loaded gives the forward weights — and are
// persisted to TensorStore once at the end, returning each weight's
// gradient id.
//
// LayerNorm's backward treats the per-row mean/variance as constants
// (stop-gradient): only the affine gamma/beta branch is differentiated.
// The exact Jacobian needs the cached mean/variance per row, which would
// cost one more swapped activation per gate per timestep; the affine-only
// gradient is the standard cheap approximation and is what gateForward's
// swapped pre-activation tensor was captured to support.
func (c *Core) Backward(catalog *WeightCatalog, loaded *Loaded, fwd *ForwardResult, x, y []int32) (map[string]tensorid.ID, error) {
	h := c.cfg.HiddenSize

	grad := make(map[string]tensor.Tensor, catalog.ids.Len())
	for _, name := range catalog.Names() {
		t, err := c.engine.Zeros(loaded.Get(name).Shape())
		if err != nil {
			releaseAll(grad)
			return nil, err
		}
		grad[name] = t
	}
	defer releaseAll(grad)

	dhNext, err := c.engine.Zeros([]int{1, h})
	if err != nil {
		return nil, err
	}
	dcNext, err := c.engine.Zeros([]int{1, h})
	if err != nil {
		return nil, err
	}
	// dhNext/dcNext are reassigned every iteration below (old value
	// released, new accumulator taking its place); what survives past the
	// loop is the gradient w.r.t. the sequence's initial hidden/cell
	// state, which nothing downstream consumes. This deferred closure reads
	// the variables when it runs, so it releases whichever tensors they
	// hold at return; a plain `defer dhNext.Release()` would bind only the
	// tensor they hold right now.
	defer func() {
		dhNext.Release()
		dcNext.Release()
	}()

	for t := len(fwd.Acts) - 1; t >= 0; t-- {
		act := fwd.Acts[t]

		probs, err := c.reload(act.pred)
		if err != nil {
			return nil, err
		}
		oneHot, err := c.engine.OneHot([]int32{act.tokenTarget}, c.cfg.OutputSize)
		if err != nil {
			probs.Release()
			return nil, err
		}
		dPred, err := c.engine.Create([]int{1, c.cfg.OutputSize})
		if err != nil {
			probs.Release()
			oneHot.Release()
			return nil, err
		}
		if err := c.engine.Sub(dPred, probs, oneHot); err != nil {
			return nil, err
		}
		probs.Release()
		oneHot.Release()

		// h_t (the hidden state produced this step) is tanh_c ⊙ o; its swap
		// file is recorded only as the next step's hPrev (and the last
		// step's is deleted once copied into the persistent state), so
		// recompute it from this step's swapped tanh_c and o tensors.
		tanhC, err := c.reload(act.tanhC)
		if err != nil {
			return nil, err
		}
		og, err := c.reload(act.og)
		if err != nil {
			tanhC.Release()
			return nil, err
		}
		hOut, err := c.engine.Create([]int{1, h})
		if err != nil {
			tanhC.Release()
			og.Release()
			return nil, err
		}
		if err := c.engine.Mul(hOut, og, tanhC); err != nil {
			return nil, err
		}

		dWhyContrib, err := c.engine.Create([]int{h, c.cfg.OutputSize})
		if err != nil {
			return nil, err
		}
		if err := c.engine.MatMulAT(hOut, dPred, dWhyContrib); err != nil {
			return nil, err
		}
		hOut.Release()
		if err := c.engine.Add(grad[keyOutputW], grad[keyOutputW], dWhyContrib); err != nil {
			return nil, err
		}
		dWhyContrib.Release()
		if err := c.engine.Add(grad[keyOutputB], grad[keyOutputB], dPred); err != nil {
			return nil, err
		}

		dhFromOutput, err := c.engine.Create([]int{1, h})
		if err != nil {
			return nil, err
		}
		if err := c.engine.MatMulBT(dPred, loaded.Get(keyOutputW), dhFromOutput); err != nil {
			return nil, err
		}
		dPred.Release()

		dhTotal, err := c.engine.Create([]int{1, h})
		if err != nil {
			return nil, err
		}
		if err := c.engine.Add(dhTotal, dhFromOutput, dhNext); err != nil {
			return nil, err
		}
		dhFromOutput.Release()

		dOg, err := c.engine.Create([]int{1, h})
		if err != nil {
			return nil, err
		}
		if err := c.engine.Mul(dOg, dhTotal, tanhC); err != nil {
			return nil, err
		}

		dTanhC, err := c.engine.Create([]int{1, h})
		if err != nil {
			return nil, err
		}
		if err := c.engine.Mul(dTanhC, dhTotal, og); err != nil {
			return nil, err
		}
		dhTotal.Release()
		og.Release()

		tanhDeriv, err := c.engine.Create([]int{1, h})
		if err != nil {
			return nil, err
		}
		if err := c.engine.TanhDeriv(tanhDeriv, tanhC); err != nil {
			return nil, err
		}
		tanhC.Release()
		dcFromTanh, err := c.engine.Create([]int{1, h})
		if err != nil {
			return nil, err
		}
		if err := c.engine.Mul(dcFromTanh, dTanhC, tanhDeriv); err != nil {
			return nil, err
		}
		dTanhC.Release()
		tanhDeriv.Release()

		dcTotal, err := c.engine.Create([]int{1, h})
		if err != nil {
			return nil, err
		}
		if err := c.engine.Add(dcTotal, dcFromTanh, dcNext); err != nil {
			return nil, err
		}
		dcFromTanh.Release()

		cPrev, err := c.reload(act.cPrev)
		if err != nil {
			return nil, err
		}
		fg, err := c.reload(act.fg)
		if err != nil {
			cPrev.Release()
			return nil, err
		}
		ig, err := c.reload(act.ig)
		if err != nil {
			cPrev.Release()
			fg.Release()
			return nil, err
		}
		cc, err := c.reload(act.cc)
		if err != nil {
			cPrev.Release()
			fg.Release()
			ig.Release()
			return nil, err
		}

		dFg, err := c.engine.Create([]int{1, h})
		if err != nil {
			return nil, err
		}
		if err := c.engine.Mul(dFg, dcTotal, cPrev); err != nil {
			return nil, err
		}
		dIg, err := c.engine.Create([]int{1, h})
		if err != nil {
			return nil, err
		}
		if err := c.engine.Mul(dIg, dcTotal, cc); err != nil {
			return nil, err
		}
		dCc, err := c.engine.Create([]int{1, h})
		if err != nil {
			return nil, err
		}
		if err := c.engine.Mul(dCc, dcTotal, ig); err != nil {
			return nil, err
		}
		dcPrev, err := c.engine.Create([]int{1, h})
		if err != nil {
			return nil, err
		}
		if err := c.engine.Mul(dcPrev, dcTotal, fg); err != nil {
			return nil, err
		}
		dcTotal.Release()
		cPrev.Release()
		fg.Release()
		ig.Release()
		cc.Release()

		dGateOut := map[string]tensor.Tensor{"f": dFg, "i": dIg, "c": dCc, "o": dOg}
		gateOutputs := map[string]string{"f": act.fg, "i": act.ig, "c": act.cc, "o": act.og}

		input, err := c.reload(act.input)
		if err != nil {
			return nil, err
		}
		hPrev, err := c.reload(act.hPrev)
		if err != nil {
			input.Release()
			return nil, err
		}

		dInputTotal, err := c.engine.Zeros([]int{1, c.cfg.EmbeddingSize})
		if err != nil {
			input.Release()
			hPrev.Release()
			return nil, err
		}
		dhPrevTotal, err := c.engine.Zeros([]int{1, h})
		if err != nil {
			input.Release()
			hPrev.Release()
			dInputTotal.Release()
			return nil, err
		}

		for _, g := range gates {
			out, err := c.reload(gateOutputs[g])
			if err != nil {
				return nil, err
			}
			dOut := dGateOut[g]

			dPreAct, err := c.engine.Create([]int{1, h})
			if err != nil {
				out.Release()
				return nil, err
			}
			if g == "c" {
				err = c.engine.TanhDeriv(dPreAct, out)
			} else {
				err = c.engine.SigmoidDeriv(dPreAct, out)
			}
			out.Release()
			if err != nil {
				return nil, err
			}
			if err := c.engine.Mul(dPreAct, dPreAct, dOut); err != nil {
				return nil, err
			}
			dOut.Release()

			preT, err := c.reload(act.pre[g])
			if err != nil {
				return nil, err
			}
			gamma := loaded.Get(lnKey(g, "gamma"))
			beta := loaded.Get(lnKey(g, "beta"))
			dRaw, dGammaContrib, dBetaContrib, err := backpropLayerNormAffine(c.engine, dPreAct, preT, gamma, beta)
			preT.Release()
			dPreAct.Release()
			if err != nil {
				return nil, err
			}

			if err := c.engine.Add(grad[lnKey(g, "gamma")], grad[lnKey(g, "gamma")], dGammaContrib); err != nil {
				return nil, err
			}
			dGammaContrib.Release()
			if err := c.engine.Add(grad[lnKey(g, "beta")], grad[lnKey(g, "beta")], dBetaContrib); err != nil {
				return nil, err
			}
			dBetaContrib.Release()
			if err := c.engine.Add(grad[weightKey(g, "b")], grad[weightKey(g, "b")], dRaw); err != nil {
				return nil, err
			}

			dWiContrib, err := c.engine.Create([]int{c.cfg.EmbeddingSize, h})
			if err != nil {
				return nil, err
			}
			if err := c.engine.MatMulAT(input, dRaw, dWiContrib); err != nil {
				return nil, err
			}
			if err := c.engine.Add(grad[weightKey(g, "Wi")], grad[weightKey(g, "Wi")], dWiContrib); err != nil {
				return nil, err
			}
			dWiContrib.Release()

			dWhContrib, err := c.engine.Create([]int{h, h})
			if err != nil {
				return nil, err
			}
			if err := c.engine.MatMulAT(hPrev, dRaw, dWhContrib); err != nil {
				return nil, err
			}
			if err := c.engine.Add(grad[weightKey(g, "Wh")], grad[weightKey(g, "Wh")], dWhContrib); err != nil {
				return nil, err
			}
			dWhContrib.Release()

			dInputG, err := c.engine.Create([]int{1, c.cfg.EmbeddingSize})
			if err != nil {
				return nil, err
			}
			if err := c.engine.MatMulBT(dRaw, loaded.Get(weightKey(g, "Wi")), dInputG); err != nil {
				return nil, err
			}
			if err := c.engine.Add(dInputTotal, dInputTotal, dInputG); err != nil {
				return nil, err
			}
			dInputG.Release()

			dhPrevG, err := c.engine.Create([]int{1, h})
			if err != nil {
				return nil, err
			}
			if err := c.engine.MatMulBT(dRaw, loaded.Get(weightKey(g, "Wh")), dhPrevG); err != nil {
				return nil, err
			}
			if err := c.engine.Add(dhPrevTotal, dhPrevTotal, dhPrevG); err != nil {
				return nil, err
			}
			dhPrevG.Release()
			dRaw.Release()
		}

		input.Release()
		hPrev.Release()

		if err := c.engine.AccumulateGradient(grad[keyEmbedding], dInputTotal.Floats(), int(act.tokenIn)); err != nil {
			return nil, err
		}
		dInputTotal.Release()

		dhNext.Release()
		dhNext = dhPrevTotal
		dcNext.Release()
		dcNext = dcPrev
	}

	ids := make(map[string]tensorid.ID, len(grad))
	for name, t := range grad {
		host, err := tensor.NewHost(t.Shape(), t.Floats())
		if err != nil {
			return nil, err
		}
		id, err := c.store.Store(host, name+"_grad")
		if err != nil {
			return nil, err
		}
		ids[name] = id
	}
	return ids, nil
}

// backpropLayerNormAffine differentiates y = gamma⊙xhat + beta treating
// xhat as a stop-gradient recovered from the swapped pre-activation: xhat
// = (y - beta) / gamma. Returns (dRaw≈dy*gamma, dGamma, dBeta).
func backpropLayerNormAffine(engine interface {
	Create([]int) (tensor.Tensor, error)
}, dy, y, gamma, beta tensor.Tensor) (tensor.Tensor, tensor.Tensor, tensor.Tensor, error) {
	dyd := dy.Floats()
	yd := y.Floats()
	gd := gamma.Floats()
	bd := beta.Floats()

	dRawData := make([]float32, len(dyd))
	dGammaData := make([]float32, len(dyd))
	for i := range dyd {
		g := gd[i]
		xhat := float32(0)
		if g != 0 {
			xhat = (yd[i] - bd[i]) / g
		}
		dRawData[i] = dyd[i] * g
		dGammaData[i] = dyd[i] * xhat
	}

	dRaw, err := engine.Create([]int{1, len(dRawData)})
	if err != nil {
		return nil, nil, nil, err
	}
	copy(dRaw.Floats(), dRawData)

	dGamma, err := engine.Create([]int{1, len(dGammaData)})
	if err != nil {
		dRaw.Release()
		return nil, nil, nil, err
	}
	copy(dGamma.Floats(), dGammaData)

	dBeta, err := engine.Create([]int{1, len(dyd)})
	if err != nil {
		dRaw.Release()
		dGamma.Release()
		return nil, nil, nil, err
	}
	copy(dBeta.Floats(), dyd)

	return dRaw, dGamma, dBeta, nil
}

func releaseAll(ts map[string]tensor.Tensor) {
	for _, t := range ts {
		t.Release()
	}
}
