package lstm

import (
	"math"

	"github.com/dayson/ztrain/tensor"
	"github.com/dayson/ztrain/tensorid"
)

func tensorFromEngine(t tensor.Tensor) (*tensor.Host, error) {
	return tensor.NewHost(t.Shape(), t.Floats())
}

// clipGradients applies spec §4.7 step 5's two-stage clip, in the order
// the spec fixes even though it is unusual: first an unconditional
// per-element clamp to ±perElementClip, then a global L2-norm clip to
// defaultMaxNorm computed over every gradient tensor combined.
func (c *Core) clipGradients(grads map[string]tensorid.ID) error {
	for _, id := range grads {
		host, err := c.store.Load(id)
		if err != nil {
			return err
		}
		dev, err := c.engine.CreateFrom(host.Floats(), host.Shape())
		host.Release()
		if err != nil {
			return err
		}
		if err := c.engine.SanitizeAndClip(dev, perElementClip); err != nil {
			dev.Release()
			return err
		}
		out, err := tensorFromEngine(dev)
		dev.Release()
		if err != nil {
			return err
		}
		if err := c.store.Overwrite(id, out); err != nil {
			out.Release()
			return err
		}
		out.Release()
	}

	var sumSquares float64
	for _, id := range grads {
		host, err := c.store.Load(id)
		if err != nil {
			return err
		}
		dev, err := c.engine.CreateFrom(host.Floats(), host.Shape())
		host.Release()
		if err != nil {
			return err
		}
		ss, err := c.engine.SumOfSquares(dev)
		dev.Release()
		if err != nil {
			return err
		}
		sumSquares += ss
	}
	norm := math.Sqrt(sumSquares)
	if norm <= defaultMaxNorm {
		return nil
	}
	scale := float32(defaultMaxNorm / (norm + 1e-8))

	for _, id := range grads {
		host, err := c.store.Load(id)
		if err != nil {
			return err
		}
		dev, err := c.engine.CreateFrom(host.Floats(), host.Shape())
		host.Release()
		if err != nil {
			return err
		}
		if err := c.engine.Scale(dev, scale); err != nil {
			dev.Release()
			return err
		}
		out, err := tensorFromEngine(dev)
		dev.Release()
		if err != nil {
			return err
		}
		if err := c.store.Overwrite(id, out); err != nil {
			out.Release()
			return err
		}
		out.Release()
	}
	return nil
}
