// Package host implements mathengine.Engine as a plain CPU reference
// backend on top of gonum (mat for matmul, floats for elementwise and
// reduction ops). It holds no command queue — every call completes
// synchronously. The lstm and adam tests run on it, and zramtrain's
// --host-engine flag selects it in place of the simulated device engine
// for a whole run, training and validation alike.
package host

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/dayson/ztrain/errs"
	"github.com/dayson/ztrain/tensor"
)

// Engine is the gonum-backed reference implementation of mathengine.Engine.
type Engine struct{}

// New constructs a host reference engine.
func New() *Engine { return &Engine{} }

func (e *Engine) Create(shape []int) (tensor.Tensor, error) { return tensor.Zeros(shape) }

func (e *Engine) CreateFrom(data []float32, shape []int) (tensor.Tensor, error) {
	return tensor.NewHost(shape, data)
}

func (e *Engine) Zeros(shape []int) (tensor.Tensor, error) { return tensor.Zeros(shape) }

func rows(t tensor.Tensor) (int, int, error) {
	s := t.Shape()
	if len(s) != 2 {
		return 0, 0, errs.New("host.shape", errs.InvalidArgument, nil)
	}
	return s[0], s[1], nil
}

func toF64(src []float32) []float64 {
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}
	return out
}

func storeF64(dst []float32, src []float64) {
	for i, v := range src {
		dst[i] = float32(v)
	}
}

// MatMul computes C = A*B for row-major A[M,N], B[N,P], C[M,P].
func (e *Engine) MatMul(a, b, c tensor.Tensor) error {
	m, n, err := rows(a)
	if err != nil {
		return err
	}
	n2, p, err := rows(b)
	if err != nil {
		return err
	}
	if n != n2 {
		return errs.New("host.matmul", errs.InvalidArgument, nil)
	}
	am := mat.NewDense(m, n, toF64(a.Floats()))
	bm := mat.NewDense(n, p, toF64(b.Floats()))
	cm := mat.NewDense(m, p, nil)
	cm.Mul(am, bm)
	storeF64(c.Floats(), cm.RawMatrix().Data)
	return nil
}

// MatMulAT computes C = Aᵀ*B for A[K,M], B[K,P], C[M,P].
func (e *Engine) MatMulAT(a, b, c tensor.Tensor) error {
	k, m, err := rows(a)
	if err != nil {
		return err
	}
	k2, p, err := rows(b)
	if err != nil {
		return err
	}
	if k != k2 {
		return errs.New("host.matmul_at", errs.InvalidArgument, nil)
	}
	am := mat.NewDense(k, m, toF64(a.Floats()))
	bm := mat.NewDense(k, p, toF64(b.Floats()))
	cm := mat.NewDense(m, p, nil)
	cm.Mul(am.T(), bm)
	storeF64(c.Floats(), cm.RawMatrix().Data)
	return nil
}

// MatMulBT computes C = A*Bᵀ for A[M,K], B[P,K], C[M,P].
func (e *Engine) MatMulBT(a, b, c tensor.Tensor) error {
	m, k, err := rows(a)
	if err != nil {
		return err
	}
	p, k2, err := rows(b)
	if err != nil {
		return err
	}
	if k != k2 {
		return errs.New("host.matmul_bt", errs.InvalidArgument, nil)
	}
	am := mat.NewDense(m, k, toF64(a.Floats()))
	bm := mat.NewDense(p, k, toF64(b.Floats()))
	cm := mat.NewDense(m, p, nil)
	cm.Mul(am, bm.T())
	storeF64(c.Floats(), cm.RawMatrix().Data)
	return nil
}

func elementwise(dst, a, b tensor.Tensor, op func(x, y float64) float64) error {
	ad, bd, dd := a.Floats(), b.Floats(), dst.Floats()
	if len(ad) != len(bd) || len(ad) != len(dd) {
		return errs.New("host.elementwise", errs.InvalidArgument, nil)
	}
	for i := range dd {
		dd[i] = float32(op(float64(ad[i]), float64(bd[i])))
	}
	return nil
}

func (e *Engine) Add(dst, a, b tensor.Tensor) error {
	return elementwise(dst, a, b, func(x, y float64) float64 { return x + y })
}

func (e *Engine) Sub(dst, a, b tensor.Tensor) error {
	return elementwise(dst, a, b, func(x, y float64) float64 { return x - y })
}

func (e *Engine) Mul(dst, a, b tensor.Tensor) error {
	return elementwise(dst, a, b, func(x, y float64) float64 { return x * y })
}

// AddBroadcast adds bias[C] to every row of m[R,C] in place.
func (e *Engine) AddBroadcast(m, bias tensor.Tensor) error {
	r, c, err := rows(m)
	if err != nil {
		return err
	}
	bd := bias.Floats()
	if len(bd) != c {
		return errs.New("host.add_broadcast", errs.InvalidArgument, nil)
	}
	md := m.Floats()
	for row := 0; row < r; row++ {
		for i := 0; i < c; i++ {
			md[row*c+i] += bd[i]
		}
	}
	return nil
}

// AddScaled computes dst = dst + s*src, fused.
func (e *Engine) AddScaled(dst, src tensor.Tensor, s float32) error {
	dd, sd := dst.Floats(), src.Floats()
	if len(dd) != len(sd) {
		return errs.New("host.add_scaled", errs.InvalidArgument, nil)
	}
	for i := range dd {
		dd[i] += s * sd[i]
	}
	return nil
}

// SubScaled computes dst = dst - s*src, fused.
func (e *Engine) SubScaled(dst, src tensor.Tensor, s float32) error {
	dd, sd := dst.Floats(), src.Floats()
	if len(dd) != len(sd) {
		return errs.New("host.sub_scaled", errs.InvalidArgument, nil)
	}
	for i := range dd {
		dd[i] -= s * sd[i]
	}
	return nil
}

const (
	tanhSaturate    = 20
	sigmoidSaturate = 88
)

func (e *Engine) Sigmoid(dst, src tensor.Tensor) error {
	dd, sd := dst.Floats(), src.Floats()
	if len(dd) != len(sd) {
		return errs.New("host.sigmoid", errs.InvalidArgument, nil)
	}
	for i, v := range sd {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			dd[i] = 0.5
			continue
		}
		x := v
		if x > sigmoidSaturate {
			x = sigmoidSaturate
		} else if x < -sigmoidSaturate {
			x = -sigmoidSaturate
		}
		y := float32(1 / (1 + math.Exp(-float64(x))))
		dd[i] = clampf(y, 0, 1)
	}
	return nil
}

func (e *Engine) Tanh(dst, src tensor.Tensor) error {
	dd, sd := dst.Floats(), src.Floats()
	if len(dd) != len(sd) {
		return errs.New("host.tanh", errs.InvalidArgument, nil)
	}
	for i, v := range sd {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			dd[i] = 0
			continue
		}
		x := v
		if x > tanhSaturate {
			x = tanhSaturate
		} else if x < -tanhSaturate {
			x = -tanhSaturate
		}
		y := float32(math.Tanh(float64(x)))
		dd[i] = clampf(y, -1, 1)
	}
	return nil
}

func (e *Engine) SigmoidDeriv(dst, y tensor.Tensor) error {
	dd, yd := dst.Floats(), y.Floats()
	if len(dd) != len(yd) {
		return errs.New("host.sigmoid_deriv", errs.InvalidArgument, nil)
	}
	for i, v := range yd {
		dd[i] = clampf(v*(1-v), 0, 0.25)
	}
	return nil
}

func (e *Engine) TanhDeriv(dst, y tensor.Tensor) error {
	dd, yd := dst.Floats(), y.Floats()
	if len(dd) != len(yd) {
		return errs.New("host.tanh_deriv", errs.InvalidArgument, nil)
	}
	for i, v := range yd {
		dd[i] = clampf(1-v*v, 0, 1)
	}
	return nil
}

func clampf(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Softmax applies a numerically stable row-wise softmax to x[R,C] in place.
func (e *Engine) Softmax(x tensor.Tensor) error {
	r, c, err := rows(x)
	if err != nil {
		return err
	}
	xd := x.Floats()
	for row := 0; row < r; row++ {
		line := xd[row*c : (row+1)*c]
		for i, v := range line {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				line[i] = 0
			}
		}
		max := line[0]
		for _, v := range line {
			if v > max {
				max = v
			}
		}
		sum := float64(0)
		for i, v := range line {
			e := math.Exp(float64(v - max))
			line[i] = float32(e)
			sum += e
		}
		if sum < 1e-10 {
			uniform := float32(1.0 / float64(c))
			for i := range line {
				line[i] = uniform
			}
			continue
		}
		for i, v := range line {
			line[i] = clampf(float32(float64(v)/sum), 1e-10, 1)
		}
	}
	return nil
}

// LayerNorm per-row normalizes x[R,C] then applies the γ/β affine, in place.
func (e *Engine) LayerNorm(x, gamma, beta tensor.Tensor, eps float32) error {
	r, c, err := rows(x)
	if err != nil {
		return err
	}
	g, b := gamma.Floats(), beta.Floats()
	if len(g) != c || len(b) != c {
		return errs.New("host.layer_norm", errs.InvalidArgument, nil)
	}
	xd := x.Floats()
	for row := 0; row < r; row++ {
		line := xd[row*c : (row+1)*c]
		mean := floats.Sum(toF64(line)) / float64(c)
		var variance float64
		for _, v := range line {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(c)
		inv := 1 / math.Sqrt(variance+float64(eps))
		for i, v := range line {
			norm := (float64(v) - mean) * inv
			line[i] = float32(norm)*g[i] + b[i]
		}
	}
	return nil
}

// Lookup copies row idx of table[V,E] into out[1,E] (row gather).
func (e *Engine) Lookup(table tensor.Tensor, idx int, out tensor.Tensor) error {
	_, width, err := rows(table)
	if err != nil {
		return err
	}
	td := table.Floats()
	od := out.Floats()
	if len(od) != width || idx < 0 || (idx+1)*width > len(td) {
		return errs.New("host.lookup", errs.InvalidArgument, nil)
	}
	copy(od, td[idx*width:(idx+1)*width])
	return nil
}

// AccumulateGradient scatter-adds row into row idx of g[V,E].
func (e *Engine) AccumulateGradient(g tensor.Tensor, row []float32, idx int) error {
	_, width, err := rows(g)
	if err != nil {
		return err
	}
	gd := g.Floats()
	if len(row) != width || idx < 0 || (idx+1)*width > len(gd) {
		return errs.New("host.accumulate_gradient", errs.InvalidArgument, nil)
	}
	for i, v := range row {
		gd[idx*width+i] += v
	}
	return nil
}

// OneHot builds a [len(indices), classes] tensor with a single 1 per row.
func (e *Engine) OneHot(indices []int32, classes int) (tensor.Tensor, error) {
	out, err := tensor.Zeros([]int{len(indices), classes})
	if err != nil {
		return nil, err
	}
	od := out.Floats()
	for row, idx := range indices {
		if idx < 0 || int(idx) >= classes {
			return nil, errs.New("host.one_hot", errs.InvalidArgument, nil)
		}
		od[row*classes+int(idx)] = 1
	}
	return out, nil
}

// SliceRow returns a copy of row `row` of src[R,C].
func (e *Engine) SliceRow(src tensor.Tensor, row int) ([]float32, error) {
	r, c, err := rows(src)
	if err != nil {
		return nil, err
	}
	if row < 0 || row >= r {
		return nil, errs.New("host.slice", errs.InvalidArgument, nil)
	}
	sd := src.Floats()
	out := make([]float32, c)
	copy(out, sd[row*c:(row+1)*c])
	return out, nil
}

// SetRow overwrites row `row` of dst[R,C] with src.
func (e *Engine) SetRow(dst tensor.Tensor, row int, src []float32) error {
	r, c, err := rows(dst)
	if err != nil {
		return err
	}
	if row < 0 || row >= r || len(src) != c {
		return errs.New("host.set", errs.InvalidArgument, nil)
	}
	dd := dst.Floats()
	copy(dd[row*c:(row+1)*c], src)
	return nil
}

func (e *Engine) Clip(x tensor.Tensor, lo, hi float32) error {
	xd := x.Floats()
	for i, v := range xd {
		xd[i] = clampf(v, lo, hi)
	}
	return nil
}

func (e *Engine) Scale(x tensor.Tensor, s float32) error {
	xd := x.Floats()
	for i := range xd {
		xd[i] *= s
	}
	return nil
}

// SanitizeAndClip replaces NaN/Inf with 0 then clamps to [-v, v].
func (e *Engine) SanitizeAndClip(x tensor.Tensor, v float32) error {
	xd := x.Floats()
	for i, val := range xd {
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			xd[i] = 0
			continue
		}
		xd[i] = clampf(val, -v, v)
	}
	return nil
}

// SumOfSquares returns Σx² in float64 for numerical headroom (spec §4.5).
func (e *Engine) SumOfSquares(x tensor.Tensor) (float64, error) {
	var sum float64
	for _, v := range x.Floats() {
		sum += float64(v) * float64(v)
	}
	return sum, nil
}

// AdamUpdate performs the fused Adam step: sanitizes m and v, updates p in
// place, clips the per-parameter update to ±0.1 (spec §4.5).
func (e *Engine) AdamUpdate(p, g, m, v tensor.Tensor, lr, beta1, beta2, eps float32, t int) error {
	pd, gd, md, vd := p.Floats(), g.Floats(), m.Floats(), v.Floats()
	if len(pd) != len(gd) || len(pd) != len(md) || len(pd) != len(vd) {
		return errs.New("host.adam_update", errs.InvalidArgument, nil)
	}
	bc1 := float32(1 - math.Pow(float64(beta1), float64(t)))
	bc2 := float32(1 - math.Pow(float64(beta2), float64(t)))
	for i := range pd {
		grad := gd[i]
		if math.IsNaN(float64(grad)) || math.IsInf(float64(grad), 0) {
			grad = 0
		}
		md[i] = beta1*md[i] + (1-beta1)*grad
		vd[i] = beta2*vd[i] + (1-beta2)*grad*grad
		md[i] = sanitizeScalar(md[i])
		vd[i] = sanitizeScalar(vd[i])

		mHat := md[i] / bc1
		vHat := vd[i] / bc2
		update := lr * mHat / (float32(math.Sqrt(float64(vHat))) + eps)
		update = clampf(update, -0.1, 0.1)
		pd[i] -= update
	}
	return nil
}

func sanitizeScalar(v float32) float32 {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return 0
	}
	return v
}

func (e *Engine) Close() error { return nil }
