package mdn

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const oneDivTwoPi = 1 / (2 * math.Pi)

// Fixations are the graph inputs that carry a FixationSet. Each frame's set is
// padded to a fixed length; X and Y are repeated across the K components,
// shaped (frames, fixations, K), and Mask is (frames, fixations).
type Fixations struct {
	X, Y, Mask *G.Node

	frames, max, k int
	x, y, mask     *tensor.Dense
}

// NewFixations creates the fixation inputs in g.
func NewFixations(g *G.ExprGraph, frames, maxFixations, k int) *Fixations {
	f := &Fixations{frames: frames, max: maxFixations, k: k}
	f.X = G.NewTensor(g, Float, 3, G.WithShape(frames, maxFixations, k), G.WithName("FixX"))
	f.Y = G.NewTensor(g, Float, 3, G.WithShape(frames, maxFixations, k), G.WithName("FixY"))
	f.Mask = G.NewMatrix(g, Float, G.WithShape(frames, maxFixations), G.WithName("FixMask"))
	f.x = tensor.New(tensor.WithShape(frames, maxFixations, k), tensor.Of(Float))
	f.y = tensor.New(tensor.WithShape(frames, maxFixations, k), tensor.Of(Float))
	f.mask = tensor.New(tensor.WithShape(frames, maxFixations), tensor.Of(Float))
	return f
}

// Let binds a fixation set. It must have one entry per frame, no more than
// the configured number of fixations per frame and at least one fixation.
func (f *Fixations) Let(set FixationSet) error {
	if len(set) != f.frames {
		return errors.Errorf("%d frames of fixations, expected %d", len(set), f.frames)
	}
	if set.Count() == 0 {
		return errors.New("no fixations to evaluate")
	}
	if n := set.MaxLen(); n > f.max {
		return errors.Errorf("a frame has %d fixations, at most %d are supported", n, f.max)
	}
	xs := f.x.Data().([]float32)
	ys := f.y.Data().([]float32)
	mask := f.mask.Data().([]float32)
	f.x.Zero()
	f.y.Zero()
	f.mask.Zero()
	for i, points := range set {
		for j, p := range points {
			if math32.IsNaN(p.X) || math32.IsNaN(p.Y) || math32.IsInf(p.X, 0) || math32.IsInf(p.Y, 0) {
				return errors.Errorf("fixation %d of frame %d is not finite", j, i)
			}
			row := i*f.max + j
			mask[row] = 1
			for k := 0; k < f.k; k++ {
				xs[row*f.k+k] = p.X
				ys[row*f.k+k] = p.Y
			}
		}
	}
	if err := G.Let(f.X, f.x); err != nil {
		return err
	}
	if err := G.Let(f.Y, f.y); err != nil {
		return err
	}
	return G.Let(f.Mask, f.mask)
}

// NLL builds the mean negative log likelihood of the fixations under the
// mixture. For every (frame, fixation, component) the density is
//
//	1/(2π) · 1/√(1-ρ²) · 1/σ² · exp(-(dx² + dy² - 2ρ·dx·dy) / (2σ²(1-ρ²)))
//
// σ² scales both the quadratic form and the normaliser, so every component
// integrates to 1 over the plane. Writing the density with 1/σ² only in the
// normaliser, or with σ² only under the exponent, gives a function that does
// not; the three agree when σ = 1.
//
// The weighted densities are summed over components, and -log of the sum is
// averaged over the fixations that are present. Padded fixations contribute
// a likelihood of 1.
//
// σ must be positive and |ρ| < 1; NLL does not clamp.
func NLL(mx Mixture, fix *Fixations) (*G.Node, error) {
	if err := mx.check(); err != nil {
		return nil, err
	}
	if mx.Frames() != fix.frames || mx.K() != fix.k {
		return nil, errors.Errorf("mixture is %d×%d, fixations expect %d×%d", mx.Frames(), mx.K(), fix.frames, fix.k)
	}
	var m maebe
	one := G.NewConstant(float32(1))
	across := []byte{1} // broadcast (frames, 1, K) over fixations

	pi, muX, muY := m.per(mx.Pi), m.per(mx.MuX), m.per(mx.MuY)
	sigma, rho := m.per(mx.Sigma), m.per(mx.Rho)

	// centred offsets
	dx := m.do(func() (*G.Node, error) { return G.BroadcastSub(fix.X, muX, nil, across) })
	dy := m.do(func() (*G.Node, error) { return G.BroadcastSub(fix.Y, muY, nil, across) })

	// dx² + dy² - 2ρ·dx·dy
	dx2 := m.do(func() (*G.Node, error) { return G.Square(dx) })
	dy2 := m.do(func() (*G.Node, error) { return G.Square(dy) })
	sq := m.do(func() (*G.Node, error) { return G.Add(dx2, dy2) })
	dxdy := m.do(func() (*G.Node, error) { return G.HadamardProd(dx, dy) })
	cross := m.do(func() (*G.Node, error) { return G.BroadcastHadamardProd(dxdy, rho, nil, across) })
	cross = m.scale(cross, 2)
	quad := m.do(func() (*G.Node, error) { return G.Sub(sq, cross) })

	// per component terms, (frames, 1, K)
	sigma2 := m.do(func() (*G.Node, error) { return G.Square(sigma) })
	rho2 := m.do(func() (*G.Node, error) { return G.Square(rho) })
	omr := m.do(func() (*G.Node, error) { return G.Sub(one, rho2) })
	denom := m.do(func() (*G.Node, error) { return G.HadamardProd(sigma2, omr) })
	sqrtOmr := m.do(func() (*G.Node, error) { return G.Sqrt(omr) })
	norm := m.do(func() (*G.Node, error) { return G.HadamardProd(sqrtOmr, sigma2) })
	coef := m.do(func() (*G.Node, error) { return G.HadamardDiv(pi, norm) })
	coef = m.scale(coef, oneDivTwoPi)

	expo := m.do(func() (*G.Node, error) { return G.BroadcastHadamardDiv(quad, denom, nil, across) })
	expo = m.scale(expo, -0.5)
	density := m.do(func() (*G.Node, error) { return G.Exp(expo) })
	weighted := m.do(func() (*G.Node, error) { return G.BroadcastHadamardProd(density, coef, nil, across) })

	// mixture likelihood per (frame, fixation)
	lik := m.do(func() (*G.Node, error) { return G.Sum(weighted, 2) })
	present := m.do(func() (*G.Node, error) { return G.HadamardProd(lik, fix.Mask) })
	padding := m.do(func() (*G.Node, error) { return G.Sub(one, fix.Mask) })
	lik = m.do(func() (*G.Node, error) { return G.Add(present, padding) })

	logLik := m.do(func() (*G.Node, error) { return G.Log(lik) })
	total := m.do(func() (*G.Node, error) { return G.Sum(logLik) })
	total = m.do(func() (*G.Node, error) { return G.Neg(total) })
	count := m.do(func() (*G.Node, error) { return G.Sum(fix.Mask) })
	retVal := m.do(func() (*G.Node, error) { return G.HadamardDiv(total, count) })
	return retVal, m.err
}

// Objective is the NLL of a mixture against bound fixations, with a read out
// of the cost of the last run.
type Objective struct {
	Mixture
	Fix  *Fixations
	Cost *G.Node

	cost G.Value
}

// NewObjective builds fixation inputs and the NLL in the graph of the mixture.
// Mixtures that come from NewHead are already read out; others are read out
// here, before the NLL consumes them.
func NewObjective(mx Mixture, maxFixations int) (*Objective, error) {
	if err := mx.check(); err != nil {
		return nil, err
	}
	if mx.out == nil {
		mx = mx.withReadout()
	}
	o := &Objective{
		Mixture: mx,
		Fix:     NewFixations(mx.Pi.Graph(), mx.Frames(), maxFixations, mx.K()),
	}
	var err error
	if o.Cost, err = NLL(mx, o.Fix); err != nil {
		return nil, err
	}
	G.Read(o.Cost, &o.cost)
	return o, nil
}

// Let binds a fixation set.
func (o *Objective) Let(set FixationSet) error { return o.Fix.Let(set) }

// Loss returns the cost of the last run. A NaN or infinite cost is returned
// together with ErrNonFinite.
func (o *Objective) Loss() (float32, error) {
	if o.cost == nil {
		return 0, errors.New("objective has not been computed")
	}
	v, ok := o.cost.Data().(float32)
	if !ok {
		return 0, errors.Errorf("expected a float32 cost, got %T", o.cost.Data())
	}
	if math32.IsNaN(v) || math32.IsInf(v, 0) {
		return v, errors.WithStack(ErrNonFinite)
	}
	return v, nil
}

// Check validates the mixture of the last run and returns its loss.
func (o *Objective) Check() (float32, error) {
	p, err := o.Params()
	if err != nil {
		return 0, err
	}
	if err = p.Validate(); err != nil {
		return 0, err
	}
	return o.Loss()
}
