package mdn

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var (
	// ErrInvalidMixture is returned when mixture parameters leave their domain.
	ErrInvalidMixture = errors.New("invalid mixture parameters")
	// ErrNonFinite is returned when a loss evaluates to NaN or ±Inf.
	ErrNonFinite = errors.New("non-finite loss")
)

// simplexTolerance bounds how far the mixing weights of a frame may sum away from 1.
const simplexTolerance = 1e-3

// Point is a fixation in normalized image coordinates.
type Point struct {
	X, Y float32
}

// FixationSet holds the fixations of every frame. Frames may have different numbers of fixations.
type FixationSet [][]Point

// Count is the total number of fixations.
func (s FixationSet) Count() int {
	var n int
	for _, f := range s {
		n += len(f)
	}
	return n
}

// MaxLen is the number of fixations of the busiest frame.
func (s FixationSet) MaxLen() int {
	var n int
	for _, f := range s {
		if len(f) > n {
			n = len(f)
		}
	}
	return n
}

// Params are the host side parameters of a mixture of K bivariate Gaussians
// per frame. Every slice is row major, frames × K. A component has one σ
// shared by both axes and a correlation ρ.
type Params struct {
	K     int
	Pi    []float32
	MuX   []float32
	MuY   []float32
	Sigma []float32
	Rho   []float32
}

// Frames is the number of frames the parameters describe.
func (p Params) Frames() int {
	if p.K == 0 {
		return 0
	}
	return len(p.Pi) / p.K
}

// Validate checks that every component is a proper Gaussian and every frame
// a proper mixture: σ > 0, |ρ| < 1 (with σ² and 1-ρ² representable as
// non-zero float32s), π on the simplex, and everything finite.
func (p Params) Validate() error {
	if p.K < 1 {
		return errors.Wrapf(ErrInvalidMixture, "K = %d", p.K)
	}
	n := len(p.Pi)
	if n == 0 || n%p.K != 0 {
		return errors.Wrapf(ErrInvalidMixture, "%d mixing weights for K = %d", n, p.K)
	}
	if len(p.MuX) != n || len(p.MuY) != n || len(p.Sigma) != n || len(p.Rho) != n {
		return errors.Wrapf(ErrInvalidMixture, "ragged parameters: π %d, μx %d, μy %d, σ %d, ρ %d", n, len(p.MuX), len(p.MuY), len(p.Sigma), len(p.Rho))
	}
	for i := 0; i < n; i++ {
		for _, v := range [...]float32{p.Pi[i], p.MuX[i], p.MuY[i], p.Sigma[i], p.Rho[i]} {
			if math32.IsNaN(v) || math32.IsInf(v, 0) {
				return errors.Wrapf(ErrInvalidMixture, "component %d of frame %d is not finite", i%p.K, i/p.K)
			}
		}
		if s := p.Sigma[i]; s <= 0 || s*s == 0 {
			return errors.Wrapf(ErrInvalidMixture, "σ = %v of component %d, frame %d must be strictly positive", s, i%p.K, i/p.K)
		}
		if r := p.Rho[i]; r <= -1 || r >= 1 || 1-r*r <= 0 {
			return errors.Wrapf(ErrInvalidMixture, "ρ = %v of component %d, frame %d must lie in (-1, 1)", r, i%p.K, i/p.K)
		}
		if p.Pi[i] < 0 {
			return errors.Wrapf(ErrInvalidMixture, "π = %v of component %d, frame %d is negative", p.Pi[i], i%p.K, i/p.K)
		}
	}
	for f := 0; f < p.Frames(); f++ {
		var sum float32
		for _, v := range p.Pi[f*p.K : (f+1)*p.K] {
			sum += v
		}
		if math32.Abs(sum-1) > simplexTolerance {
			return errors.Wrapf(ErrInvalidMixture, "mixing weights of frame %d sum to %v", f, sum)
		}
	}
	return nil
}

// Density is the mixture density of frame at (x, y).
func (p Params) Density(frame int, x, y float32) float64 {
	weighted := make([]float64, p.K)
	for k := range weighted {
		i := frame*p.K + k
		weighted[k] = float64(p.Pi[i]) * gaussian(p.MuX[i], p.MuY[i], p.Sigma[i], p.Rho[i], x, y)
	}
	return floats.Sum(weighted)
}

// gaussian is the density of a bivariate Gaussian with isotropic σ and
// correlation ρ. It is normalised, see NLL.
func gaussian(mx, my, sigma, rho, x, y float32) float64 {
	dx := float64(x - mx)
	dy := float64(y - my)
	r := float64(rho)
	s2 := float64(sigma) * float64(sigma)
	omr := 1 - r*r
	q := (dx*dx + dy*dy - 2*r*dx*dy) / s2
	return 1 / (2 * math.Pi) / math.Sqrt(omr) / s2 * math.Exp(-0.5*q/omr)
}

// NLL is the mean negative log likelihood of the fixations, computed in
// float64. It is the reference the graph loss is checked against.
func (p Params) NLL(set FixationSet) (float64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if len(set) != p.Frames() {
		return 0, errors.Errorf("%d frames of fixations for %d frames of parameters", len(set), p.Frames())
	}
	nlls := make([]float64, 0, set.Count())
	for f, points := range set {
		for _, pt := range points {
			nlls = append(nlls, -math.Log(p.Density(f, pt.X, pt.Y)))
		}
	}
	if len(nlls) == 0 {
		return 0, errors.New("no fixations")
	}
	retVal := floats.Sum(nlls) / float64(len(nlls))
	if math.IsNaN(retVal) || math.IsInf(retVal, 0) {
		return retVal, errors.WithStack(ErrNonFinite)
	}
	return retVal, nil
}

// Frame returns a copy of the parameters of a single frame.
func (p Params) Frame(f int) Params {
	lo, hi := f*p.K, (f+1)*p.K
	cp := func(a []float32) []float32 {
		retVal := make([]float32, p.K)
		copy(retVal, a[lo:hi])
		return retVal
	}
	return Params{K: p.K, Pi: cp(p.Pi), MuX: cp(p.MuX), MuY: cp(p.MuY), Sigma: cp(p.Sigma), Rho: cp(p.Rho)}
}

// paramsFromValues copies the values read out of a graph.
func paramsFromValues(pi, mux, muy, sigma, rho G.Value) (Params, error) {
	vals := [...]G.Value{pi, mux, muy, sigma, rho}
	var out [5][]float32
	for i, v := range vals {
		if v == nil {
			return Params{}, errors.New("mixture has not been computed")
		}
		t, ok := v.(tensor.Tensor)
		if !ok {
			return Params{}, errors.Errorf("expected a tensor, got %T", v)
		}
		data, ok := t.Data().([]float32)
		if !ok {
			return Params{}, errors.Errorf("expected float32 data, got %T", t.Data())
		}
		out[i] = make([]float32, len(data))
		copy(out[i], data)
	}
	shape := pi.Shape()
	return Params{K: shape[len(shape)-1], Pi: out[0], MuX: out[1], MuY: out[2], Sigma: out[3], Rho: out[4]}, nil
}
