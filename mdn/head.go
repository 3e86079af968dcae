// Package mdn implements a mixture density network head that predicts a
// mixture of bivariate Gaussians over fixation points for every frame, and
// the negative log likelihood objective used to train it.
package mdn

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

var Float = G.Float32

const (
	sigmaFloor = 1e-4
	rhoBound   = 0.999

	// initial gain of the output projections
	outputGain = 0.1
)

// Mixture holds the graph nodes of a predicted mixture, each shaped (frames, K).
type Mixture struct {
	Pi, MuX, MuY, Sigma, Rho *G.Node

	out *readout
}

// readout holds the values of the mixture nodes after a run. The reads must
// be created before anything consumes the nodes, otherwise the machine may
// reuse their registers before the values are cloned.
type readout struct {
	pi, muX, muY, sigma, rho G.Value
}

// withReadout reads every node of mx.
func (mx Mixture) withReadout() Mixture {
	mx.out = new(readout)
	G.Read(mx.Pi, &mx.out.pi)
	G.Read(mx.MuX, &mx.out.muX)
	G.Read(mx.MuY, &mx.out.muY)
	G.Read(mx.Sigma, &mx.out.sigma)
	G.Read(mx.Rho, &mx.out.rho)
	return mx
}

// Params returns the mixture computed by the last run.
func (mx Mixture) Params() (Params, error) {
	if mx.out == nil {
		return Params{}, errors.New("mixture has no read outs")
	}
	return paramsFromValues(mx.out.pi, mx.out.muX, mx.out.muY, mx.out.sigma, mx.out.rho)
}

// Nodes returns π, μx, μy, σ, ρ in that order.
func (mx Mixture) Nodes() G.Nodes { return G.Nodes{mx.Pi, mx.MuX, mx.MuY, mx.Sigma, mx.Rho} }

// Frames is the number of rows of the mixture.
func (mx Mixture) Frames() int { return mx.Pi.Shape()[0] }

// K is the number of components.
func (mx Mixture) K() int { return mx.Pi.Shape()[1] }

func (mx Mixture) check() error {
	want := mx.Pi.Shape()
	if want.Dims() != 2 {
		return errors.Errorf("mixture weights must be (frames, K), got %v", want)
	}
	for _, n := range mx.Nodes()[1:] {
		if !n.Shape().Eq(want) {
			return errors.Errorf("%v has shape %v, expected %v", n, n.Shape(), want)
		}
	}
	return nil
}

// NewHead appends a mixture density head with k components to input, a
// (frames, features) node. The output transforms keep the parameters in
// their domain: π is a softmax, σ = exp(·) + 1e-4 and ρ = 0.999·tanh(·).
// The mixture is read out before it is returned. It returns the mixture and
// the head's parameters.
func NewHead(input *G.Node, hidden, k int, name string) (Mixture, G.Nodes, error) {
	if input.Shape().Dims() != 2 {
		return Mixture{}, nil, errors.Errorf("head input must be (frames, features), got %v", input.Shape())
	}
	var m maebe
	h := input
	if hidden > 0 {
		h = m.linear(input, hidden, name+"_hidden", 1.0)
		h = m.do(func() (*G.Node, error) { return G.Tanh(h) })
	}

	var mx Mixture
	logits := m.linear(h, k, name+"_pi", outputGain)
	mx.Pi = m.do(func() (*G.Node, error) { return G.SoftMax(logits) })
	mx.MuX = m.linear(h, k, name+"_mu_x", outputGain)
	mx.MuY = m.linear(h, k, name+"_mu_y", outputGain)

	logSigma := m.linear(h, k, name+"_sigma", outputGain)
	mx.Sigma = m.do(func() (*G.Node, error) { return G.Exp(logSigma) })
	mx.Sigma = m.shift(mx.Sigma, sigmaFloor)

	corr := m.linear(h, k, name+"_rho", outputGain)
	mx.Rho = m.do(func() (*G.Node, error) { return G.Tanh(corr) })
	mx.Rho = m.scale(mx.Rho, rhoBound)

	if m.err != nil {
		return Mixture{}, nil, m.err
	}
	return mx.withReadout(), m.params, nil
}
