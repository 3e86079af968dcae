package mdn

import (
	"bytes"
	"log"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Evaluator holds a forward only loss graph whose mixture parameters are
// inputs, so that the loss of host side parameters can be computed without
// building a graph every time.
type Evaluator struct {
	g   *G.ExprGraph
	obj *Objective
	m   G.VM

	inputs [5]*tensor.Dense
	buf    *bytes.Buffer
}

// NewEvaluator creates an evaluator for frames × mixtures parameters and up to
// maxFixations fixations per frame.
func NewEvaluator(frames, mixtures, maxFixations int, toLog bool) (*Evaluator, error) {
	if frames < 1 || mixtures < 1 || maxFixations < 1 {
		return nil, errors.Errorf("cannot evaluate %d frames of %d components with %d fixations", frames, mixtures, maxFixations)
	}
	g := G.NewGraph()
	input := func(name string) *G.Node {
		return G.NewMatrix(g, Float, G.WithShape(frames, mixtures), G.WithName(name))
	}
	mx := Mixture{
		Pi:    input("Pi"),
		MuX:   input("MuX"),
		MuY:   input("MuY"),
		Sigma: input("Sigma"),
		Rho:   input("Rho"),
	}
	obj, err := NewObjective(mx, maxFixations)
	if err != nil {
		return nil, err
	}
	retVal := &Evaluator{g: g, obj: obj, buf: new(bytes.Buffer)}
	for i := range retVal.inputs {
		retVal.inputs[i] = tensor.New(tensor.WithShape(frames, mixtures), tensor.Of(Float))
	}
	if toLog {
		logger := log.New(retVal.buf, "", 0)
		retVal.m = G.NewTapeMachine(g,
			G.WithLogger(logger),
			G.WithWatchlist(),
			G.TraceExec(),
			G.WithNaNWatch(),
		)
	} else {
		retVal.m = G.NewTapeMachine(g)
	}
	return retVal, nil
}

// Evaluate validates p and returns the mean negative log likelihood of set.
func (e *Evaluator) Evaluate(p Params, set FixationSet) (float32, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	frames, k := e.obj.Frames(), e.obj.K()
	if p.K != k || p.Frames() != frames {
		return 0, errors.Errorf("parameters are %d×%d, the evaluator expects %d×%d", p.Frames(), p.K, frames, k)
	}
	e.buf.Reset()
	e.m.Reset()
	for i, src := range [...][]float32{p.Pi, p.MuX, p.MuY, p.Sigma, p.Rho} {
		copy(e.inputs[i].Data().([]float32), src)
		if err := G.Let(e.obj.Nodes()[i], e.inputs[i]); err != nil {
			return 0, err
		}
	}
	if err := e.obj.Let(set); err != nil {
		return 0, err
	}
	if err := e.m.RunAll(); err != nil {
		return 0, err
	}
	return e.obj.Loss()
}

// ExecLog returns the execution log of the last evaluation. It is empty unless the evaluator was created with toLog.
func (e *Evaluator) ExecLog() string { return e.buf.String() }

// Close implements a closer.
func (e *Evaluator) Close() error { return e.m.Close() }
