package mdn

import (
	"bytes"
	"encoding/gob"
	"log"

	"github.com/gorgonia/gazenet/device"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Net is a mixture density network over precomputed per-frame features: a
// (frames, features) input followed by a head.
type Net struct {
	Config

	g      *G.ExprGraph
	input  *G.Node
	mix    Mixture
	params G.Nodes
	obj    *Objective
}

// New returns a new, uninitialized *Net.
func New(conf Config) *Net {
	return &Net{Config: conf}
}

func (n *Net) Init() (err error) {
	if !n.IsValid() {
		return errors.Errorf("invalid configuration %+v", n.Config)
	}
	n.reset()
	n.g = G.NewGraph()
	n.input = G.NewMatrix(n.g, Float, G.WithShape(n.Frames, n.Features), G.WithName("Features"))
	if n.mix, n.params, err = NewHead(n.input, n.Hidden, n.Mixtures, "MDN"); err != nil {
		return err
	}
	if n.FwdOnly {
		return nil
	}
	if n.obj, err = NewObjective(n.mix, n.MaxFixations); err != nil {
		return err
	}
	if _, err = G.Grad(n.obj.Cost, n.params...); err != nil {
		return errors.Wrap(err, "unable to differentiate the mixture loss")
	}
	return nil
}

func (n *Net) reset() {
	n.g = nil
	n.input = nil
	n.mix = Mixture{}
	n.params = nil
	n.obj = nil
}

func (n *Net) Graph() *G.ExprGraph { return n.g }

// Input is the (frames, features) input node.
func (n *Net) Input() *G.Node { return n.input }

func (n *Net) Mixture() Mixture { return n.mix }

// Learnables are the head's weights and biases.
func (n *Net) Learnables() G.Nodes { return n.params }

// Objective is nil for a forward only net.
func (n *Net) Objective() *Objective { return n.obj }

// Let binds the per-frame features. The features must live on the net's device.
func (n *Net) Let(input *tensor.Dense, dev device.Device) error {
	if err := device.Check(n.Device, dev); err != nil {
		return err
	}
	if !input.Shape().Eq(n.input.Shape()) {
		return errors.Errorf("expected features of shape %v, got %v", n.input.Shape(), input.Shape())
	}
	if input.Dtype() != Float {
		return errors.Errorf("expected %v features, got %v", Float, input.Dtype())
	}
	return G.Let(n.input, input)
}

// Params returns the mixture computed by the last run.
func (n *Net) Params() (Params, error) {
	return n.mix.Params()
}

func (n *Net) GobEncode() (retVal []byte, err error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for _, p := range n.params {
		v := p.Value()
		if err = enc.Encode(&v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (n *Net) GobDecode(p []byte) error {
	if err := n.Init(); err != nil {
		return err
	}
	dec := gob.NewDecoder(bytes.NewBuffer(p))
	for _, node := range n.params {
		var v G.Value
		if err := dec.Decode(&v); err != nil {
			return err
		}
		if err := G.Let(node, v); err != nil {
			return err
		}
	}
	return nil
}

// Inferencer holds a forward only copy of a *Net and a VM.
type Inferencer struct {
	n *Net
	m G.VM

	input *tensor.Dense
	buf   *bytes.Buffer
}

// Infer takes a trained *Net and creates a forward only copy of it.
func Infer(n *Net, toLog bool) (*Inferencer, error) {
	conf := n.Config
	conf.FwdOnly = true
	retVal := &Inferencer{
		n:     New(conf),
		input: tensor.New(tensor.WithShape(conf.Frames, conf.Features), tensor.Of(Float)),
		buf:   new(bytes.Buffer),
	}
	if err := retVal.n.Init(); err != nil {
		return nil, err
	}
	for i, p := range n.params {
		original := p.Value().Data().([]float32)
		cloned := retVal.n.params[i].Value().Data().([]float32)
		copy(cloned, original)
	}
	if toLog {
		logger := log.New(retVal.buf, "", 0)
		retVal.m = G.NewTapeMachine(retVal.n.g,
			G.WithLogger(logger),
			G.WithWatchlist(),
			G.TraceExec(),
			G.WithValueFmt("%+1.3v"),
			G.WithNaNWatch(),
		)
	} else {
		retVal.m = G.NewTapeMachine(retVal.n.g)
	}
	return retVal, nil
}

// Infer returns the mixture predicted for features, a row major frames × features slice.
func (m *Inferencer) Infer(features []float32) (Params, error) {
	if len(features) != m.input.Shape().TotalSize() {
		return Params{}, errors.Errorf("expected %d features, got %d", m.input.Shape().TotalSize(), len(features))
	}
	m.buf.Reset()
	m.m.Reset()
	copy(m.input.Data().([]float32), features)
	if err := G.Let(m.n.input, m.input); err != nil {
		return Params{}, err
	}
	if err := m.m.RunAll(); err != nil {
		return Params{}, err
	}
	return m.n.Params()
}

// ExecLog returns the execution log. If Infer was called with toLog = false, then it will return an empty string
func (m *Inferencer) ExecLog() string { return m.buf.String() }

// Close implements a closer.
func (m *Inferencer) Close() error { return m.m.Close() }
