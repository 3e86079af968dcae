package mdn

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

type maebe struct {
	err    error
	params G.Nodes
}

func (m *maebe) do(f func() (*G.Node, error)) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = f(); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

// linear is xW + b with the bias broadcast over the rows.
func (m *maebe) linear(input *G.Node, units int, name string, gain float64) *G.Node {
	if m.err != nil {
		return nil
	}
	w := G.NewTensor(input.Graph(), Float, 2, G.WithShape(input.Shape()[1], units), G.WithInit(G.GlorotN(gain)), G.WithName(name+"_w"))
	b := G.NewTensor(input.Graph(), Float, 2, G.WithShape(1, units), G.WithInit(G.Zeroes()), G.WithName(name+"_b"))
	m.params = append(m.params, w, b)
	xw := m.do(func() (*G.Node, error) { return G.Mul(input, w) })
	return m.do(func() (*G.Node, error) { return G.BroadcastAdd(xw, b, nil, []byte{0}) })
}

func (m *maebe) scale(input *G.Node, by float32) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Mul(input, G.NewConstant(by)) })
}

func (m *maebe) shift(input *G.Node, by float32) *G.Node {
	return m.do(func() (*G.Node, error) { return G.Add(input, G.NewConstant(by)) })
}

// per reshapes a (frames, K) node to (frames, 1, K) so it can be broadcast over fixations.
func (m *maebe) per(input *G.Node) *G.Node {
	if m.err != nil {
		return nil
	}
	s := input.Shape()
	return m.do(func() (*G.Node, error) { return G.Reshape(input, []int{s[0], 1, s[1]}) })
}
