package resnext

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/gorgonia/ops/nn"
	"gorgonia.org/tensor"
)

const bnEpsilon = 1e-5

// triple is a (time, height, width) tuple.
type triple [3]int

// maebe builds the extractor graph. Once err is set every method is a no-op.
//
// Volumes are laid out as (T, C, H, W): with a single clip per forward pass
// the time axis doubles as the batch axis of the 2D primitives.
type maebe struct {
	err    error
	g      *G.ExprGraph
	group  Group
	params []Param
}

// generic monad... may be useful
func (m *maebe) do(f func() (*G.Node, error)) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = f(); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

// param creates a named parameter in the current group.
func (m *maebe) param(name string, shape tensor.Shape, init G.InitWFn, buffer bool) *G.Node {
	if m.err != nil {
		return nil
	}
	n := G.NewTensor(m.g, Float, shape.Dims(), G.WithShape(shape.Clone()...), G.WithName(name), G.WithInit(init))
	m.params = append(m.params, Param{Name: name, Group: m.group, Node: n, Buffer: buffer})
	return n
}

func (m *maebe) reshape(input *G.Node, to tensor.Shape) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = G.Reshape(input, to); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

// sliceTo slices input and restores any axis the slice collapsed, so that the result has the wanted shape.
func (m *maebe) sliceTo(input *G.Node, want tensor.Shape, slices ...tensor.Slice) *G.Node {
	retVal := m.do(func() (*G.Node, error) { return G.Slice(input, slices...) })
	if m.err != nil || retVal.Shape().Eq(want) {
		return retVal
	}
	return m.reshape(retVal, want)
}

// frames picks count frames along the time axis, starting at start, every step frames.
func (m *maebe) frames(input *G.Node, start, count, step int) *G.Node {
	if m.err != nil {
		return nil
	}
	s := input.Shape()
	if start == 0 && step == 1 && count == s[0] {
		return input
	}
	if step == 1 {
		return m.sliceTo(input, tensor.Shape{count, s[1], s[2], s[3]}, G.S(start, start+count))
	}
	picked := make([]*G.Node, count)
	for i := range picked {
		t := start + i*step
		picked[i] = m.sliceTo(input, tensor.Shape{1, s[1], s[2], s[3]}, G.S(t, t+1))
	}
	if count == 1 {
		return picked[0]
	}
	return m.do(func() (*G.Node, error) { return G.Concat(0, picked...) })
}

// zeros returns a constant zero volume.
func (m *maebe) zeros(shape tensor.Shape) *G.Node {
	if m.err != nil {
		return nil
	}
	return G.NewConstant(tensor.New(tensor.Of(Float), tensor.WithShape(shape.Clone()...)))
}

// padTime zero pads the time axis by pad frames on both ends.
func (m *maebe) padTime(input *G.Node, pad int) *G.Node {
	if m.err != nil || pad == 0 {
		return input
	}
	s := input.Shape()
	z := m.zeros(tensor.Shape{pad, s[1], s[2], s[3]})
	return m.do(func() (*G.Node, error) { return G.Concat(0, z, input, z) })
}

// conv3d is a 3D convolution without bias. The filter is stored as
// (filters, channels/groups, kT, kH, kW), and the convolution is computed as
// a sum over temporal offsets of 2D convolutions on strided frame stacks.
func (m *maebe) conv3d(input *G.Node, name string, filters int, kernel, stride, pad triple, groups int) *G.Node {
	if m.err != nil {
		return nil
	}
	s := input.Shape()
	t, c := s[0], s[1]
	if c%groups != 0 || filters%groups != 0 {
		m.err = errors.Errorf("%s: %d input and %d output channels cannot be split into %d groups", name, c, filters, groups)
		return nil
	}
	tOut := (t+2*pad[0]-kernel[0])/stride[0] + 1
	if tOut < 1 {
		m.err = errors.Errorf("%s: %d frames are too few for a temporal kernel of %d", name, t, kernel[0])
		return nil
	}

	w := m.param(name+".weight", tensor.Shape{filters, c / groups, kernel[0], kernel[1], kernel[2]}, G.GlorotU(1.0), false)
	padded := m.padTime(input, pad[0])

	var retVal *G.Node
	for dt := 0; dt < kernel[0]; dt++ {
		stack := m.frames(padded, dt, tOut, stride[0])
		filter := m.sliceTo(w, tensor.Shape{filters, c / groups, kernel[1], kernel[2]}, nil, nil, G.S(dt))
		out := m.conv2d(stack, filter, groups, kernel, stride, pad)
		if retVal == nil {
			retVal = out
			continue
		}
		acc := retVal
		retVal = m.do(func() (*G.Node, error) { return G.Add(acc, out) })
	}
	return retVal
}

// conv2d convolves each frame of input with filter. With groups > 1 the
// channels are partitioned and each partition is convolved independently.
func (m *maebe) conv2d(input, filter *G.Node, groups int, kernel, stride, pad triple) *G.Node {
	if m.err != nil {
		return nil
	}
	kern := tensor.Shape{kernel[1], kernel[2]}
	p := []int{pad[1], pad[2]}
	st := []int{stride[1], stride[2]}
	dilation := []int{1, 1}
	if groups == 1 {
		return m.do(func() (*G.Node, error) { return nnops.Conv2d(input, filter, kern, p, st, dilation) })
	}

	xs := input.Shape()
	fs := filter.Shape()
	cin, cout := xs[1]/groups, fs[0]/groups
	outs := make([]*G.Node, 0, groups)
	for i := 0; i < groups; i++ {
		x := m.sliceTo(input, tensor.Shape{xs[0], cin, xs[2], xs[3]}, nil, G.S(i*cin, (i+1)*cin))
		f := m.sliceTo(filter, tensor.Shape{cout, fs[1], fs[2], fs[3]}, G.S(i*cout, (i+1)*cout))
		outs = append(outs, m.do(func() (*G.Node, error) { return nnops.Conv2d(x, f, kern, p, st, dilation) }))
	}
	return m.do(func() (*G.Node, error) { return G.Concat(1, outs...) })
}

// batchnorm normalizes each channel with the running statistics and applies
// the learned affine transform.
func (m *maebe) batchnorm(input *G.Node, name string) *G.Node {
	if m.err != nil {
		return nil
	}
	c := input.Shape()[1]
	gamma := m.param(name+".weight", tensor.Shape{c}, G.Ones(), false)
	beta := m.param(name+".bias", tensor.Shape{c}, G.Zeroes(), false)
	mean := m.param(name+".running_mean", tensor.Shape{c}, G.Zeroes(), true)
	variance := m.param(name+".running_var", tensor.Shape{c}, G.Ones(), true)

	eps := G.NewConstant(float32(bnEpsilon))
	std := m.do(func() (*G.Node, error) { return G.Add(variance, eps) })
	std = m.do(func() (*G.Node, error) { return G.Sqrt(std) })
	scale := m.do(func() (*G.Node, error) { return G.HadamardDiv(gamma, std) })
	centred := m.do(func() (*G.Node, error) { return G.HadamardProd(mean, scale) })
	shift := m.do(func() (*G.Node, error) { return G.Sub(beta, centred) })

	perChannel := tensor.Shape{1, c, 1, 1}
	scale = m.reshape(scale, perChannel)
	shift = m.reshape(shift, perChannel)
	scaled := m.do(func() (*G.Node, error) { return G.BroadcastHadamardProd(input, scale, nil, []byte{0, 2, 3}) })
	return m.do(func() (*G.Node, error) { return G.BroadcastAdd(scaled, shift, nil, []byte{0, 2, 3}) })
}

func (m *maebe) rectify(input *G.Node) (retVal *G.Node) {
	if m.err != nil {
		return nil
	}
	if retVal, m.err = nnops.Rectify(input); m.err != nil {
		m.err = errors.WithStack(m.err)
	}
	return
}

// maxpool3d pools every frame spatially, then pools across time by viewing
// the (T, C·H·W) volume as a single channel image.
func (m *maebe) maxpool3d(input *G.Node, kernel, stride, pad triple) *G.Node {
	spatial := m.do(func() (*G.Node, error) {
		return nnops.MaxPool2D(input, tensor.Shape{kernel[1], kernel[2]}, []int{pad[1], pad[2]}, []int{stride[1], stride[2]})
	})
	if m.err != nil {
		return nil
	}
	s := spatial.Shape().Clone()
	flat := m.reshape(spatial, tensor.Shape{1, 1, s[0], s[1] * s[2] * s[3]})
	pooled := m.do(func() (*G.Node, error) {
		return nnops.MaxPool2D(flat, tensor.Shape{kernel[0], 1}, []int{pad[0], 0}, []int{stride[0], 1})
	})
	if m.err != nil {
		return nil
	}
	return m.reshape(pooled, tensor.Shape{pooled.Shape()[2], s[1], s[2], s[3]})
}

// subsample keeps every stride-th frame, row and column.
func (m *maebe) subsample(input *G.Node, stride int) *G.Node {
	if m.err != nil || stride == 1 {
		return input
	}
	t := input.Shape()[0]
	x := m.frames(input, 0, (t-1)/stride+1, stride)
	return m.do(func() (*G.Node, error) {
		return nnops.MaxPool2D(x, tensor.Shape{1, 1}, []int{0, 0}, []int{stride, stride})
	})
}

// padChannels appends zero channels until input has planes channels.
func (m *maebe) padChannels(input *G.Node, planes int) *G.Node {
	if m.err != nil {
		return nil
	}
	s := input.Shape()
	switch {
	case s[1] == planes:
		return input
	case s[1] > planes:
		m.err = errors.Errorf("cannot pad %d channels down to %d", s[1], planes)
		return nil
	}
	z := m.zeros(tensor.Shape{s[0], planes - s[1], s[2], s[3]})
	return m.do(func() (*G.Node, error) { return G.Concat(1, input, z) })
}

// avgpool averages over time and space, leaving one value per channel.
func (m *maebe) avgpool(input *G.Node) *G.Node {
	if m.err != nil {
		return nil
	}
	s := input.Shape().Clone()
	x := m.do(func() (*G.Node, error) { return G.Transpose(input, 1, 0, 2, 3) })
	x = m.reshape(x, tensor.Shape{s[1], s[0] * s[2] * s[3]})
	if s[0]*s[2]*s[3] > 1 {
		x = m.do(func() (*G.Node, error) { return G.Mean(x, 1) })
	}
	return m.reshape(x, tensor.Shape{1, s[1]})
}
