package resnext

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// expansion is the ratio of a bottleneck's output planes to its planes.
const expansion = 2

// Downsample projects the residual path of a block whose shape changes.
type Downsample struct {
	Type   ShortcutType
	Planes int // output channels, after expansion
	Stride int
}

// Bottleneck is a ResNeXt residual unit: a 1×1×1 reduction, a grouped
// 3×3×3 convolution and a 1×1×1 expansion, added to a shortcut.
type Bottleneck struct {
	Name        string // parameter prefix, e.g. layer2.0
	InPlanes    int
	Planes      int
	Cardinality int
	Stride      int
	Downsample  *Downsample // nil for the identity shortcut
}

// MidPlanes is the width of the grouped convolution.
func (b *Bottleneck) MidPlanes() int { return b.Cardinality * (b.Planes / 32) }

// OutPlanes is the number of channels the block produces.
func (b *Bottleneck) OutPlanes() int { return b.Planes * expansion }

func (b *Bottleneck) String() string {
	ds := "identity"
	if b.Downsample != nil {
		ds = fmt.Sprintf("downsample %v/%d", b.Downsample.Type, b.Downsample.Stride)
	}
	return fmt.Sprintf("%s %d→%d (mid %d, card %d, stride %d, %s)", b.Name, b.InPlanes, b.OutPlanes(), b.MidPlanes(), b.Cardinality, b.Stride, ds)
}

func (b *Bottleneck) fwd(m *maebe, input *G.Node) *G.Node {
	if m.err != nil {
		return nil
	}
	if c := input.Shape()[1]; c != b.InPlanes {
		m.err = errors.Errorf("%s: expected %d input channels, got %d", b.Name, b.InPlanes, c)
		return nil
	}
	mid := b.MidPlanes()
	one := triple{1, 1, 1}
	zero := triple{0, 0, 0}

	out := m.conv3d(input, b.Name+".conv1", mid, one, one, zero, 1)
	out = m.rectify(m.batchnorm(out, b.Name+".bn1"))

	out = m.conv3d(out, b.Name+".conv2", mid, triple{3, 3, 3}, triple{b.Stride, b.Stride, b.Stride}, one, b.Cardinality)
	out = m.rectify(m.batchnorm(out, b.Name+".bn2"))

	out = m.conv3d(out, b.Name+".conv3", b.OutPlanes(), one, one, zero, 1)
	out = m.batchnorm(out, b.Name+".bn3")

	residual := input
	if b.Downsample != nil {
		residual = b.Downsample.fwd(m, input, b.Name+".downsample")
	}
	if m.err != nil {
		return nil
	}
	if !out.Shape().Eq(residual.Shape()) {
		m.err = errors.Errorf("%s: residual shape %v does not match block output %v", b.Name, residual.Shape(), out.Shape())
		return nil
	}
	sum := m.do(func() (*G.Node, error) { return G.Add(out, residual) })
	return m.rectify(sum)
}

func (d *Downsample) fwd(m *maebe, input *G.Node, name string) *G.Node {
	switch d.Type {
	case ShortcutA:
		return m.padChannels(m.subsample(input, d.Stride), d.Planes)
	case ShortcutB:
		stride := triple{d.Stride, d.Stride, d.Stride}
		x := m.conv3d(input, name+".0", d.Planes, triple{1, 1, 1}, stride, triple{0, 0, 0}, 1)
		return m.batchnorm(x, name+".1")
	}
	if m.err == nil {
		m.err = errors.Errorf("%s: unknown shortcut type %v", name, d.Type)
	}
	return nil
}

// makeStage lays out the blocks of one stage. The first block carries the
// stride and, when the shape changes, the downsample shortcut.
func makeStage(index int, inplanes, planes, blocks, stride, cardinality int, shortcut ShortcutType) []*Bottleneck {
	var ds *Downsample
	if stride != 1 || inplanes != planes*expansion {
		ds = &Downsample{Type: shortcut, Planes: planes * expansion, Stride: stride}
	}
	retVal := make([]*Bottleneck, 0, blocks)
	retVal = append(retVal, &Bottleneck{
		Name:        fmt.Sprintf("layer%d.0", index),
		InPlanes:    inplanes,
		Planes:      planes,
		Cardinality: cardinality,
		Stride:      stride,
		Downsample:  ds,
	})
	for i := 1; i < blocks; i++ {
		retVal = append(retVal, &Bottleneck{
			Name:        fmt.Sprintf("layer%d.%d", index, i),
			InPlanes:    planes * expansion,
			Planes:      planes,
			Cardinality: cardinality,
			Stride:      1,
		})
	}
	return retVal
}
