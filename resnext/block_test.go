package resnext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func TestMakeStage(t *testing.T) {
	conf := DefaultConf("")
	inplanes := conf.StemWidth
	var total int
	for i := range conf.Depths {
		stride := 2
		if i == 0 {
			stride = 1
		}
		blocks := makeStage(i+1, inplanes, conf.Widths[i], conf.Depths[i], stride, conf.Cardinality, conf.Shortcut)
		if !assert.Len(t, blocks, conf.Depths[i]) {
			continue
		}
		first := blocks[0]
		assert.Equal(t, stride, first.Stride, "stage %d", i+1)
		if assert.NotNil(t, first.Downsample, "stage %d changes shape, so its first block projects", i+1) {
			assert.Equal(t, conf.Widths[i]*2, first.Downsample.Planes)
			assert.Equal(t, stride, first.Downsample.Stride)
			assert.Equal(t, ShortcutB, first.Downsample.Type)
		}
		for _, b := range blocks[1:] {
			assert.Nil(t, b.Downsample, b.Name)
			assert.Equal(t, 1, b.Stride, b.Name)
			assert.Equal(t, conf.Widths[i]*2, b.InPlanes, b.Name)
		}
		// cardinality × planes/32
		assert.Equal(t, 32*(conf.Widths[i]/32), first.MidPlanes())
		inplanes = blocks[len(blocks)-1].OutPlanes()
		total += len(blocks)
	}
	assert.Equal(t, 33, total)
	assert.Equal(t, 2048, inplanes)
}

func TestMakeStageIdentity(t *testing.T) {
	// matching channels and unit stride need no projection
	blocks := makeStage(1, 256, 128, 2, 1, 32, ShortcutB)
	assert.Nil(t, blocks[0].Downsample)
	assert.Equal(t, "layer1.1", blocks[1].Name)
}

func TestBottleneckResidualShape(t *testing.T) {
	testCases := []struct {
		name   string
		stride int
		ds     *Downsample
		ok     bool
	}{
		{"missing projection", 1, nil, false},
		{"wrong planes", 1, &Downsample{Type: ShortcutB, Planes: 32, Stride: 1}, false},
		{"wrong stride", 2, &Downsample{Type: ShortcutA, Planes: 64, Stride: 1}, false},
		{"projection", 2, &Downsample{Type: ShortcutB, Planes: 64, Stride: 2}, true},
		{"zero padded", 2, &Downsample{Type: ShortcutA, Planes: 64, Stride: 2}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := &Bottleneck{Name: "layer1.0", InPlanes: 16, Planes: 32, Cardinality: 2, Stride: tc.stride, Downsample: tc.ds}
			g := G.NewGraph()
			x := G.NewTensor(g, Float, 4, G.WithShape(2, 16, 4, 4), G.WithName("x"))
			m := &maebe{g: g}
			out := b.fwd(m, x)
			if tc.ok {
				require.NoError(t, m.err)
				want := tensor.Shape{2, 64, 4, 4}
				if tc.stride == 2 {
					want = tensor.Shape{1, 64, 2, 2}
				}
				assert.Equal(t, want, out.Shape())
				return
			}
			require.Error(t, m.err)
			assert.Nil(t, out)
			assert.Contains(t, m.err.Error(), "residual shape")
		})
	}
}
