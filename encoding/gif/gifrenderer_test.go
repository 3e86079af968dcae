package gif

import (
	"bytes"
	"image/gif"
	"testing"

	"github.com/gorgonia/gazenet/mdn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoder(t *testing.T) {
	p := mdn.Params{
		K:     2,
		Pi:    []float32{0.5, 0.5, 0.9, 0.1},
		MuX:   []float32{0.25, 0.75, 0.5, 0.1},
		MuY:   []float32{0.5, 0.5, 0.5, 0.9},
		Sigma: []float32{0.1, 0.2, 0.15, 0.05},
		Rho:   []float32{0, 0.5, -0.3, 0},
	}
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 32)
	require.NoError(t, enc.Encode(p, 0, []mdn.Point{{X: 0.25, Y: 0.5}, {X: 2, Y: 2}}, "frame 0"))
	require.NoError(t, enc.Encode(p, 1, nil, "frame 1"))
	require.NoError(t, enc.Flush())

	g, err := gif.DecodeAll(&buf)
	require.NoError(t, err)
	require.Len(t, g.Image, 2)
	b := g.Image[0].Bounds()
	assert.Equal(t, 32, b.Dx())
	assert.True(t, b.Dy() > 32, "room for the caption")

	// the peak of frame 0 sits on a mean
	im := g.Image[0]
	assert.Equal(t, uint8(marker), im.ColorIndexAt(8, 16), "fixation marker")
	assert.True(t, im.ColorIndexAt(0, 0) < im.ColorIndexAt(24, 16))
}

func TestEncoderErrors(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 16)
	assert.Error(t, enc.Flush(), "nothing encoded")

	valid := mdn.Params{K: 1, Pi: []float32{1}, MuX: []float32{0.5}, MuY: []float32{0.5}, Sigma: []float32{0.1}, Rho: []float32{0}}
	assert.Error(t, enc.Encode(valid, 1, nil, ""), "frame out of range")

	invalid := valid
	invalid.Rho = []float32{1}
	assert.Error(t, enc.Encode(invalid, 0, nil, ""))
}
