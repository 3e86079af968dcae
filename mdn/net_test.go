package mdn

import (
	"bytes"
	"encoding/gob"
	"math/rand"
	"testing"

	"github.com/gorgonia/gazenet/device"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func randomFeatures(conf Config) *tensor.Dense {
	return tensor.New(
		tensor.WithShape(conf.Frames, conf.Features),
		tensor.WithBacking(tensor.Random(Float, conf.Frames*conf.Features)),
	)
}

func TestNetHeadDomains(t *testing.T) {
	conf := DefaultConf(64, 5)
	n := New(conf)
	require.NoError(t, n.Init())

	inf, err := Infer(n, false)
	require.NoError(t, err)
	defer inf.Close()

	for _, scale := range []float32{1, 100, -100} {
		features := make([]float32, conf.Frames*conf.Features)
		for i := range features {
			features[i] = scale * rand.Float32()
		}
		p, err := inf.Infer(features)
		require.NoError(t, err)
		assert.Equal(t, conf.Frames, p.Frames())
		assert.NoError(t, p.Validate(), "scale %v", scale)
		for i := range p.Sigma {
			assert.True(t, p.Sigma[i] >= sigmaFloor)
			assert.True(t, p.Rho[i] >= -rhoBound && p.Rho[i] <= rhoBound)
		}
	}
	assert.Empty(t, inf.ExecLog())
}

func TestNetWithoutHidden(t *testing.T) {
	conf := DefaultConf(16, 3)
	conf.Hidden = 0
	n := New(conf)
	require.NoError(t, n.Init())
	// π, μx, μy, σ, ρ: a weight and a bias each
	assert.Len(t, n.Learnables(), 10)
}

func TestNetLet(t *testing.T) {
	conf := DefaultConf(8, 2)
	n := New(conf)
	require.NoError(t, n.Init())

	assert.NoError(t, n.Let(randomFeatures(conf), device.CPU))

	err := n.Let(randomFeatures(conf), device.CUDA)
	require.Error(t, err)
	assert.Equal(t, device.ErrMismatch, errors.Cause(err))

	bad := conf
	bad.Frames++
	assert.Error(t, n.Let(randomFeatures(bad), device.CPU))
}

func TestNetTrainStep(t *testing.T) {
	conf := DefaultConf(32, 4)
	n := New(conf)
	require.NoError(t, n.Init())
	require.NotNil(t, n.Objective())

	r := rand.New(rand.NewSource(7))
	set := randomFixations(r, conf.Frames, conf.MaxFixations, true)
	require.NoError(t, n.Let(randomFeatures(conf), device.CPU))
	require.NoError(t, n.Objective().Let(set))

	m := G.NewTapeMachine(n.Graph(), G.BindDualValues(n.Learnables()...))
	defer m.Close()
	solver := G.NewVanillaSolver(G.WithLearnRate(0.01))

	var losses []float32
	for i := 0; i < 3; i++ {
		require.NoError(t, m.RunAll())
		loss, err := n.Objective().Check()
		require.NoError(t, err)
		losses = append(losses, loss)
		require.NoError(t, solver.Step(G.NodesToValueGrads(n.Learnables())))
		m.Reset()
	}
	for i := 1; i < len(losses); i++ {
		assert.True(t, losses[i] < losses[i-1], "losses %v", losses)
	}

	// the graph loss agrees with the reference on the mixture it computed
	require.NoError(t, m.RunAll())
	p, err := n.Params()
	require.NoError(t, err)
	want, err := p.NLL(set)
	require.NoError(t, err)
	got, err := n.Objective().Loss()
	require.NoError(t, err)
	assert.InDelta(t, want, float64(got), 1e-3)
}

func TestNetTrainGraphReadout(t *testing.T) {
	conf := DefaultConf(32, 4)
	n := New(conf)
	require.NoError(t, n.Init())

	r := rand.New(rand.NewSource(11))
	features := randomFeatures(conf)
	require.NoError(t, n.Let(features, device.CPU))
	require.NoError(t, n.Objective().Let(randomFixations(r, conf.Frames, conf.MaxFixations, true)))

	m := G.NewTapeMachine(n.Graph(), G.BindDualValues(n.Learnables()...))
	defer m.Close()
	require.NoError(t, m.RunAll())

	fromObjective, err := n.Objective().Params()
	require.NoError(t, err)
	fromNet, err := n.Params()
	require.NoError(t, err)
	assert.Equal(t, fromNet, fromObjective)
	assert.NoError(t, fromObjective.Validate())

	// the training graph reads out what a forward only graph computes
	inf, err := Infer(n, false)
	require.NoError(t, err)
	defer inf.Close()
	want, err := inf.Infer(features.Data().([]float32))
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Pi, fromObjective.Pi, 1e-5)
	assert.InDeltaSlice(t, want.MuX, fromObjective.MuX, 1e-5)
	assert.InDeltaSlice(t, want.MuY, fromObjective.MuY, 1e-5)
	assert.InDeltaSlice(t, want.Sigma, fromObjective.Sigma, 1e-5)
	assert.InDeltaSlice(t, want.Rho, fromObjective.Rho, 1e-5)

	for f := 0; f < conf.Frames; f++ {
		var sum float32
		for _, v := range fromObjective.Frame(f).Pi {
			sum += v
		}
		assert.InDelta(t, 1, sum, 1e-5, "frame %d", f)
	}
}

func TestNetEncodeDecode(t *testing.T) {
	conf := DefaultConf(8, 3)
	n := New(conf)
	require.NoError(t, n.Init())

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(n))

	n2 := New(conf)
	require.NoError(t, gob.NewDecoder(&buf).Decode(n2))
	for i, p := range n.Learnables() {
		assert.Equal(t, p.Value().Data(), n2.Learnables()[i].Value().Data(), "%v", p)
	}
}

func TestNetInvalidConfig(t *testing.T) {
	conf := DefaultConf(0, 3)
	assert.Error(t, New(conf).Init())
}
