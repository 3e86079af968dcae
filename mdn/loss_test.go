package mdn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func standardNormal(frames int) Params {
	p := Params{K: 1}
	for i := 0; i < frames; i++ {
		p.Pi = append(p.Pi, 1)
		p.MuX = append(p.MuX, 0)
		p.MuY = append(p.MuY, 0)
		p.Sigma = append(p.Sigma, 1)
		p.Rho = append(p.Rho, 0)
	}
	return p
}

func randomParams(r *rand.Rand, frames, k int) Params {
	p := Params{K: k}
	for f := 0; f < frames; f++ {
		var sum float32
		pis := make([]float32, k)
		for i := range pis {
			pis[i] = r.Float32() + 0.1
			sum += pis[i]
		}
		for i := range pis {
			p.Pi = append(p.Pi, pis[i]/sum)
			p.MuX = append(p.MuX, r.Float32())
			p.MuY = append(p.MuY, r.Float32())
			p.Sigma = append(p.Sigma, 0.2+r.Float32())
			p.Rho = append(p.Rho, 1.6*r.Float32()-0.8)
		}
	}
	return p
}

func randomFixations(r *rand.Rand, frames, max int, ragged bool) FixationSet {
	set := make(FixationSet, frames)
	for f := range set {
		n := max
		if ragged {
			n = 1 + r.Intn(max)
		}
		for i := 0; i < n; i++ {
			set[f] = append(set[f], Point{r.Float32(), r.Float32()})
		}
	}
	return set
}

func TestLossClosedForm(t *testing.T) {
	ev, err := NewEvaluator(1, 1, 1, false)
	require.NoError(t, err)
	defer ev.Close()

	want := math.Log(2 * math.Pi)
	loss, err := ev.Evaluate(standardNormal(1), FixationSet{{{0, 0}}})
	require.NoError(t, err)
	assert.InDelta(t, want, float64(loss), 1e-4)

	// one unit away along x adds half a nat
	loss, err = ev.Evaluate(standardNormal(1), FixationSet{{{1, 0}}})
	require.NoError(t, err)
	assert.InDelta(t, want+0.5, float64(loss), 1e-4)

	ref, err := standardNormal(1).NLL(FixationSet{{{0, 0}}})
	require.NoError(t, err)
	assert.InDelta(t, want, ref, 1e-9)
}

func TestLossMatchesReference(t *testing.T) {
	r := rand.New(rand.NewSource(1337))
	const frames, k, max = 4, 3, 6
	ev, err := NewEvaluator(frames, k, max, false)
	require.NoError(t, err)
	defer ev.Close()

	for i := 0; i < 5; i++ {
		p := randomParams(r, frames, k)
		set := randomFixations(r, frames, max, i%2 == 1)
		want, err := p.NLL(set)
		require.NoError(t, err)
		got, err := ev.Evaluate(p, set)
		require.NoError(t, err)
		assert.InDelta(t, want, float64(got), 1e-3, "run %d", i)
	}
}

func TestLossSigmaScale(t *testing.T) {
	ev, err := NewEvaluator(1, 1, 1, false)
	require.NoError(t, err)
	defer ev.Close()

	// at the mean, density is 1/(2πσ²)
	p := standardNormal(1)
	p.Sigma[0] = 2
	loss, err := ev.Evaluate(p, FixationSet{{{0, 0}}})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(2*math.Pi*4), float64(loss), 1e-4)
}

func TestLossPermutationInvariance(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	const frames, k, max = 2, 4, 8
	ev, err := NewEvaluator(frames, k, max, false)
	require.NoError(t, err)
	defer ev.Close()

	p := randomParams(r, frames, k)
	set := randomFixations(r, frames, max, false)
	first, err := ev.Evaluate(p, set)
	require.NoError(t, err)

	shuffled := make(FixationSet, frames)
	for f := range set {
		shuffled[f] = append([]Point(nil), set[f]...)
		r.Shuffle(len(shuffled[f]), func(i, j int) { shuffled[f][i], shuffled[f][j] = shuffled[f][j], shuffled[f][i] })
	}
	second, err := ev.Evaluate(p, shuffled)
	require.NoError(t, err)
	assert.InDelta(t, first, second, 1e-5)
}

func TestLossPadding(t *testing.T) {
	p := standardNormal(2)
	set := FixationSet{{{0, 0}}, {{0, 0}, {1, 0}}}

	small, err := NewEvaluator(2, 1, 2, false)
	require.NoError(t, err)
	defer small.Close()
	large, err := NewEvaluator(2, 1, 10, false)
	require.NoError(t, err)
	defer large.Close()

	a, err := small.Evaluate(p, set)
	require.NoError(t, err)
	b, err := large.Evaluate(p, set)
	require.NoError(t, err)
	assert.InDelta(t, a, b, 1e-6, "padding must not change the loss")

	// mean over the three fixations: (3·ln 2π + 0.5) / 3
	assert.InDelta(t, math.Log(2*math.Pi)+0.5/3, float64(a), 1e-4)
}

func TestLossRejectsInvalidMixtures(t *testing.T) {
	ev, err := NewEvaluator(1, 2, 1, false)
	require.NoError(t, err)
	defer ev.Close()

	valid := func() Params {
		return Params{K: 2, Pi: []float32{0.5, 0.5}, MuX: []float32{0, 1}, MuY: []float32{0, 1}, Sigma: []float32{1, 1}, Rho: []float32{0, 0}}
	}
	tests := []struct {
		name   string
		mutate func(p *Params)
	}{
		{"sigma zero", func(p *Params) { p.Sigma[0] = 0 }},
		{"sigma negative", func(p *Params) { p.Sigma[1] = -0.1 }},
		{"sigma underflow", func(p *Params) { p.Sigma[0] = 1e-30 }},
		{"rho one", func(p *Params) { p.Rho[0] = 1 }},
		{"rho minus one", func(p *Params) { p.Rho[1] = -1 }},
		{"rho rounds to one", func(p *Params) { p.Rho[0] = 0.99999999 }},
		{"pi off simplex", func(p *Params) { p.Pi[0] = 0.7 }},
		{"pi negative", func(p *Params) { p.Pi[0], p.Pi[1] = -0.5, 1.5 }},
		{"nan mean", func(p *Params) { p.MuX[0] = float32(math.NaN()) }},
		{"inf sigma", func(p *Params) { p.Sigma[0] = float32(math.Inf(1)) }},
		{"ragged", func(p *Params) { p.Rho = p.Rho[:1] }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := valid()
			tc.mutate(&p)
			_, err := ev.Evaluate(p, FixationSet{{{0.5, 0.5}}})
			require.Error(t, err)
			assert.Equal(t, ErrInvalidMixture, errors.Cause(err))
		})
	}

	_, err = ev.Evaluate(valid(), FixationSet{{{0.5, 0.5}}})
	assert.NoError(t, err)
}

func TestLossNonFinite(t *testing.T) {
	ev, err := NewEvaluator(1, 1, 1, false)
	require.NoError(t, err)
	defer ev.Close()

	// the density underflows to zero far away from the mean
	_, err = ev.Evaluate(standardNormal(1), FixationSet{{{1e6, 1e6}}})
	require.Error(t, err)
	assert.Equal(t, ErrNonFinite, errors.Cause(err))
}

func TestFixationsLet(t *testing.T) {
	ev, err := NewEvaluator(2, 1, 2, false)
	require.NoError(t, err)
	defer ev.Close()
	p := standardNormal(2)

	tests := []struct {
		name string
		set  FixationSet
	}{
		{"too few frames", FixationSet{{{0, 0}}}},
		{"too many fixations", FixationSet{{{0, 0}, {0, 0}, {0, 0}}, {{0, 0}}}},
		{"empty", FixationSet{{}, {}}},
		{"nan point", FixationSet{{{float32(math.NaN()), 0}}, {{0, 0}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ev.Evaluate(p, tc.set)
			assert.Error(t, err)
		})
	}

	// a frame without fixations is allowed as long as another has some
	_, err = ev.Evaluate(p, FixationSet{{}, {{0, 0}}})
	assert.NoError(t, err)
}

func TestNewEvaluatorBadGeometry(t *testing.T) {
	_, err := NewEvaluator(0, 1, 1, false)
	assert.Error(t, err)
}
