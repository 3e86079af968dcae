package resnext

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func outSize(n, k, s, p int) int { return (n+2*p-k)/s + 1 }

// refConv3d is a direct 3D convolution over a (T, C, H, W) volume.
func refConv3d(x []float32, xs [4]int, w []float32, filters int, kern, stride, pad triple, groups int) ([]float32, tensor.Shape) {
	T, C, H, W := xs[0], xs[1], xs[2], xs[3]
	to := outSize(T, kern[0], stride[0], pad[0])
	ho := outSize(H, kern[1], stride[1], pad[1])
	wo := outSize(W, kern[2], stride[2], pad[2])
	cin, cout := C/groups, filters/groups

	retVal := make([]float32, to*filters*ho*wo)
	for t := 0; t < to; t++ {
		for f := 0; f < filters; f++ {
			first := (f / cout) * cin
			for h := 0; h < ho; h++ {
				for v := 0; v < wo; v++ {
					var sum float32
					for c := 0; c < cin; c++ {
						for dt := 0; dt < kern[0]; dt++ {
							ti := t*stride[0] - pad[0] + dt
							if ti < 0 || ti >= T {
								continue
							}
							for dh := 0; dh < kern[1]; dh++ {
								hi := h*stride[1] - pad[1] + dh
								if hi < 0 || hi >= H {
									continue
								}
								for dw := 0; dw < kern[2]; dw++ {
									wi := v*stride[2] - pad[2] + dw
									if wi < 0 || wi >= W {
										continue
									}
									sum += x[((ti*C+first+c)*H+hi)*W+wi] * w[(((f*cin+c)*kern[0]+dt)*kern[1]+dh)*kern[2]+dw]
								}
							}
						}
					}
					retVal[((t*filters+f)*ho+h)*wo+v] = sum
				}
			}
		}
	}
	return retVal, tensor.Shape{to, filters, ho, wo}
}

// refMaxpool3d is a direct 3D max pool. Padded positions never win.
func refMaxpool3d(x []float32, xs [4]int, kern, stride, pad triple) ([]float32, tensor.Shape) {
	T, C, H, W := xs[0], xs[1], xs[2], xs[3]
	to := outSize(T, kern[0], stride[0], pad[0])
	ho := outSize(H, kern[1], stride[1], pad[1])
	wo := outSize(W, kern[2], stride[2], pad[2])

	retVal := make([]float32, to*C*ho*wo)
	for t := 0; t < to; t++ {
		for c := 0; c < C; c++ {
			for h := 0; h < ho; h++ {
				for v := 0; v < wo; v++ {
					best := float32(-math.MaxFloat32)
					for dt := 0; dt < kern[0]; dt++ {
						ti := t*stride[0] - pad[0] + dt
						if ti < 0 || ti >= T {
							continue
						}
						for dh := 0; dh < kern[1]; dh++ {
							hi := h*stride[1] - pad[1] + dh
							if hi < 0 || hi >= H {
								continue
							}
							for dw := 0; dw < kern[2]; dw++ {
								wi := v*stride[2] - pad[2] + dw
								if wi < 0 || wi >= W {
									continue
								}
								if val := x[((ti*C+c)*H+hi)*W+wi]; val > best {
									best = val
								}
							}
						}
					}
					retVal[((t*C+c)*ho+h)*wo+v] = best
				}
			}
		}
	}
	return retVal, tensor.Shape{to, C, ho, wo}
}

func volume(xs [4]int) *tensor.Dense {
	return tensor.New(tensor.WithShape(xs[:]...), tensor.WithBacking(tensor.Random(Float, xs[0]*xs[1]*xs[2]*xs[3])))
}

func TestConv3d(t *testing.T) {
	testCases := []struct {
		name           string
		shape          [4]int
		filters        int
		kern, str, pad triple
		groups         int
	}{
		{"stem", [4]int{5, 3, 9, 9}, 4, triple{7, 7, 7}, triple{1, 2, 2}, triple{3, 3, 3}, 1},
		{"grouped strided", [4]int{4, 8, 6, 6}, 8, triple{3, 3, 3}, triple{2, 2, 2}, triple{1, 1, 1}, 4},
		{"grouped", [4]int{3, 4, 5, 5}, 6, triple{3, 3, 3}, triple{1, 1, 1}, triple{1, 1, 1}, 2},
		{"pointwise strided", [4]int{5, 4, 5, 5}, 6, triple{1, 1, 1}, triple{2, 2, 2}, triple{0, 0, 0}, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := G.NewGraph()
			x := G.NewTensor(g, Float, 4, G.WithShape(tc.shape[:]...), G.WithName("x"))
			m := &maebe{g: g}
			out := m.conv3d(x, "conv", tc.filters, tc.kern, tc.str, tc.pad, tc.groups)
			require.NoError(t, m.err)
			require.Len(t, m.params, 1)

			input := volume(tc.shape)
			require.NoError(t, G.Let(x, input))
			vm := G.NewTapeMachine(g)
			defer vm.Close()
			require.NoError(t, vm.RunAll())

			w := m.params[0].Node.Value().Data().([]float32)
			want, shape := refConv3d(input.Data().([]float32), tc.shape, w, tc.filters, tc.kern, tc.str, tc.pad, tc.groups)
			require.Equal(t, shape, out.Shape())
			assert.InDeltaSlice(t, want, out.Value().Data().([]float32), 1e-4)
		})
	}
}

func TestConv3dGroups(t *testing.T) {
	g := G.NewGraph()
	x := G.NewTensor(g, Float, 4, G.WithShape(2, 6, 4, 4), G.WithName("x"))
	m := &maebe{g: g}
	m.conv3d(x, "conv", 8, triple{3, 3, 3}, triple{1, 1, 1}, triple{1, 1, 1}, 4)
	assert.Error(t, m.err)

	m = &maebe{g: g}
	m.conv3d(x, "conv", 6, triple{5, 3, 3}, triple{1, 1, 1}, triple{0, 1, 1}, 1)
	assert.Error(t, m.err, "too few frames for the temporal kernel")
}

func TestMaxpool3d(t *testing.T) {
	testCases := []struct {
		name           string
		shape          [4]int
		kern, str, pad triple
	}{
		{"stem", [4]int{5, 3, 7, 7}, triple{3, 3, 3}, triple{2, 2, 2}, triple{1, 1, 1}},
		{"unpadded", [4]int{4, 2, 6, 6}, triple{3, 3, 3}, triple{2, 2, 2}, triple{0, 0, 0}},
		{"spatial only", [4]int{3, 2, 5, 5}, triple{1, 3, 3}, triple{1, 2, 2}, triple{0, 1, 1}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := G.NewGraph()
			x := G.NewTensor(g, Float, 4, G.WithShape(tc.shape[:]...), G.WithName("x"))
			m := &maebe{g: g}
			out := m.maxpool3d(x, tc.kern, tc.str, tc.pad)
			require.NoError(t, m.err)

			input := volume(tc.shape)
			require.NoError(t, G.Let(x, input))
			vm := G.NewTapeMachine(g)
			defer vm.Close()
			require.NoError(t, vm.RunAll())

			want, shape := refMaxpool3d(input.Data().([]float32), tc.shape, tc.kern, tc.str, tc.pad)
			require.Equal(t, shape, out.Shape())
			assert.Equal(t, want, out.Value().Data().([]float32))
		})
	}
}
