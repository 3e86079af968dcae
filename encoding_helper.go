package gazenet

import (
	"image"
	"image/draw"

	"github.com/gorgonia/gazenet/mdn"
	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"
)

// ChannelMean is the per channel mean, on a 0-255 scale, subtracted from
// clips by EncodeClip. These are the Kinetics statistics the pretrained
// ResNeXt checkpoints were trained with.
var ChannelMean = [3]float32{114.7748, 107.7354, 99.4750}

// EncodeClip scales every frame to size × size and lays the clip out as a
// (1, 3, T, size, size) tensor with ChannelMean subtracted.
func EncodeClip(frames []image.Image, size int) (*tensor.Dense, error) {
	if len(frames) == 0 {
		return nil, errors.New("no frames to encode")
	}
	if size < 1 {
		return nil, errors.Errorf("cannot scale frames to %d pixels", size)
	}
	t := len(frames)
	plane := size * size
	backing := make([]float32, 3*t*plane)
	scaled := image.NewRGBA(image.Rect(0, 0, size, size))
	for f, src := range frames {
		if src == nil || src.Bounds().Empty() {
			return nil, errors.Errorf("frame %d is empty", f)
		}
		xdraw.BiLinear.Scale(scaled, scaled.Bounds(), src, src.Bounds(), draw.Src, nil)
		for i := 0; i < plane; i++ {
			px := scaled.Pix[4*i : 4*i+3]
			for c := 0; c < 3; c++ {
				backing[(c*t+f)*plane+i] = float32(px[c])
			}
		}
	}
	for c := 0; c < 3; c++ {
		vecf32.Trans(backing[c*t*plane:(c+1)*t*plane], -ChannelMean[c])
	}
	return tensor.New(tensor.WithShape(1, 3, t, size, size), tensor.WithBacking(backing)), nil
}

// Augmenter takes an example, and creates more examples from it.
type Augmenter func(a Example) ([]Example, error)

// Augment returns the examples followed by everything aug derives from them.
func Augment(examples Examples, aug Augmenter) (Examples, error) {
	retVal := make(Examples, 0, 2*len(examples))
	retVal = append(retVal, examples...)
	for i, ex := range examples {
		derived, err := aug(ex)
		if err != nil {
			return nil, errors.WithMessagef(err, "example %d", i)
		}
		retVal = append(retVal, derived...)
	}
	return retVal, nil
}

// FlipHorizontal mirrors a clip, shaped (1, 3, T, H, W), left to right, and
// every fixation around x = 0.5. Other inputs have no horizontal axis and are
// rejected.
func FlipHorizontal(a Example) ([]Example, error) {
	if a.Input == nil || a.Input.Dims() != 5 {
		var shape interface{}
		if a.Input != nil {
			shape = a.Input.Shape()
		}
		return nil, errors.Errorf("only clips can be flipped, got an input of shape %v", shape)
	}
	flipped, err := flipLastAxis(a.Input)
	if err != nil {
		return nil, err
	}
	set := make(mdn.FixationSet, len(a.Fixations))
	for f, points := range a.Fixations {
		set[f] = make([]mdn.Point, len(points))
		for i, p := range points {
			set[f][i] = mdn.Point{X: 1 - p.X, Y: p.Y}
		}
	}
	return []Example{{Input: flipped, Fixations: set, Device: a.Device}}, nil
}

func flipLastAxis(a *tensor.Dense) (*tensor.Dense, error) {
	data, ok := a.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("cannot flip %v data", a.Dtype())
	}
	s := a.Shape()
	w := s[len(s)-1]
	copied := make([]float32, len(data))
	copy(copied, data)
	for row := 0; row < len(copied); row += w {
		r := copied[row : row+w]
		for i, j := 0, w-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
	}
	return tensor.New(tensor.WithShape(s.Clone()...), tensor.WithBacking(copied)), nil
}
