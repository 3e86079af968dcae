package gif

import (
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"io"
	"math"

	"github.com/golang/freetype/truetype"
	"github.com/gorgonia/gazenet/mdn"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/math/fixed"
	"gorgonia.org/vecf32"
)

var regular *truetype.Font

const (
	dpi        = 72.0
	fontsize   = 10.0
	lineheight = 1.4

	heatLevels = 252 // palette entries used by the density ramp
	background = heatLevels
	ink        = heatLevels + 1
	marker     = heatLevels + 2
	delay      = 50 // 100ths of a second
)

func init() {
	var err error
	if regular, err = truetype.Parse(gomono.TTF); err != nil {
		panic(err)
	}
}

// palette is a black, red, yellow, white ramp followed by the caption
// background, the caption ink and the fixation marker.
var palette = func() color.Palette {
	p := make(color.Palette, 0, heatLevels+3)
	for i := 0; i < heatLevels; i++ {
		v := float64(i) / float64(heatLevels-1) * 3
		r := math.Min(v, 1)
		g := math.Min(math.Max(v-1, 0), 1)
		b := math.Min(math.Max(v-2, 0), 1)
		p = append(p, color.RGBA{R: uint8(255 * r), G: uint8(255 * g), B: uint8(255 * b), A: 255})
	}
	return append(p, color.Gray{240}, color.Gray{0}, color.RGBA{G: 220, B: 255, A: 255})
}()

// Encoder renders the predicted density of a frame over the unit square,
// with the observed fixations and a caption, as one frame of an animated
// GIF. It implements gazenet.OutputEncoder.
type Encoder struct {
	Size int // side of the density map in pixels
	font.Drawer
	io.Writer

	out      *gif.GIF
	face     font.Face
	captionH int
	grid     []float32
}

// NewEncoder creates an encoder writing size × size density maps into w.
func NewEncoder(w io.Writer, size int) *Encoder {
	face := truetype.NewFace(regular, &truetype.Options{
		Size:    fontsize,
		DPI:     dpi,
		Hinting: font.HintingFull,
	})
	return &Encoder{
		Size:     size,
		Writer:   w,
		Drawer:   font.Drawer{Src: image.NewUniform(palette[ink]), Face: face},
		out:      &gif.GIF{LoopCount: 0},
		face:     face,
		captionH: int(math.Ceil(fontsize*lineheight*dpi/72)) + 4,
		grid:     make([]float32, size*size),
	}
}

// Encode renders frame of p. Fixations are points in the unit square; those
// outside it are not drawn.
func (enc *Encoder) Encode(p mdn.Params, frame int, fixations []mdn.Point, caption string) error {
	if enc.Size < 1 {
		return errors.Errorf("cannot render a %d pixel density map", enc.Size)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if frame < 0 || frame >= p.Frames() {
		return errors.Errorf("frame %d out of range, the mixture has %d frames", frame, p.Frames())
	}

	// density at pixel centres, scaled so the peak is 1
	size := enc.Size
	var peak float32
	for j := 0; j < size; j++ {
		y := (float32(j) + 0.5) / float32(size)
		for i := 0; i < size; i++ {
			x := (float32(i) + 0.5) / float32(size)
			v := float32(p.Density(frame, x, y))
			enc.grid[j*size+i] = v
			if v > peak {
				peak = v
			}
		}
	}
	if peak > 0 {
		vecf32.Scale(enc.grid, 1/peak)
	}

	im := image.NewPaletted(image.Rect(0, 0, size, size+enc.captionH), palette)
	for j := 0; j < size; j++ {
		for i := 0; i < size; i++ {
			im.Pix[j*im.Stride+i] = uint8(enc.grid[j*size+i] * (heatLevels - 1))
		}
	}
	for _, f := range fixations {
		cx, cy := int(f.X*float32(size)), int(f.Y*float32(size))
		if cx < 0 || cy < 0 || cx >= size || cy >= size {
			continue
		}
		draw.Draw(im, image.Rect(cx-1, cy-1, cx+2, cy+2).Intersect(image.Rect(0, 0, size, size)), image.NewUniform(palette[marker]), image.Point{}, draw.Src)
	}

	draw.Draw(im, image.Rect(0, size, size, size+enc.captionH), image.NewUniform(palette[background]), image.Point{}, draw.Src)
	enc.Dst = im
	enc.Dot = fixed.P(2, size+enc.captionH-4)
	enc.DrawString(caption)

	enc.out.Image = append(enc.out.Image, im)
	enc.out.Delay = append(enc.out.Delay, delay)
	return nil
}

// Flush writes the gif into the writer.
func (enc *Encoder) Flush() error {
	if len(enc.out.Image) == 0 {
		return errors.New("nothing to flush")
	}
	return gif.EncodeAll(enc.Writer, enc.out)
}
