package gazenet

import (
	"encoding/csv"
	"image/color"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// History records the losses of a training run. Train losses are recorded
// every LogEvery iterations, validation losses once per epoch at the
// iteration the epoch ended.
type History struct {
	Iterations    []int
	TrainLoss     []float32
	ValIterations []int
	ValLoss       []float32
	Skipped       int // steps dropped because of a non-finite loss
}

// reset starts a new history. The old slices are left to whoever holds them.
func (h *History) reset() { *h = History{} }

// Dump writes the history as CSV with the columns set, iteration and loss.
func (h *History) Dump(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"set", "iteration", "loss"}); err != nil {
		return err
	}
	records := make([][]string, 0, len(h.TrainLoss)+len(h.ValLoss))
	for i, loss := range h.TrainLoss {
		records = append(records, []string{"train", strconv.Itoa(h.Iterations[i]), strconv.FormatFloat(float64(loss), 'f', 6, 32)})
	}
	for i, loss := range h.ValLoss {
		records = append(records, []string{"val", strconv.Itoa(h.ValIterations[i]), strconv.FormatFloat(float64(loss), 'f', 6, 32)})
	}
	if err := w.WriteAll(records); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func xys(xs []int, ys []float32) plotter.XYs {
	retVal := make(plotter.XYs, len(ys))
	for i := range ys {
		retVal[i].X = float64(xs[i])
		retVal[i].Y = float64(ys[i])
	}
	return retVal
}

// Plot renders the train and validation losses against the iteration into a PNG.
func (h *History) Plot(filename string) error {
	if len(h.TrainLoss) == 0 && len(h.ValLoss) == 0 {
		return errors.New("empty history")
	}
	p := plot.New()
	p.Title.Text = "Mixture NLL"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "loss"
	p.Add(plotter.NewGrid())

	if len(h.TrainLoss) > 0 {
		train, err := plotter.NewLine(xys(h.Iterations, h.TrainLoss))
		if err != nil {
			return err
		}
		train.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
		train.Width = vg.Points(1)
		p.Add(train)
		p.Legend.Add("train", train)
	}
	if len(h.ValLoss) > 0 {
		red := color.RGBA{R: 200, G: 30, B: 30, A: 255}
		line, points, err := plotter.NewLinePoints(xys(h.ValIterations, h.ValLoss))
		if err != nil {
			return err
		}
		line.Color = red
		points.GlyphStyle.Color = red
		points.GlyphStyle.Radius = vg.Points(2.5)
		p.Add(line, points)
		p.Legend.Add("val", line, points)
	}
	return p.Save(8*vg.Inch, 5*vg.Inch, filename)
}
