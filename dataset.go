package gazenet

import (
	"encoding/gob"
	"io"
	"math/rand"
	"os"

	"github.com/gorgonia/gazenet/device"
	"github.com/gorgonia/gazenet/mdn"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"
)

// WriteExamples gob encodes examples into w.
func WriteExamples(w io.Writer, examples Examples) error {
	enc := gob.NewEncoder(w)
	if err := enc.Encode(len(examples)); err != nil {
		return errors.WithStack(err)
	}
	for i := range examples {
		if err := enc.Encode(&examples[i]); err != nil {
			return errors.Wrapf(err, "example %d", i)
		}
	}
	return nil
}

// ReadExamples decodes examples written by WriteExamples.
func ReadExamples(r io.Reader) (Examples, error) {
	dec := gob.NewDecoder(r)
	var n int
	if err := dec.Decode(&n); err != nil {
		return nil, errors.WithStack(err)
	}
	if n < 0 {
		return nil, errors.Errorf("corrupt dataset: %d examples", n)
	}
	retVal := make(Examples, n)
	for i := range retVal {
		if err := dec.Decode(&retVal[i]); err != nil {
			return nil, errors.Wrapf(err, "example %d", i)
		}
	}
	return retVal, nil
}

// SaveExamples writes examples into filename.
func SaveExamples(filename string, examples Examples) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	return WriteExamples(f, examples)
}

// LoadExamples reads examples from filename.
func LoadExamples(filename string) (Examples, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	return ReadExamples(f)
}

// Synthetic generates n examples with inputs of the given shape, uniform in
// [-1, 1), and between 1 and maxFixations fixations uniform in [0, 1)² for
// each of the frames.
func Synthetic(r *rand.Rand, n int, shape tensor.Shape, frames, maxFixations int, dev device.Device) Examples {
	retVal := make(Examples, n)
	for i := range retVal {
		data := make([]float32, shape.TotalSize())
		for j := range data {
			data[j] = r.Float32()
		}
		vecf32.Scale(data, 2)
		vecf32.Trans(data, -1)

		set := make(mdn.FixationSet, frames)
		for f := range set {
			count := 1 + r.Intn(maxFixations)
			for k := 0; k < count; k++ {
				set[f] = append(set[f], mdn.Point{X: r.Float32(), Y: r.Float32()})
			}
		}
		retVal[i] = Example{
			Input:     tensor.New(tensor.WithShape(shape.Clone()...), tensor.WithBacking(data)),
			Fixations: set,
			Device:    dev,
		}
	}
	return retVal
}
