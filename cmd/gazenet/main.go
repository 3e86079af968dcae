package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/gorgonia/gazenet"
	"github.com/gorgonia/gazenet/device"
	"github.com/gorgonia/gazenet/encoding/gif"
	"github.com/gorgonia/gazenet/mdn"
	"github.com/gorgonia/gazenet/resnext"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

var (
	model = flag.String("model", "pipeline", "pipeline (3D CNN + mixture head) or mdn (mixture head over precomputed features)")

	// extractor
	checkpoint     = flag.String("checkpoint", "", "pretrained ResNeXt checkpoint")
	initCheckpoint = flag.String("init-checkpoint", "", "write a freshly initialized checkpoint here and train from it")
	shortcut       = flag.String("shortcut", "B", "shortcut type, A or B")
	cardinality    = flag.Int("cardinality", 32, "groups in the bottleneck convolutions")
	sampleSize     = flag.Int("sample-size", 112, "spatial side of a clip")
	sampleDuration = flag.Int("sample-duration", 16, "frames per clip")
	freeze         = flag.String("freeze", "1,1,1,1,1", "freeze flags for stem,layer1,layer2,layer3,layer4")
	dot            = flag.String("dot", "", "write the extractor architecture as graphviz dot")

	// head
	features  = flag.Int("features", 256, "features per frame (mdn model)")
	frames    = flag.Int("frames", 10, "frames per example (mdn model)")
	hidden    = flag.Int("hidden", 128, "hidden units of the head, 0 for none")
	mixtures  = flag.Int("mixtures", 10, "mixture components")
	fixations = flag.Int("fixations", 10, "maximum fixations per frame")

	// training
	optimizer = flag.String("optimizer", "adam", "adam, sgd, rmsprop or momentum")
	lr        = flag.Float64("lr", 1e-4, "learn rate")
	l2        = flag.Float64("l2", 0, "weight decay")
	epochs    = flag.Int("epochs", 10, "epochs")
	logEvery  = flag.Int("log-every", 1, "iterations between logged train losses")
	skipNaN   = flag.Bool("skip-nonfinite", false, "skip steps with a non-finite loss instead of halting")
	shuffle   = flag.Bool("shuffle", true, "shuffle the training examples every epoch")
	flip      = flag.Bool("flip", false, "augment the training set with horizontally flipped clips (pipeline model only)")
	valSplit  = flag.Float64("val", 0.1, "fraction of the examples held out for validation")
	seed      = flag.Int64("seed", 1337, "random seed")
	dev       = flag.String("device", "cpu", "cpu or cuda")

	// data and outputs
	data      = flag.String("data", "", "gob encoded examples")
	synthetic = flag.Int("synthetic", 0, "train on this many synthetic examples instead of -data")
	history   = flag.String("history", "", "write the loss history as CSV")
	plot      = flag.String("plot", "", "plot the loss history as PNG")
	gifFile   = flag.String("gif", "", "render the predictions on the first validation example as GIF")
	gifSize   = flag.Int("gif-size", 128, "side of the rendered density maps")
	save      = flag.String("save", "", "save the trained parameters")
)

func parseFreeze(s string) ([]bool, error) {
	parts := strings.Split(s, ",")
	retVal := make([]bool, len(parts))
	for i, p := range parts {
		b, err := strconv.ParseBool(strings.TrimSpace(p))
		if err != nil {
			return nil, errors.Wrapf(err, "freeze flag %d", i)
		}
		retVal[i] = b
	}
	return retVal, nil
}

func extractor(d device.Device) (*resnext.Extractor, error) {
	if len(*shortcut) != 1 {
		return nil, errors.Errorf("unknown shortcut type %q", *shortcut)
	}
	conf := resnext.DefaultConf(*checkpoint)
	conf.Shortcut = resnext.ShortcutType((*shortcut)[0])
	conf.Cardinality = *cardinality
	conf.SampleSize = *sampleSize
	conf.SampleDuration = *sampleDuration
	conf.Device = d
	conf.Logger = log.New(os.Stderr, "", log.LstdFlags)
	var err error
	if conf.Freeze, err = parseFreeze(*freeze); err != nil {
		return nil, err
	}
	if *initCheckpoint == "" {
		return resnext.Build(conf)
	}

	fresh := resnext.New(conf)
	if err = fresh.Init(); err != nil {
		return nil, err
	}
	ckpt := fresh.Export()
	if err = ckpt.Save(*initCheckpoint); err != nil {
		return nil, err
	}
	conf.Logger.Printf("Wrote a freshly initialized checkpoint to %v", *initCheckpoint)
	return resnext.BuildFrom(conf, ckpt)
}

func build(d device.Device) (m gazenet.Model, shape tensor.Shape, nframes int, err error) {
	switch *model {
	case "pipeline":
		var ext *resnext.Extractor
		if ext, err = extractor(d); err != nil {
			return nil, nil, 0, err
		}
		if *dot != "" {
			if err = os.WriteFile(*dot, []byte(ext.ToDot()), 0644); err != nil {
				return nil, nil, 0, err
			}
		}
		var p *gazenet.Pipeline
		if p, err = gazenet.NewPipeline(ext, *hidden, *mixtures, *fixations); err != nil {
			return nil, nil, 0, err
		}
		return p, ext.Input().Shape().Clone(), 1, nil
	case "mdn":
		conf := mdn.DefaultConf(*features, *mixtures)
		conf.Hidden = *hidden
		conf.Frames = *frames
		conf.MaxFixations = *fixations
		conf.Device = d
		n := mdn.New(conf)
		if err = n.Init(); err != nil {
			return nil, nil, 0, err
		}
		return n, n.Input().Shape().Clone(), conf.Frames, nil
	}
	return nil, nil, 0, errors.Errorf("unknown model %q", *model)
}

func examples(r *rand.Rand, shape tensor.Shape, nframes int, d device.Device) (train, val gazenet.Examples, err error) {
	var all gazenet.Examples
	switch {
	case *synthetic > 0:
		all = gazenet.Synthetic(r, *synthetic, shape, nframes, *fixations, d)
	case *data != "":
		if all, err = gazenet.LoadExamples(*data); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, errors.New("either -data or -synthetic is required")
	}
	if len(all) == 0 {
		return nil, nil, errors.New("no examples")
	}
	all.Shuffle(r)
	held := int(float64(len(all)) * *valSplit)
	if held >= len(all) {
		held = len(all) - 1
	}
	val, train = all[:held], all[held:]
	if *flip {
		if train, err = gazenet.Augment(train, gazenet.FlipHorizontal); err != nil {
			return nil, nil, err
		}
	}
	return train, val, nil
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run() error {
	d, err := device.Parse(*dev)
	if err != nil {
		return err
	}
	m, shape, nframes, err := build(d)
	if err != nil {
		return err
	}
	if c, ok := m.(interface{ Close() error }); ok {
		defer c.Close()
	}

	r := rand.New(rand.NewSource(*seed))
	train, val, err := examples(r, shape, nframes, d)
	if err != nil {
		return err
	}

	conf := gazenet.DefaultConfig()
	conf.Optimizer = gazenet.Optimizer(*optimizer)
	conf.LearnRate = *lr
	conf.L2 = *l2
	conf.Epochs = *epochs
	conf.LogEvery = *logEvery
	conf.Shuffle = *shuffle
	conf.Seed = *seed
	if *skipNaN {
		conf.NonFinite = gazenet.Skip
	}
	if *gifFile != "" {
		f, err := os.Create(*gifFile)
		if err != nil {
			return err
		}
		defer f.Close()
		conf.OutputEncoder = gif.NewEncoder(f, *gifSize)
	}
	if !conf.IsValid() {
		return errors.Errorf("invalid training configuration %+v", conf)
	}

	s := gazenet.New(conf)
	if err = s.Train(m, train, val); err != nil {
		return err
	}
	if *history != "" {
		if err = s.Dump(*history); err != nil {
			return err
		}
	}
	if *plot != "" {
		if err = s.Plot(*plot); err != nil {
			return err
		}
	}
	if *save != "" {
		if err = gazenet.Save(m, *save); err != nil {
			return err
		}
	}
	fmt.Printf("trained on %d examples, %d held out, %d steps skipped\n", len(train), len(val), s.Skipped)
	return nil
}
