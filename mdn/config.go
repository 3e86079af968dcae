package mdn

import "github.com/gorgonia/gazenet/device"

// Config configures a mixture density network over per-frame features.
type Config struct {
	Features     int // input width per frame
	Hidden       int // tanh hidden layer width; 0 for none
	Mixtures     int // K
	Frames       int // frames per batch
	MaxFixations int // fixation sets are padded to this length

	FwdOnly bool // is this a fwd only graph?
	Device  device.Device
}

// DefaultConf returns a head over features inputs with the given number of mixture components: 10 frames, 10 fixations, 128 hidden units.
func DefaultConf(features, mixtures int) Config {
	return Config{
		Features:     features,
		Hidden:       128,
		Mixtures:     mixtures,
		Frames:       10,
		MaxFixations: 10,
		Device:       device.CPU,
	}
}

func (conf Config) IsValid() bool {
	return conf.Features >= 1 &&
		conf.Hidden >= 0 &&
		conf.Mixtures >= 1 &&
		conf.Frames >= 1 &&
		conf.MaxFixations >= 1 &&
		conf.Device.Available()
}
