package resnext

import (
	"fmt"
	"log"

	"github.com/gorgonia/gazenet/device"
	"github.com/pkg/errors"
)

// ShortcutType selects how the residual path is projected when a block changes shape.
type ShortcutType byte

const (
	// ShortcutA subsamples and zero pads the input. It has no parameters.
	ShortcutA ShortcutType = 'A'
	// ShortcutB projects the input with a 1×1×1 convolution followed by batch norm.
	ShortcutB ShortcutType = 'B'
)

func (s ShortcutType) String() string { return string(s) }

// Group is a structural group of parameters that can be frozen as a unit.
type Group int

const (
	Stem Group = iota
	Layer1
	Layer2
	Layer3
	Layer4

	NumGroups = 5
)

var groupNames = [NumGroups]string{"stem", "layer1", "layer2", "layer3", "layer4"}

func (g Group) String() string {
	if g < 0 || int(g) >= NumGroups {
		return fmt.Sprintf("Group(%d)", int(g))
	}
	return groupNames[g]
}

// Config configures the 3D feature extractor.
type Config struct {
	Checkpoint     string       // path to the pretrained checkpoint
	Shortcut       ShortcutType // A or B
	Cardinality    int          // groups in the 3×3×3 convolutions
	SampleSize     int          // spatial side of the input clip
	SampleDuration int          // frames in the input clip

	// Freeze holds one flag per Group, in Group order: stem, layer1..layer4.
	Freeze []bool

	StemWidth int
	Depths    [4]int // blocks per stage
	Widths    [4]int // planes per stage, before expansion

	Device device.Device
	Logger *log.Logger // nil logs through the standard logger
}

func (conf Config) logger() *log.Logger {
	if conf.Logger == nil {
		return log.Default()
	}
	return conf.Logger
}

// DefaultConf returns the ResNeXt-101 configuration used for 16 frame, 112×112 clips.
func DefaultConf(checkpoint string) Config {
	return Config{
		Checkpoint:     checkpoint,
		Shortcut:       ShortcutB,
		Cardinality:    32,
		SampleSize:     112,
		SampleDuration: 16,
		Freeze:         []bool{true, true, true, true, true},

		StemWidth: 64,
		Depths:    [4]int{3, 4, 23, 3},
		Widths:    [4]int{128, 256, 512, 1024},
		Device:    device.CPU,
	}
}

// LastDuration is the temporal extent left for the final average pool.
func (conf Config) LastDuration() int { return ceilDiv(conf.SampleDuration, 16) }

// LastSize is the spatial extent left for the final average pool.
func (conf Config) LastSize() int { return ceilDiv(conf.SampleSize, 32) }

// EmbeddingSize is the width of the embedding produced by the extractor.
func (conf Config) EmbeddingSize() int { return conf.Widths[3] * expansion }

func (conf Config) IsValid() bool { return conf.Validate() == nil }

// Validate reports the first problem with the configuration.
func (conf Config) Validate() error {
	switch conf.Shortcut {
	case ShortcutA, ShortcutB:
	default:
		return errors.Errorf("unknown shortcut type %q", byte(conf.Shortcut))
	}
	if conf.Cardinality < 1 {
		return errors.Errorf("cardinality must be positive, got %d", conf.Cardinality)
	}
	if conf.SampleSize < 1 || conf.SampleDuration < 1 {
		return errors.Errorf("invalid sample geometry %d×%d", conf.SampleDuration, conf.SampleSize)
	}
	if conf.StemWidth < 1 {
		return errors.Errorf("stem width must be positive, got %d", conf.StemWidth)
	}
	for i := range conf.Depths {
		if conf.Depths[i] < 1 {
			return errors.Errorf("stage %d must have at least one block", i+1)
		}
		if conf.Widths[i] < 32 || conf.Widths[i]%32 != 0 {
			return errors.Errorf("stage %d width %d is not a positive multiple of 32", i+1, conf.Widths[i])
		}
	}
	if err := checkFreeze(conf.Freeze); err != nil {
		return err
	}
	if !conf.Device.Available() {
		return errors.Errorf("device %v is not available in this build", conf.Device)
	}
	return nil
}

func checkFreeze(flags []bool) error {
	if len(flags) != NumGroups {
		return errors.Wrapf(ErrFreeze, "expected %d flags (%v), got %d", NumGroups, groupNames, len(flags))
	}
	return nil
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
