package gazenet

import (
	"io"
	"math/rand"

	"github.com/gorgonia/gazenet/device"
	"github.com/gorgonia/gazenet/mdn"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Optimizer names a gradient descent method.
type Optimizer string

const (
	Adam     Optimizer = "adam"
	SGD      Optimizer = "sgd"
	RMSProp  Optimizer = "rmsprop"
	Momentum Optimizer = "momentum"
)

// NonFinitePolicy decides what happens to a training step whose loss is NaN or infinite.
type NonFinitePolicy byte

const (
	Halt NonFinitePolicy = iota // stop training and return the error
	Skip                        // log it and drop the step
)

func (p NonFinitePolicy) String() string {
	if p == Skip {
		return "skip"
	}
	return "halt"
}

type Config struct {
	Optimizer Optimizer
	LearnRate float64
	Beta1     float64 // adam
	Beta2     float64 // adam
	Eps       float64 // adam, rmsprop
	L2        float64 // weight decay; 0 disables it
	Momentum  float64 // momentum

	Epochs    int
	LogEvery  int  // iterations between recorded train losses
	Shuffle   bool // visit training examples in a random order every epoch
	Seed      int64
	NonFinite NonFinitePolicy

	// extensions
	Log           io.Writer     // defaults to stderr
	OutputEncoder OutputEncoder // renders the first validation example after every epoch
}

// DefaultConfig is Adam with lr 1e-4, betas (0.9, 0.999) and eps 1e-8, for 10 epochs.
func DefaultConfig() Config {
	return Config{
		Optimizer: Adam,
		LearnRate: 1e-4,
		Beta1:     0.9,
		Beta2:     0.999,
		Eps:       1e-8,
		Momentum:  0.9,
		Epochs:    10,
		LogEvery:  1,
		NonFinite: Halt,
	}
}

func (c Config) IsValid() bool {
	switch c.Optimizer {
	case Adam, SGD, RMSProp, Momentum:
	default:
		return false
	}
	return c.LearnRate > 0 &&
		c.Beta1 >= 0 && c.Beta1 < 1 &&
		c.Beta2 >= 0 && c.Beta2 < 1 &&
		c.Eps >= 0 &&
		c.L2 >= 0 &&
		c.Momentum >= 0 && c.Momentum < 1 &&
		c.Epochs >= 1 &&
		c.LogEvery >= 1 &&
		(c.NonFinite == Halt || c.NonFinite == Skip)
}

// Model is anything that predicts a mixture for an input and scores it
// against fixations.
type Model interface {
	Graph() *G.ExprGraph
	// Learnables are the nodes the optimizer updates. The cost must have
	// been differentiated with respect to them.
	Learnables() G.Nodes
	Objective() *mdn.Objective
	Let(input *tensor.Dense, dev device.Device) error
}

// Example is an input with the fixations observed for each of its frames.
type Example struct {
	Input     *tensor.Dense
	Fixations mdn.FixationSet
	Device    device.Device
}

// DataSource yields examples synchronously.
type DataSource interface {
	Len() int
	Example(i int) Example
}

// Examples is an in-memory DataSource.
type Examples []Example

func (e Examples) Len() int              { return len(e) }
func (e Examples) Example(i int) Example { return e[i] }

// Shuffle shuffles the examples in place.
func (e Examples) Shuffle(r *rand.Rand) {
	for i := range e {
		j := r.Intn(i + 1)
		e[i], e[j] = e[j], e[i]
	}
}

// OutputEncoder encodes predicted mixtures for inspection.
//
// An example OutputEncoder is the GIF encoder in encoding/gif.
type OutputEncoder interface {
	Encode(p mdn.Params, frame int, fixations []mdn.Point, caption string) error
	Flush() error
}
