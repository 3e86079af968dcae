// Package gazenet trains models that predict, for every frame of a video
// clip, a Gaussian mixture over where people look.
package gazenet

import (
	"encoding/gob"
	"fmt"
	"log"
	"math/rand"
	"os"

	"github.com/gorgonia/gazenet/mdn"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// Solver is the training orchestrator. It holds the loss history of the last
// call to Train.
type Solver struct {
	Config
	History

	logger *log.Logger
	rand   *rand.Rand
}

// New creates a Solver. It panics if the configuration is invalid.
func New(conf Config) *Solver {
	if !conf.IsValid() {
		panic(fmt.Sprintf("Solver config %+v is not valid. Unable to proceed", conf))
	}
	w := conf.Log
	if w == nil {
		w = os.Stderr
	}
	return &Solver{
		Config: conf,
		logger: log.New(w, "", log.LstdFlags),
		rand:   rand.New(rand.NewSource(conf.Seed)),
	}
}

func (s *Solver) optimizer() (G.Solver, error) {
	opts := []G.SolverOpt{G.WithLearnRate(s.LearnRate)}
	if s.L2 > 0 {
		opts = append(opts, G.WithL2Reg(s.L2))
	}
	switch s.Optimizer {
	case Adam:
		opts = append(opts, G.WithBeta1(s.Beta1), G.WithBeta2(s.Beta2), G.WithEps(s.Eps))
		return G.NewAdamSolver(opts...), nil
	case SGD:
		return G.NewVanillaSolver(opts...), nil
	case RMSProp:
		opts = append(opts, G.WithEps(s.Eps))
		return G.NewRMSPropSolver(opts...), nil
	case Momentum:
		opts = append(opts, G.WithMomentum(s.Momentum))
		return G.NewMomentum(opts...), nil
	}
	return nil, errors.Errorf("unknown optimizer %q", s.Optimizer)
}

// Train runs Epochs passes over train. Every iteration binds one example,
// computes the loss and its gradients, and applies an optimizer step. After
// every epoch the mean loss over val is computed without updating anything.
// The history is reset at the start of every call.
//
// Mixture parameters outside their domain stop training. A non-finite loss
// stops training or drops the step, according to NonFinite.
func (s *Solver) Train(m Model, train, val DataSource) (err error) {
	s.History.reset()
	if train.Len() == 0 {
		return errors.New("no training examples")
	}
	obj := m.Objective()
	if obj == nil {
		return errors.New("model has no objective. Is it forward only?")
	}
	learnables := m.Learnables()
	if len(learnables) == 0 {
		return errors.New("model has nothing to learn")
	}
	opt, err := s.optimizer()
	if err != nil {
		return err
	}
	vm := G.NewTapeMachine(m.Graph(), G.BindDualValues(learnables...))
	defer vm.Close()
	model := G.NodesToValueGrads(learnables)

	order := make([]int, train.Len())
	for i := range order {
		order[i] = i
	}
	total := s.Epochs * train.Len()

	s.logger.Printf("START TRAIN. %d epochs of %d examples, %v optimizer", s.Epochs, train.Len(), s.Optimizer)
	var iter int
	for epoch := 0; epoch < s.Epochs; epoch++ {
		if s.Shuffle {
			s.rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		for _, i := range order {
			iter++
			loss, err := s.run(vm, m, obj, train.Example(i))
			if errors.Cause(err) == mdn.ErrNonFinite {
				s.logger.Printf("[Iteration %d/%d] TRAIN loss is %v", iter, total, loss)
				if s.NonFinite == Halt {
					return errors.Wrapf(err, "iteration %d", iter)
				}
				s.Skipped++
				vm.Reset()
				continue
			}
			if err != nil {
				return errors.Wrapf(err, "iteration %d", iter)
			}
			if iter%s.LogEvery == 0 {
				s.logger.Printf("[Iteration %d/%d] TRAIN loss: %f", iter, total, loss)
				s.Iterations = append(s.Iterations, iter)
				s.TrainLoss = append(s.TrainLoss, loss)
			}
			if err = opt.Step(model); err != nil {
				return errors.Wrapf(err, "optimizer step at iteration %d", iter)
			}
			vm.Reset()
		}

		if val == nil || val.Len() == 0 {
			continue
		}
		loss, err := s.validate(vm, m, obj, val, epoch)
		if err != nil {
			return errors.Wrapf(err, "validation after epoch %d", epoch+1)
		}
		s.logger.Printf("[Epoch %d/%d] VAL loss: %f", epoch+1, s.Epochs, loss)
		s.ValIterations = append(s.ValIterations, iter)
		s.ValLoss = append(s.ValLoss, loss)
	}
	if s.OutputEncoder != nil {
		if err = s.OutputEncoder.Flush(); err != nil {
			return err
		}
	}
	s.logger.Printf("FINISH.")
	return nil
}

// run binds ex and executes the graph once, returning the checked loss.
func (s *Solver) run(vm G.VM, m Model, obj *mdn.Objective, ex Example) (float32, error) {
	if err := m.Let(ex.Input, ex.Device); err != nil {
		return 0, err
	}
	if err := obj.Let(ex.Fixations); err != nil {
		return 0, err
	}
	if err := vm.RunAll(); err != nil {
		return 0, err
	}
	return obj.Check()
}

func (s *Solver) validate(vm G.VM, m Model, obj *mdn.Objective, val DataSource, epoch int) (float32, error) {
	var sum float32
	var n int
	for i := 0; i < val.Len(); i++ {
		loss, err := s.run(vm, m, obj, val.Example(i))
		if errors.Cause(err) == mdn.ErrNonFinite && s.NonFinite == Skip {
			s.logger.Printf("[Epoch %d/%d] VAL loss of example %d is %v", epoch+1, s.Epochs, i, loss)
			vm.Reset()
			continue
		}
		if err != nil {
			return 0, err
		}
		if i == 0 && s.OutputEncoder != nil {
			if err = s.render(obj, val.Example(i), epoch, loss); err != nil {
				return 0, err
			}
		}
		sum += loss
		n++
		vm.Reset()
	}
	if n == 0 {
		return 0, errors.WithMessage(mdn.ErrNonFinite, "every validation example")
	}
	return sum / float32(n), nil
}

func (s *Solver) render(obj *mdn.Objective, ex Example, epoch int, loss float32) error {
	p, err := obj.Params()
	if err != nil {
		return err
	}
	for f := 0; f < p.Frames() && f < len(ex.Fixations); f++ {
		caption := fmt.Sprintf("epoch %d frame %d nll %.3f", epoch+1, f, loss)
		if err = s.OutputEncoder.Encode(p, f, ex.Fixations[f], caption); err != nil {
			return err
		}
	}
	return nil
}

// Save writes the values of the model's learnables into filename.
func Save(m Model, filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	enc := gob.NewEncoder(f)
	for _, n := range m.Learnables() {
		v := n.Value()
		if err = enc.Encode(&v); err != nil {
			return errors.Wrapf(err, "encoding %v", n)
		}
	}
	return nil
}

// Load restores values written by Save into a model of the same architecture.
func Load(m Model, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	dec := gob.NewDecoder(f)
	for _, n := range m.Learnables() {
		var v G.Value
		if err = dec.Decode(&v); err != nil {
			return errors.Wrapf(err, "decoding %v", n)
		}
		if !v.Shape().Eq(n.Shape()) {
			return errors.Errorf("%v has shape %v, saved value has shape %v", n, n.Shape(), v.Shape())
		}
		if err = G.Let(n, v); err != nil {
			return err
		}
	}
	return nil
}
