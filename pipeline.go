package gazenet

import (
	"github.com/gorgonia/gazenet/mdn"
	"github.com/gorgonia/gazenet/resnext"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// Pipeline is a feature extractor followed by a mixture density head, in one
// graph. A clip yields a single mixture, so examples carry one frame of
// fixations.
type Pipeline struct {
	*resnext.Extractor

	mix        mdn.Mixture
	head       G.Nodes
	obj        *mdn.Objective
	learnables G.Nodes
}

// NewPipeline appends a head with the given hidden width and number of
// components to an extractor that has been built, loaded and frozen. Only the
// unfrozen extractor groups and the head are trained. The set of trained
// parameters is fixed from then on.
func NewPipeline(ext *resnext.Extractor, hidden, mixtures, maxFixations int) (*Pipeline, error) {
	if ext.Graph() == nil {
		return nil, errors.New("extractor has not been initialized")
	}
	retVal := &Pipeline{Extractor: ext}
	var err error
	if retVal.mix, retVal.head, err = mdn.NewHead(ext.Embedding(), hidden, mixtures, "MDN"); err != nil {
		return nil, errors.WithMessage(err, "unable to build the head")
	}
	if retVal.obj, err = mdn.NewObjective(retVal.mix, maxFixations); err != nil {
		return nil, err
	}
	retVal.learnables = append(ext.Learnables(), retVal.head...)
	if _, err = G.Grad(retVal.obj.Cost, retVal.learnables...); err != nil {
		return nil, errors.Wrap(err, "unable to differentiate the pipeline")
	}
	return retVal, nil
}

// Learnables are the extractor parameters that were unfrozen when the
// pipeline was built, followed by the head's.
func (p *Pipeline) Learnables() G.Nodes { return p.learnables }

// Freeze always fails: the gradients of a pipeline are built for the groups
// that were unfrozen when it was created.
func (p *Pipeline) Freeze(flags []bool) error {
	return errors.Wrap(resnext.ErrFreeze, "freeze the extractor before building the pipeline")
}

// Head returns the parameters of the mixture density head.
func (p *Pipeline) Head() G.Nodes { return p.head }

func (p *Pipeline) Objective() *mdn.Objective { return p.obj }
