package resnext

import (
	"bytes"
	"log"

	"github.com/gorgonia/gazenet/device"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var Float = G.Float32

// ErrBatchSize is returned when a clip batch does not hold exactly one clip.
var ErrBatchSize = errors.New("the extractor takes exactly one clip per forward pass")

// Param is a named parameter of the extractor. Names follow the state dict
// naming of the pretrained checkpoints, e.g. layer3.12.conv2.weight.
type Param struct {
	Name   string
	Group  Group
	Node   *G.Node
	Buffer bool // running statistics; never trained
}

// Extractor is a ResNeXt style 3D CNN that maps a clip to a pooled embedding.
type Extractor struct {
	Config

	g         *G.ExprGraph
	clip      *G.Node
	embedding *G.Node
	embRead   *G.Node
	embValue  G.Value

	stages [4][]*Bottleneck
	params []Param
	byName map[string]int

	loaded bool
	frozen [NumGroups]bool

	vm  G.VM
	buf *bytes.Buffer
}

// New returns a new, uninitialized *Extractor.
func New(conf Config) *Extractor {
	return &Extractor{Config: conf}
}

// Build constructs an extractor, transplants the checkpoint named in conf and
// freezes the groups conf asks for.
func Build(conf Config) (*Extractor, error) {
	ckpt, err := LoadCheckpoint(conf.Checkpoint)
	if err != nil {
		return nil, err
	}
	return BuildFrom(conf, ckpt)
}

// BuildFrom is Build with an in-memory checkpoint.
func BuildFrom(conf Config, ckpt *Checkpoint) (*Extractor, error) {
	e := New(conf)
	if err := e.Init(); err != nil {
		return nil, err
	}
	if err := e.LoadWeights(ckpt, DefaultRemap(e)); err != nil {
		return nil, err
	}
	if err := e.Freeze(conf.Freeze); err != nil {
		return nil, err
	}
	return e, nil
}

// Init builds the graph with freshly initialized parameters.
func (e *Extractor) Init() error {
	if err := e.Config.Validate(); err != nil {
		return err
	}
	e.reset()
	e.g = G.NewGraph()
	m := &maebe{g: e.g}

	d, s := e.SampleDuration, e.SampleSize
	e.clip = G.NewTensor(e.g, Float, 5, G.WithShape(1, 3, d, s, s), G.WithName("Clip"))

	// (1, C, T, H, W) → (T, C, H, W)
	x := m.reshape(e.clip, tensor.Shape{3, d, s, s})
	x = m.do(func() (*G.Node, error) { return G.Transpose(x, 1, 0, 2, 3) })

	m.group = Stem
	x = m.conv3d(x, "conv1", e.StemWidth, triple{7, 7, 7}, triple{1, 2, 2}, triple{3, 3, 3}, 1)
	x = m.rectify(m.batchnorm(x, "bn1"))
	x = m.maxpool3d(x, triple{3, 3, 3}, triple{2, 2, 2}, triple{1, 1, 1})

	inplanes := e.StemWidth
	for i := range e.stages {
		stride := 2
		if i == 0 {
			stride = 1
		}
		m.group = Group(i + 1)
		e.stages[i] = makeStage(i+1, inplanes, e.Widths[i], e.Depths[i], stride, e.Cardinality, e.Shortcut)
		for _, b := range e.stages[i] {
			x = b.fwd(m, x)
		}
		inplanes = e.Widths[i] * expansion
	}
	if m.err != nil {
		return m.err
	}

	want := tensor.Shape{e.LastDuration(), inplanes, e.LastSize(), e.LastSize()}
	if !x.Shape().Eq(want) {
		return errors.Errorf("a %d×%d clip leaves a %v volume before pooling, expected %v", d, s, x.Shape(), want)
	}
	e.embedding = m.avgpool(x)
	if m.err != nil {
		return m.err
	}
	e.embRead = G.Read(e.embedding, &e.embValue)

	e.params = m.params
	e.byName = make(map[string]int, len(e.params))
	for i, p := range e.params {
		if _, ok := e.byName[p.Name]; ok {
			return errors.Errorf("duplicate parameter %q", p.Name)
		}
		e.byName[p.Name] = i
	}
	return e.checkGroups()
}

// checkGroups verifies that the naming of every parameter agrees with the group it was created in.
func (e *Extractor) checkGroups() error {
	var seen [NumGroups]int
	for _, p := range e.params {
		g, err := groupOf(p.Name)
		if err != nil {
			return err
		}
		if g != p.Group {
			return errors.Errorf("parameter %q was built in %v but is named for %v", p.Name, p.Group, g)
		}
		seen[g]++
	}
	for g, n := range seen {
		if n == 0 {
			return errors.Errorf("group %v has no parameters", Group(g))
		}
	}
	return nil
}

func (e *Extractor) reset() {
	e.g = nil
	e.clip = nil
	e.embedding = nil
	e.embRead = nil
	e.embValue = nil
	e.params = nil
	e.byName = nil
	e.loaded = false
	e.frozen = [NumGroups]bool{}
	if e.vm != nil {
		e.vm.Close()
		e.vm = nil
	}
}

// Graph returns the expression graph. Heads may be attached to it.
func (e *Extractor) Graph() *G.ExprGraph { return e.g }

// Input returns the clip placeholder, shaped (1, 3, T, S, S).
func (e *Extractor) Input() *G.Node { return e.clip }

// Embedding returns the pooled embedding node, shaped (1, EmbeddingSize).
func (e *Extractor) Embedding() *G.Node { return e.embedding }

// Stage returns the blocks of stage i (1 to 4).
func (e *Extractor) Stage(i int) []*Bottleneck { return e.stages[i-1] }

// Params returns every parameter, buffers included, in construction order.
func (e *Extractor) Params() []Param { return e.params }

// Param looks a parameter up by name.
func (e *Extractor) Param(name string) (Param, bool) {
	i, ok := e.byName[name]
	if !ok {
		return Param{}, false
	}
	return e.params[i], true
}

// Frozen reports whether group g is excluded from training.
func (e *Extractor) Frozen(g Group) bool { return e.frozen[g] }

// Learnables returns the parameters that receive gradient updates.
func (e *Extractor) Learnables() G.Nodes {
	retVal := make(G.Nodes, 0, len(e.params))
	for _, p := range e.params {
		if p.Buffer || e.frozen[p.Group] {
			continue
		}
		retVal = append(retVal, p.Node)
	}
	return retVal
}

// Freeze marks the groups whose flag is set as non-trainable. Flags are in
// Group order and there must be exactly one per group. Weights must have
// been loaded first.
func (e *Extractor) Freeze(flags []bool) error {
	if err := checkFreeze(flags); err != nil {
		return err
	}
	if !e.loaded {
		return errors.Wrap(ErrFreeze, "weights must be loaded before freezing")
	}
	for g, f := range flags {
		e.frozen[g] = f
	}
	return nil
}

// Let binds a clip to the input placeholder.
func (e *Extractor) Let(clip *tensor.Dense, dev device.Device) error {
	if err := device.Check(e.Device, dev); err != nil {
		return err
	}
	s := clip.Shape()
	if s.Dims() != 5 {
		return errors.Errorf("expected a (1, 3, T, H, W) clip, got shape %v", s)
	}
	if s[0] != 1 {
		return errors.Wrapf(ErrBatchSize, "got %d clips", s[0])
	}
	if !s.Eq(e.clip.Shape()) {
		return errors.Errorf("clip shape %v does not match the configured %v", s, e.clip.Shape())
	}
	if clip.Dtype() != Float {
		return errors.Errorf("clip dtype %v, expected %v", clip.Dtype(), Float)
	}
	return G.Let(e.clip, clip)
}

// Forward computes the embedding of a single clip.
func (e *Extractor) Forward(clip *tensor.Dense, dev device.Device) (*tensor.Dense, error) {
	if e.g == nil {
		return nil, errors.New("extractor is not initialized")
	}
	if err := e.Let(clip, dev); err != nil {
		return nil, err
	}
	if e.vm == nil {
		e.vm = e.machine(false)
	}
	e.vm.Reset()
	if err := e.vm.RunAll(); err != nil {
		return nil, errors.WithStack(err)
	}
	return e.embValue.(*tensor.Dense).Clone().(*tensor.Dense), nil
}

// Trace switches Forward to a machine that logs every instruction. ExecLog returns the log.
func (e *Extractor) Trace() {
	if e.vm != nil {
		e.vm.Close()
	}
	e.vm = e.machine(true)
}

// ExecLog returns the execution log of a traced Forward.
func (e *Extractor) ExecLog() string {
	if e.buf == nil {
		return ""
	}
	return e.buf.String()
}

// machine compiles the forward-only subgraph rooted at the embedding, so
// that heads attached to the same graph are not evaluated.
func (e *Extractor) machine(toLog bool) G.VM {
	sub := e.g.SubgraphRoots(e.embRead)
	if !toLog {
		return G.NewTapeMachine(sub)
	}
	e.buf = new(bytes.Buffer)
	logger := log.New(e.buf, "", 0)
	return G.NewTapeMachine(sub,
		G.WithLogger(logger),
		G.WithWatchlist(),
		G.TraceExec(),
		G.WithNaNWatch(),
	)
}

// Close implements a closer, because a gorgonia VM is a resource.
func (e *Extractor) Close() error {
	if e.vm == nil {
		return nil
	}
	err := e.vm.Close()
	e.vm = nil
	return err
}
