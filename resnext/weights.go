package resnext

import (
	"encoding/gob"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ModulePrefix is the prefix the pretrained checkpoints carry on every name.
const ModulePrefix = "module."

var (
	// ErrCheckpoint is returned when a checkpoint does not fit the extractor.
	ErrCheckpoint = errors.New("checkpoint does not match the extractor")
	// ErrFreeze is returned for an invalid freeze configuration.
	ErrFreeze = errors.New("invalid freeze configuration")
)

// Checkpoint is a read-only mapping from parameter name to value.
type Checkpoint struct {
	StateDict map[string]*tensor.Dense
}

// LoadCheckpoint reads a gob encoded checkpoint from a file.
func LoadCheckpoint(filename string) (*Checkpoint, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	return ReadCheckpoint(f)
}

// ReadCheckpoint decodes a gob encoded checkpoint.
func ReadCheckpoint(r io.Reader) (*Checkpoint, error) {
	ckpt := new(Checkpoint)
	if err := gob.NewDecoder(r).Decode(ckpt); err != nil {
		return nil, errors.Wrap(err, "decoding checkpoint")
	}
	if len(ckpt.StateDict) == 0 {
		return nil, errors.Wrap(ErrCheckpoint, "empty state dict")
	}
	return ckpt, nil
}

// Write gob encodes the checkpoint.
func (c *Checkpoint) Write(w io.Writer) error {
	return errors.WithStack(gob.NewEncoder(w).Encode(c))
}

// Save writes the checkpoint into filename.
func (c *Checkpoint) Save(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.WithStack(err)
	}
	if err = c.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Names returns the sorted names in the checkpoint.
func (c *Checkpoint) Names() []string {
	retVal := make([]string, 0, len(c.StateDict))
	for k := range c.StateDict {
		retVal = append(retVal, k)
	}
	sort.Strings(retVal)
	return retVal
}

// Pair maps a checkpoint name onto an extractor parameter name.
type Pair struct {
	Src, Dst string
}

// Remap is the declarative table used to transplant a checkpoint. Every
// checkpoint name must be the Src of a Pair or listed in Discard, and every
// extractor parameter must be the Dst of exactly one Pair.
type Remap struct {
	Pairs   []Pair
	Discard []string // checkpoint names that are allowed, and ignored, if present
}

// DefaultRemap maps module.<name> onto <name> for every parameter of e, and
// discards the classifier and the batch counters.
func DefaultRemap(e *Extractor) Remap {
	var r Remap
	bns := make(map[string]struct{})
	for _, p := range e.params {
		r.Pairs = append(r.Pairs, Pair{Src: ModulePrefix + p.Name, Dst: p.Name})
		if strings.HasSuffix(p.Name, ".running_var") {
			bns[strings.TrimSuffix(p.Name, ".running_var")] = struct{}{}
		}
	}
	r.Discard = append(r.Discard, ModulePrefix+"fc.weight", ModulePrefix+"fc.bias")
	for bn := range bns {
		r.Discard = append(r.Discard, ModulePrefix+bn+".num_batches_tracked")
	}
	sort.Strings(r.Discard)
	return r
}

// validate checks the table against the extractor and the checkpoint. Nothing is written.
func (r Remap) validate(e *Extractor, ckpt *Checkpoint) error {
	dsts := make(map[string]string, len(r.Pairs))
	srcs := make(map[string]struct{}, len(r.Pairs))
	for _, p := range r.Pairs {
		if _, ok := srcs[p.Src]; ok {
			return errors.Wrapf(ErrCheckpoint, "source %q is mapped twice", p.Src)
		}
		if prev, ok := dsts[p.Dst]; ok {
			return errors.Wrapf(ErrCheckpoint, "destination %q is fed by both %q and %q", p.Dst, prev, p.Src)
		}
		srcs[p.Src] = struct{}{}
		dsts[p.Dst] = p.Src
	}
	discard := make(map[string]struct{}, len(r.Discard))
	for _, d := range r.Discard {
		discard[d] = struct{}{}
	}

	for _, name := range ckpt.Names() {
		_, mapped := srcs[name]
		_, dropped := discard[name]
		if !mapped && !dropped {
			return errors.Wrapf(ErrCheckpoint, "unexpected checkpoint entry %q", name)
		}
	}

	for _, p := range e.params {
		src, ok := dsts[p.Name]
		if !ok {
			return errors.Wrapf(ErrCheckpoint, "parameter %q has no source", p.Name)
		}
		v, ok := ckpt.StateDict[src]
		if !ok || v == nil {
			return errors.Wrapf(ErrCheckpoint, "missing %q for %q", src, p.Name)
		}
		if !v.Shape().Eq(p.Node.Shape()) {
			return errors.Wrapf(ErrCheckpoint, "%q has shape %v, %q expects %v", src, v.Shape(), p.Name, p.Node.Shape())
		}
		if v.Dtype() != Float {
			return errors.Wrapf(ErrCheckpoint, "%q has dtype %v, expected %v", src, v.Dtype(), Float)
		}
		delete(dsts, p.Name)
	}
	if len(dsts) > 0 {
		extra := make([]string, 0, len(dsts))
		for dst := range dsts {
			extra = append(extra, dst)
		}
		sort.Strings(extra)
		return errors.Wrapf(ErrCheckpoint, "remap destinations %q are not parameters", extra)
	}
	return nil
}

// LoadWeights overwrites every parameter with its checkpoint value. The
// table is validated in full before any value is written, so a failed load
// leaves the extractor untouched.
func (e *Extractor) LoadWeights(ckpt *Checkpoint, r Remap) error {
	if e.g == nil {
		return errors.New("extractor is not initialized")
	}
	if ckpt == nil {
		return errors.Wrap(ErrCheckpoint, "nil checkpoint")
	}
	e.logger().Printf("Updating weights from checkpoint (%d entries)...", len(ckpt.StateDict))
	if err := r.validate(e, ckpt); err != nil {
		return err
	}
	for _, p := range r.Pairs {
		i := e.byName[p.Dst]
		dst := e.params[i].Node.Value().Data().([]float32)
		src := ckpt.StateDict[p.Src]
		if !src.IsMaterializable() {
			copy(dst, src.Data().([]float32))
			continue
		}
		copy(dst, src.Materialize().Data().([]float32))
	}
	e.loaded = true
	e.logger().Printf("Weights have been updated!")
	return nil
}

// Export copies every parameter into a checkpoint, with the module prefix.
func (e *Extractor) Export() *Checkpoint {
	retVal := &Checkpoint{StateDict: make(map[string]*tensor.Dense, len(e.params))}
	for _, p := range e.params {
		backing := make([]float32, p.Node.Shape().TotalSize())
		copy(backing, p.Node.Value().Data().([]float32))
		retVal.StateDict[ModulePrefix+p.Name] = tensor.New(tensor.WithShape(p.Node.Shape().Clone()...), tensor.WithBacking(backing))
	}
	return retVal
}

// groupOf derives the group of a parameter from its name.
func groupOf(name string) (Group, error) {
	switch {
	case strings.HasPrefix(name, "conv1."), strings.HasPrefix(name, "bn1."):
		return Stem, nil
	case strings.HasPrefix(name, "layer"):
		dot := strings.IndexByte(name, '.')
		if dot < 0 {
			break
		}
		i, err := strconv.Atoi(name[len("layer"):dot])
		if err != nil || i < 1 || i > 4 {
			break
		}
		return Group(i), nil
	}
	return Stem, errors.Errorf("cannot tell the group of parameter %q", name)
}
