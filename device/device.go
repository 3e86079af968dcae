// Package device describes where tensors and model parameters live.
//
// Placement is explicit: every model is constructed for a Device and every
// input handed to it is tagged with one. Mixing the two is an error.
package device

import (
	"fmt"

	"github.com/pkg/errors"
)

// Device is a compute device.
type Device int

const (
	CPU Device = iota
	CUDA
)

// ErrMismatch is returned when a tensor and a model are placed on different devices.
var ErrMismatch = errors.New("device mismatch")

func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	}
	return fmt.Sprintf("Device(%d)", int(d))
}

// Available reports whether the binary can run graphs on d.
func (d Device) Available() bool {
	switch d {
	case CPU:
		return true
	case CUDA:
		return cudaEnabled
	}
	return false
}

// Parse parses "cpu" or "cuda".
func Parse(s string) (Device, error) {
	switch s {
	case "cpu", "":
		return CPU, nil
	case "cuda", "gpu":
		return CUDA, nil
	}
	return CPU, errors.Errorf("unknown device %q", s)
}

// Check returns ErrMismatch if the data device differs from the model device.
func Check(model, data Device) error {
	if model != data {
		return errors.Wrapf(ErrMismatch, "model is on %v but data is on %v", model, data)
	}
	return nil
}
