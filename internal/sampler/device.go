package sampler

import (
	"fmt"
	"strings"

	"gorgonia.org/tensor"
)

// Device is the compute target batch tensors are placed on.
type Device interface {
	Name() string
	Place(t *tensor.Dense) (*tensor.Dense, error)
}

// CPU keeps tensors in host memory.
type CPU struct{}

// Name implements Device.
func (CPU) Name() string { return "cpu" }

// Place implements Device.
func (CPU) Place(t *tensor.Dense) (*tensor.Dense, error) { return t, nil }

// ParseDevice resolves a device name. "auto" picks the best available device.
func ParseDevice(name string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu", "auto":
		return CPU{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
}
