package pci

import (
	"errors"

	"github.com/tinyrange/ndpci/internal/mem"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrUnsupported      = errors.New("unsupported")
	ErrNotFound         = errors.New("not found")
	ErrOutOfResources   = errors.New("out of resources")
	ErrDeviceError      = errors.New("device error")
	// ErrConfiguration reports a platform description the emulation cannot
	// represent. The device is not created.
	ErrConfiguration = errors.New("invalid device configuration")
)

// classify maps a memory manager error onto the PCI I/O error set.
func classify(err error) error {
	switch {
	case errors.Is(err, mem.ErrOutOfMemory):
		return ErrOutOfResources
	case errors.Is(err, mem.ErrNotAllocated), errors.Is(err, mem.ErrNotMapped):
		return ErrNotFound
	case errors.Is(err, mem.ErrUnsupportedAttributes):
		return ErrUnsupported
	default:
		return ErrDeviceError
	}
}
