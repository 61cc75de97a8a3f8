package pci

import (
	"fmt"

	"github.com/tinyrange/ndpci/internal/acpi"
)

// MaxBARs is the number of BAR slots in a type 0 configuration header.
const MaxBARs = 6

// ResolveBAR returns the descriptor backing BAR index. BARs below offset are
// not emulated. A 64-bit descriptor consumes two slots and is only reachable
// through the first one.
func ResolveBAR(descs []acpi.AddressSpaceDescriptor, offset, index uint8) (acpi.AddressSpaceDescriptor, error) {
	if index < offset {
		return acpi.AddressSpaceDescriptor{}, fmt.Errorf("pci: BAR %d below first emulated BAR %d: %w", index, offset, ErrNotFound)
	}

	remaining := int(index - offset)
	for _, desc := range descs {
		if remaining == 0 {
			return desc, nil
		}
		if desc.Wide() {
			if remaining == 1 {
				break
			}
			remaining -= 2
		} else {
			remaining--
		}
	}
	return acpi.AddressSpaceDescriptor{}, fmt.Errorf("pci: BAR %d: %w", index, ErrNotFound)
}

func (d *Device) barResource(index uint8) (acpi.AddressSpaceDescriptor, error) {
	return ResolveBAR(d.resources, d.barOffset, index)
}
