package pci

import (
	"fmt"

	"github.com/tinyrange/ndpci/internal/acpi"
)

// MMIOResource is one register window of a device.
type MMIOResource struct {
	Base uint64
	Size uint64
}

// RegisterMMIODevice describes each resource as a memory descriptor and
// creates the device. Windows that reach above 4 GiB get 64-bit descriptors.
func RegisterMMIODevice(p Platform, name string, typ DeviceType, dma DMAType, init InitFunc, resources ...MMIOResource) (*Device, error) {
	descs := make([]acpi.AddressSpaceDescriptor, 0, len(resources))
	for _, r := range resources {
		if r.Size == 0 {
			return nil, fmt.Errorf("pci: %s: resource at 0x%x has zero size: %w", name, r.Base, ErrInvalidParameter)
		}
		descs = append(descs, acpi.MemoryDescriptor(r.Base, r.Size))
	}
	return NewDevice(Config{
		Name:      name,
		Type:      typ,
		DMA:       dma,
		Resources: descs,
		Init:      init,
		Platform:  p,
	})
}
