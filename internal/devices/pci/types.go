package pci

import (
	"fmt"
	"strings"
)

// Width selects the unit size and addressing pattern of an access. The low two
// bits hold log2 of the unit size.
type Width int

const (
	WidthUint8 Width = iota
	WidthUint16
	WidthUint32
	WidthUint64
	WidthFifoUint8
	WidthFifoUint16
	WidthFifoUint32
	WidthFifoUint64
	WidthFillUint8
	WidthFillUint16
	WidthFillUint32
	WidthFillUint64
	widthMaximum
)

func (w Width) valid() bool {
	return w >= WidthUint8 && w < widthMaximum
}

func (w Width) unitShift() uint {
	return uint(w & 0x3)
}

func (w Width) unitSize() uint64 {
	return 1 << w.unitShift()
}

func (w Width) String() string {
	if !w.valid() {
		return fmt.Sprintf("Width(%d)", int(w))
	}
	prefix := [...]string{"", "fifo-", "fill-"}[w>>2]
	return fmt.Sprintf("%suint%d", prefix, 8*w.unitSize())
}

// Operation is the direction of a bus-master transfer.
type Operation int

const (
	// BusMasterRead: the device reads host memory.
	BusMasterRead Operation = iota
	// BusMasterWrite: the device writes host memory.
	BusMasterWrite
	// BusMasterCommonBuffer: memory shared by CPU and device for the lifetime
	// of the mapping.
	BusMasterCommonBuffer
	operationMaximum
)

func (op Operation) String() string {
	switch op {
	case BusMasterRead:
		return "bus-master-read"
	case BusMasterWrite:
		return "bus-master-write"
	case BusMasterCommonBuffer:
		return "bus-master-common-buffer"
	default:
		return fmt.Sprintf("Operation(%d)", int(op))
	}
}

// AttributeOperation selects what Attributes does with its argument.
type AttributeOperation int

const (
	AttributeGet AttributeOperation = iota
	AttributeSet
	AttributeEnable
	AttributeDisable
	AttributeSupported
)

// PCI I/O attribute bits.
const (
	AttributeMemoryWriteCombine uint64 = 0x0080
	AttributeIO                 uint64 = 0x0100
	AttributeMemory             uint64 = 0x0200
	AttributeBusMaster          uint64 = 0x0400
	AttributeMemoryCached       uint64 = 0x0800
	AttributeDualAddressCycle   uint64 = 0x8000

	AttributeDeviceEnable = AttributeIO | AttributeMemory | AttributeBusMaster

	// SupportedAttributes is everything the emulation can represent.
	SupportedAttributes = AttributeDeviceEnable | AttributeDualAddressCycle

	bufferAttributeMask = AttributeMemoryWriteCombine | AttributeMemoryCached
)

// DeviceType is the category of controller being emulated.
type DeviceType int

const (
	DeviceTypeOHCI DeviceType = iota
	DeviceTypeUHCI
	DeviceTypeEHCI
	DeviceTypeXHCI
	DeviceTypeAHCI
	DeviceTypeSDHCI
	DeviceTypeUFS
	DeviceTypeNVMe
)

var deviceTypeNames = map[DeviceType]string{
	DeviceTypeOHCI:  "ohci",
	DeviceTypeUHCI:  "uhci",
	DeviceTypeEHCI:  "ehci",
	DeviceTypeXHCI:  "xhci",
	DeviceTypeAHCI:  "ahci",
	DeviceTypeSDHCI: "sdhci",
	DeviceTypeUFS:   "ufs",
	DeviceTypeNVMe:  "nvme",
}

func (t DeviceType) String() string {
	if name, ok := deviceTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DeviceType(%d)", int(t))
}

// ParseDeviceType maps a name such as "sdhci" to its DeviceType.
func ParseDeviceType(name string) (DeviceType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range deviceTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("pci: unknown device type %q: %w", name, ErrConfiguration)
}

// DMAType says whether the device snoops CPU caches.
type DMAType int

const (
	DMACoherent DMAType = iota
	DMANonCoherent
)

func (t DMAType) String() string {
	switch t {
	case DMACoherent:
		return "coherent"
	case DMANonCoherent:
		return "noncoherent"
	default:
		return fmt.Sprintf("DMAType(%d)", int(t))
	}
}

// ParseDMAType maps "coherent" or "noncoherent" to a DMAType.
func ParseDMAType(name string) (DMAType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "coherent", "":
		return DMACoherent, nil
	case "noncoherent", "non-coherent":
		return DMANonCoherent, nil
	default:
		return 0, fmt.Errorf("pci: unknown DMA type %q: %w", name, ErrConfiguration)
	}
}
