package pci

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/ndpci/internal/acpi"
	"github.com/tinyrange/ndpci/internal/cpu"
	"github.com/tinyrange/ndpci/internal/mem"
)

// RegisterBus is the hardware behind the BAR windows. Each call is one
// access and must reach the device as such.
type RegisterBus interface {
	ReadRegister(addr uint64, data []byte) error
	WriteRegister(addr uint64, data []byte) error
}

// MemoryManager allocates pages and manages memory-space attributes.
type MemoryManager interface {
	// AllocatePages returns pages contiguous pages ending at or below
	// maxAddress.
	AllocatePages(maxAddress, pages uint64) (uint64, error)
	FreePages(addr, pages uint64) error
	MemorySpaceDescriptor(addr uint64) (mem.Descriptor, error)
	SetMemorySpaceAttributes(addr, length, attributes uint64) error
	Copy(dst, src, length uint64) error
}

// CacheMaintainer performs data cache maintenance by address range.
type CacheMaintainer interface {
	FlushDataCache(addr, length uint64, kind cpu.FlushType) error
	DMABufferAlignment() uint64
}

// InitFunc performs device specific initialisation. It is called once, the
// first time the device is enabled.
type InitFunc func(d *Device) error

// Platform bundles the collaborators a device needs.
type Platform struct {
	Registers RegisterBus
	Memory    MemoryManager
	Cache     CacheMaintainer
}

// Config describes one device.
type Config struct {
	Name      string
	Type      DeviceType
	DMA       DMAType
	Resources []acpi.AddressSpaceDescriptor
	Init      InitFunc

	Platform

	// StrictContracts turns caller contract violations, such as freeing a
	// buffer this device never allocated, into panics.
	StrictContracts bool
}

// Device emulates PCI I/O for a non-discoverable MMIO device. A Device is not
// safe for concurrent use.
type Device struct {
	name      string
	typ       DeviceType
	dmaType   DMAType
	resources []acpi.AddressSpaceDescriptor
	init      InitFunc
	strict    bool

	regs   RegisterBus
	memory MemoryManager
	cache  CacheMaintainer
	dma    dmaOps

	config     [configSpaceSize]byte
	configRead configReader
	barOffset  uint8
	barCount   uint8

	attributes uint64
	activated  bool

	uncached []uncachedAllocation
}

// NewDevice builds the emulated device. Descriptors that cannot be
// represented in configuration space fail with ErrConfiguration.
func NewDevice(cfg Config) (*Device, error) {
	if cfg.Registers == nil || cfg.Memory == nil || cfg.Cache == nil {
		return nil, fmt.Errorf("pci: %s: registers, memory and cache are required: %w", cfg.Name, ErrConfiguration)
	}
	for _, desc := range cfg.Resources {
		if desc.ResourceType != acpi.ResourceTypeMemory {
			return nil, fmt.Errorf("pci: %s: resource %s is not a memory window: %w", cfg.Name, desc, ErrConfiguration)
		}
		if desc.Length == 0 {
			return nil, fmt.Errorf("pci: %s: resource %s has zero length: %w", cfg.Name, desc, ErrConfiguration)
		}
	}

	d := &Device{
		name:      cfg.Name,
		typ:       cfg.Type,
		dmaType:   cfg.DMA,
		resources: append([]acpi.AddressSpaceDescriptor(nil), cfg.Resources...),
		init:      cfg.Init,
		strict:    cfg.StrictContracts,
		regs:      cfg.Registers,
		memory:    cfg.Memory,
		cache:     cfg.Cache,
	}
	if d.name == "" {
		d.name = cfg.Type.String()
	}

	switch cfg.DMA {
	case DMACoherent:
		d.dma = coherentOps
	case DMANonCoherent:
		d.dma = nonCoherentOps
	default:
		return nil, fmt.Errorf("pci: %s: DMA type %s: %w", d.name, cfg.DMA, ErrConfiguration)
	}

	if err := d.initConfigSpace(); err != nil {
		return nil, err
	}

	slog.Debug("pci: device created",
		"device", d.name, "type", d.typ, "dma", d.dmaType,
		"bars", d.barCount, "barOffset", d.barOffset)
	return d, nil
}

func (d *Device) Name() string     { return d.name }
func (d *Device) Type() DeviceType { return d.typ }
func (d *Device) DMAType() DMAType { return d.dmaType }
func (d *Device) BAROffset() uint8 { return d.barOffset }
func (d *Device) BARCount() uint8  { return d.barCount }

// Resources returns the descriptors the device was built from.
func (d *Device) Resources() []acpi.AddressSpaceDescriptor {
	return append([]acpi.AddressSpaceDescriptor(nil), d.resources...)
}

// Location returns the synthetic segment/bus/device/function of the device.
// Bus 0xFF keeps it clear of any real root bridge.
func (d *Device) Location() (segment, bus, device, function uint) {
	return 0, 0xff, 0, 0
}

// GetBarAttributes reports the BAR's configurable attributes (none) and its
// resource descriptor as a terminated ACPI resource template.
func (d *Device) GetBarAttributes(bar uint8) (supports uint64, resources []byte, err error) {
	desc, err := d.barResource(bar)
	if err != nil {
		return 0, nil, err
	}
	return 0, acpi.EncodeResources([]acpi.AddressSpaceDescriptor{desc}), nil
}

// SetBarAttributes is not supported for emulated BARs.
func (d *Device) SetBarAttributes(attributes uint64, bar uint8, offset, length uint64) error {
	return fmt.Errorf("pci: %s: set BAR attributes: %w", d.name, ErrUnsupported)
}

// PollMem is not supported.
func (d *Device) PollMem(w Width, bar uint8, offset, mask, value, delay uint64) (uint64, error) {
	return 0, fmt.Errorf("pci: %s: poll memory: %w", d.name, ErrUnsupported)
}

// PollIo is not supported; the device has no I/O BARs.
func (d *Device) PollIo(w Width, bar uint8, offset, mask, value, delay uint64) (uint64, error) {
	return 0, fmt.Errorf("pci: %s: poll I/O: %w", d.name, ErrUnsupported)
}

// IoRead is not supported; the device has no I/O BARs.
func (d *Device) IoRead(w Width, bar uint8, offset, count uint64, buffer []byte) error {
	return fmt.Errorf("pci: %s: I/O read: %w", d.name, ErrUnsupported)
}

// IoWrite is not supported; the device has no I/O BARs.
func (d *Device) IoWrite(w Width, bar uint8, offset, count uint64, buffer []byte) error {
	return fmt.Errorf("pci: %s: I/O write: %w", d.name, ErrUnsupported)
}

// CopyMem is not supported.
func (d *Device) CopyMem(w Width, dstBar uint8, dstOffset uint64, srcBar uint8, srcOffset, count uint64) error {
	return fmt.Errorf("pci: %s: copy memory: %w", d.name, ErrUnsupported)
}

// Flush completes posted writes. Register accesses are never posted.
func (d *Device) Flush() error {
	return nil
}
