package pci

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/ndpci/internal/mem"
)

const (
	// DMAAddressLimit32 is the first address a device without dual address
	// cycle support cannot reach.
	DMAAddressLimit32 uint64 = 1 << 32

	dmaMaxAddress32 = DMAAddressLimit32 - 1
)

// Mapping is the handle returned by Map and consumed by Unmap.
type Mapping struct {
	op            Operation
	hostAddress   uint64
	length        uint64
	bounceAddress uint64
	bounced       bool
	released      bool
}

func (m *Mapping) Operation() Operation { return m.op }
func (m *Mapping) HostAddress() uint64  { return m.hostAddress }
func (m *Mapping) Length() uint64       { return m.length }
func (m *Mapping) Bounced() bool        { return m.bounced }

// DeviceAddress is the address handed to the device for this mapping.
func (m *Mapping) DeviceAddress() uint64 {
	if m.bounced {
		return m.bounceAddress
	}
	return m.hostAddress
}

func (m *Mapping) pages() uint64 {
	return sizeToPages(m.length)
}

// uncachedAllocation remembers the attributes a non-coherent buffer had
// before it was remapped, so FreeBuffer can put them back.
type uncachedAllocation struct {
	hostAddress uint64
	pages       uint64
	attributes  uint64
}

// dmaOps is the DMA policy selected by the device's DMA type.
type dmaOps struct {
	mapBuffer      func(d *Device, op Operation, host, length uint64) (uint64, *Mapping, error)
	unmap          func(d *Device, m *Mapping) error
	allocateBuffer func(d *Device, pages, attributes uint64) (uint64, error)
	freeBuffer     func(d *Device, pages, host uint64) error
}

var (
	coherentOps = dmaOps{
		mapBuffer:      (*Device).coherentMap,
		unmap:          (*Device).coherentUnmap,
		allocateBuffer: (*Device).coherentAllocateBuffer,
		freeBuffer:     (*Device).coherentFreeBuffer,
	}
	nonCoherentOps = dmaOps{
		mapBuffer:      (*Device).nonCoherentMap,
		unmap:          (*Device).nonCoherentUnmap,
		allocateBuffer: (*Device).nonCoherentAllocateBuffer,
		freeBuffer:     (*Device).nonCoherentFreeBuffer,
	}
)

func sizeToPages(size uint64) uint64 {
	return size>>mem.PageShift + min(size&(mem.PageSize-1), 1)
}

// Map makes length bytes at host reachable by the device and returns the
// device address to program.
func (d *Device) Map(op Operation, host, length uint64) (uint64, *Mapping, error) {
	if op < BusMasterRead || op >= operationMaximum || length == 0 {
		return 0, nil, fmt.Errorf("pci: %s: map %s of %d bytes: %w", d.name, op, length, ErrInvalidParameter)
	}
	return d.dma.mapBuffer(d, op, host, length)
}

// Unmap completes the transfer described by m and releases it. A mapping can
// only be unmapped once.
func (d *Device) Unmap(m *Mapping) error {
	if m == nil || m.released {
		return fmt.Errorf("pci: %s: unmap of nil or released mapping: %w", d.name, ErrInvalidParameter)
	}
	m.released = true
	return d.dma.unmap(d, m)
}

// AllocateBuffer allocates pages suitable for a common buffer mapping.
// Attributes may only carry AttributeMemoryWriteCombine and
// AttributeMemoryCached.
func (d *Device) AllocateBuffer(pages, attributes uint64) (uint64, error) {
	if pages == 0 {
		return 0, fmt.Errorf("pci: %s: allocate zero pages: %w", d.name, ErrInvalidParameter)
	}
	return d.dma.allocateBuffer(d, pages, attributes)
}

// FreeBuffer releases a buffer returned by AllocateBuffer.
func (d *Device) FreeBuffer(pages, host uint64) error {
	if pages == 0 {
		return fmt.Errorf("pci: %s: free zero pages: %w", d.name, ErrInvalidParameter)
	}
	return d.dma.freeBuffer(d, pages, host)
}

// needsAddressBounce reports whether [host, host+length) is out of reach for
// a device limited to 32-bit addresses.
func (d *Device) needsAddressBounce(host, length uint64) bool {
	if d.attributes&AttributeDualAddressCycle != 0 {
		return false
	}
	end := host + length
	return end < host || end > DMAAddressLimit32
}

// releasePages frees pages on an error path.
func (d *Device) releasePages(host, pages uint64) {
	if err := d.memory.FreePages(host, pages); err != nil {
		slog.Warn("pci: release pages on error path", "device", d.name,
			"addr", fmt.Sprintf("0x%x", host), "pages", pages, "err", err)
	}
}

// UncachedAllocations returns the number of live non-coherent buffers.
func (d *Device) UncachedAllocations() int {
	return len(d.uncached)
}
