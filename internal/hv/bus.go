package hv

import (
	"fmt"
	"sync"
)

type busEntry struct {
	region MMIORegion
	dev    MemoryMappedIODevice
}

// Bus routes register accesses to the MMIO device owning the address. Each
// ReadRegister/WriteRegister call reaches exactly one handler call.
type Bus struct {
	mu      sync.Mutex
	entries []busEntry

	reads  uint64
	writes uint64
}

func NewBus() *Bus {
	return &Bus{}
}

// AddDevice attaches dev to every region it reports.
func (b *Bus) AddDevice(dev MemoryMappedIODevice) error {
	if dev == nil {
		return fmt.Errorf("mmio bus: device cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, region := range dev.MMIORegions() {
		if region.Size == 0 {
			return fmt.Errorf("mmio bus: zero-size region at 0x%x", region.Address)
		}
		for _, e := range b.entries {
			if region.Address < e.region.Address+e.region.Size && e.region.Address < region.Address+region.Size {
				return fmt.Errorf("mmio bus: region [0x%x+0x%x): %w", region.Address, region.Size, ErrRegionOverlap)
			}
		}
	}
	for _, region := range dev.MMIORegions() {
		b.entries = append(b.entries, busEntry{region: region, dev: dev})
	}
	return nil
}

func (b *Bus) find(addr uint64, size int) MemoryMappedIODevice {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.entries {
		if e.region.contains(addr, size) {
			return e.dev
		}
	}
	return nil
}

// ReadRegister performs a single read of len(data) bytes at addr.
func (b *Bus) ReadRegister(addr uint64, data []byte) error {
	dev := b.find(addr, len(data))
	if dev == nil {
		return fmt.Errorf("mmio bus: read %d bytes at 0x%x: %w", len(data), addr, ErrUnhandledMMIO)
	}
	b.mu.Lock()
	b.reads++
	b.mu.Unlock()
	return dev.ReadMMIO(addr, data)
}

// WriteRegister performs a single write of len(data) bytes at addr.
func (b *Bus) WriteRegister(addr uint64, data []byte) error {
	dev := b.find(addr, len(data))
	if dev == nil {
		return fmt.Errorf("mmio bus: write %d bytes at 0x%x: %w", len(data), addr, ErrUnhandledMMIO)
	}
	b.mu.Lock()
	b.writes++
	b.mu.Unlock()
	return dev.WriteMMIO(addr, data)
}

// Accesses returns the number of reads and writes dispatched so far.
func (b *Bus) Accesses() (reads, writes uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads, b.writes
}
