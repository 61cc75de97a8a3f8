package cpu

import (
	"fmt"
	"log/slog"
	"sync"
)

// FlushType selects the cache maintenance performed by FlushDataCache.
type FlushType int

const (
	// FlushWriteBack cleans dirty lines to memory and keeps them valid.
	FlushWriteBack FlushType = iota
	// FlushInvalidate discards lines without writing them back.
	FlushInvalidate
	// FlushWriteBackInvalidate cleans and then discards lines.
	FlushWriteBackInvalidate
)

func (t FlushType) String() string {
	switch t {
	case FlushWriteBack:
		return "writeback"
	case FlushInvalidate:
		return "invalidate"
	case FlushWriteBackInvalidate:
		return "writeback-invalidate"
	default:
		return fmt.Sprintf("FlushType(%d)", int(t))
	}
}

// DefaultDMABufferAlignment is the cache-writeback granule of the common
// arm64 cores this layer is used with.
const DefaultDMABufferAlignment = 64

// AddressChecker reports whether a physical range is backed by RAM.
type AddressChecker interface {
	Contains(addr, length uint64) bool
}

// Stats counts cache maintenance operations by type.
type Stats struct {
	WriteBack           uint64
	Invalidate          uint64
	WriteBackInvalidate uint64
	Bytes               uint64
}

// Cache is the simulated CPU cache-maintenance interface. It validates ranges
// against the memory map and keeps counters; the simulated memory itself is
// coherent so no data moves.
type Cache struct {
	mu        sync.Mutex
	memory    AddressChecker
	alignment uint64
	stats     Stats
}

// NewCache returns a cache model over memory. A zero alignment selects
// DefaultDMABufferAlignment.
func NewCache(memory AddressChecker, alignment uint64) (*Cache, error) {
	if alignment == 0 {
		alignment = DefaultDMABufferAlignment
	}
	if alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("cpu: DMA alignment 0x%x is not a power of 2", alignment)
	}
	return &Cache{memory: memory, alignment: alignment}, nil
}

// DMABufferAlignment returns the alignment a streaming DMA buffer needs to
// avoid sharing cache lines with unrelated data.
func (c *Cache) DMABufferAlignment() uint64 {
	return c.alignment
}

// FlushDataCache performs cache maintenance on [addr, addr+length).
func (c *Cache) FlushDataCache(addr, length uint64, kind FlushType) error {
	if length == 0 {
		return nil
	}
	if c.memory != nil && !c.memory.Contains(addr, length) {
		return fmt.Errorf("cpu: %s [0x%x+0x%x): range not backed by memory", kind, addr, length)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case FlushWriteBack:
		c.stats.WriteBack++
	case FlushInvalidate:
		c.stats.Invalidate++
	case FlushWriteBackInvalidate:
		c.stats.WriteBackInvalidate++
	default:
		return fmt.Errorf("cpu: unknown flush type %d", int(kind))
	}
	c.stats.Bytes += length
	slog.Debug("cpu: flush data cache", "type", kind, "addr", fmt.Sprintf("0x%x", addr), "len", length)
	return nil
}

// Stats returns a snapshot of the maintenance counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
