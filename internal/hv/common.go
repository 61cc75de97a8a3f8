package hv

import "errors"

var (
	ErrUnhandledMMIO = errors.New("unhandled MMIO access")
	ErrRegionOverlap = errors.New("MMIO region overlaps an existing region")
)

type MMIORegion struct {
	Address uint64
	Size    uint64
}

func (r MMIORegion) contains(addr uint64, size int) bool {
	return addr >= r.Address && uint64(size) <= r.Size && addr-r.Address <= r.Size-uint64(size)
}

// MemoryMappedIODevice is the hardware behind one or more register windows.
// Every call is a single access of len(data) bytes; handlers must not assume
// accesses are merged.
type MemoryMappedIODevice interface {
	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}
