package hv

import (
	"fmt"
	"sync"
)

// MMIOAllocation is a named physical window.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

func (a MMIOAllocation) end() uint64 {
	return a.Base + a.Size
}

func (a MMIOAllocation) overlaps(base, size uint64) bool {
	return base < a.end() && a.Base < base+size
}

// MMIOAllocationRequest asks the address space for a window of Size bytes.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// AddressSpace tracks the physical layout of the platform: RAM regions, fixed
// MMIO windows described by firmware, and windows handed out on demand for
// resources that were described without a base address.
type AddressSpace struct {
	mu sync.Mutex

	ram []MMIOAllocation

	// nextMMIO is the next candidate address for dynamic allocation.
	nextMMIO uint64

	allocations  []MMIOAllocation
	fixedRegions []MMIOAllocation
}

// NewAddressSpace creates an address space whose dynamic MMIO windows start at
// mmioBase.
func NewAddressSpace(mmioBase uint64) *AddressSpace {
	return &AddressSpace{
		nextMMIO: alignUp(mmioBase, 0x1000),
	}
}

// AddRAM records a RAM region. RAM regions may not overlap each other or any
// MMIO window.
func (a *AddressSpace) AddRAM(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot add zero-size RAM region %s", name)
	}
	if err := a.checkOverlapLocked(name, base, size); err != nil {
		return err
	}
	a.ram = append(a.ram, MMIOAllocation{Name: name, Base: base, Size: size})
	return nil
}

func (a *AddressSpace) checkOverlapLocked(name string, base, size uint64) error {
	if base+size < base {
		return fmt.Errorf("address_space: region %s [0x%x+0x%x) wraps the address space", name, base, size)
	}
	for _, group := range [][]MMIOAllocation{a.ram, a.fixedRegions, a.allocations} {
		for _, r := range group {
			if r.overlaps(base, size) {
				return fmt.Errorf("address_space: region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x): %w",
					name, base, base+size, r.Name, r.Base, r.end(), ErrRegionOverlap)
			}
		}
	}
	return nil
}

// Allocate places a window at the next free aligned address.
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: cannot allocate zero-size region for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = 0x1000
	}
	if alignment&(alignment-1) != 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	size := alignUp(req.Size, alignment)
	base := alignUp(a.nextMMIO, alignment)
	// Step over anything already placed at the candidate address.
	for {
		moved := false
		for _, group := range [][]MMIOAllocation{a.ram, a.fixedRegions, a.allocations} {
			for _, r := range group {
				if r.overlaps(base, size) {
					base = alignUp(r.end(), alignment)
					moved = true
				}
			}
		}
		if !moved {
			break
		}
	}
	if base+size < base {
		return MMIOAllocation{}, fmt.Errorf("address_space: no room for %s (0x%x bytes)", req.Name, req.Size)
	}

	alloc := MMIOAllocation{Name: req.Name, Base: base, Size: size}
	a.allocations = append(a.allocations, alloc)
	a.nextMMIO = base + size
	return alloc, nil
}

// RegisterFixed registers a pre-determined MMIO window.
// Returns an error if the window overlaps RAM or another window.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}
	if err := a.checkOverlapLocked(name, base, size); err != nil {
		return err
	}
	a.fixedRegions = append(a.fixedRegions, MMIOAllocation{Name: name, Base: base, Size: size})
	return nil
}

// Allocations returns a copy of all dynamically allocated MMIO regions.
func (a *AddressSpace) Allocations() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.allocations))
	copy(result, a.allocations)
	return result
}

// FixedRegions returns a copy of all fixed MMIO regions.
func (a *AddressSpace) FixedRegions() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.fixedRegions))
	copy(result, a.fixedRegions)
	return result
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
