package mem

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift

	// MaxAddressAny lets AllocatePages use any free page.
	MaxAddressAny = ^uint64(0)
)

// Memory-space capability and attribute bits. The values follow the UEFI
// EFI_MEMORY_* encoding so descriptors can be compared with firmware dumps.
const (
	AttrUC  uint64 = 0x0000_0000_0000_0001
	AttrWC  uint64 = 0x0000_0000_0000_0002
	AttrWT  uint64 = 0x0000_0000_0000_0004
	AttrWB  uint64 = 0x0000_0000_0000_0008
	AttrUCE uint64 = 0x0000_0000_0000_0010
	AttrWP  uint64 = 0x0000_0000_0000_1000
	AttrRP  uint64 = 0x0000_0000_0000_2000
	AttrXP  uint64 = 0x0000_0000_0000_4000
	AttrRO  uint64 = 0x0000_0000_0002_0000

	CacheTypeMask = AttrUC | AttrWC | AttrWT | AttrWB | AttrUCE
)

var (
	ErrOutOfMemory           = errors.New("out of memory")
	ErrNotMapped             = errors.New("address not backed by memory")
	ErrNotAllocated          = errors.New("pages not allocated")
	ErrUnsupportedAttributes = errors.New("attributes not supported by region")
)

// Descriptor describes a run of pages sharing the same memory-space
// attributes.
type Descriptor struct {
	Base         uint64
	Length       uint64
	Capabilities uint64
	Attributes   uint64
}

// Cacheable reports whether the run is mapped as normal cacheable memory.
func (d Descriptor) Cacheable() bool {
	return d.Attributes&(AttrWB|AttrWT) != 0
}

// RegionConfig describes one RAM region of the simulated physical address
// space.
type RegionConfig struct {
	Name         string
	Base         uint64
	Size         uint64
	Capabilities uint64
	Attributes   uint64
}

type region struct {
	name  string
	base  uint64
	size  uint64
	caps  uint64
	attrs []uint64
	used  []bool
	data  []byte
}

func (r *region) contains(addr, length uint64) bool {
	return addr >= r.base && length <= r.size && addr-r.base <= r.size-length
}

func (r *region) pages() uint64 {
	return r.size >> PageShift
}

// Memory is a simulated physical memory map: a set of RAM regions with a page
// allocator and per-page memory-space attributes.
type Memory struct {
	mu        sync.Mutex
	regions   []*region
	allocated uint64
}

// New builds the memory map. Regions must be page aligned and must not
// overlap.
func New(cfgs ...RegionConfig) (*Memory, error) {
	m := &Memory{}
	for _, cfg := range cfgs {
		if err := m.addRegion(cfg); err != nil {
			m.Close()
			return nil, err
		}
	}
	sort.Slice(m.regions, func(i, j int) bool {
		return m.regions[i].base < m.regions[j].base
	})
	return m, nil
}

func (m *Memory) addRegion(cfg RegionConfig) error {
	if cfg.Size == 0 {
		return fmt.Errorf("mem: region %s has zero size", cfg.Name)
	}
	if cfg.Base%PageSize != 0 || cfg.Size%PageSize != 0 {
		return fmt.Errorf("mem: region %s [0x%x+0x%x) is not page aligned", cfg.Name, cfg.Base, cfg.Size)
	}
	if cfg.Base+cfg.Size < cfg.Base {
		return fmt.Errorf("mem: region %s wraps the address space", cfg.Name)
	}
	if cfg.Attributes&^cfg.Capabilities != 0 {
		return fmt.Errorf("mem: region %s attributes 0x%x exceed capabilities 0x%x: %w",
			cfg.Name, cfg.Attributes, cfg.Capabilities, ErrUnsupportedAttributes)
	}
	for _, r := range m.regions {
		if cfg.Base < r.base+r.size && r.base < cfg.Base+cfg.Size {
			return fmt.Errorf("mem: region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				cfg.Name, cfg.Base, cfg.Base+cfg.Size, r.name, r.base, r.base+r.size)
		}
	}

	data, err := mapBacking(cfg.Size)
	if err != nil {
		return fmt.Errorf("mem: back region %s: %w", cfg.Name, err)
	}

	r := &region{
		name:  cfg.Name,
		base:  cfg.Base,
		size:  cfg.Size,
		caps:  cfg.Capabilities,
		attrs: make([]uint64, cfg.Size>>PageShift),
		used:  make([]bool, cfg.Size>>PageShift),
		data:  data,
	}
	for i := range r.attrs {
		r.attrs[i] = cfg.Attributes
	}
	m.regions = append(m.regions, r)
	return nil
}

// Close releases the backing storage of every region.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, r := range m.regions {
		if err := unmapBacking(r.data); err != nil {
			errs = append(errs, fmt.Errorf("mem: release region %s: %w", r.name, err))
		}
		r.data = nil
	}
	m.regions = nil
	return errors.Join(errs...)
}

func (m *Memory) lookup(addr, length uint64) *region {
	for _, r := range m.regions {
		if r.contains(addr, length) {
			return r
		}
	}
	return nil
}

// AllocatePages reserves pages contiguous pages whose last byte is at or below
// maxAddress. Allocation is top-down, matching firmware page allocators.
func (m *Memory) AllocatePages(maxAddress, pages uint64) (uint64, error) {
	if pages == 0 {
		return 0, fmt.Errorf("mem: allocate zero pages")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.regions) - 1; i >= 0; i-- {
		addr, ok := m.regions[i].allocateTopDown(maxAddress, pages)
		if ok {
			m.allocated += pages
			slog.Debug("mem: allocate pages", "addr", fmt.Sprintf("0x%x", addr), "pages", pages)
			return addr, nil
		}
	}
	return 0, fmt.Errorf("mem: %d pages below 0x%x: %w", pages, maxAddress, ErrOutOfMemory)
}

func (r *region) allocateTopDown(limit, pages uint64) (uint64, bool) {
	top := r.pages()
	if r.base+r.size-1 > limit {
		if limit < r.base {
			return 0, false
		}
		top = (limit - r.base + 1) >> PageShift
	}
	if pages > top {
		return 0, false
	}

	run := uint64(0)
	for i := top; i > 0; i-- {
		p := i - 1
		if r.used[p] {
			run = 0
			continue
		}
		run++
		if run == pages {
			for j := p; j < p+pages; j++ {
				r.used[j] = true
			}
			return r.base + p<<PageShift, true
		}
	}
	return 0, false
}

// FreePages returns pages previously handed out by AllocatePages.
func (m *Memory) FreePages(addr, pages uint64) error {
	if pages == 0 || addr%PageSize != 0 {
		return fmt.Errorf("mem: free 0x%x (%d pages): %w", addr, pages, ErrNotAllocated)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.lookup(addr, pages<<PageShift)
	if r == nil {
		return fmt.Errorf("mem: free 0x%x (%d pages): %w", addr, pages, ErrNotMapped)
	}
	first := (addr - r.base) >> PageShift
	for p := first; p < first+pages; p++ {
		if !r.used[p] {
			return fmt.Errorf("mem: free 0x%x (%d pages): page 0x%x: %w",
				addr, pages, r.base+p<<PageShift, ErrNotAllocated)
		}
	}
	for p := first; p < first+pages; p++ {
		r.used[p] = false
	}
	m.allocated -= pages
	slog.Debug("mem: free pages", "addr", fmt.Sprintf("0x%x", addr), "pages", pages)
	return nil
}

// AllocatedPages returns the number of pages currently handed out.
func (m *Memory) AllocatedPages() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated
}

// MemorySpaceDescriptor returns the attribute run containing addr.
func (m *Memory) MemorySpaceDescriptor(addr uint64) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.lookup(addr, 1)
	if r == nil {
		return Descriptor{}, fmt.Errorf("mem: descriptor for 0x%x: %w", addr, ErrNotMapped)
	}
	page := (addr - r.base) >> PageShift
	attrs := r.attrs[page]

	first := page
	for first > 0 && r.attrs[first-1] == attrs {
		first--
	}
	last := page
	for last+1 < r.pages() && r.attrs[last+1] == attrs {
		last++
	}
	return Descriptor{
		Base:         r.base + first<<PageShift,
		Length:       (last - first + 1) << PageShift,
		Capabilities: r.caps,
		Attributes:   attrs,
	}, nil
}

// SetMemorySpaceAttributes replaces the attributes of a page-aligned range.
// Every requested bit must be a capability of the region.
func (m *Memory) SetMemorySpaceAttributes(addr, length, attributes uint64) error {
	if length == 0 || addr%PageSize != 0 || length%PageSize != 0 {
		return fmt.Errorf("mem: set attributes [0x%x+0x%x): range not page aligned", addr, length)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.lookup(addr, length)
	if r == nil {
		return fmt.Errorf("mem: set attributes [0x%x+0x%x): %w", addr, length, ErrNotMapped)
	}
	if attributes&^r.caps != 0 {
		return fmt.Errorf("mem: set attributes 0x%x on %s (caps 0x%x): %w",
			attributes, r.name, r.caps, ErrUnsupportedAttributes)
	}
	first := (addr - r.base) >> PageShift
	for p := first; p < first+length>>PageShift; p++ {
		r.attrs[p] = attributes
	}
	return nil
}

// ReadAt reads physical memory at off.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.lookup(uint64(off), uint64(len(p)))
	if off < 0 || r == nil {
		return 0, fmt.Errorf("mem: read [0x%x+0x%x): %w", off, len(p), ErrNotMapped)
	}
	return copy(p, r.data[uint64(off)-r.base:]), nil
}

// WriteAt writes physical memory at off.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.lookup(uint64(off), uint64(len(p)))
	if off < 0 || r == nil {
		return 0, fmt.Errorf("mem: write [0x%x+0x%x): %w", off, len(p), ErrNotMapped)
	}
	return copy(r.data[uint64(off)-r.base:], p), nil
}

// Copy moves length bytes from src to dst. Overlapping ranges are handled
// like memmove.
func (m *Memory) Copy(dst, src, length uint64) error {
	if length == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sr := m.lookup(src, length)
	if sr == nil {
		return fmt.Errorf("mem: copy source [0x%x+0x%x): %w", src, length, ErrNotMapped)
	}
	dr := m.lookup(dst, length)
	if dr == nil {
		return fmt.Errorf("mem: copy destination [0x%x+0x%x): %w", dst, length, ErrNotMapped)
	}
	copy(dr.data[dst-dr.base:dst-dr.base+length], sr.data[src-sr.base:src-sr.base+length])
	return nil
}

// Contains reports whether [addr, addr+length) lies within a single region.
func (m *Memory) Contains(addr, length uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(addr, length) != nil
}

// Regions lists the RAM regions, one descriptor per region with the
// attributes of its first page.
func (m *Memory) Regions() []RegionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RegionConfig, 0, len(m.regions))
	for _, r := range m.regions {
		out = append(out, RegionConfig{
			Name:         r.name,
			Base:         r.base,
			Size:         r.size,
			Capabilities: r.caps,
			Attributes:   r.attrs[0],
		})
	}
	return out
}
