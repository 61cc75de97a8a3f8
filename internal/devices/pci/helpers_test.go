package pci

import (
	"testing"

	"github.com/tinyrange/ndpci/internal/acpi"
	"github.com/tinyrange/ndpci/internal/cpu"
	"github.com/tinyrange/ndpci/internal/mem"
)

const (
	testLowBase  = 0x8000_0000
	testHighBase = 0x1_0000_0000
	testPages    = 16
	testSize     = testPages * mem.PageSize

	testRegBase = 0x1000_0000
)

type busAccess struct {
	write bool
	addr  uint64
	data  []byte
}

// fakeBus is a byte-addressed register file that records every access.
type fakeBus struct {
	regs     map[uint64]byte
	accesses []busAccess
	err      error
}

func newFakeBus() *fakeBus {
	return &fakeBus{regs: make(map[uint64]byte)}
}

func (b *fakeBus) ReadRegister(addr uint64, data []byte) error {
	if b.err != nil {
		return b.err
	}
	for i := range data {
		data[i] = b.regs[addr+uint64(i)]
	}
	b.accesses = append(b.accesses, busAccess{addr: addr, data: append([]byte(nil), data...)})
	return nil
}

func (b *fakeBus) WriteRegister(addr uint64, data []byte) error {
	if b.err != nil {
		return b.err
	}
	for i, v := range data {
		b.regs[addr+uint64(i)] = v
	}
	b.accesses = append(b.accesses, busAccess{write: true, addr: addr, data: append([]byte(nil), data...)})
	return nil
}

type attributeCall struct {
	addr, length, attributes uint64
}

// fakeMemory wraps the simulated memory with failure injection.
type fakeMemory struct {
	*mem.Memory

	allocateErr   error
	descriptorErr error
	// setAttributeErrs is consumed one entry per SetMemorySpaceAttributes
	// call; a nil entry lets the call through.
	setAttributeErrs []error
	setCalls         []attributeCall
}

func (f *fakeMemory) AllocatePages(maxAddress, pages uint64) (uint64, error) {
	if f.allocateErr != nil {
		return 0, f.allocateErr
	}
	return f.Memory.AllocatePages(maxAddress, pages)
}

func (f *fakeMemory) MemorySpaceDescriptor(addr uint64) (mem.Descriptor, error) {
	if f.descriptorErr != nil {
		return mem.Descriptor{}, f.descriptorErr
	}
	return f.Memory.MemorySpaceDescriptor(addr)
}

func (f *fakeMemory) SetMemorySpaceAttributes(addr, length, attributes uint64) error {
	f.setCalls = append(f.setCalls, attributeCall{addr, length, attributes})
	if len(f.setAttributeErrs) > 0 {
		err := f.setAttributeErrs[0]
		f.setAttributeErrs = f.setAttributeErrs[1:]
		if err != nil {
			return err
		}
	}
	return f.Memory.SetMemorySpaceAttributes(addr, length, attributes)
}

func (f *fakeMemory) attributesAt(t *testing.T, addr uint64) uint64 {
	t.Helper()
	d, err := f.Memory.MemorySpaceDescriptor(addr)
	if err != nil {
		t.Fatalf("descriptor 0x%x: %v", addr, err)
	}
	return d.Attributes
}

type flushCall struct {
	addr, length uint64
	kind         cpu.FlushType
}

type fakeCache struct {
	alignment uint64
	calls     []flushCall
	err       error
}

func (c *fakeCache) FlushDataCache(addr, length uint64, kind cpu.FlushType) error {
	c.calls = append(c.calls, flushCall{addr, length, kind})
	return c.err
}

func (c *fakeCache) DMABufferAlignment() uint64 {
	return c.alignment
}

type testPlatform struct {
	Platform
	bus    *fakeBus
	memory *fakeMemory
	cache  *fakeCache
}

var defaultTestRegions = []mem.RegionConfig{
	{
		Name:         "low",
		Base:         testLowBase,
		Size:         testSize,
		Capabilities: mem.AttrUC | mem.AttrWC | mem.AttrWT | mem.AttrWB,
		Attributes:   mem.AttrWB,
	},
	{
		Name:         "high",
		Base:         testHighBase,
		Size:         testSize,
		Capabilities: mem.AttrUC | mem.AttrWC | mem.AttrWB,
		Attributes:   mem.AttrWB,
	},
}

func newTestPlatform(t *testing.T, regions ...mem.RegionConfig) *testPlatform {
	t.Helper()
	if len(regions) == 0 {
		regions = defaultTestRegions
	}
	m, err := mem.New(regions...)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	p := &testPlatform{
		bus:    newFakeBus(),
		memory: &fakeMemory{Memory: m},
		cache:  &fakeCache{alignment: cpu.DefaultDMABufferAlignment},
	}
	p.Platform = Platform{Registers: p.bus, Memory: p.memory, Cache: p.cache}
	return p
}

func (p *testPlatform) newDevice(t *testing.T, typ DeviceType, dma DMAType, descs ...acpi.AddressSpaceDescriptor) *Device {
	t.Helper()
	d, err := NewDevice(Config{Name: "test", Type: typ, DMA: dma, Resources: descs, Platform: p.Platform})
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	return d
}

func (p *testPlatform) write(t *testing.T, addr uint64, data []byte) {
	t.Helper()
	if _, err := p.memory.WriteAt(data, int64(addr)); err != nil {
		t.Fatalf("write 0x%x: %v", addr, err)
	}
}

func (p *testPlatform) read(t *testing.T, addr uint64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := p.memory.ReadAt(buf, int64(addr)); err != nil {
		t.Fatalf("read 0x%x: %v", addr, err)
	}
	return buf
}

func mem32(base, size uint64) acpi.AddressSpaceDescriptor {
	d := acpi.MemoryDescriptor(base, size)
	d.Granularity = 32
	return d
}

func mem64(base, size uint64) acpi.AddressSpaceDescriptor {
	d := acpi.MemoryDescriptor(base, size)
	d.Granularity = 64
	return d
}

func defaultTestResources() []acpi.AddressSpaceDescriptor {
	return []acpi.AddressSpaceDescriptor{mem32(testRegBase, 0x1000)}
}
