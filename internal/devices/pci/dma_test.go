package pci

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/ndpci/internal/cpu"
	"github.com/tinyrange/ndpci/internal/mem"
)

func TestMapArgumentChecks(t *testing.T) {
	for _, dma := range []DMAType{DMACoherent, DMANonCoherent} {
		t.Run(dma.String(), func(t *testing.T) {
			p := newTestPlatform(t)
			d := p.newDevice(t, DeviceTypeXHCI, dma, mem32(testRegBase, 0x1000))

			if _, _, err := d.Map(BusMasterRead, testLowBase, 0); !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("zero length: got %v want ErrInvalidParameter", err)
			}
			if _, _, err := d.Map(operationMaximum, testLowBase, 0x10); !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("bad op: got %v want ErrInvalidParameter", err)
			}
			if err := d.Unmap(nil); !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("unmap nil: got %v want ErrInvalidParameter", err)
			}
			if _, err := d.AllocateBuffer(0, 0); !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("allocate zero: got %v want ErrInvalidParameter", err)
			}
			if err := d.FreeBuffer(0, testLowBase); !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("free zero: got %v want ErrInvalidParameter", err)
			}
			if _, err := d.AllocateBuffer(1, AttributeBusMaster); !errors.Is(err, ErrUnsupported) {
				t.Fatalf("bad buffer attributes: got %v want ErrUnsupported", err)
			}
			if got := p.memory.AllocatedPages(); got != 0 {
				t.Fatalf("leaked %d pages", got)
			}

			_, m, err := d.Map(BusMasterCommonBuffer, testLowBase, 0x10)
			if dma == DMANonCoherent {
				// Cacheable memory cannot back a non-coherent common buffer.
				if !errors.Is(err, ErrDeviceError) {
					t.Fatalf("cached common buffer: got %v want ErrDeviceError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("map: %v", err)
			}
			if err := d.Unmap(m); err != nil {
				t.Fatalf("unmap: %v", err)
			}
			if err := d.Unmap(m); !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("double unmap: got %v want ErrInvalidParameter", err)
			}
		})
	}
}

func TestCoherentMapBelowLimit(t *testing.T) {
	p := newTestPlatform(t)
	d := p.newDevice(t, DeviceTypeXHCI, DMACoherent, mem32(testRegBase, 0x1000))

	host := uint64(testLowBase + 0x123)
	addr, m, err := d.Map(BusMasterWrite, host, 0x45)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if addr != host || m.Bounced() || m.DeviceAddress() != host {
		t.Fatalf("unexpected bounce to 0x%x", addr)
	}
	if err := d.Unmap(m); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if len(p.cache.calls) != 0 {
		t.Fatalf("coherent DMA did cache maintenance: %+v", p.cache.calls)
	}
}

func TestCoherentBounceRead(t *testing.T) {
	p := newTestPlatform(t)
	d := p.newDevice(t, DeviceTypeXHCI, DMACoherent, mem32(testRegBase, 0x1000))

	host := uint64(testHighBase + 0x10)
	payload := []byte("device reads this from high memory")
	p.write(t, host, payload)

	addr, m, err := d.Map(BusMasterRead, host, uint64(len(payload)))
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !m.Bounced() || addr+uint64(len(payload)) > DMAAddressLimit32 {
		t.Fatalf("expected bounce below 4 GiB, got 0x%x", addr)
	}
	if got := p.read(t, addr, len(payload)); !bytes.Equal(got, payload) {
		t.Fatalf("bounce buffer: got %q want %q", got, payload)
	}
	if got := p.memory.AllocatedPages(); got != 1 {
		t.Fatalf("allocated pages: got %d want 1", got)
	}

	if err := d.Unmap(m); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if got := p.memory.AllocatedPages(); got != 0 {
		t.Fatalf("bounce buffer leaked %d pages", got)
	}
}

func TestCoherentBounceWrite(t *testing.T) {
	p := newTestPlatform(t)
	d := p.newDevice(t, DeviceTypeXHCI, DMACoherent, mem32(testRegBase, 0x1000))

	host := uint64(testHighBase + 2*mem.PageSize - 8)
	length := uint64(16)
	addr, m, err := d.Map(BusMasterWrite, host, length)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !m.Bounced() {
		t.Fatalf("expected bounce")
	}
	// A 16 byte transfer needs one page even when it straddles a host page.
	if got := p.memory.AllocatedPages(); got != 1 {
		t.Fatalf("allocated pages: got %d want 1", got)
	}

	payload := []byte("written by dev!!")
	p.write(t, addr, payload)
	if err := d.Unmap(m); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if got := p.read(t, host, len(payload)); !bytes.Equal(got, payload) {
		t.Fatalf("host buffer: got %q want %q", got, payload)
	}
}

func TestCoherentDualAddressCycle(t *testing.T) {
	p := newTestPlatform(t)
	d := p.newDevice(t, DeviceTypeXHCI, DMACoherent, mem32(testRegBase, 0x1000))
	if err := d.SetAttributes(AttributeDualAddressCycle); err != nil {
		t.Fatalf("set DAC: %v", err)
	}

	addr, m, err := d.Map(BusMasterCommonBuffer, testHighBase, 0x1000)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if addr != testHighBase || m.Bounced() {
		t.Fatalf("DAC device should not bounce")
	}

	buf, err := d.AllocateBuffer(2, AttributeMemoryCached)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if buf < testHighBase {
		t.Fatalf("DAC allocation should come from high memory, got 0x%x", buf)
	}
	if err := d.FreeBuffer(2, buf); err != nil {
		t.Fatalf("free: %v", err)
	}
}

func TestCoherentCommonBufferAboveLimit(t *testing.T) {
	p := newTestPlatform(t)
	d := p.newDevice(t, DeviceTypeXHCI, DMACoherent, mem32(testRegBase, 0x1000))

	if _, _, err := d.Map(BusMasterCommonBuffer, testHighBase, 0x100); !errors.Is(err, ErrDeviceError) {
		t.Fatalf("got %v want ErrDeviceError", err)
	}
	if got := p.memory.AllocatedPages(); got != 0 {
		t.Fatalf("failed map allocated %d pages", got)
	}
}

func TestCoherentBounceAllocationFailure(t *testing.T) {
	p := newTestPlatform(t)
	d := p.newDevice(t, DeviceTypeXHCI, DMACoherent, mem32(testRegBase, 0x1000))
	p.memory.allocateErr = mem.ErrOutOfMemory

	if _, _, err := d.Map(BusMasterRead, testHighBase, 0x100); !errors.Is(err, ErrDeviceError) {
		t.Fatalf("map: got %v want ErrDeviceError", err)
	}
	if _, err := d.AllocateBuffer(1, 0); !errors.Is(err, ErrOutOfResources) {
		t.Fatalf("allocate: got %v want ErrOutOfResources", err)
	}
}

func TestCoherentAllocateBelowLimit(t *testing.T) {
	p := newTestPlatform(t)
	d := p.newDevice(t, DeviceTypeXHCI, DMACoherent, mem32(testRegBase, 0x1000))

	buf, err := d.AllocateBuffer(3, AttributeMemoryWriteCombine)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if buf+3*mem.PageSize > DMAAddressLimit32 {
		t.Fatalf("allocation 0x%x above 4 GiB", buf)
	}
	if got := p.memory.attributesAt(t, buf); got != mem.AttrWB {
		t.Fatalf("coherent buffer attributes changed to 0x%x", got)
	}
	if err := d.FreeBuffer(3, buf); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := d.FreeBuffer(3, buf); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double free: got %v want ErrNotFound", err)
	}
}

func TestNonCoherentAllocateFree(t *testing.T) {
	tests := []struct {
		name       string
		regions    []mem.RegionConfig
		attributes uint64
		want       uint64
	}{
		{"uncached by default", nil, 0, mem.AttrUC},
		{"write combine requested", nil, AttributeMemoryWriteCombine, mem.AttrWC},
		{"cached hint ignored", nil, AttributeMemoryCached, mem.AttrUC},
		{
			name: "write combine only",
			regions: []mem.RegionConfig{{
				Name: "wc", Base: testLowBase, Size: testSize,
				Capabilities: mem.AttrWC | mem.AttrWB, Attributes: mem.AttrWB,
			}},
			want: mem.AttrWC,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPlatform(t, tt.regions...)
			d := p.newDevice(t, DeviceTypeSDHCI, DMANonCoherent, mem32(testRegBase, 0x1000))

			buf, err := d.AllocateBuffer(2, tt.attributes)
			if err != nil {
				t.Fatalf("allocate: %v", err)
			}
			if got := p.memory.attributesAt(t, buf); got != tt.want {
				t.Fatalf("attributes: got 0x%x want 0x%x", got, tt.want)
			}
			want := []flushCall{{buf, 2 * mem.PageSize, cpu.FlushInvalidate}}
			if len(p.cache.calls) != 1 || p.cache.calls[0] != want[0] {
				t.Fatalf("cache calls: got %+v want %+v", p.cache.calls, want)
			}
			if d.UncachedAllocations() != 1 {
				t.Fatalf("records: got %d want 1", d.UncachedAllocations())
			}

			if err := d.FreeBuffer(2, buf); err != nil {
				t.Fatalf("free: %v", err)
			}
			if got := p.memory.attributesAt(t, buf); got != mem.AttrWB {
				t.Fatalf("attributes not restored: got 0x%x", got)
			}
			if d.UncachedAllocations() != 0 || p.memory.AllocatedPages() != 0 {
				t.Fatalf("free left %d records and %d pages", d.UncachedAllocations(), p.memory.AllocatedPages())
			}
		})
	}
}

func TestNonCoherentAllocateUnsupportedRegion(t *testing.T) {
	p := newTestPlatform(t, mem.RegionConfig{
		Name: "wb", Base: testLowBase, Size: testSize,
		Capabilities: mem.AttrWB | mem.AttrWT, Attributes: mem.AttrWB,
	})
	d := p.newDevice(t, DeviceTypeSDHCI, DMANonCoherent, mem32(testRegBase, 0x1000))

	if _, err := d.AllocateBuffer(1, 0); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("got %v want ErrUnsupported", err)
	}
	if got := p.memory.AllocatedPages(); got != 0 {
		t.Fatalf("leaked %d pages", got)
	}
}

func TestNonCoherentAllocateUnwind(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *testPlatform)
		want  error
	}{
		{"descriptor", func(p *testPlatform) { p.memory.descriptorErr = mem.ErrNotMapped }, ErrNotFound},
		{"set attributes", func(p *testPlatform) {
			p.memory.setAttributeErrs = []error{errors.New("page table full")}
		}, ErrDeviceError},
		{"invalidate", func(p *testPlatform) { p.cache.err = errors.New("cache fault") }, ErrDeviceError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPlatform(t)
			d := p.newDevice(t, DeviceTypeSDHCI, DMANonCoherent, mem32(testRegBase, 0x1000))
			tt.setup(p)

			if _, err := d.AllocateBuffer(2, 0); !errors.Is(err, tt.want) {
				t.Fatalf("got %v want %v", err, tt.want)
			}
			if d.UncachedAllocations() != 0 {
				t.Fatalf("record left behind")
			}
			if got := p.memory.AllocatedPages(); got != 0 {
				t.Fatalf("leaked %d pages", got)
			}
			if got := p.memory.attributesAt(t, testLowBase+testSize-mem.PageSize); got != mem.AttrWB {
				t.Fatalf("attributes not restored: got 0x%x", got)
			}
		})
	}
}

func TestNonCoherentFreeUnknown(t *testing.T) {
	p := newTestPlatform(t)
	d := p.newDevice(t, DeviceTypeSDHCI, DMANonCoherent, mem32(testRegBase, 0x1000))

	buf, err := d.AllocateBuffer(2, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := d.FreeBuffer(1, buf); !errors.Is(err, ErrNotFound) {
		t.Fatalf("wrong page count: got %v want ErrNotFound", err)
	}
	if err := d.FreeBuffer(2, buf+mem.PageSize); !errors.Is(err, ErrNotFound) {
		t.Fatalf("wrong address: got %v want ErrNotFound", err)
	}
	if d.UncachedAllocations() != 1 || p.memory.AllocatedPages() != 2 {
		t.Fatalf("failed free changed state")
	}

	// A restore failure is logged and the pages are still returned.
	p.memory.setAttributeErrs = []error{errors.New("page table busy")}
	if err := d.FreeBuffer(2, buf); err != nil {
		t.Fatalf("free: %v", err)
	}
	if p.memory.AllocatedPages() != 0 {
		t.Fatalf("pages not freed after restore failure")
	}
}

func TestNonCoherentFreeUnknownStrict(t *testing.T) {
	p := newTestPlatform(t)
	d, err := NewDevice(Config{
		Type:            DeviceTypeSDHCI,
		DMA:             DMANonCoherent,
		Resources:       defaultTestResources(),
		Platform:        p.Platform,
		StrictContracts: true,
	})
	if err != nil {
		t.Fatalf("new device: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	d.FreeBuffer(1, testLowBase)
}

func TestNonCoherentMapAligned(t *testing.T) {
	p := newTestPlatform(t)
	d := p.newDevice(t, DeviceTypeSDHCI, DMANonCoherent, mem32(testRegBase, 0x1000))

	host := uint64(testLowBase + 0x40)
	for _, op := range []Operation{BusMasterRead, BusMasterWrite} {
		p.cache.calls = nil
		addr, m, err := d.Map(op, host, 0x80)
		if err != nil {
			t.Fatalf("%s: map: %v", op, err)
		}
		if addr != host || m.Bounced() {
			t.Fatalf("%s: aligned buffer bounced to 0x%x", op, addr)
		}
		if err := d.Unmap(m); err != nil {
			t.Fatalf("%s: unmap: %v", op, err)
		}

		want := []flushCall{{host, 0x80, cpu.FlushWriteBack}}
		if op == BusMasterWrite {
			want = append(want, flushCall{host, 0x80, cpu.FlushInvalidate})
		}
		if len(p.cache.calls) != len(want) {
			t.Fatalf("%s: cache calls: got %+v want %+v", op, p.cache.calls, want)
		}
		for i := range want {
			if p.cache.calls[i] != want[i] {
				t.Fatalf("%s: cache call %d: got %+v want %+v", op, i, p.cache.calls[i], want[i])
			}
		}
	}
	if p.memory.AllocatedPages() != 0 {
		t.Fatalf("aligned mapping allocated memory")
	}
}

func TestNonCoherentMapMisalignedBounces(t *testing.T) {
	p := newTestPlatform(t)
	d := p.newDevice(t, DeviceTypeSDHCI, DMANonCoherent, mem32(testRegBase, 0x1000))

	host := uint64(testLowBase + 0x41)
	payload := []byte("odd sized, odd aligned")
	p.write(t, host, payload)

	addr, m, err := d.Map(BusMasterRead, host, uint64(len(payload)))
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !m.Bounced() || addr == host {
		t.Fatalf("misaligned cached buffer was not bounced")
	}
	if got := p.memory.attributesAt(t, addr); got != mem.AttrWC {
		t.Fatalf("bounce buffer attributes: got 0x%x want WC", got)
	}
	if got := p.read(t, addr, len(payload)); !bytes.Equal(got, payload) {
		t.Fatalf("bounce buffer: got %q want %q", got, payload)
	}
	if err := d.Unmap(m); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if d.UncachedAllocations() != 0 || p.memory.AllocatedPages() != 0 {
		t.Fatalf("bounce buffer not released")
	}
	if got := p.memory.attributesAt(t, addr); got != mem.AttrWB {
		t.Fatalf("bounce attributes not restored: got 0x%x", got)
	}

	addr, m, err = d.Map(BusMasterWrite, host, uint64(len(payload)))
	if err != nil {
		t.Fatalf("map write: %v", err)
	}
	reply := []byte("device wrote this back")
	p.write(t, addr, reply)
	if err := d.Unmap(m); err != nil {
		t.Fatalf("unmap write: %v", err)
	}
	if got := p.read(t, host, len(reply)); !bytes.Equal(got, reply) {
		t.Fatalf("host buffer: got %q want %q", got, reply)
	}
}

func TestNonCoherentMapUncachedBuffer(t *testing.T) {
	p := newTestPlatform(t)
	d := p.newDevice(t, DeviceTypeSDHCI, DMANonCoherent, mem32(testRegBase, 0x1000))

	buf, err := d.AllocateBuffer(1, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	for _, op := range []Operation{BusMasterCommonBuffer, BusMasterRead} {
		addr, m, err := d.Map(op, buf+3, 0x21)
		if err != nil {
			t.Fatalf("%s: map: %v", op, err)
		}
		if addr != buf+3 || m.Bounced() {
			t.Fatalf("%s: uncached buffer bounced", op)
		}
		if err := d.Unmap(m); err != nil {
			t.Fatalf("%s: unmap: %v", op, err)
		}
	}
	if err := d.FreeBuffer(1, buf); err != nil {
		t.Fatalf("free: %v", err)
	}
}

func TestNonCoherentMapAboveLimit(t *testing.T) {
	p := newTestPlatform(t)
	d := p.newDevice(t, DeviceTypeSDHCI, DMANonCoherent, mem32(testRegBase, 0x1000))

	host := uint64(testHighBase)
	addr, m, err := d.Map(BusMasterRead, host, 0x1000)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !m.Bounced() || addr >= DMAAddressLimit32 {
		t.Fatalf("high buffer mapped at 0x%x", addr)
	}
	if err := d.Unmap(m); err != nil {
		t.Fatalf("unmap: %v", err)
	}

	if _, _, err := d.Map(BusMasterCommonBuffer, host, 0x1000); !errors.Is(err, ErrDeviceError) {
		t.Fatalf("common buffer: got %v want ErrDeviceError", err)
	}
	if p.memory.AllocatedPages() != 0 {
		t.Fatalf("failed common buffer map allocated memory")
	}
}

func TestSizeToPages(t *testing.T) {
	for _, tt := range []struct{ size, want uint64 }{
		{1, 1}, {mem.PageSize, 1}, {mem.PageSize + 1, 2}, {3 * mem.PageSize, 3},
	} {
		if got := sizeToPages(tt.size); got != tt.want {
			t.Fatalf("sizeToPages(%d): got %d want %d", tt.size, got, tt.want)
		}
	}
}
