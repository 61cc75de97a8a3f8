package pci

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/ndpci/internal/cpu"
	"github.com/tinyrange/ndpci/internal/mem"
)

func (d *Device) nonCoherentAllocateBuffer(pages, attributes uint64) (uint64, error) {
	host, err := d.coherentAllocateBuffer(pages, attributes)
	if err != nil {
		return 0, err
	}

	desc, err := d.memory.MemorySpaceDescriptor(host)
	if err != nil {
		d.releasePages(host, pages)
		return 0, fmt.Errorf("pci: %s: descriptor for 0x%x: %w: %w", d.name, host, classify(err), err)
	}
	if desc.Capabilities&(mem.AttrWC|mem.AttrUC) == 0 {
		d.releasePages(host, pages)
		return 0, fmt.Errorf("pci: %s: region at 0x%x cannot be mapped uncached: %w", d.name, host, ErrUnsupported)
	}

	// Write combining when asked for, or when it is all the region offers.
	memType := mem.AttrUC
	if attributes&AttributeMemoryWriteCombine != 0 || desc.Capabilities&mem.AttrUC == 0 {
		memType = mem.AttrWC
	}

	d.uncached = append(d.uncached, uncachedAllocation{
		hostAddress: host,
		pages:       pages,
		attributes:  desc.Attributes,
	})

	length := pages << mem.PageShift
	if err := d.memory.SetMemorySpaceAttributes(host, length, memType); err != nil {
		d.unwindUncached(host, pages, desc.Attributes)
		return 0, fmt.Errorf("pci: %s: remap 0x%x uncached: %w: %w", d.name, host, classify(err), err)
	}
	if err := d.cache.FlushDataCache(host, length, cpu.FlushInvalidate); err != nil {
		d.unwindUncached(host, pages, desc.Attributes)
		return 0, fmt.Errorf("pci: %s: invalidate 0x%x: %w: %w", d.name, host, ErrDeviceError, err)
	}

	slog.Debug("pci: uncached buffer", "device", d.name,
		"addr", fmt.Sprintf("0x%x", host), "pages", pages, "attrs", fmt.Sprintf("0x%x", memType))
	return host, nil
}

// unwindUncached undoes a partially completed non-coherent allocation.
func (d *Device) unwindUncached(host, pages, attributes uint64) {
	if i := d.findUncached(host, pages); i >= 0 {
		d.removeUncached(i)
	}
	if err := d.memory.SetMemorySpaceAttributes(host, pages<<mem.PageShift, attributes); err != nil {
		slog.Warn("pci: restore attributes on error path", "device", d.name,
			"addr", fmt.Sprintf("0x%x", host), "err", err)
	}
	d.releasePages(host, pages)
}

func (d *Device) findUncached(host, pages uint64) int {
	for i, a := range d.uncached {
		if a.hostAddress == host && a.pages == pages {
			return i
		}
	}
	return -1
}

func (d *Device) removeUncached(i int) {
	d.uncached = append(d.uncached[:i], d.uncached[i+1:]...)
}

func (d *Device) nonCoherentFreeBuffer(pages, host uint64) error {
	i := d.findUncached(host, pages)
	if i < 0 {
		msg := fmt.Sprintf("pci: %s: free of unknown buffer 0x%x (%d pages)", d.name, host, pages)
		for _, a := range d.uncached {
			if a.hostAddress == host {
				msg += fmt.Sprintf(", allocated with %d pages", a.pages)
				break
			}
		}
		slog.Error(msg)
		if d.strict {
			panic(msg)
		}
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}

	alloc := d.uncached[i]
	d.removeUncached(i)

	if err := d.memory.SetMemorySpaceAttributes(host, pages<<mem.PageShift, alloc.attributes); err != nil {
		slog.Warn("pci: restore attributes", "device", d.name,
			"addr", fmt.Sprintf("0x%x", host), "attrs", fmt.Sprintf("0x%x", alloc.attributes), "err", err)
	}
	if err := d.memory.FreePages(host, pages); err != nil {
		return fmt.Errorf("pci: %s: free buffer 0x%x: %w: %w", d.name, host, classify(err), err)
	}
	return nil
}

// needsCoherencyBounce reports whether the host range cannot be used for
// DMA in place. Streaming buffers aligned to the DMA buffer alignment only
// need cache maintenance; everything else must already be uncached.
func (d *Device) needsCoherencyBounce(op Operation, host, length uint64) bool {
	if op == BusMasterRead || op == BusMasterWrite {
		mask := d.cache.DMABufferAlignment() - 1
		if (host|length)&mask == 0 {
			return false
		}
	}
	desc, err := d.memory.MemorySpaceDescriptor(host)
	return err != nil || desc.Cacheable()
}

func (d *Device) nonCoherentMap(op Operation, host, length uint64) (uint64, *Mapping, error) {
	m := &Mapping{op: op, hostAddress: host, length: length}

	bounce := d.needsAddressBounce(host, length) || d.needsCoherencyBounce(op, host, length)
	if !bounce {
		// Clean for both directions: a read needs the data in memory and a
		// write must not have dirty lines evicted over the device's data.
		if err := d.cache.FlushDataCache(host, length, cpu.FlushWriteBack); err != nil {
			return 0, nil, fmt.Errorf("pci: %s: clean [0x%x+0x%x): %w: %w", d.name, host, length, ErrDeviceError, err)
		}
		return host, m, nil
	}

	if op == BusMasterCommonBuffer {
		return 0, nil, fmt.Errorf("pci: %s: common buffer at 0x%x is cacheable or out of reach: %w",
			d.name, host, ErrDeviceError)
	}

	addr, err := d.nonCoherentAllocateBuffer(m.pages(), AttributeMemoryWriteCombine)
	if err != nil {
		return 0, nil, err
	}
	if op == BusMasterRead {
		if err := d.memory.Copy(addr, host, length); err != nil {
			if ferr := d.nonCoherentFreeBuffer(m.pages(), addr); ferr != nil {
				slog.Warn("pci: free bounce buffer on error path", "device", d.name, "err", ferr)
			}
			return 0, nil, fmt.Errorf("pci: %s: fill bounce buffer: %w: %w", d.name, ErrDeviceError, err)
		}
	}

	m.bounced = true
	m.bounceAddress = addr
	slog.Debug("pci: bounce map", "device", d.name, "op", op,
		"host", fmt.Sprintf("0x%x", host), "bounce", fmt.Sprintf("0x%x", addr), "len", length)
	return addr, m, nil
}

func (d *Device) nonCoherentUnmap(m *Mapping) error {
	if m.bounced {
		var err error
		if m.op == BusMasterWrite {
			if cerr := d.memory.Copy(m.hostAddress, m.bounceAddress, m.length); cerr != nil {
				err = fmt.Errorf("pci: %s: copy back bounce buffer: %w: %w", d.name, ErrDeviceError, cerr)
			}
		}
		if ferr := d.nonCoherentFreeBuffer(m.pages(), m.bounceAddress); ferr != nil && err == nil {
			err = ferr
		}
		return err
	}

	// The device wrote behind the cache; drop any stale lines.
	if m.op == BusMasterWrite {
		if err := d.cache.FlushDataCache(m.hostAddress, m.length, cpu.FlushInvalidate); err != nil {
			slog.Warn("pci: invalidate after DMA write", "device", d.name,
				"addr", fmt.Sprintf("0x%x", m.hostAddress), "err", err)
		}
	}
	return nil
}
