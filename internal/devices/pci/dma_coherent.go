package pci

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/ndpci/internal/mem"
)

func (d *Device) coherentMap(op Operation, host, length uint64) (uint64, *Mapping, error) {
	m := &Mapping{op: op, hostAddress: host, length: length}
	if !d.needsAddressBounce(host, length) {
		return host, m, nil
	}

	if op == BusMasterCommonBuffer {
		return 0, nil, fmt.Errorf("pci: %s: common buffer [0x%x+0x%x) above 4 GiB cannot be bounced: %w",
			d.name, host, length, ErrDeviceError)
	}

	pages := m.pages()
	bounce, err := d.memory.AllocatePages(dmaMaxAddress32, pages)
	if err != nil {
		// Most likely there is no memory below 4 GiB at all.
		return 0, nil, fmt.Errorf("pci: %s: bounce buffer for [0x%x+0x%x): %w: %w",
			d.name, host, length, ErrDeviceError, err)
	}
	if op == BusMasterRead {
		if err := d.memory.Copy(bounce, host, length); err != nil {
			d.releasePages(bounce, pages)
			return 0, nil, fmt.Errorf("pci: %s: fill bounce buffer: %w: %w", d.name, ErrDeviceError, err)
		}
	}

	m.bounced = true
	m.bounceAddress = bounce
	slog.Debug("pci: bounce map", "device", d.name, "op", op,
		"host", fmt.Sprintf("0x%x", host), "bounce", fmt.Sprintf("0x%x", bounce), "len", length)
	return bounce, m, nil
}

func (d *Device) coherentUnmap(m *Mapping) error {
	if !m.bounced {
		return nil
	}

	var err error
	if m.op == BusMasterWrite {
		if cerr := d.memory.Copy(m.hostAddress, m.bounceAddress, m.length); cerr != nil {
			err = fmt.Errorf("pci: %s: copy back bounce buffer: %w: %w", d.name, ErrDeviceError, cerr)
		}
	}
	if ferr := d.memory.FreePages(m.bounceAddress, m.pages()); ferr != nil && err == nil {
		err = fmt.Errorf("pci: %s: free bounce buffer: %w: %w", d.name, classify(ferr), ferr)
	}
	return err
}

func (d *Device) coherentAllocateBuffer(pages, attributes uint64) (uint64, error) {
	if attributes&^bufferAttributeMask != 0 {
		return 0, fmt.Errorf("pci: %s: buffer attributes 0x%x: %w", d.name, attributes, ErrUnsupported)
	}

	maxAddress := mem.MaxAddressAny
	if d.attributes&AttributeDualAddressCycle == 0 {
		maxAddress = dmaMaxAddress32
	}
	host, err := d.memory.AllocatePages(maxAddress, pages)
	if err != nil {
		return 0, fmt.Errorf("pci: %s: allocate %d pages: %w: %w", d.name, pages, classify(err), err)
	}
	return host, nil
}

func (d *Device) coherentFreeBuffer(pages, host uint64) error {
	if err := d.memory.FreePages(host, pages); err != nil {
		return fmt.Errorf("pci: %s: free buffer 0x%x: %w: %w", d.name, host, classify(err), err)
	}
	return nil
}
