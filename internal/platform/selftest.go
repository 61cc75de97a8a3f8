package platform

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/tinyrange/ndpci/internal/devices/pci"
	"github.com/tinyrange/ndpci/internal/mem"
)

// SelfTestReport summarises a SelfTest run.
type SelfTestReport struct {
	Devices   int
	Transfers int
	Bounced   int
	Bytes     uint64
}

// SelfTest enables every device, checks its first BAR with a register
// round trip and then runs iterations DMA round trips of varying size and
// alignment. progress, when set, is called with the number of bytes moved by
// each round trip.
func (p *Platform) SelfTest(iterations int, progress func(n uint64)) (SelfTestReport, error) {
	var report SelfTestReport
	for _, dev := range p.devices {
		if err := dev.EnableAttributes(pci.AttributeDeviceEnable); err != nil {
			return report, fmt.Errorf("selftest: %s: %w", dev.Name(), err)
		}
		if err := checkRegisters(dev); err != nil {
			return report, fmt.Errorf("selftest: %s: %w", dev.Name(), err)
		}
		for i := 0; i < iterations; i++ {
			// Walk offsets and lengths so both aligned and misaligned
			// transfers are exercised.
			offset := uint64(i*17) % mem.PageSize
			length := uint64(1 + (i*193)%(2*mem.PageSize))
			bounced, err := p.dmaRoundTrip(dev, offset, length, byte(i))
			if err != nil {
				return report, fmt.Errorf("selftest: %s: iteration %d: %w", dev.Name(), i, err)
			}
			report.Transfers += 2
			report.Bounced += bounced
			report.Bytes += 2 * length
			if progress != nil {
				progress(2 * length)
			}
		}
		if err := checkCommonBuffer(dev); err != nil {
			return report, fmt.Errorf("selftest: %s: %w", dev.Name(), err)
		}
		report.Devices++
	}
	slog.Info("platform: selftest complete", "devices", report.Devices,
		"transfers", report.Transfers, "bounced", report.Bounced, "bytes", report.Bytes)
	return report, nil
}

func checkRegisters(dev *Device) error {
	pattern := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x23, 0x45, 0x67}
	bar := dev.BAROffset()
	if err := dev.MemWrite(pci.WidthUint32, bar, 0, 2, pattern); err != nil {
		return fmt.Errorf("register write: %w", err)
	}
	got := make([]byte, len(pattern))
	if err := dev.MemRead(pci.WidthUint32, bar, 0, 2, got); err != nil {
		return fmt.Errorf("register read: %w", err)
	}
	if !bytes.Equal(got, pattern) {
		return fmt.Errorf("register readback: got % x want % x", got, pattern)
	}
	return nil
}

// dmaRoundTrip maps a host buffer for a device read and then for a device
// write, playing the device side through the mapped addresses.
func (p *Platform) dmaRoundTrip(dev *Device, offset, length uint64, seed byte) (int, error) {
	pages := (offset + length + mem.PageSize - 1) / mem.PageSize
	page, err := p.Memory.AllocatePages(mem.MaxAddressAny, pages)
	if err != nil {
		return 0, fmt.Errorf("allocate host buffer: %w", err)
	}
	defer p.Memory.FreePages(page, pages)
	host := page + offset

	out := make([]byte, length)
	for i := range out {
		out[i] = seed + byte(i)
	}
	if _, err := p.Memory.WriteAt(out, int64(host)); err != nil {
		return 0, err
	}

	bounced := 0
	addr, m, err := dev.Map(pci.BusMasterRead, host, length)
	if err != nil {
		return 0, fmt.Errorf("map read: %w", err)
	}
	if m.Bounced() {
		bounced++
	}
	seen := make([]byte, length)
	if _, err := p.Memory.ReadAt(seen, int64(addr)); err != nil {
		return 0, err
	}
	if err := dev.Unmap(m); err != nil {
		return 0, fmt.Errorf("unmap read: %w", err)
	}
	if !bytes.Equal(seen, out) {
		return 0, fmt.Errorf("device read mismatch at 0x%x", addr)
	}

	addr, m, err = dev.Map(pci.BusMasterWrite, host, length)
	if err != nil {
		return 0, fmt.Errorf("map write: %w", err)
	}
	if m.Bounced() {
		bounced++
	}
	for i := range out {
		out[i] = ^out[i]
	}
	if _, err := p.Memory.WriteAt(out, int64(addr)); err != nil {
		return 0, err
	}
	if err := dev.Unmap(m); err != nil {
		return 0, fmt.Errorf("unmap write: %w", err)
	}
	if _, err := p.Memory.ReadAt(seen, int64(host)); err != nil {
		return 0, err
	}
	if !bytes.Equal(seen, out) {
		return 0, fmt.Errorf("device write mismatch at 0x%x", host)
	}
	return bounced, nil
}

func checkCommonBuffer(dev *Device) error {
	buf, err := dev.AllocateBuffer(1, 0)
	if err != nil {
		return fmt.Errorf("allocate common buffer: %w", err)
	}
	addr, m, err := dev.Map(pci.BusMasterCommonBuffer, buf, mem.PageSize)
	if err != nil {
		dev.FreeBuffer(1, buf)
		return fmt.Errorf("map common buffer: %w", err)
	}
	if addr != buf {
		err = fmt.Errorf("common buffer 0x%x remapped to 0x%x", buf, addr)
	}
	if uerr := dev.Unmap(m); uerr != nil && err == nil {
		err = fmt.Errorf("unmap common buffer: %w", uerr)
	}
	if ferr := dev.FreeBuffer(1, buf); ferr != nil && err == nil {
		err = fmt.Errorf("free common buffer: %w", ferr)
	}
	return err
}
