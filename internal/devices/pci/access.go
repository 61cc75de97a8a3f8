package pci

import (
	"fmt"
	"math/bits"
)

// unitSpace is one side of a unit copy: either a caller buffer or a register
// window. Every readUnit/writeUnit call is exactly one access.
type unitSpace interface {
	readUnit(addr uint64, data []byte) error
	writeUnit(addr uint64, data []byte) error
}

// bufferSpace addresses a byte slice by offset.
type bufferSpace []byte

func (b bufferSpace) readUnit(addr uint64, data []byte) error {
	copy(data, b[addr:addr+uint64(len(data))])
	return nil
}

func (b bufferSpace) writeUnit(addr uint64, data []byte) error {
	copy(b[addr:addr+uint64(len(data))], data)
	return nil
}

// registerSpace forwards each unit to the device hardware.
type registerSpace struct {
	bus RegisterBus
}

func (r registerSpace) readUnit(addr uint64, data []byte) error {
	return r.bus.ReadRegister(addr, data)
}

func (r registerSpace) writeUnit(addr uint64, data []byte) error {
	return r.bus.WriteRegister(addr, data)
}

// copyUnits moves count units of the width's size from src to dst. Strides
// are in units; a zero stride repeats the same address.
func copyUnits(w Width, count uint64, dst unitSpace, dstAddr, dstStride uint64, src unitSpace, srcAddr, srcStride uint64) error {
	size := w.unitSize()
	var unit [8]byte
	for ; count > 0; count-- {
		if err := src.readUnit(srcAddr, unit[:size]); err != nil {
			return fmt.Errorf("pci: read unit at 0x%x: %w: %w", srcAddr, ErrDeviceError, err)
		}
		if err := dst.writeUnit(dstAddr, unit[:size]); err != nil {
			return fmt.Errorf("pci: write unit at 0x%x: %w: %w", dstAddr, ErrDeviceError, err)
		}
		dstAddr += dstStride * size
		srcAddr += srcStride * size
	}
	return nil
}

// accessSpan returns count units of w in bytes, or false on overflow.
func accessSpan(w Width, count uint64) (uint64, bool) {
	shift := w.unitShift()
	if count > ^uint64(0)>>shift {
		return 0, false
	}
	return count << shift, true
}

// strides returns the (buffer, register) strides for a width. FIFO widths
// keep the register address fixed; fill widths keep the buffer fixed.
func strides(w Width) (buffer, register uint64) {
	switch w >> 2 {
	case 1:
		return 1, 0
	case 2:
		return 0, 1
	default:
		return 1, 1
	}
}

// barAccess validates a BAR access and returns the device address of its
// first unit.
func (d *Device) barAccess(w Width, bar uint8, offset, count uint64, buffer []byte) (uint64, error) {
	if buffer == nil || !w.valid() {
		return 0, fmt.Errorf("pci: %s: %s access to BAR %d: %w", d.name, w, bar, ErrInvalidParameter)
	}

	desc, err := d.barResource(bar)
	if err != nil {
		return 0, err
	}

	span, ok := accessSpan(w, count)
	end, carry := bits.Add64(offset, span, 0)
	if !ok || carry != 0 || end > desc.Length {
		return 0, fmt.Errorf("pci: %s: BAR %d access [0x%x+%d x %s) exceeds window of 0x%x bytes: %w",
			d.name, bar, offset, count, w, desc.Length, ErrUnsupported)
	}

	addr := desc.RangeMin + offset
	if addr&(w.unitSize()-1) != 0 {
		return 0, fmt.Errorf("pci: %s: BAR %d address 0x%x not aligned for %s: %w", d.name, bar, addr, w, ErrInvalidParameter)
	}

	bufferStride, _ := strides(w)
	need := w.unitSize()
	if bufferStride != 0 {
		need = span
	}
	if uint64(len(buffer)) < need {
		return 0, fmt.Errorf("pci: %s: buffer of %d bytes too small for %d bytes: %w", d.name, len(buffer), need, ErrInvalidParameter)
	}
	return addr, nil
}

// MemRead reads count units from BAR bar at offset into buffer.
func (d *Device) MemRead(w Width, bar uint8, offset, count uint64, buffer []byte) error {
	addr, err := d.barAccess(w, bar, offset, count, buffer)
	if err != nil {
		return err
	}
	bufferStride, registerStride := strides(w)
	return copyUnits(w, count,
		bufferSpace(buffer), 0, bufferStride,
		registerSpace{d.regs}, addr, registerStride)
}

// MemWrite writes count units from buffer to BAR bar at offset.
func (d *Device) MemWrite(w Width, bar uint8, offset, count uint64, buffer []byte) error {
	addr, err := d.barAccess(w, bar, offset, count, buffer)
	if err != nil {
		return err
	}
	bufferStride, registerStride := strides(w)
	return copyUnits(w, count,
		registerSpace{d.regs}, addr, registerStride,
		bufferSpace(buffer), 0, bufferStride)
}
