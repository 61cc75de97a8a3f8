package pci

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

const (
	// configSpaceSize is the footprint of a type 0 header.
	configSpaceSize = 64

	offsetVendorID  = 0x00
	offsetDeviceID  = 0x02
	offsetClassCode = 0x09
	type0BAROffset  = 0x10
	type0BARStride  = 4

	vendorIDUnknown   = 0xFFFF
	deviceIDDontCare  = 0x0000
	barMemoryType64   = 0x4
	sdhciSlotInfoByte = 0x40
)

// Class codes used by the identity table.
const (
	classMassStorage      = 0x01
	classSystemPeripheral = 0x08
	classSerialBus        = 0x0C

	subclassSATA = 0x06
	subclassUFS  = 0x09
	subclassNVM  = 0x08
	subclassSDHC = 0x05
	subclassUSB  = 0x03

	progIfUHCI = 0x00
	progIfOHCI = 0x10
	progIfEHCI = 0x20
	progIfXHCI = 0x30
	progIfAHCI = 0x01
	progIfNVMe = 0x02
)

// configReader implements the PCI configuration read accessor.
type configReader func(d *Device, w Width, offset uint32, count uint64, buffer []byte) error

type deviceIdentity struct {
	class     uint8
	subclass  uint8
	progIf    uint8
	barOffset uint8
	read      configReader
}

var deviceIdentities = map[DeviceType]deviceIdentity{
	DeviceTypeOHCI:  {class: classSerialBus, subclass: subclassUSB, progIf: progIfOHCI},
	DeviceTypeUHCI:  {class: classSerialBus, subclass: subclassUSB, progIf: progIfUHCI},
	DeviceTypeEHCI:  {class: classSerialBus, subclass: subclassUSB, progIf: progIfEHCI},
	DeviceTypeXHCI:  {class: classSerialBus, subclass: subclassUSB, progIf: progIfXHCI},
	DeviceTypeAHCI:  {class: classMassStorage, subclass: subclassSATA, progIf: progIfAHCI, barOffset: 5},
	DeviceTypeUFS:   {class: classMassStorage, subclass: subclassUFS},
	DeviceTypeNVMe:  {class: classMassStorage, subclass: subclassNVM, progIf: progIfNVMe},
	// The SD host controller driver reads slot information past the end of
	// the header.
	DeviceTypeSDHCI: {class: classSystemPeripheral, subclass: subclassSDHC, read: (*Device).readConfigSDHCI},
}

// initConfigSpace seeds identification and BAR registers.
func (d *Device) initConfigSpace() error {
	id, ok := deviceIdentities[d.typ]
	if !ok {
		return fmt.Errorf("pci: %s: no identity for device type %s: %w", d.name, d.typ, ErrConfiguration)
	}

	binary.LittleEndian.PutUint16(d.config[offsetVendorID:], vendorIDUnknown)
	binary.LittleEndian.PutUint16(d.config[offsetDeviceID:], deviceIDDontCare)
	d.config[offsetClassCode] = id.progIf
	d.config[offsetClassCode+1] = id.subclass
	d.config[offsetClassCode+2] = id.class

	d.barOffset = id.barOffset
	d.configRead = id.read
	if d.configRead == nil {
		d.configRead = (*Device).readConfig
	}

	idx := int(d.barOffset)
	for _, desc := range d.resources {
		if idx >= MaxBARs || (idx == MaxBARs-1 && desc.Wide()) {
			return fmt.Errorf("pci: %s: resource %s does not fit in the %d emulated BARs: %w",
				d.name, desc, MaxBARs, ErrConfiguration)
		}
		bar := uint32(desc.RangeMin)
		if desc.Wide() {
			bar |= barMemoryType64
		}
		d.setBAR(idx, bar)
		d.barCount++
		if desc.Wide() {
			idx++
			d.setBAR(idx, uint32(desc.RangeMin>>32))
		}
		idx++
	}
	return nil
}

func (d *Device) setBAR(idx int, value uint32) {
	binary.LittleEndian.PutUint32(d.config[type0BAROffset+idx*type0BARStride:], value)
}

// configSpan validates a configuration access and returns its length.
func (d *Device) configSpan(w Width, offset uint32, count uint64, buffer []byte) (uint64, error) {
	if buffer == nil || !w.valid() {
		return 0, fmt.Errorf("pci: %s: config %s access: %w", d.name, w, ErrInvalidParameter)
	}
	length, ok := accessSpan(w, count)
	end, carry := bits.Add64(uint64(offset), length, 0)
	if !ok || carry != 0 || end > configSpaceSize {
		return 0, fmt.Errorf("pci: %s: config access [0x%x+0x%x) beyond %d byte header: %w",
			d.name, offset, length, configSpaceSize, ErrUnsupported)
	}
	if uint64(len(buffer)) < length {
		return 0, fmt.Errorf("pci: %s: buffer of %d bytes too small for %d bytes: %w", d.name, len(buffer), length, ErrInvalidParameter)
	}
	return length, nil
}

// PciRead reads count units from configuration space at offset.
func (d *Device) PciRead(w Width, offset uint32, count uint64, buffer []byte) error {
	return d.configRead(d, w, offset, count, buffer)
}

func (d *Device) readConfig(w Width, offset uint32, count uint64, buffer []byte) error {
	if _, err := d.configSpan(w, offset, count, buffer); err != nil {
		return err
	}
	return copyUnits(w, count,
		bufferSpace(buffer), 0, 1,
		bufferSpace(d.config[:]), uint64(offset), 1)
}

// readConfigSDHCI answers the one-byte slot information read with the first
// BAR in bits 0-2 and the number of slots minus one in bits 4-6.
func (d *Device) readConfigSDHCI(w Width, offset uint32, count uint64, buffer []byte) error {
	if len(buffer) > 0 && w.valid() && offset == sdhciSlotInfoByte {
		if length, ok := accessSpan(w, count); ok && length == 1 {
			buffer[0] = d.sdhciSlotInfo()
			return nil
		}
	}
	return d.readConfig(w, offset, count, buffer)
}

func (d *Device) sdhciSlotInfo() byte {
	firstBar := d.barOffset & 0x7
	slots := (d.barCount - 1) & 0x7
	return firstBar | slots<<4
}

// PciWrite writes count units from buffer into configuration space.
func (d *Device) PciWrite(w Width, offset uint32, count uint64, buffer []byte) error {
	if _, err := d.configSpan(w, offset, count, buffer); err != nil {
		return err
	}
	return copyUnits(w, count,
		bufferSpace(d.config[:]), uint64(offset), 1,
		bufferSpace(buffer), 0, 1)
}
