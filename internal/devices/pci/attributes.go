package pci

import (
	"fmt"
	"log/slog"
)

// Attributes implements the PCI I/O attribute operation. Any operation that
// turns on a device-enable bit for the first time runs the device init
// callback; it never runs again for the lifetime of the device.
func (d *Device) Attributes(op AttributeOperation, attributes uint64) (uint64, error) {
	enable := false
	switch op {
	case AttributeGet:
		return d.attributes, nil
	case AttributeSupported:
		return SupportedAttributes, nil
	case AttributeEnable:
		attributes |= d.attributes
		fallthrough
	case AttributeSet:
		enable = ^d.attributes&attributes&AttributeDeviceEnable != 0
		d.attributes = attributes
	case AttributeDisable:
		d.attributes &^= attributes
	default:
		return 0, fmt.Errorf("pci: %s: attribute operation %d: %w", d.name, op, ErrInvalidParameter)
	}

	if enable && !d.activated {
		d.activated = true
		slog.Debug("pci: activating device", "device", d.name, "type", d.typ)
		if d.init != nil {
			if err := d.init(d); err != nil {
				return d.attributes, fmt.Errorf("pci: %s: device init: %w: %w", d.name, ErrDeviceError, err)
			}
		}
	}
	return d.attributes, nil
}

// GetAttributes returns the current attribute set.
func (d *Device) GetAttributes() uint64 {
	return d.attributes
}

// EnableAttributes ORs attributes into the current set.
func (d *Device) EnableAttributes(attributes uint64) error {
	_, err := d.Attributes(AttributeEnable, attributes)
	return err
}

// SetAttributes replaces the current set.
func (d *Device) SetAttributes(attributes uint64) error {
	_, err := d.Attributes(AttributeSet, attributes)
	return err
}

// DisableAttributes clears attributes from the current set.
func (d *Device) DisableAttributes(attributes uint64) error {
	_, err := d.Attributes(AttributeDisable, attributes)
	return err
}

// Activated reports whether the init callback has run.
func (d *Device) Activated() bool {
	return d.activated
}
