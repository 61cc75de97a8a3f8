package platform

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/ndpci/internal/cpu"
	"github.com/tinyrange/ndpci/internal/devices/pci"
	"github.com/tinyrange/ndpci/internal/hv"
	"github.com/tinyrange/ndpci/internal/mem"
)

// Device is an emulated PCI device together with the register files backing
// its BARs.
type Device struct {
	*pci.Device

	Registers []*hv.RegisterFile
}

// Platform is a running simulated machine: physical memory, the CPU cache
// model, the MMIO bus and the devices described on it.
type Platform struct {
	desc Description

	Memory *mem.Memory
	Cache  *cpu.Cache
	Space  *hv.AddressSpace
	Bus    *hv.Bus

	devices []*Device
	byName  map[string]*Device
}

// Build creates the platform described by desc.
func Build(desc Description) (*Platform, error) {
	desc.normalize()
	if err := desc.validate(); err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}

	regions := make([]mem.RegionConfig, 0, len(desc.Memory))
	for _, r := range desc.Memory {
		caps, err := ParseAttributes(r.Capabilities)
		if err != nil {
			return nil, fmt.Errorf("platform: region %s capabilities: %w", r.Name, err)
		}
		attrs, err := ParseAttributes(r.Attributes)
		if err != nil {
			return nil, fmt.Errorf("platform: region %s attributes: %w", r.Name, err)
		}
		regions = append(regions, mem.RegionConfig{
			Name:         r.Name,
			Base:         r.Base,
			Size:         r.Size,
			Capabilities: caps,
			Attributes:   attrs,
		})
	}

	memory, err := mem.New(regions...)
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	p := &Platform{
		desc:   desc,
		Memory: memory,
		Space:  hv.NewAddressSpace(desc.MMIOBase),
		Bus:    hv.NewBus(),
		byName: make(map[string]*Device),
	}
	if err := p.build(); err != nil {
		memory.Close()
		return nil, err
	}
	return p, nil
}

func (p *Platform) build() error {
	cache, err := cpu.NewCache(p.Memory, p.desc.DMAAlignment)
	if err != nil {
		return fmt.Errorf("platform: %w", err)
	}
	p.Cache = cache

	for _, r := range p.desc.Memory {
		if err := p.Space.AddRAM(r.Name, r.Base, r.Size); err != nil {
			return fmt.Errorf("platform: %w", err)
		}
	}
	for _, dd := range p.desc.Devices {
		dev, err := p.addDevice(dd)
		if err != nil {
			return fmt.Errorf("platform: device %s: %w", dd.Name, err)
		}
		p.devices = append(p.devices, dev)
		p.byName[dev.Name()] = dev
	}
	return nil
}

func (p *Platform) addDevice(dd DeviceDescription) (*Device, error) {
	typ, err := pci.ParseDeviceType(dd.Type)
	if err != nil {
		return nil, err
	}
	dma, err := pci.ParseDMAType(dd.DMA)
	if err != nil {
		return nil, err
	}

	dev := &Device{}
	resources := make([]pci.MMIOResource, 0, len(dd.Resources))
	for i, res := range dd.Resources {
		name := fmt.Sprintf("%s.bar%d", dd.Name, i)
		base := res.Base
		if base == 0 {
			alloc, err := p.Space.Allocate(hv.MMIOAllocationRequest{Name: name, Size: res.Size})
			if err != nil {
				return nil, fmt.Errorf("place %s: %w: %w", name, pci.ErrConfiguration, err)
			}
			base = alloc.Base
		} else if err := p.Space.RegisterFixed(name, base, res.Size); err != nil {
			return nil, fmt.Errorf("%w: %w", pci.ErrConfiguration, err)
		}

		regs := hv.NewRegisterFile(name, base, res.Size)
		if err := p.Bus.AddDevice(regs); err != nil {
			return nil, fmt.Errorf("%w: %w", pci.ErrConfiguration, err)
		}
		dev.Registers = append(dev.Registers, regs)
		resources = append(resources, pci.MMIOResource{Base: base, Size: res.Size})
	}

	collab := pci.Platform{Registers: p.Bus, Memory: p.Memory, Cache: p.Cache}
	pd, err := pci.RegisterMMIODevice(collab, dd.Name, typ, dma, dev.reset, resources...)
	if err != nil {
		return nil, err
	}
	dev.Device = pd
	slog.Info("platform: device registered", "device", dd.Name, "type", typ, "dma", dma, "bars", pd.BARCount())
	return dev, nil
}

// reset brings the register windows to their power-on state the first time
// the device is enabled.
func (d *Device) reset(*pci.Device) error {
	for _, r := range d.Registers {
		r.Reset()
	}
	slog.Debug("platform: device reset", "device", d.Name(), "windows", len(d.Registers))
	return nil
}

// Description returns the normalized description the platform was built from.
func (p *Platform) Description() Description {
	return p.desc
}

// Devices returns the devices in description order.
func (p *Platform) Devices() []*Device {
	return append([]*Device(nil), p.devices...)
}

var ErrNoSuchDevice = errors.New("no such device")

// Device looks up a device by name.
func (p *Platform) Device(name string) (*Device, error) {
	dev, ok := p.byName[name]
	if !ok {
		return nil, fmt.Errorf("platform: %q: %w", name, ErrNoSuchDevice)
	}
	return dev, nil
}

// Close releases the simulated memory.
func (p *Platform) Close() error {
	return p.Memory.Close()
}
