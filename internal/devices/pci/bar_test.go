package pci

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/ndpci/internal/acpi"
)

func TestResolveBAR(t *testing.T) {
	a := mem32(0x1000_0000, 0x1000)
	b := mem64(0x2_0000_0000, 0x4000)
	c := mem32(0x1001_0000, 0x100)
	descs := []acpi.AddressSpaceDescriptor{a, b, c}

	tests := []struct {
		name   string
		offset uint8
		index  uint8
		want   *acpi.AddressSpaceDescriptor
	}{
		{"first", 0, 0, &a},
		{"wide", 0, 1, &b},
		{"upper half of wide", 0, 2, nil},
		{"after wide", 0, 3, &c},
		{"past end", 0, 4, nil},
		{"below offset", 2, 1, nil},
		{"at offset", 2, 2, &a},
		{"offset wide", 2, 3, &b},
		{"offset after wide", 2, 5, &c},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveBAR(descs, tt.offset, tt.index)
			if tt.want == nil {
				if !errors.Is(err, ErrNotFound) {
					t.Fatalf("got %v, %v want ErrNotFound", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got != *tt.want {
				t.Fatalf("got %s want %s", got, *tt.want)
			}
		})
	}
}

// AHCI exposes its registers from BAR 5, so later windows resolve past the
// last configuration space slot.
func TestResolveBARAHCI(t *testing.T) {
	a := mem32(0x1000, 0x100)
	b := mem32(0x2000, 0x100)
	c := mem64(0x1_0000_0000, 0x1000)
	descs := []acpi.AddressSpaceDescriptor{a, b, c}

	for idx, want := range map[uint8]acpi.AddressSpaceDescriptor{5: a, 6: b, 7: c} {
		got, err := ResolveBAR(descs, 5, idx)
		if err != nil || got != want {
			t.Fatalf("BAR %d: got %s, %v want %s", idx, got, err, want)
		}
	}
	for _, idx := range []uint8{0, 4, 8, 9} {
		if _, err := ResolveBAR(descs, 5, idx); !errors.Is(err, ErrNotFound) {
			t.Fatalf("BAR %d: got %v want ErrNotFound", idx, err)
		}
	}

	// Only one window fits in configuration space.
	p := newTestPlatform(t)
	_, err := NewDevice(Config{Type: DeviceTypeAHCI, Resources: descs, Platform: p.Platform})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("AHCI with three windows: got %v want ErrConfiguration", err)
	}

	d := p.newDevice(t, DeviceTypeAHCI, DMACoherent, a)
	if d.BAROffset() != 5 || d.BARCount() != 1 {
		t.Fatalf("AHCI bars: offset %d count %d", d.BAROffset(), d.BARCount())
	}
	buf := make([]byte, 4)
	if err := d.PciRead(WidthUint32, 0x24, 1, buf); err != nil {
		t.Fatalf("read BAR 5: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf); got != 0x1000 {
		t.Fatalf("BAR 5: got 0x%x want 0x1000", got)
	}
}
