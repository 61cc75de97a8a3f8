package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Large resource item tags used by the resource templates we produce and
// consume.
const (
	TagQWordAddressSpace = 0x8A
	TagEndTag            = 0x79
)

// Address space resource types (ACPI 6.4 table 6.50).
const (
	ResourceTypeMemory uint8 = 0x00
	ResourceTypeIO     uint8 = 0x01
	ResourceTypeBus    uint8 = 0x02
)

const (
	qwordBodyLength = 0x2B
	qwordLength     = 3 + qwordBodyLength
	endTagLength    = 2
)

// AddressSpaceDescriptor is a QWord address space descriptor as handed to us by
// the platform resource description. Granularity is the address width of the
// window: 32 or 64. A 64-bit window occupies two consecutive BAR slots.
type AddressSpaceDescriptor struct {
	ResourceType      uint8
	GeneralFlags      uint8
	TypeSpecificFlags uint8
	Granularity       uint64
	RangeMin          uint64
	RangeMax          uint64
	TranslationOffset uint64
	Length            uint64
}

// MemoryDescriptor builds a memory descriptor for the window [base, base+size).
// Windows that end above 4 GiB are described as 64-bit.
func MemoryDescriptor(base, size uint64) AddressSpaceDescriptor {
	granularity := uint64(32)
	if base+size > 1<<32 {
		granularity = 64
	}
	return AddressSpaceDescriptor{
		ResourceType: ResourceTypeMemory,
		Granularity:  granularity,
		RangeMin:     base,
		RangeMax:     base + size - 1,
		Length:       size,
	}
}

// Wide reports whether the descriptor needs a 64-bit BAR pair.
func (d AddressSpaceDescriptor) Wide() bool {
	return d.Granularity == 64
}

func (d AddressSpaceDescriptor) String() string {
	return fmt.Sprintf("mem%d[%#x-%#x)", d.Granularity, d.RangeMin, d.RangeMin+d.Length)
}

func (d AddressSpaceDescriptor) appendTo(buf *bytes.Buffer) {
	buf.WriteByte(TagQWordAddressSpace)
	binary.Write(buf, binary.LittleEndian, uint16(qwordBodyLength))
	buf.WriteByte(d.ResourceType)
	buf.WriteByte(d.GeneralFlags)
	buf.WriteByte(d.TypeSpecificFlags)
	binary.Write(buf, binary.LittleEndian, d.Granularity)
	binary.Write(buf, binary.LittleEndian, d.RangeMin)
	binary.Write(buf, binary.LittleEndian, d.RangeMax)
	binary.Write(buf, binary.LittleEndian, d.TranslationOffset)
	binary.Write(buf, binary.LittleEndian, d.Length)
}

// EncodeResources serialises descriptors into a resource template terminated
// by an end tag. The end tag checksum is computed over the whole template.
func EncodeResources(descs []AddressSpaceDescriptor) []byte {
	var buf bytes.Buffer
	buf.Grow(len(descs)*qwordLength + endTagLength)
	for _, d := range descs {
		d.appendTo(&buf)
	}
	buf.WriteByte(TagEndTag)
	buf.WriteByte(0)
	out := buf.Bytes()
	out[len(out)-1] = checksum(out[:len(out)-1])
	return out
}

// DecodeResources parses a resource template made of QWord address space
// descriptors and an end tag. Other descriptor types are rejected since they
// cannot describe a BAR window.
func DecodeResources(data []byte) ([]AddressSpaceDescriptor, error) {
	var out []AddressSpaceDescriptor
	pos := 0
	for {
		if pos >= len(data) {
			return nil, fmt.Errorf("acpi: resource template missing end tag")
		}
		switch data[pos] {
		case TagEndTag:
			if pos+endTagLength > len(data) {
				return nil, fmt.Errorf("acpi: truncated end tag at %d", pos)
			}
			sum := data[pos+1]
			if sum != 0 && checksum(data[:pos+1]) != sum {
				return nil, fmt.Errorf("acpi: resource template checksum mismatch")
			}
			return out, nil
		case TagQWordAddressSpace:
			if pos+3 > len(data) {
				return nil, fmt.Errorf("acpi: truncated descriptor header at %d", pos)
			}
			bodyLen := int(binary.LittleEndian.Uint16(data[pos+1:]))
			if bodyLen < qwordBodyLength || pos+3+bodyLen > len(data) {
				return nil, fmt.Errorf("acpi: bad qword descriptor length %d at %d", bodyLen, pos)
			}
			body := data[pos+3:]
			out = append(out, AddressSpaceDescriptor{
				ResourceType:      body[0],
				GeneralFlags:      body[1],
				TypeSpecificFlags: body[2],
				Granularity:       binary.LittleEndian.Uint64(body[3:]),
				RangeMin:          binary.LittleEndian.Uint64(body[11:]),
				RangeMax:          binary.LittleEndian.Uint64(body[19:]),
				TranslationOffset: binary.LittleEndian.Uint64(body[27:]),
				Length:            binary.LittleEndian.Uint64(body[35:]),
			})
			pos += 3 + bodyLen
		default:
			return nil, fmt.Errorf("acpi: unsupported resource descriptor 0x%02x at %d", data[pos], pos)
		}
	}
}

func checksum(b []byte) byte {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return byte(0 - sum)
}
