package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tinyrange/ndpci/internal/cpu"
	"github.com/tinyrange/ndpci/internal/mem"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

const (
	DescriptionFilename = "platform.yaml"

	// SchemaVersion is the newest description format this build writes.
	SchemaVersion = "v1.0.0"
	schemaMajor   = "v1"

	// DefaultMMIOBase is where resources without a base address are placed.
	DefaultMMIOBase = 0x4000_0000
)

// Description is the on-disk platform description.
type Description struct {
	Version      string `yaml:"version"`
	DMAAlignment uint64 `yaml:"dmaAlignment,omitempty"`
	MMIOBase     uint64 `yaml:"mmioBase,omitempty"`

	Memory  []MemoryRegion      `yaml:"memory"`
	Devices []DeviceDescription `yaml:"devices"`
}

// MemoryRegion is one RAM region. Capabilities and attributes are lists of
// cache type names such as "wb" or "uc".
type MemoryRegion struct {
	Name         string   `yaml:"name"`
	Base         uint64   `yaml:"base"`
	Size         uint64   `yaml:"size"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Attributes   []string `yaml:"attributes,omitempty"`
}

type DeviceDescription struct {
	Name      string     `yaml:"name"`
	Type      string     `yaml:"type"`
	DMA       string     `yaml:"dma,omitempty"`
	Resources []Resource `yaml:"resources"`
}

// Resource is a register window. A zero base asks the platform to place it.
type Resource struct {
	Base uint64 `yaml:"base,omitempty"`
	Size uint64 `yaml:"size"`
}

var attributeNames = map[string]uint64{
	"uc":  mem.AttrUC,
	"wc":  mem.AttrWC,
	"wt":  mem.AttrWT,
	"wb":  mem.AttrWB,
	"uce": mem.AttrUCE,
	"wp":  mem.AttrWP,
	"rp":  mem.AttrRP,
	"xp":  mem.AttrXP,
	"ro":  mem.AttrRO,
}

// ParseAttributes converts a list of attribute names into EFI memory bits.
func ParseAttributes(names []string) (uint64, error) {
	var out uint64
	for _, name := range names {
		bit, ok := attributeNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown memory attribute %q", name)
		}
		out |= bit
	}
	return out, nil
}

// FormatAttributes is the inverse of ParseAttributes. Names are sorted.
func FormatAttributes(attrs uint64) []string {
	var out []string
	for name, bit := range attributeNames {
		if attrs&bit != 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (d *Description) normalize() {
	if d.Version == "" {
		d.Version = SchemaVersion
	}
	if d.DMAAlignment == 0 {
		d.DMAAlignment = cpu.DefaultDMABufferAlignment
	}
	if d.MMIOBase == 0 {
		d.MMIOBase = DefaultMMIOBase
	}
	for i := range d.Memory {
		r := &d.Memory[i]
		if r.Name == "" {
			r.Name = fmt.Sprintf("ram%d", i)
		}
		if len(r.Attributes) == 0 {
			r.Attributes = []string{"wb"}
		}
		if len(r.Capabilities) == 0 {
			r.Capabilities = []string{"uc", "wc", "wt", "wb"}
		}
	}
	for i := range d.Devices {
		dev := &d.Devices[i]
		if dev.Name == "" {
			dev.Name = fmt.Sprintf("%s%d", strings.ToLower(dev.Type), i)
		}
		if dev.DMA == "" {
			dev.DMA = "coherent"
		}
	}
}

func (d *Description) validate() error {
	if !semver.IsValid(d.Version) {
		return fmt.Errorf("version %q is not a semantic version", d.Version)
	}
	if major := semver.Major(d.Version); major != schemaMajor {
		return fmt.Errorf("unsupported description version %s (want %s.x.y)", d.Version, schemaMajor)
	}
	if semver.Compare(d.Version, SchemaVersion) > 0 {
		return fmt.Errorf("description version %s is newer than %s", d.Version, SchemaVersion)
	}
	if len(d.Memory) == 0 {
		return fmt.Errorf("no memory regions")
	}

	seen := make(map[string]bool)
	for _, dev := range d.Devices {
		if seen[dev.Name] {
			return fmt.Errorf("duplicate device name %q", dev.Name)
		}
		seen[dev.Name] = true
		if len(dev.Resources) == 0 {
			return fmt.Errorf("device %s has no resources", dev.Name)
		}
	}
	return nil
}

// Parse decodes and validates a description.
func Parse(data []byte) (Description, error) {
	var desc Description
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return Description{}, fmt.Errorf("parse %s: %w", DescriptionFilename, err)
	}
	desc.normalize()
	if err := desc.validate(); err != nil {
		return Description{}, fmt.Errorf("invalid %s: %w", DescriptionFilename, err)
	}
	return desc, nil
}

// LoadDescription reads a description from path. A directory is searched for
// DescriptionFilename.
func LoadDescription(path string) (Description, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, DescriptionFilename)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Description{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// WriteDescription writes desc to path with defaults filled in.
func WriteDescription(path string, desc Description) error {
	desc.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&desc); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Example returns a small description with one device of each DMA type.
func Example() Description {
	desc := Description{
		Memory: []MemoryRegion{
			{Name: "low", Base: 0x8000_0000, Size: 0x10_0000},
			{Name: "high", Base: 0x1_0000_0000, Size: 0x10_0000,
				Capabilities: []string{"uc", "wb"}},
		},
		Devices: []DeviceDescription{
			{Name: "sdhc0", Type: "sdhci", DMA: "noncoherent",
				Resources: []Resource{{Base: 0x1000_0000, Size: 0x1000}}},
			{Name: "xhci0", Type: "xhci",
				Resources: []Resource{{Size: 0x1_0000}}},
		},
	}
	desc.normalize()
	return desc
}
