// ndpci builds a simulated platform from a description file and exercises the
// PCI I/O emulation of its non-discoverable devices.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/ndpci/internal/acpi"
	"github.com/tinyrange/ndpci/internal/devices/pci"
	"github.com/tinyrange/ndpci/internal/platform"
	"golang.org/x/term"
)

const usage = `usage: ndpci [flags] <command> [args]

commands:
  example <file>                          write an example platform description
  list                                    list devices and their BARs
  map                                     show the physical address map
  config <device>                         dump configuration space
  read <device> <bar> <offset> <count>    read count bytes from a BAR
  write <device> <bar> <offset> <hex>     write bytes to a BAR
  selftest [-n iterations]                run DMA round trips on every device

flags:
`

type app struct {
	out          io.Writer
	platformPath string
}

func (a *app) load() (*platform.Platform, error) {
	desc, err := platform.LoadDescription(a.platformPath)
	if err != nil {
		return nil, err
	}
	return platform.Build(desc)
}

func (a *app) run(args []string) error {
	fs := flag.NewFlagSet("ndpci", flag.ContinueOnError)
	fs.StringVar(&a.platformPath, "platform", platform.DescriptionFilename, "platform description file or directory")
	dbg := fs.Bool("debug", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("missing command")
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	if cmd == "example" {
		if len(rest) != 1 {
			return fmt.Errorf("example: want <file>")
		}
		return platform.WriteDescription(rest[0], platform.Example())
	}

	p, err := a.load()
	if err != nil {
		return err
	}
	defer p.Close()

	switch cmd {
	case "list":
		return a.list(p)
	case "map":
		return a.addressMap(p)
	case "config":
		return a.config(p, rest)
	case "read":
		return a.read(p, rest)
	case "write":
		return a.write(p, rest)
	case "selftest":
		return a.selftest(p, rest)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) list(p *platform.Platform) error {
	for _, dev := range p.Devices() {
		seg, bus, d, fn := dev.Location()
		fmt.Fprintf(a.out, "%04x:%02x:%02x.%x %-8s %-6s %s\n", seg, bus, d, fn, dev.Name(), dev.Type(), dev.DMAType())
		for i := uint8(0); i < pci.MaxBARs; i++ {
			_, template, err := dev.GetBarAttributes(i)
			if err != nil {
				continue
			}
			descs, err := acpi.DecodeResources(template)
			if err != nil {
				return fmt.Errorf("%s: BAR %d: %w", dev.Name(), i, err)
			}
			for _, desc := range descs {
				fmt.Fprintf(a.out, "    BAR%d %s\n", i, desc)
			}
		}
	}
	return nil
}

func (a *app) addressMap(p *platform.Platform) error {
	for _, r := range p.Memory.Regions() {
		fmt.Fprintf(a.out, "ram   %-12s [%#012x-%#012x) attrs=%s caps=%s\n", r.Name, r.Base, r.Base+r.Size,
			strings.Join(platform.FormatAttributes(r.Attributes), ","),
			strings.Join(platform.FormatAttributes(r.Capabilities), ","))
	}
	for _, w := range p.Space.FixedRegions() {
		fmt.Fprintf(a.out, "fixed %-12s [%#012x-%#012x)\n", w.Name, w.Base, w.Base+w.Size)
	}
	for _, w := range p.Space.Allocations() {
		fmt.Fprintf(a.out, "alloc %-12s [%#012x-%#012x)\n", w.Name, w.Base, w.Base+w.Size)
	}
	return nil
}

func (a *app) device(p *platform.Platform, args []string, want int, argUsage string) (*platform.Device, error) {
	if len(args) != want {
		return nil, fmt.Errorf("want %s", argUsage)
	}
	return p.Device(args[0])
}

func (a *app) config(p *platform.Platform, args []string) error {
	dev, err := a.device(p, args, 1, "<device>")
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	buf := make([]byte, 64)
	if err := dev.PciRead(pci.WidthUint32, 0, uint64(len(buf)/4), buf); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fmt.Fprint(a.out, hex.Dump(buf))
	return nil
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 0, 64)
}

func barArgs(args []string) (bar uint8, offset uint64, err error) {
	b, err := strconv.ParseUint(args[1], 0, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("bar %q: %w", args[1], err)
	}
	offset, err = parseUint(args[2])
	if err != nil {
		return 0, 0, fmt.Errorf("offset %q: %w", args[2], err)
	}
	return uint8(b), offset, nil
}

func (a *app) read(p *platform.Platform, args []string) error {
	dev, err := a.device(p, args, 4, "<device> <bar> <offset> <count>")
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	bar, offset, err := barArgs(args)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	count, err := parseUint(args[3])
	if err != nil {
		return fmt.Errorf("read: count %q: %w", args[3], err)
	}
	buf := make([]byte, count)
	if err := dev.MemRead(pci.WidthUint8, bar, offset, count, buf); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	fmt.Fprint(a.out, hex.Dump(buf))
	return nil
}

func (a *app) write(p *platform.Platform, args []string) error {
	dev, err := a.device(p, args, 4, "<device> <bar> <offset> <hex>")
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	bar, offset, err := barArgs(args)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	data, err := hex.DecodeString(args[3])
	if err != nil {
		return fmt.Errorf("write: data: %w", err)
	}
	if err := dev.MemWrite(pci.WidthUint8, bar, offset, uint64(len(data)), data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (a *app) selftest(p *platform.Platform, args []string) error {
	fs := flag.NewFlagSet("selftest", flag.ContinueOnError)
	n := fs.Int("n", 256, "DMA round trips per device")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var progress func(uint64)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		pb := progressbar.DefaultBytes(-1, "selftest")
		defer pb.Close()
		progress = func(n uint64) { pb.Add64(int64(n)) }
	}

	report, err := p.SelfTest(*n, progress)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "devices=%d transfers=%d bounced=%d bytes=%d\n",
		report.Devices, report.Transfers, report.Bounced, report.Bytes)
	return nil
}

func main() {
	a := &app{out: os.Stdout}
	if err := a.run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ndpci: %v\n", err)
		os.Exit(1)
	}
}
