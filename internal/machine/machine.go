// Package machine simulates the firmware and first stage that run before the
// boot stage. A YAML description names the memory size, the firmware memory
// map, the framebuffer and the boot disk; New turns it into physical memory
// holding ACPI tables and a boot info record, exactly what the boot stage
// finds on real hardware.
package machine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/falconos/stage2/internal/addr"
	"github.com/falconos/stage2/internal/bootinfo"
	"github.com/falconos/stage2/internal/disk"
	"github.com/falconos/stage2/internal/physmem"
)

const (
	DefaultMemory      = 64 << 20
	DefaultBootInfo    = 0x5000
	DefaultFramebuffer = 0xFD000000

	// The generated map reserves the EBDA and option ROM window below 1 MiB.
	lowMemoryTop = 0x9F000
	highMemory   = 0x100000
)

var ErrBadDescription = errors.New("machine: invalid description")

// Number is an integer written in decimal, hex, or with a byte unit suffix
// such as "64MiB".
type Number uint64

func (n *Number) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: %w: expected a number", value.Line, ErrBadDescription)
	}
	v, err := parseNumber(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*n = Number(v)
	return nil
}

func (n Number) MarshalYAML() (any, error) {
	if n != 0 && n%(1<<20) == 0 {
		return humanize.IBytes(uint64(n)), nil
	}
	return fmt.Sprintf("%#x", uint64(n)), nil
}

func parseNumber(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return v, nil
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad number %q", ErrBadDescription, s)
	}
	return v, nil
}

// Description is the on-disk machine description.
type Description struct {
	Name     string `yaml:"name"`
	Memory   Number `yaml:"memory"`
	Backing  string `yaml:"backing,omitempty"`
	Loader   string `yaml:"loader"`
	BootInfo Number `yaml:"bootInfo"`
	Disk     string `yaml:"disk,omitempty"`

	CPUs   int  `yaml:"cpus,omitempty"`
	NoACPI bool `yaml:"noACPI,omitempty"`

	Framebuffer *Framebuffer `yaml:"framebuffer,omitempty"`

	// MemoryMap replaces the generated firmware memory map when set.
	MemoryMap []Region `yaml:"memoryMap,omitempty"`
}

type Framebuffer struct {
	Address Number `yaml:"address,omitempty"`
	Width   uint32 `yaml:"width"`
	Height  uint32 `yaml:"height"`
	Format  string `yaml:"format,omitempty"`
}

// Region is one firmware memory map entry. Kind is a tag name or a raw
// numeric tag.
type Region struct {
	Start Number `yaml:"start"`
	Size  Number `yaml:"size"`
	Kind  string `yaml:"kind"`
}

var tagNames = map[string]uint8{
	"used":        bootinfo.TagUsed,
	"free":        bootinfo.TagFree,
	"acpi":        bootinfo.TagACPI,
	"reclaimable": bootinfo.TagReclaimable,
	"bootinfo":    bootinfo.TagBootinfo,
	"paging":      bootinfo.TagPaging,
	"module":      bootinfo.TagKernelModule,
}

func parseTag(kind string) (uint8, error) {
	if tag, ok := tagNames[strings.ToLower(kind)]; ok {
		return tag, nil
	}
	v, err := strconv.ParseUint(kind, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: unknown region kind %q", ErrBadDescription, kind)
	}
	return uint8(v), nil
}

var pixelFormats = map[string]bootinfo.PixelFormat{
	"argb": bootinfo.PixelARGB,
	"rgba": bootinfo.PixelRGBA,
	"abgr": bootinfo.PixelABGR,
	"bgra": bootinfo.PixelBGRA,
}

func (d *Description) normalize() {
	if d.Name == "" {
		d.Name = "falcon"
	}
	if d.Memory == 0 {
		d.Memory = DefaultMemory
	}
	if d.Backing == "" {
		d.Backing = "heap"
	}
	if d.Loader == "" {
		d.Loader = "bios"
	}
	if d.BootInfo == 0 {
		d.BootInfo = DefaultBootInfo
	}
	if d.CPUs <= 0 {
		d.CPUs = 1
	}
	if fb := d.Framebuffer; fb != nil {
		if fb.Address == 0 {
			fb.Address = DefaultFramebuffer
		}
		if fb.Format == "" {
			fb.Format = "bgra"
		}
	}
}

func (d *Description) validate() error {
	if d.Memory < 2*highMemory {
		return fmt.Errorf("%w: %s of memory is not enough", ErrBadDescription, humanize.IBytes(uint64(d.Memory)))
	}
	if d.Backing != "heap" && d.Backing != "mmap" {
		return fmt.Errorf("%w: backing %q", ErrBadDescription, d.Backing)
	}
	if d.Loader != "bios" && d.Loader != "uefi" {
		return fmt.Errorf("%w: loader %q", ErrBadDescription, d.Loader)
	}
	if !addr.Phys(d.BootInfo).PageAligned() || uint64(d.BootInfo)+addr.PageSize > uint64(d.Memory) {
		return fmt.Errorf("%w: boot info address %#x", ErrBadDescription, uint64(d.BootInfo))
	}
	if fb := d.Framebuffer; fb != nil {
		if _, ok := pixelFormats[strings.ToLower(fb.Format)]; !ok {
			return fmt.Errorf("%w: pixel format %q", ErrBadDescription, fb.Format)
		}
	}
	for _, r := range d.MemoryMap {
		if _, err := parseTag(r.Kind); err != nil {
			return err
		}
	}
	return nil
}

// Parse decodes and validates a description.
func Parse(data []byte) (Description, error) {
	var d Description
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Description{}, fmt.Errorf("parse machine description: %w", err)
	}
	d.normalize()
	if err := d.validate(); err != nil {
		return Description{}, err
	}
	return d, nil
}

// Load reads a description file. A relative disk path is taken relative to
// the file.
func Load(path string) (Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Description{}, fmt.Errorf("read machine description: %w", err)
	}
	d, err := Parse(data)
	if err != nil {
		return Description{}, fmt.Errorf("%s: %w", path, err)
	}
	if d.Disk != "" && !filepath.IsAbs(d.Disk) {
		d.Disk = filepath.Join(filepath.Dir(path), d.Disk)
	}
	return d, nil
}

// WriteTemplate writes d, with defaults filled in, to path.
func WriteTemplate(path string, d Description) error {
	d.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&d); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

type Option func(*options)

type options struct {
	disk disk.SectorReader
	log  *slog.Logger
}

// WithDisk attaches a boot disk, overriding the description's disk path.
func WithDisk(d disk.SectorReader) Option {
	return func(o *options) { o.disk = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// Machine is the state the boot stage starts from.
type Machine struct {
	Description Description
	Memory      physmem.Memory
	Info        *bootinfo.Info
	Disk        disk.SectorReader

	closers []io.Closer
}

// New powers on a machine: it allocates physical memory, installs the ACPI
// tables and writes the boot info record at its configured address.
func New(d Description, opts ...Option) (_ *Machine, err error) {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	d.normalize()
	if err := d.validate(); err != nil {
		return nil, err
	}

	m := &Machine{Description: d, Disk: o.disk}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	switch d.Backing {
	case "mmap":
		mem, err := newMapped(uint64(d.Memory))
		if err != nil {
			return nil, err
		}
		m.Memory = mem
		m.closers = append(m.closers, mem)
	default:
		m.Memory = physmem.New(uint64(d.Memory))
	}

	if m.Disk == nil && d.Disk != "" {
		img, err := openImage(d.Disk)
		if err != nil {
			return nil, err
		}
		m.Disk = img
		m.closers = append(m.closers, img)
	}

	info := &bootinfo.Info{Addr: addr.Phys(d.BootInfo)}
	if d.Loader == "uefi" {
		info.Loader = bootinfo.LoaderUEFI
	}
	if fb := d.Framebuffer; fb != nil {
		info.Framebuffer = bootinfo.Framebuffer{
			Address:       addr.Phys(fb.Address),
			Width:         fb.Width,
			Height:        fb.Height,
			ScanlineBytes: fb.Width * 4,
			PixelFormat:   pixelFormats[strings.ToLower(fb.Format)],
		}
	}

	if len(d.MemoryMap) > 0 {
		for _, r := range d.MemoryMap {
			tag, _ := parseTag(r.Kind)
			info.MemoryMap = append(info.MemoryMap, bootinfo.Entry{Start: addr.Phys(r.Start), Size: uint64(r.Size), Tag: tag})
		}
	} else {
		info.MemoryMap = defaultMemoryMap(uint64(d.Memory), !d.NoACPI)
	}

	if !d.NoACPI {
		region, ok := acpiRegion(info.MemoryMap)
		if !ok {
			return nil, fmt.Errorf("%w: memory map has no ACPI region for the tables", ErrBadDescription)
		}
		if err := installACPI(m.Memory, region.Start+rsdpSlot, region.Size-rsdpSlot, region.Start, d.CPUs); err != nil {
			return nil, err
		}
		info.ACPI = region.Start
	}

	if err := info.Write(m.Memory); err != nil {
		return nil, err
	}
	m.Info = info

	o.log.Debug("machine powered on",
		"name", d.Name,
		"memory", humanize.IBytes(uint64(d.Memory)),
		"loader", info.Loader,
		"bootinfo", info.Addr,
		"acpi", info.ACPI,
		"regions", len(info.MemoryMap),
	)
	return m, nil
}

// rsdpSlot keeps the RSDP at the base of the ACPI region, ahead of the
// tables it points to.
const rsdpSlot = 0x40

func acpiRegion(mm []bootinfo.Entry) (bootinfo.Entry, bool) {
	for _, e := range mm {
		if e.Tag == bootinfo.TagACPI && e.Size > rsdpSlot {
			return e, true
		}
	}
	return bootinfo.Entry{}, false
}

func defaultMemoryMap(size uint64, acpi bool) []bootinfo.Entry {
	top := size
	if acpi {
		top -= DefaultACPITablesSize
	}
	mm := []bootinfo.Entry{
		{Start: 0, Size: lowMemoryTop, Tag: bootinfo.TagFree},
		{Start: lowMemoryTop, Size: highMemory - lowMemoryTop, Tag: bootinfo.TagUsed},
		{Start: highMemory, Size: top - highMemory, Tag: bootinfo.TagFree},
	}
	if acpi {
		mm = append(mm, bootinfo.Entry{Start: addr.Phys(top), Size: DefaultACPITablesSize, Tag: bootinfo.TagACPI})
	}
	return mm
}

// Close releases the memory mapping and disk image, if any.
func (m *Machine) Close() error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		errs = append(errs, m.closers[i].Close())
	}
	m.closers = nil
	return errors.Join(errs...)
}
