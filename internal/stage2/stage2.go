// Package stage2 is the boot driver. It runs the boot stage from the moment
// the first stage jumps to it until control passes to the kernel: bring up
// the physical memory manager, mount the boot volume, load the kernel, build
// the kernel's address space and hand off.
package stage2

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/falconos/stage2/internal/addr"
	"github.com/falconos/stage2/internal/bootcfg"
	"github.com/falconos/stage2/internal/bootinfo"
	"github.com/falconos/stage2/internal/disk"
	"github.com/falconos/stage2/internal/elfload"
	"github.com/falconos/stage2/internal/fs"
	"github.com/falconos/stage2/internal/physmem"
	"github.com/falconos/stage2/internal/pmm"
	"github.com/falconos/stage2/internal/vmm"
)

// Phase names a step of the boot sequence.
type Phase string

const (
	PhaseMemory  Phase = "memory"
	PhaseMount   Phase = "mount"
	PhaseConfig  Phase = "config"
	PhaseKernel  Phase = "kernel"
	PhaseModules Phase = "modules"
	PhasePaging  Phase = "paging"
	PhaseHandoff Phase = "handoff"
)

// Phases lists every phase in the order Run goes through them.
var Phases = []Phase{PhaseMemory, PhaseMount, PhaseConfig, PhaseKernel, PhaseModules, PhasePaging, PhaseHandoff}

// Handoff is what the kernel receives: the root table to load into CR3, the
// address to jump to and the boot info record describing the machine.
type Handoff struct {
	Root     addr.Phys
	Entry    addr.Virt
	BootInfo addr.Phys
}

// ModeSwitcher enables long mode paging on the given tables and jumps to the
// kernel. On hardware Enter does not return.
type ModeSwitcher interface {
	Enter(h Handoff) error
}

// Recorder is a ModeSwitcher that keeps the handoff instead of acting on it.
type Recorder struct {
	Handoff *Handoff
}

func (r *Recorder) Enter(h Handoff) error {
	if r.Handoff != nil {
		return errors.New("stage2: mode switch entered twice")
	}
	r.Handoff = &h
	return nil
}

// Module is a file loaded next to the kernel.
type Module struct {
	Path string
	Addr addr.Phys
	Size uint32
}

// Result describes the finished boot.
type Result struct {
	Handoff Handoff
	Config  *bootcfg.Config
	Kernel  *elfload.Kernel
	Modules []Module
	Space   vmm.AddressSpace

	// Tables is the number of page table pages the address space uses.
	Tables int
	Memory *pmm.Allocator
	Paging *vmm.Builder
}

type Option func(*stage)

func WithLogger(l *slog.Logger) Option {
	return func(s *stage) { s.log = l }
}

// WithProgress calls fn as each phase starts.
func WithProgress(fn func(Phase)) Option {
	return func(s *stage) { s.progress = fn }
}

// WithConsole gives the boot stage a console. A verbose configuration dumps
// the memory map to it before the handoff.
func WithConsole(w io.Writer) Option {
	return func(s *stage) { s.console = w }
}

type stage struct {
	mem      physmem.Memory
	disk     disk.SectorReader
	switcher ModeSwitcher

	log      *slog.Logger
	progress func(Phase)
	console  io.Writer

	info   *bootinfo.Info
	frames *pmm.Allocator
	fsys   *fs.FS
	res    Result
}

func (s *stage) enter(p Phase) {
	s.log.Debug("boot phase", "phase", string(p))
	if s.progress != nil {
		s.progress(p)
	}
}

// Run boots from the boot info record at bootInfo. It returns the first
// error it meets; on success the handoff has been passed to sw.
func Run(mem physmem.Memory, d disk.SectorReader, bootInfo addr.Phys, sw ModeSwitcher, opts ...Option) (*Result, error) {
	s := &stage{mem: mem, disk: d, switcher: sw, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	for _, step := range []struct {
		phase Phase
		fn    func() error
	}{
		{PhaseMemory, func() error { return s.initMemory(bootInfo) }},
		{PhaseMount, s.mount},
		{PhaseConfig, s.readConfig},
		{PhaseKernel, s.loadKernel},
		{PhaseModules, s.loadModules},
		{PhasePaging, s.buildAddressSpace},
		{PhaseHandoff, s.handoff},
	} {
		s.enter(step.phase)
		if err := step.fn(); err != nil {
			return &s.res, fmt.Errorf("%s: %w", step.phase, err)
		}
	}
	return &s.res, nil
}

func (s *stage) initMemory(at addr.Phys) error {
	info, err := bootinfo.Read(s.mem, at)
	if err != nil {
		return err
	}
	s.info = info
	s.frames = pmm.New(pmm.WithLogger(s.log))
	if err := s.frames.Init(info); err != nil {
		return err
	}
	s.res.Memory = s.frames
	return nil
}

func (s *stage) mount() error {
	fsys, err := fs.Mount(s.disk, s.frames, s.mem, fs.WithLogger(s.log))
	if err != nil {
		return err
	}
	s.fsys = fsys
	s.log.Info("boot volume mounted", "label", fsys.Label(), "partition", fsys.Partition().Name)
	return nil
}

func (s *stage) readConfig() error {
	at, info, err := s.fsys.ReadFile(bootcfg.DefaultPath, pmm.FirmwareReclaimable)
	if errors.Is(err, fs.ErrNotFound) {
		s.log.Info("no boot configuration, using defaults", "path", bootcfg.DefaultPath)
		s.res.Config = bootcfg.Default()
		return nil
	}
	if err != nil {
		return err
	}
	cfg, err := bootcfg.Parse(io.NewSectionReader(s.mem, int64(at), int64(info.Size)))
	if err != nil {
		return fmt.Errorf("%s: %w", bootcfg.DefaultPath, err)
	}
	s.res.Config = cfg
	return nil
}

func (s *stage) loadKernel() error {
	path := s.res.Config.Kernel
	at, info, err := s.fsys.ReadFile(path, pmm.FirmwareReclaimable)
	if err != nil {
		return err
	}
	k, err := elfload.Load(io.NewSectionReader(s.mem, int64(at), int64(info.Size)), s.frames, s.mem, elfload.WithLogger(s.log))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	s.res.Kernel = k
	s.log.Info("kernel loaded", "path", path, "entry", k.Entry, "segments", len(k.Segments))
	return nil
}

func (s *stage) loadModules() error {
	for _, path := range s.res.Config.Modules {
		at, info, err := s.fsys.ReadFile(path, pmm.KernelModule)
		if err != nil {
			return err
		}
		s.res.Modules = append(s.res.Modules, Module{Path: path, Addr: at, Size: info.Size})
		s.log.Info("module loaded", "path", path, "addr", at, "size", info.Size)
	}
	return nil
}

func (s *stage) buildAddressSpace() error {
	b := vmm.NewBuilder(s.mem, s.frames, vmm.WithLogger(s.log))
	space, err := b.Create()
	if err != nil {
		return err
	}
	if n := s.res.Config.IdentityMap; n > 0 {
		if err := b.IdentityMap(space, 0, n, vmm.DefaultFlags); err != nil {
			return fmt.Errorf("identity map low %#x bytes: %w", n, err)
		}
	}
	for _, seg := range s.res.Kernel.Segments {
		flags := vmm.FlagPresent
		if seg.Writable {
			flags |= vmm.FlagWritable
		}
		if err := b.MapRange(space, seg.Virt, seg.Phys, seg.Length, flags, !seg.Executable); err != nil {
			return fmt.Errorf("map segment %s: %w", seg, err)
		}
	}

	s.res.Space = space
	s.res.Paging = b
	s.res.Tables = b.Tables()
	s.log.Info("address space built", "root", space.Root, "tables", b.Tables())
	return nil
}

func (s *stage) handoff() error {
	s.info.MemoryMap = s.frames.MemoryMap()
	if err := s.info.Write(s.mem); err != nil {
		return fmt.Errorf("update boot info: %w", err)
	}
	if s.res.Config.Verbose && s.console != nil {
		if err := s.frames.Dump(s.console); err != nil {
			return err
		}
	}

	s.res.Handoff = Handoff{
		Root:     s.res.Space.Root,
		Entry:    s.res.Kernel.Entry,
		BootInfo: s.info.Addr,
	}
	s.log.Info("entering kernel", "root", s.res.Handoff.Root, "entry", s.res.Handoff.Entry)
	return s.switcher.Enter(s.res.Handoff)
}
