// Package elfload places the loadable segments of an ELF64 kernel image in
// physical memory.
package elfload

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/falconos/stage2/internal/addr"
	"github.com/falconos/stage2/internal/physmem"
	"github.com/falconos/stage2/internal/pmm"
)

const (
	MaxSegmentSize = 64 << 20
	MaxSegments    = 8
)

var (
	ErrUnsupported     = errors.New("elfload: unsupported executable")
	ErrNoSegments      = errors.New("elfload: no loadable segments")
	ErrTooManySegments = errors.New("elfload: too many loadable segments")
	ErrSegmentTooLarge = errors.New("elfload: segment too large")
	ErrBadSegment      = errors.New("elfload: malformed segment")
	ErrBadEntry        = errors.New("elfload: entry point outside loaded segments")
)

// Allocator is the slice of the memory manager the loader uses.
type Allocator interface {
	Allocate(size uint64, kind pmm.RegionKind) (addr.Phys, error)
}

// Mapping is one loaded segment: Length bytes at Phys that the kernel
// expects to see at Virt.
type Mapping struct {
	Phys       addr.Phys
	Virt       addr.Virt
	Length     uint64
	Writable   bool
	Executable bool
}

func (m Mapping) String() string {
	perm := []byte("r--")
	if m.Writable {
		perm[1] = 'w'
	}
	if m.Executable {
		perm[2] = 'x'
	}
	return fmt.Sprintf("%s -> %s (%#x bytes, %s)", m.Virt, m.Phys, m.Length, perm)
}

// Kernel is a loaded image.
type Kernel struct {
	Entry    addr.Virt
	Segments []Mapping
}

type config struct {
	log  *slog.Logger
	kind pmm.RegionKind
}

type Option func(*config)

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithKind overrides the region kind segments are allocated as.
func WithKind(kind pmm.RegionKind) Option {
	return func(c *config) { c.kind = kind }
}

// Load validates image as a little-endian x86_64 ELF64 executable and copies
// each PT_LOAD segment into its own allocation, zero filling the part of the
// segment not backed by the file.
func Load(image io.ReaderAt, frames Allocator, mem physmem.Memory, opts ...Option) (*Kernel, error) {
	cfg := config{log: slog.Default(), kind: pmm.Used}
	for _, opt := range opts {
		opt(&cfg)
	}

	f, err := elf.NewFile(image)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	defer f.Close()

	switch {
	case f.Class != elf.ELFCLASS64:
		return nil, fmt.Errorf("%w: class %s", ErrUnsupported, f.Class)
	case f.Data != elf.ELFDATA2LSB:
		return nil, fmt.Errorf("%w: byte order %s", ErrUnsupported, f.Data)
	case f.Machine != elf.EM_X86_64:
		return nil, fmt.Errorf("%w: machine %s", ErrUnsupported, f.Machine)
	case f.Type != elf.ET_EXEC:
		return nil, fmt.Errorf("%w: type %s", ErrUnsupported, f.Type)
	}

	var progs []*elf.Prog
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("%w: file size %#x exceeds mem size %#x", ErrBadSegment, prog.Filesz, prog.Memsz)
		}
		if prog.Memsz > MaxSegmentSize {
			return nil, fmt.Errorf("%w: %#x bytes at %#x", ErrSegmentTooLarge, prog.Memsz, prog.Vaddr)
		}
		if prog.Vaddr+prog.Memsz < prog.Vaddr {
			return nil, fmt.Errorf("%w: segment at %#x wraps", ErrBadSegment, prog.Vaddr)
		}
		progs = append(progs, prog)
	}
	if len(progs) == 0 {
		return nil, ErrNoSegments
	}
	if len(progs) > MaxSegments {
		return nil, fmt.Errorf("%w: %d, at most %d", ErrTooManySegments, len(progs), MaxSegments)
	}
	if err := checkOverlap(progs); err != nil {
		return nil, err
	}

	k := &Kernel{Entry: addr.Virt(f.Entry)}
	var entryOK bool
	for _, prog := range progs {
		m, err := loadSegment(prog, frames, mem, cfg.kind)
		if err != nil {
			return nil, err
		}
		cfg.log.Debug("segment loaded", "mapping", m.String())
		k.Segments = append(k.Segments, m)
		if f.Entry >= prog.Vaddr && f.Entry < prog.Vaddr+prog.Memsz && m.Executable {
			entryOK = true
		}
	}
	if !entryOK {
		return nil, fmt.Errorf("%w: %s", ErrBadEntry, k.Entry)
	}
	return k, nil
}

// checkOverlap rejects segments sharing a virtual page: each segment gets
// its own frames, so a shared page could not be mapped.
func checkOverlap(progs []*elf.Prog) error {
	for i, a := range progs {
		aStart := addr.AlignDown(a.Vaddr, addr.PageSize)
		aEnd := addr.AlignUp(a.Vaddr+a.Memsz, addr.PageSize)
		for _, b := range progs[i+1:] {
			bStart := addr.AlignDown(b.Vaddr, addr.PageSize)
			bEnd := addr.AlignUp(b.Vaddr+b.Memsz, addr.PageSize)
			if aStart < bEnd && bStart < aEnd {
				return fmt.Errorf("%w: segments at %#x and %#x share a page", ErrBadSegment, a.Vaddr, b.Vaddr)
			}
		}
	}
	return nil
}

func loadSegment(prog *elf.Prog, frames Allocator, mem physmem.Memory, kind pmm.RegionKind) (Mapping, error) {
	// Keep the in-page offset of the virtual address so the segment can be
	// mapped page by page.
	offset := prog.Vaddr & (addr.PageSize - 1)
	base, err := frames.Allocate(offset+prog.Memsz, kind)
	if err != nil {
		return Mapping{}, fmt.Errorf("allocate segment at %#x: %w", prog.Vaddr, err)
	}
	phys := base + addr.Phys(offset)

	if prog.Filesz > 0 {
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return Mapping{}, fmt.Errorf("read segment @%#x: %w", prog.Off, err)
		}
		if _, err := mem.WriteAt(data, int64(phys)); err != nil {
			return Mapping{}, fmt.Errorf("copy segment to %s: %w", phys, err)
		}
	}
	if bss := prog.Memsz - prog.Filesz; bss > 0 {
		if err := physmem.Zero(mem, phys+addr.Phys(prog.Filesz), bss); err != nil {
			return Mapping{}, err
		}
	}

	return Mapping{
		Phys:       phys,
		Virt:       addr.Virt(prog.Vaddr),
		Length:     prog.Memsz,
		Writable:   prog.Flags&elf.PF_W != 0,
		Executable: prog.Flags&elf.PF_X != 0,
	}, nil
}
