// Package vmm builds 4-level amd64 page tables in physical memory.
//
// Every table node comes from the physical memory manager. Mappings are
// add-only: there is no unmap and no permission change, the builder only
// ever grows an address space until it is handed to the kernel.
package vmm

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/falconos/stage2/internal/addr"
	"github.com/falconos/stage2/internal/physmem"
	"github.com/falconos/stage2/internal/pmm"
)

const Levels = 4

var (
	ErrAlreadyMapped   = errors.New("vmm: virtual address already mapped")
	ErrHugeConflict    = errors.New("vmm: walk runs into a huge page")
	ErrNotMapped       = errors.New("vmm: virtual address not mapped")
	ErrBadAddressSpace = errors.New("vmm: invalid address space")
)

// FrameAllocator hands out physical memory. *pmm.Allocator satisfies it.
type FrameAllocator interface {
	Allocate(size uint64, kind pmm.RegionKind) (addr.Phys, error)
}

// AddressSpace is one page table hierarchy.
type AddressSpace struct {
	Root   addr.Phys
	Levels uint8
}

type Option func(*Builder)

func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.log = l }
}

// Builder constructs address spaces in physical memory.
type Builder struct {
	mem    physmem.Memory
	frames FrameAllocator
	log    *slog.Logger
	tables int
}

func NewBuilder(mem physmem.Memory, frames FrameAllocator, opts ...Option) *Builder {
	b := &Builder{
		mem:    mem,
		frames: frames,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Tables returns how many table pages the builder has allocated.
func (b *Builder) Tables() int { return b.tables }

func (b *Builder) allocTable() (addr.Phys, error) {
	p, err := b.frames.Allocate(addr.PageSize, pmm.PagingReserved)
	if err != nil {
		return 0, fmt.Errorf("allocate page table: %w", err)
	}
	if err := physmem.Zero(b.mem, p, addr.PageSize); err != nil {
		return 0, fmt.Errorf("clear page table %s: %w", p, err)
	}
	b.tables++
	return p, nil
}

// Create allocates an empty level-4 table.
func (b *Builder) Create() (AddressSpace, error) {
	root, err := b.allocTable()
	if err != nil {
		return AddressSpace{}, fmt.Errorf("create address space: %w", err)
	}
	b.log.Debug("address space created", "root", root)
	return AddressSpace{Root: root, Levels: Levels}, nil
}

// nextTable returns the table the given slot points to, allocating and
// linking a fresh one when the slot is empty.
func (b *Builder) nextTable(table addr.Phys, index uint64) (addr.Phys, error) {
	at := entryAddr(table, index)
	e, err := readEntry(b.mem, at)
	if err != nil {
		return 0, err
	}
	if e.Present() {
		if e.HasFlags(FlagHuge) {
			return 0, fmt.Errorf("%w: entry @%s", ErrHugeConflict, at)
		}
		return e.Frame(), nil
	}

	next, err := b.allocTable()
	if err != nil {
		return 0, err
	}
	if err := writeEntry(b.mem, at, makeEntry(next, DefaultFlags, false)); err != nil {
		return 0, err
	}
	return next, nil
}

// Map installs a leaf mapping vaddr to paddr. With FlagHuge the walk stops
// at level 2 and the leaf covers 2 MiB; otherwise it covers 4 KiB. paddr is
// aligned down to the leaf size. Only the leaf carries the caller's flags;
// intermediate tables are always linked present and writable.
//
// Mapping a virtual address whose leaf is already present is a caller bug
// and fails with ErrAlreadyMapped.
func (b *Builder) Map(space AddressSpace, vaddr addr.Virt, paddr addr.Phys, flags Flags, noExecute bool) error {
	if space.Levels != Levels || !space.Root.PageAligned() {
		return fmt.Errorf("%w: root %s, %d levels", ErrBadAddressSpace, space.Root, space.Levels)
	}

	l3, err := b.nextTable(space.Root, vaddr.L4())
	if err != nil {
		return fmt.Errorf("map %s: %w", vaddr, err)
	}
	l2, err := b.nextTable(l3, vaddr.L3())
	if err != nil {
		return fmt.Errorf("map %s: %w", vaddr, err)
	}

	if flags&FlagHuge != 0 {
		leaf := entryAddr(l2, vaddr.L2())
		return b.writeLeaf(leaf, vaddr, paddr.AlignDown(addr.HugePageSize), flags, noExecute)
	}

	l1, err := b.nextTable(l2, vaddr.L2())
	if err != nil {
		return fmt.Errorf("map %s: %w", vaddr, err)
	}
	leaf := entryAddr(l1, vaddr.L1())
	return b.writeLeaf(leaf, vaddr, paddr.AlignDown(addr.PageSize), flags, noExecute)
}

func (b *Builder) writeLeaf(at addr.Phys, vaddr addr.Virt, paddr addr.Phys, flags Flags, noExecute bool) error {
	if checkRemap {
		cur, err := readEntry(b.mem, at)
		if err != nil {
			return fmt.Errorf("map %s: %w", vaddr, err)
		}
		if cur.Present() {
			b.log.Error("attempt to remap a present page",
				"vaddr", vaddr, "paddr", paddr, "entry", at, "current", cur.Frame())
			return fmt.Errorf("%w: %s -> %s, entry @%s already points to %s",
				ErrAlreadyMapped, vaddr, paddr, at, cur.Frame())
		}
	}
	if err := writeEntry(b.mem, at, makeEntry(paddr, flags, noExecute)); err != nil {
		return fmt.Errorf("map %s: %w", vaddr, err)
	}
	return nil
}

// MapRange maps length bytes starting at vaddr to the physical range starting
// at paddr using 4 KiB pages. Both ends are widened to page boundaries.
func (b *Builder) MapRange(space AddressSpace, vaddr addr.Virt, paddr addr.Phys, length uint64, flags Flags, noExecute bool) error {
	if length == 0 {
		return nil
	}
	flags &^= FlagHuge

	start := addr.AlignDown(uint64(vaddr), addr.PageSize)
	end := addr.AlignUp(uint64(vaddr)+length, addr.PageSize)
	phys := paddr - addr.Phys(uint64(vaddr)-start)
	for v := start; v < end; v += addr.PageSize {
		if err := b.Map(space, addr.Virt(v), phys+addr.Phys(v-start), flags, noExecute); err != nil {
			return err
		}
	}
	return nil
}

// IdentityMap maps [start, start+length) onto itself, using 2 MiB leaves
// where the range allows and 4 KiB leaves at unaligned edges.
func (b *Builder) IdentityMap(space AddressSpace, start addr.Phys, length uint64, flags Flags) error {
	flags &^= FlagHuge
	cur := addr.AlignDown(uint64(start), addr.PageSize)
	end := addr.AlignUp(uint64(start)+length, addr.PageSize)
	for cur < end {
		if cur%addr.HugePageSize == 0 && end-cur >= addr.HugePageSize {
			if err := b.Map(space, addr.Virt(cur), addr.Phys(cur), flags|FlagHuge, false); err != nil {
				return err
			}
			cur += addr.HugePageSize
			continue
		}
		if err := b.Map(space, addr.Virt(cur), addr.Phys(cur), flags, false); err != nil {
			return err
		}
		cur += addr.PageSize
	}
	return nil
}
