package vmm

import (
	"fmt"

	"github.com/falconos/stage2/internal/addr"
)

// Lookup returns the entry that vaddr selects at the given level, 4 being
// the root table. Every table above it must be present.
func (b *Builder) Lookup(space AddressSpace, vaddr addr.Virt, level int) (Entry, error) {
	if level < 1 || level > Levels {
		return Entry{}, fmt.Errorf("lookup %s: invalid level %d", vaddr, level)
	}

	table := space.Root
	for l := Levels; ; l-- {
		at := entryAddr(table, vaddr.Index(l))
		e, err := readEntry(b.mem, at)
		if err != nil {
			return Entry{}, fmt.Errorf("lookup %s: %w", vaddr, err)
		}
		if l == level {
			return e, nil
		}
		if !e.Present() {
			return Entry{}, fmt.Errorf("%w: %s, level %d entry @%s", ErrNotMapped, vaddr, l, at)
		}
		if e.HasFlags(FlagHuge) {
			return Entry{}, fmt.Errorf("%w: %s, level %d entry @%s", ErrHugeConflict, vaddr, l, at)
		}
		table = e.Frame()
	}
}

// Translate resolves vaddr to the physical address it maps to.
func (b *Builder) Translate(space AddressSpace, vaddr addr.Virt) (addr.Phys, error) {
	table := space.Root
	for l := Levels; l >= 1; l-- {
		at := entryAddr(table, vaddr.Index(l))
		e, err := readEntry(b.mem, at)
		if err != nil {
			return 0, fmt.Errorf("translate %s: %w", vaddr, err)
		}
		if !e.Present() {
			return 0, fmt.Errorf("%w: %s, level %d entry @%s", ErrNotMapped, vaddr, l, at)
		}
		if l == 2 && e.HasFlags(FlagHuge) {
			return e.Frame() + addr.Phys(uint64(vaddr)&(addr.HugePageSize-1)), nil
		}
		if l == 1 {
			return e.Frame() + addr.Phys(vaddr.Offset()), nil
		}
		table = e.Frame()
	}
	panic("unreachable")
}
