package vmm

import (
	"fmt"

	"github.com/falconos/stage2/internal/addr"
	"github.com/falconos/stage2/internal/physmem"
)

// Flags are the low 12 bits of a page table entry.
type Flags uint32

const (
	FlagPresent      Flags = 1 << 0
	FlagWritable     Flags = 1 << 1
	FlagUser         Flags = 1 << 2
	FlagWriteThrough Flags = 1 << 3
	FlagCacheDisable Flags = 1 << 4
	FlagAccessed     Flags = 1 << 5
	FlagDirty        Flags = 1 << 6
	FlagHuge         Flags = 1 << 7
	FlagGlobal       Flags = 1 << 8

	// DefaultFlags is what every intermediate table is linked with.
	DefaultFlags = FlagPresent | FlagWritable

	flagMask = 0xfff

	noExecuteBit  uint32 = 1 << 31
	upperAddrMask uint32 = 0x000fffff // physical bits 51:32

	entrySize = 8
)

// Entry is one page table slot. The stage runs with 32-bit registers, so an
// entry is kept and stored as two 32-bit halves:
//
//	Lower: physical bits 31:12 | flags 11:0
//	Upper: XD at bit 31 | physical bits 51:32
type Entry struct {
	Lower uint32
	Upper uint32
}

func makeEntry(p addr.Phys, flags Flags, noExecute bool) Entry {
	e := Entry{
		Lower: uint32(uint64(p)&0xffffffff) &^ flagMask,
		Upper: uint32(uint64(p)>>32) & upperAddrMask,
	}
	e.Lower |= uint32(flags) & flagMask
	if noExecute {
		e.Upper |= noExecuteBit
	}
	return e
}

func (e Entry) Present() bool             { return e.HasFlags(FlagPresent) }
func (e Entry) Flags() Flags              { return Flags(e.Lower & flagMask) }
func (e Entry) HasFlags(flags Flags) bool { return Flags(e.Lower)&flags == flags }
func (e Entry) NoExecute() bool           { return e.Upper&noExecuteBit != 0 }

// Frame returns the physical address the entry points to.
func (e Entry) Frame() addr.Phys {
	return addr.Phys(uint64(e.Upper&upperAddrMask)<<32 | uint64(e.Lower&^flagMask))
}

// Uint64 returns the entry as the CPU reads it.
func (e Entry) Uint64() uint64 { return uint64(e.Upper)<<32 | uint64(e.Lower) }

func (e Entry) String() string {
	return fmt.Sprintf("frame=%s flags=%#03x nx=%t", e.Frame(), uint32(e.Flags()), e.NoExecute())
}

func entryAddr(table addr.Phys, index uint64) addr.Phys {
	return table + addr.Phys(index*entrySize)
}

func readEntry(m physmem.Memory, at addr.Phys) (Entry, error) {
	lower, err := physmem.ReadUint32(m, at)
	if err != nil {
		return Entry{}, err
	}
	upper, err := physmem.ReadUint32(m, at+4)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Lower: lower, Upper: upper}, nil
}

// writeEntry stores the upper half first so the present bit, which lives in
// the lower half, is the last thing to land.
func writeEntry(m physmem.Memory, at addr.Phys, e Entry) error {
	if err := physmem.WriteUint32(m, at+4, e.Upper); err != nil {
		return err
	}
	return physmem.WriteUint32(m, at, e.Lower)
}
