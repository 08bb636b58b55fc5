// Package addr defines the physical and virtual address types shared by the
// memory manager and the page table builder.
package addr

import "fmt"

const (
	PageShift = 12
	PageSize  = 1 << PageShift

	HugePageShift = 21
	HugePageSize  = 1 << HugePageShift

	// Ceiling32 is the last byte reachable before the switch to long mode.
	Ceiling32 = 0xFFFFFFFF

	levelBits = 9
	levelMask = 1<<levelBits - 1
)

// Phys is a physical memory address.
type Phys uint64

// Virt is a virtual memory address.
type Virt uint64

func (p Phys) String() string { return fmt.Sprintf("%#x", uint64(p)) }
func (v Virt) String() string { return fmt.Sprintf("%#x", uint64(v)) }

// PageAligned reports whether p sits on a 4 KiB boundary.
func (p Phys) PageAligned() bool { return uint64(p)&(PageSize-1) == 0 }

// AlignDown rounds p down to a multiple of align, which must be a power of two.
func (p Phys) AlignDown(align uint64) Phys { return Phys(AlignDown(uint64(p), align)) }

// AlignUp rounds p up to a multiple of align, which must be a power of two.
func (p Phys) AlignUp(align uint64) Phys { return Phys(AlignUp(uint64(p), align)) }

func (v Virt) L4() uint64     { return index(uint64(v), 39) }
func (v Virt) L3() uint64     { return index(uint64(v), 30) }
func (v Virt) L2() uint64     { return index(uint64(v), 21) }
func (v Virt) L1() uint64     { return index(uint64(v), 12) }
func (v Virt) Offset() uint64 { return uint64(v) & (PageSize - 1) }

// Index returns the table index for the given paging level, 4 being the
// top-most table and 1 the table holding 4 KiB leaves.
func (v Virt) Index(level int) uint64 {
	return index(uint64(v), PageShift+uint(level-1)*levelBits)
}

func index(x uint64, shift uint) uint64 { return (x >> shift) & levelMask }

func AlignUp(x, align uint64) uint64 {
	if align == 0 {
		return x
	}
	mask := align - 1
	return (x + mask) &^ mask
}

func AlignDown(x, align uint64) uint64 {
	if align == 0 {
		return x
	}
	return x &^ (align - 1)
}
