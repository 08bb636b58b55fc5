package pmm

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"slices"
	"strings"
	"testing"

	"github.com/falconos/stage2/internal/addr"
	"github.com/falconos/stage2/internal/bootinfo"
)

func newInfo(at addr.Phys, entries ...bootinfo.Entry) *bootinfo.Info {
	return &bootinfo.Info{Addr: at, MemoryMap: entries}
}

func free(start, size uint64) bootinfo.Entry {
	return bootinfo.Entry{Start: addr.Phys(start), Size: size, Tag: bootinfo.TagFree}
}

func entry(start, size uint64, tag uint8) bootinfo.Entry {
	return bootinfo.Entry{Start: addr.Phys(start), Size: size, Tag: tag}
}

func mustInit(t *testing.T, info *bootinfo.Info, opts ...Option) *Allocator {
	t.Helper()
	a := New(opts...)
	if err := a.Init(info); err != nil {
		t.Fatalf("init: %v", err)
	}
	checkInvariants(t, a.Regions())
	return a
}

func checkInvariants(t *testing.T, regions []Region) {
	t.Helper()
	for i, r := range regions {
		if r.Size == 0 {
			t.Fatalf("region %d is empty: %v", i, regions)
		}
		if r.End() <= r.Start {
			t.Fatalf("region %d wraps: %v", i, r)
		}
		if i == 0 {
			continue
		}
		prev := regions[i-1]
		if r.Start < prev.End() {
			t.Fatalf("regions %d and %d overlap or are unsorted: %v", i-1, i, regions)
		}
		if mergeable(prev, r) {
			t.Fatalf("regions %d and %d should have been coalesced: %v", i-1, i, regions)
		}
	}
}

func expectRegions(t *testing.T, got []Region, want ...Region) {
	t.Helper()
	if !slices.Equal(got, want) {
		t.Fatalf("regions mismatch\n got: %v\nwant: %v", got, want)
	}
}

func TestRegionTableFirstFit(t *testing.T) {
	tbl := NewRegionTable(8)
	if err := tbl.Append(Region{Start: 0, Size: 0x10000, Kind: Free}); err != nil {
		t.Fatalf("append: %v", err)
	}
	tbl.Sanitize()

	first, err := tbl.FirstFit(4096, Used, addr.Ceiling32)
	if err != nil || first != 0x0 {
		t.Fatalf("first allocation = %s, %v; want 0x0", first, err)
	}
	second, err := tbl.FirstFit(4096, Used, addr.Ceiling32)
	if err != nil || second != 0x1000 {
		t.Fatalf("second allocation = %s, %v; want 0x1000", second, err)
	}

	expectRegions(t, tbl.Regions(),
		Region{Start: 0, Size: 0x2000, Kind: Used},
		Region{Start: 0x2000, Size: 0xE000, Kind: Free},
	)
}

func TestAllocateBeforeInit(t *testing.T) {
	a := New()
	if _, err := a.Allocate(addr.PageSize, Used); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Allocate before Init: got %v, want ErrNotReady", err)
	}
	if err := a.AllocateFixed(0x1000, addr.PageSize, Used, false); !errors.Is(err, ErrNotReady) {
		t.Fatalf("AllocateFixed before Init: got %v, want ErrNotReady", err)
	}
}

func TestInitReservesLowMemoryAndBootInfo(t *testing.T) {
	a := mustInit(t, newInfo(0x8010, free(0, 0x10000)))

	expectRegions(t, a.Regions(),
		Region{Start: 0, Size: LowMemoryEnd, Kind: Used},
		Region{Start: LowMemoryEnd, Size: 0x8000 - LowMemoryEnd, Kind: Free},
		Region{Start: 0x8000, Size: addr.PageSize, Kind: BootinfoReserved},
		Region{Start: 0x9000, Size: 0x7000, Kind: Free},
	)

	if err := a.Init(newInfo(0x8000, free(0, 0x10000))); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Init: got %v", err)
	}
}

func TestAllocateFirstFitAfterInit(t *testing.T) {
	a := mustInit(t, newInfo(0x8000, free(0, 0x10000)))

	// [0x500, 0x1000) is free but too small once aligned up.
	p, err := a.Allocate(4096, Used)
	if err != nil || p != 0x1000 {
		t.Fatalf("first allocation = %s, %v; want 0x1000", p, err)
	}
	p, err = a.Allocate(1, Used)
	if err != nil || p != 0x2000 {
		t.Fatalf("second allocation = %s, %v; want 0x2000", p, err)
	}
	// Does not fit in [0x3000, 0x8000), so it skips past the boot info page.
	p, err = a.Allocate(0x6000, PagingReserved)
	if err != nil || p != 0x9000 {
		t.Fatalf("third allocation = %s, %v; want 0x9000", p, err)
	}
	checkInvariants(t, a.Regions())

	expectRegions(t, a.Regions(),
		Region{Start: 0, Size: LowMemoryEnd, Kind: Used},
		Region{Start: LowMemoryEnd, Size: 0x1000 - LowMemoryEnd, Kind: Free},
		Region{Start: 0x1000, Size: 0x2000, Kind: Used},
		Region{Start: 0x3000, Size: 0x5000, Kind: Free},
		Region{Start: 0x8000, Size: addr.PageSize, Kind: BootinfoReserved},
		Region{Start: 0x9000, Size: 0x6000, Kind: PagingReserved},
		Region{Start: 0xF000, Size: 0x1000, Kind: Free},
	)

	if _, err := a.Allocate(0x6000, Used); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("oversized allocation: got %v, want ErrOutOfMemory", err)
	}
	if _, err := a.Allocate(0, Used); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("zero allocation: got %v, want ErrInvalidSize", err)
	}
	if _, err := a.Allocate(addr.PageSize, Free); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("free allocation: got %v, want ErrInvalidKind", err)
	}

	// Sizes that cannot be rounded up to a whole page are refused outright.
	freeBefore := a.FreeBytes()
	for _, size := range []uint64{math.MaxUint64 - 100, math.MaxUint64 - (addr.PageSize - 2), math.MaxUint64} {
		if p, err := a.Allocate(size, Used); !errors.Is(err, ErrInvalidSize) {
			t.Fatalf("allocate %#x = %s, %v; want ErrInvalidSize", size, p, err)
		}
	}
	if a.FreeBytes() != freeBefore {
		t.Fatalf("free bytes changed from %#x to %#x", freeBefore, a.FreeBytes())
	}
	checkInvariants(t, a.Regions())
}

func TestAllocateRespectsCeiling(t *testing.T) {
	a := mustInit(t, newInfo(0, free(0xFFFFE000, 0x4000)))

	if _, err := a.Allocate(0x2000, Used); !errors.Is(err, ErrAboveCeiling) {
		t.Fatalf("allocation ending at 4GiB: got %v, want ErrAboveCeiling", err)
	}
	expectRegions(t, a.Regions(), Region{Start: 0xFFFFE000, Size: 0x4000, Kind: Free})

	p, err := a.Allocate(0x1000, Used)
	if err != nil || p != 0xFFFFE000 {
		t.Fatalf("allocation below ceiling = %s, %v", p, err)
	}
	if _, err := a.Allocate(0x1000, Used); !errors.Is(err, ErrAboveCeiling) {
		t.Fatalf("allocation of last page: got %v, want ErrAboveCeiling", err)
	}
}

func TestAllocateFixed(t *testing.T) {
	a := mustInit(t, newInfo(0,
		free(0x100000, 0x100000),
		entry(0x200000, 0x100000, bootinfo.TagACPI),
	))

	if err := a.AllocateFixed(0x150000, 0x10000, KernelModule, false); err != nil {
		t.Fatalf("fixed allocation: %v", err)
	}
	expectRegions(t, a.Regions(),
		Region{Start: 0x100000, Size: 0x50000, Kind: Free},
		Region{Start: 0x150000, Size: 0x10000, Kind: KernelModule},
		Region{Start: 0x160000, Size: 0xA0000, Kind: Free},
		Region{Start: 0x200000, Size: 0x100000, Kind: ACPIReserved},
	)

	before := a.Regions()
	for _, force := range []bool{false, true} {
		err := a.AllocateFixed(0x1FF000, 0x2000, Used, force)
		if !errors.Is(err, ErrNotCovered) {
			t.Fatalf("spanning allocation (force=%v): got %v, want ErrNotCovered", force, err)
		}
		expectRegions(t, a.Regions(), before...)
	}

	if err := a.AllocateFixed(0x210000, 0x1000, Used, false); !errors.Is(err, ErrNotCovered) {
		t.Fatalf("allocation inside ACPI region: got %v, want ErrNotCovered", err)
	}
	if err := a.AllocateFixed(0x210000, 0x1000, Used, true); err != nil {
		t.Fatalf("forced allocation inside ACPI region: %v", err)
	}
	if err := a.AllocateFixed(0x400000, 0x1000, Used, true); !errors.Is(err, ErrNotCovered) {
		t.Fatalf("allocation outside the map: got %v, want ErrNotCovered", err)
	}
	if err := a.AllocateFixed(0x400000, 0, Used, false); err != nil {
		t.Fatalf("empty fixed allocation: %v", err)
	}
	checkInvariants(t, a.Regions())
}

func TestTableCapacityAccountsForMerges(t *testing.T) {
	a := mustInit(t, newInfo(0, free(0x1000, 0xF000)), WithCapacity(4))

	if p, err := a.Allocate(0x1000, Used); err != nil || p != 0x1000 {
		t.Fatalf("allocate = %s, %v", p, err)
	}
	if err := a.AllocateFixed(0x8000, 0x1000, ACPIReserved, false); err != nil {
		t.Fatalf("fixed allocation: %v", err)
	}
	if got := len(a.Regions()); got != 4 {
		t.Fatalf("table has %d regions, want 4", got)
	}

	before := a.Regions()
	if err := a.AllocateFixed(0xA000, 0x1000, KernelModule, false); !errors.Is(err, ErrTableFull) {
		t.Fatalf("split in a full table: got %v, want ErrTableFull", err)
	}
	expectRegions(t, a.Regions(), before...)

	// Extends the existing Used region, so no new slot is needed.
	if p, err := a.Allocate(0x1000, Used); err != nil || p != 0x2000 {
		t.Fatalf("merging allocation = %s, %v", p, err)
	}
	if got := len(a.Regions()); got != 4 {
		t.Fatalf("table has %d regions, want 4", got)
	}
}

func TestInitResolvesOverlappingFirmwareEntries(t *testing.T) {
	a := mustInit(t, newInfo(0x7000,
		free(0, 0x100000),
		entry(0x9F000, 0x1000, bootinfo.TagACPI),
		entry(0xF0000, 0x20000, 2), // unknown tag, spills past the free entry
	))

	expectRegions(t, a.Regions(),
		Region{Start: 0, Size: LowMemoryEnd, Kind: Used},
		Region{Start: LowMemoryEnd, Size: 0x7000 - LowMemoryEnd, Kind: Free},
		Region{Start: 0x7000, Size: addr.PageSize, Kind: BootinfoReserved},
		Region{Start: 0x8000, Size: 0x97000, Kind: Free},
		Region{Start: 0x9F000, Size: 0x1000, Kind: ACPIReserved},
		Region{Start: 0xA0000, Size: 0x50000, Kind: Free},
		Region{Start: 0xF0000, Size: 0x20000, Kind: Used},
	)
}

func TestInitFailsWhenFirmwareMapExceedsCapacity(t *testing.T) {
	a := New(WithCapacity(2))
	err := a.Init(newInfo(0, free(0x1000, 0x1000), free(0x3000, 0x1000), free(0x5000, 0x1000)))
	if !errors.Is(err, ErrTableFull) {
		t.Fatalf("got %v, want ErrTableFull", err)
	}
	if a.Ready() {
		t.Fatalf("allocator became ready after failed init")
	}
}

func TestInitRejectsWrappingFirmwareEntries(t *testing.T) {
	for _, ent := range []bootinfo.Entry{
		free(0xFFFFFFFFFFFFF000, 0x2000),
		free(0xFFFFFFFFFFFFF000, 0x1000),
		entry(0x1000, math.MaxUint64, bootinfo.TagUsed),
	} {
		a := New()
		err := a.Init(newInfo(0, free(0, 0x10000), ent))
		if !errors.Is(err, ErrBadMemoryMap) {
			t.Fatalf("entry %+v: got %v, want ErrBadMemoryMap", ent, err)
		}
		if a.Ready() {
			t.Fatalf("entry %+v: allocator became ready", ent)
		}
	}

	// An entry ending one page short of the top is fine.
	a := mustInit(t, newInfo(0, free(0, 0x10000), free(0xFFFFFFFFFFFFE000, 0x1000)))
	last := a.Regions()[len(a.Regions())-1]
	if last.Start != 0xFFFFFFFFFFFFE000 || last.End() != 0xFFFFFFFFFFFFF000 {
		t.Fatalf("last region = %v", last)
	}
	checkInvariants(t, a.Regions())
}

func TestSanitizeIsIdempotent(t *testing.T) {
	tbl := NewRegionTable(16)
	for _, r := range []Region{
		{Start: 0x5000, Size: 0x1000, Kind: Free},
		{Start: 0x1000, Size: 0x1000, Kind: Used},
		{Start: 0x2000, Size: 0x1000, Kind: Used},
		{Start: 0x4000, Size: 0x1000, Kind: Free},
		{Start: 0x3000, Size: 0, Kind: Free},
		{Start: 0x7000, Size: 0x1000, Kind: Free},
	} {
		if err := tbl.Append(r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tbl.Sanitize()
	once := tbl.Regions()
	tbl.Sanitize()
	expectRegions(t, tbl.Regions(), once...)
	expectRegions(t, once,
		Region{Start: 0x1000, Size: 0x2000, Kind: Used},
		Region{Start: 0x4000, Size: 0x2000, Kind: Free},
		Region{Start: 0x7000, Size: 0x1000, Kind: Free},
	)
}

func TestRandomAllocationsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	kinds := []RegionKind{Used, FirmwareReclaimable, PagingReserved, KernelModule}

	a := mustInit(t, newInfo(0x9000,
		free(0, 0x9F000),
		entry(0x9F000, 0x61000, bootinfo.TagUsed),
		free(0x100000, 0x3F00000),
		entry(0x4000000, 0x10000, bootinfo.TagACPI),
		free(0xFFF00000, 0x200000),
	))

	for step := 0; step < 500; step++ {
		kind := kinds[rng.Intn(len(kinds))]
		if rng.Intn(3) == 0 {
			start := addr.Phys(rng.Int63n(0x4100000)) &^ 0xFFF
			size := uint64(rng.Intn(8)+1) * addr.PageSize
			before := a.Regions()
			if err := a.AllocateFixed(start, size, kind, false); err != nil {
				expectRegions(t, a.Regions(), before...)
			}
		} else {
			size := uint64(rng.Intn(0x20000) + 1)
			before := a.FreeBytes()
			p, err := a.Allocate(size, kind)
			if err == nil {
				rounded := addr.AlignUp(size, addr.PageSize)
				if !p.PageAligned() {
					t.Fatalf("step %d: unaligned allocation %s", step, p)
				}
				if uint64(p)+rounded > addr.Ceiling32 {
					t.Fatalf("step %d: allocation %s+%#x crosses 4GiB", step, p, rounded)
				}
				if got := before - a.FreeBytes(); got != rounded {
					t.Fatalf("step %d: free memory shrank by %#x, want %#x", step, got, rounded)
				}
				assertTagged(t, a.Regions(), p, rounded, kind)
			}
		}
		checkInvariants(t, a.Regions())
	}
}

func assertTagged(t *testing.T, regions []Region, start addr.Phys, size uint64, kind RegionKind) {
	t.Helper()
	end := start + addr.Phys(size)
	for _, r := range regions {
		if r.Start <= start && end <= r.End() {
			if r.Kind != kind {
				t.Fatalf("range [%s, %s) tagged %s, want %s", start, end, r.Kind, kind)
			}
			return
		}
	}
	t.Fatalf("range [%s, %s) not covered by a single region", start, end)
}

func TestDump(t *testing.T) {
	a := mustInit(t, newInfo(0x8000, free(0, 0x10000)))
	before := a.Regions()

	var buf bytes.Buffer
	if err := a.Dump(&buf); err != nil {
		t.Fatalf("dump: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"4 regions", "BOOTINFO", "USED", "FREE", "available memory"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dump output missing %q:\n%s", want, out)
		}
	}
	expectRegions(t, a.Regions(), before...)
}

func TestMemoryMapExport(t *testing.T) {
	a := mustInit(t, newInfo(0x8000, free(0, 0x10000)))
	got := a.MemoryMap()
	if len(got) != 4 || got[2].Tag != bootinfo.TagBootinfo || got[2].Start != 0x8000 {
		t.Fatalf("unexpected memory map: %+v", got)
	}
}

func TestKindFromTag(t *testing.T) {
	for tag, want := range map[uint8]RegionKind{0: Used, 1: Free, 2: Used, 3: ACPIReserved, 7: KernelModule, 0x42: Used} {
		if got := KindFromTag(tag); got != want {
			t.Errorf("KindFromTag(%d) = %s, want %s", tag, got, want)
		}
	}
}
