package pmm

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/falconos/stage2/internal/addr"
)

// Region is a contiguous run of physical memory of a single kind.
type Region struct {
	Start addr.Phys
	Size  uint64
	Kind  RegionKind
}

func (r Region) End() addr.Phys { return r.Start + addr.Phys(r.Size) }

func (r Region) String() string {
	return fmt.Sprintf("[%s - %s) %s", r.Start, r.End(), r.Kind)
}

func (r Region) contains(start, end addr.Phys) bool {
	return start >= r.Start && start < r.End() && end <= r.End()
}

func mergeable(a, b Region) bool {
	return a.Kind == b.Kind && a.End() == b.Start
}

// RegionTable is an ordered set of regions held in storage reserved up
// front. It never grows past its capacity; operations that would need more
// slots fail with ErrTableFull and leave the table untouched.
//
// Every mutating method keeps the table sorted by start address, free of
// overlaps and with adjacent regions of the same kind merged.
type RegionTable struct {
	regions []Region
}

func NewRegionTable(capacity int) *RegionTable {
	return &RegionTable{regions: make([]Region, 0, capacity)}
}

func (t *RegionTable) Len() int { return len(t.regions) }
func (t *RegionTable) Cap() int { return cap(t.regions) }

// Regions returns a copy of the table contents.
func (t *RegionTable) Regions() []Region {
	return slices.Clone(t.regions)
}

func (t *RegionTable) reset() { t.regions = t.regions[:0] }

// Append adds a region verbatim. The table is not re-sorted; call Sanitize
// once all regions are in.
func (t *RegionTable) Append(r Region) error {
	if len(t.regions) == cap(t.regions) {
		return fmt.Errorf("%w: append %s", ErrTableFull, r)
	}
	t.regions = append(t.regions, r)
	return nil
}

// Sanitize sorts the table, drops empty regions and coalesces adjacent
// regions of the same kind. Running it twice yields the same table.
func (t *RegionTable) Sanitize() {
	t.regions = slices.DeleteFunc(t.regions, func(r Region) bool { return r.Size == 0 })
	slices.SortStableFunc(t.regions, func(a, b Region) int { return cmp.Compare(a.Start, b.Start) })

	out := t.regions[:0]
	for _, r := range t.regions {
		if n := len(out); n > 0 && mergeable(out[n-1], r) {
			out[n-1].Size += r.Size
			continue
		}
		out = append(out, r)
	}
	clear(t.regions[len(out):])
	t.regions = out
}

func (t *RegionTable) overlapping() bool {
	for i := 1; i < len(t.regions); i++ {
		if t.regions[i].Start < t.regions[i-1].End() {
			return true
		}
	}
	return false
}

// resolveOverlaps rewrites a sorted table whose entries overlap so that each
// byte keeps the most restrictive kind any entry assigned to it.
func (t *RegionTable) resolveOverlaps() error {
	if !t.overlapping() {
		return nil
	}

	bounds := make([]addr.Phys, 0, 2*len(t.regions))
	for _, r := range t.regions {
		bounds = append(bounds, r.Start, r.End())
	}
	slices.Sort(bounds)
	bounds = slices.Compact(bounds)

	var resolved []Region
	for i := 0; i+1 < len(bounds); i++ {
		lo, hi := bounds[i], bounds[i+1]
		kind, covered := Free, false
		for _, r := range t.regions {
			if r.Start <= lo && hi <= r.End() {
				if !covered || r.Kind.rank() > kind.rank() {
					kind = r.Kind
				}
				covered = true
			}
		}
		if !covered {
			continue
		}
		piece := Region{Start: lo, Size: uint64(hi - lo), Kind: kind}
		if n := len(resolved); n > 0 && mergeable(resolved[n-1], piece) {
			resolved[n-1].Size += piece.Size
			continue
		}
		resolved = append(resolved, piece)
	}

	if len(resolved) > cap(t.regions) {
		return fmt.Errorf("%w: %d regions after resolving overlaps", ErrTableFull, len(resolved))
	}
	t.regions = append(t.regions[:0], resolved...)
	return nil
}

// find returns the index of the region containing p, or -1.
func (t *RegionTable) find(p addr.Phys) int {
	i, _ := slices.BinarySearchFunc(t.regions, p, func(r Region, p addr.Phys) int {
		switch {
		case r.End() <= p:
			return -1
		case r.Start > p:
			return 1
		default:
			return 0
		}
	})
	if i < len(t.regions) && t.regions[i].Start <= p && p < t.regions[i].End() {
		return i
	}
	return -1
}

// carve retags [start, start+size) inside regions[i]. The parts of the
// region before and after keep their kind.
func (t *RegionTable) carve(i int, start addr.Phys, size uint64, kind RegionKind) error {
	r := t.regions[i]
	end := start + addr.Phys(size)

	var buf [3]Region
	pieces := buf[:0]
	for _, p := range [...]Region{
		{Start: r.Start, Size: uint64(start - r.Start), Kind: r.Kind},
		{Start: start, Size: size, Kind: kind},
		{Start: end, Size: uint64(r.End() - end), Kind: r.Kind},
	} {
		if p.Size == 0 {
			continue
		}
		if n := len(pieces); n > 0 && mergeable(pieces[n-1], p) {
			pieces[n-1].Size += p.Size
			continue
		}
		pieces = append(pieces, p)
	}

	lo, hi := i, i+1
	if i > 0 && mergeable(t.regions[i-1], pieces[0]) {
		pieces[0].Start = t.regions[i-1].Start
		pieces[0].Size += t.regions[i-1].Size
		lo--
	}
	if last := len(pieces) - 1; hi < len(t.regions) && mergeable(pieces[last], t.regions[hi]) {
		pieces[last].Size += t.regions[hi].Size
		hi++
	}

	if len(t.regions)-(hi-lo)+len(pieces) > cap(t.regions) {
		return fmt.Errorf("%w: splitting %s", ErrTableFull, r)
	}
	t.regions = slices.Replace(t.regions, lo, hi, pieces...)
	return nil
}

// Reserve retags exactly [start, start+size). The range must lie inside a
// single Free region, or inside any single region when force is set. A
// range straddling two regions is not supported and fails without touching
// the table.
func (t *RegionTable) Reserve(start addr.Phys, size uint64, kind RegionKind, force bool) error {
	if size == 0 {
		return nil
	}
	end := start + addr.Phys(size)
	if end < start {
		return fmt.Errorf("%w: [%s, +%#x) wraps", ErrNotCovered, start, size)
	}

	i := t.find(start)
	if i < 0 || !t.regions[i].contains(start, end) || (!force && t.regions[i].Kind != Free) {
		return fmt.Errorf("%w: [%s, %s)", ErrNotCovered, start, end)
	}
	return t.carve(i, start, size, kind)
}

// Overlay forcibly retags every byte of [start, start+size) that the table
// knows about, across as many regions as the range touches. Bytes in gaps
// between regions stay untracked.
func (t *RegionTable) Overlay(start addr.Phys, size uint64, kind RegionKind) error {
	end := start + addr.Phys(size)
	for cur := start; cur < end; {
		i := t.find(cur)
		if i < 0 {
			next := slices.IndexFunc(t.regions, func(r Region) bool { return r.Start > cur })
			if next < 0 || t.regions[next].Start >= end {
				return nil
			}
			cur = t.regions[next].Start
			continue
		}
		segEnd := min(end, t.regions[i].End())
		if err := t.carve(i, cur, uint64(segEnd-cur), kind); err != nil {
			return err
		}
		cur = segEnd
	}
	return nil
}

// FirstFit finds the lowest Free region whose page-aligned start leaves room
// for size bytes, rounded up to whole pages, and retags that range. The
// allocation must end at or below limit.
func (t *RegionTable) FirstFit(size uint64, kind RegionKind, limit uint64) (addr.Phys, error) {
	if size == 0 || size > math.MaxUint64-(addr.PageSize-1) {
		return 0, fmt.Errorf("%w: %#x bytes", ErrInvalidSize, size)
	}
	size = addr.AlignUp(size, addr.PageSize)

	for i, r := range t.regions {
		if r.Kind != Free {
			continue
		}
		start := r.Start.AlignUp(addr.PageSize)
		end := uint64(start) + size
		if start < r.Start || end < uint64(start) || end > uint64(r.End()) {
			continue
		}
		if end > limit {
			return 0, fmt.Errorf("%w: [%s, %#x)", ErrAboveCeiling, start, end)
		}
		if err := t.carve(i, start, size, kind); err != nil {
			return 0, err
		}
		return start, nil
	}
	return 0, fmt.Errorf("%w: no free region holds %#x bytes", ErrOutOfMemory, size)
}
