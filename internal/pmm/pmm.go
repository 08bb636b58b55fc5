// Package pmm is the physical memory manager of the boot stage.
//
// The manager owns the authoritative list of physical memory regions, seeded
// from the firmware memory map, and hands out page-granular allocations from
// it. Nothing is ever freed: the boot stage runs once and passes the final
// map on to the kernel.
package pmm

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/falconos/stage2/internal/addr"
	"github.com/falconos/stage2/internal/bootinfo"
)

var (
	ErrNotReady           = errors.New("pmm: allocator not ready")
	ErrAlreadyInitialized = errors.New("pmm: allocator already initialized")
	ErrOutOfMemory        = errors.New("pmm: out of memory")
	ErrTableFull          = errors.New("pmm: region table full")
	ErrAboveCeiling       = errors.New("pmm: allocation crosses the 4GiB ceiling")
	ErrNotCovered         = errors.New("pmm: range not covered by a single matching region")
	ErrInvalidSize        = errors.New("pmm: invalid allocation size")
	ErrInvalidKind        = errors.New("pmm: invalid allocation kind")
	ErrBadMemoryMap       = errors.New("pmm: malformed firmware memory map entry")
)

const (
	// DefaultCapacity is the number of regions that fit in the page holding
	// the boot info record, which is where the table is handed to the kernel.
	DefaultCapacity = bootinfo.MaxEntries

	// LowMemoryEnd bounds the real-mode IVT and BIOS data area, which are
	// never handed out.
	LowMemoryEnd = 0x500
)

type Option func(*Allocator)

// WithCapacity overrides the region table capacity.
func WithCapacity(n int) Option {
	return func(a *Allocator) { a.table = NewRegionTable(n) }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) { a.log = l }
}

// Allocator serves physical memory allocations out of a RegionTable.
type Allocator struct {
	table *RegionTable
	ready bool
	log   *slog.Logger
}

func New(opts ...Option) *Allocator {
	a := &Allocator{
		table: NewRegionTable(DefaultCapacity),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Init loads the firmware memory map from the boot info record, reserves the
// low legacy area and the page holding the record itself, and enables
// allocations.
func (a *Allocator) Init(info *bootinfo.Info) error {
	if a.ready {
		return ErrAlreadyInitialized
	}
	if info == nil {
		return errors.New("pmm: nil boot info")
	}

	a.table.reset()
	for _, ent := range info.MemoryMap {
		if ent.Size == 0 {
			continue
		}
		// The table cannot represent a region that ends at or past 2^64.
		if ent.Start+addr.Phys(ent.Size) <= ent.Start {
			return fmt.Errorf("%w: [%s, +%#x) wraps the address space", ErrBadMemoryMap, ent.Start, ent.Size)
		}
		r := Region{Start: ent.Start, Size: ent.Size, Kind: KindFromTag(ent.Tag)}
		if err := a.table.Append(r); err != nil {
			return fmt.Errorf("load firmware memory map: %w", err)
		}
	}
	a.table.Sanitize()
	if err := a.table.resolveOverlaps(); err != nil {
		return fmt.Errorf("load firmware memory map: %w", err)
	}

	if err := a.table.Overlay(0, LowMemoryEnd, Used); err != nil {
		return fmt.Errorf("reserve low memory: %w", err)
	}
	bootinfoPage := info.Addr.AlignDown(addr.PageSize)
	if err := a.table.Overlay(bootinfoPage, addr.PageSize, BootinfoReserved); err != nil {
		return fmt.Errorf("reserve boot info page %s: %w", bootinfoPage, err)
	}
	a.table.Sanitize()

	a.ready = true
	a.log.Debug("physical memory manager ready",
		"regions", a.table.Len(),
		"capacity", a.table.Cap(),
		"free", a.FreeBytes(),
	)
	return nil
}

// Ready reports whether Init has completed.
func (a *Allocator) Ready() bool { return a.ready }

// Allocate reserves size bytes, rounded up to whole pages, from the lowest
// free region that can hold them and tags the range with kind. The returned
// address is page aligned and the range never crosses 4GiB.
func (a *Allocator) Allocate(size uint64, kind RegionKind) (addr.Phys, error) {
	if !a.ready {
		a.log.Error("allocation before memory manager init", "size", size, "kind", kind)
		return 0, ErrNotReady
	}
	if kind == Free {
		return 0, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}

	p, err := a.table.FirstFit(size, kind, addr.Ceiling32)
	if err != nil {
		a.log.Warn("physical allocation failed", "size", size, "kind", kind, "err", err)
		return 0, fmt.Errorf("allocate %#x bytes (%s): %w", size, kind, err)
	}
	a.log.Debug("physical allocation", "addr", p, "size", addr.AlignUp(size, addr.PageSize), "kind", kind)
	return p, nil
}

// AllocateFixed reserves exactly [start, start+size). The range must sit in
// one Free region, or in any single region when force is set.
func (a *Allocator) AllocateFixed(start addr.Phys, size uint64, kind RegionKind, force bool) error {
	if !a.ready {
		a.log.Error("fixed allocation before memory manager init", "start", start, "size", size)
		return ErrNotReady
	}
	if err := a.table.Reserve(start, size, kind, force); err != nil {
		a.log.Warn("fixed physical allocation failed", "start", start, "size", size, "kind", kind, "err", err)
		return fmt.Errorf("allocate fixed [%s, +%#x) (%s): %w", start, size, kind, err)
	}
	a.log.Debug("fixed physical allocation", "start", start, "size", size, "kind", kind)
	return nil
}

// Regions returns a snapshot of the region table.
func (a *Allocator) Regions() []Region { return a.table.Regions() }

// Sanitize re-runs the sort and coalesce pass.
func (a *Allocator) Sanitize() { a.table.Sanitize() }

// FreeBytes returns the total size of all Free regions.
func (a *Allocator) FreeBytes() uint64 {
	var total uint64
	for _, r := range a.table.regions {
		if r.Kind == Free {
			total += r.Size
		}
	}
	return total
}

// MemoryMap converts the region table back into boot info entries so the
// kernel sees every reservation made during boot.
func (a *Allocator) MemoryMap() []bootinfo.Entry {
	out := make([]bootinfo.Entry, 0, a.table.Len())
	for _, r := range a.table.regions {
		out = append(out, bootinfo.Entry{Start: r.Start, Size: r.Size, Tag: r.Kind.Tag()})
	}
	return out
}
