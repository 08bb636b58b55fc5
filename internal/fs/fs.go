// Package fs reads files off the boot medium: it finds the EFI system
// partition in the GUID partition table and walks the FAT16 volume inside it.
//
// Every buffer the reader needs, from the partition header down to file
// contents, is allocated from the physical memory manager and lives in
// physical memory.
package fs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/falconos/stage2/internal/addr"
	"github.com/falconos/stage2/internal/disk"
	"github.com/falconos/stage2/internal/fat"
	"github.com/falconos/stage2/internal/gpt"
	"github.com/falconos/stage2/internal/physmem"
	"github.com/falconos/stage2/internal/pmm"
)

// maxEntryArray bounds the partition entry array we are willing to read.
const maxEntryArray = 64 << 10

var (
	ErrNoBootPartition = errors.New("fs: no bootable partition")
	ErrNotFAT16        = errors.New("fs: boot partition is not FAT16")
	ErrRelativePath    = errors.New("fs: relative paths are not supported")
	ErrBadPath         = errors.New("fs: invalid path")
	ErrNotFound        = errors.New("fs: file not found")
	ErrIsDir           = errors.New("fs: is a directory")
	ErrEmptyFile       = errors.New("fs: file is empty")
	ErrCorrupt         = errors.New("fs: corrupt cluster chain")
)

// Allocator is the slice of the memory manager the reader uses.
type Allocator interface {
	Allocate(size uint64, kind pmm.RegionKind) (addr.Phys, error)
}

// FileInfo locates a file on the volume.
type FileInfo struct {
	Found        bool
	Size         uint32
	FirstCluster uint16
	Dir          bool
}

type Option func(*FS)

func WithLogger(l *slog.Logger) Option {
	return func(f *FS) { f.log = l }
}

// FS is a mounted boot partition. The FAT, the root directory and the
// directory being searched are read from their buffers in physical memory.
type FS struct {
	disk   disk.SectorReader
	frames Allocator
	mem    physmem.Memory
	log    *slog.Logger

	part gpt.Partition
	bpb  *fat.BPB

	fatAddr    addr.Phys
	fatEntries uint32
	root       *io.SectionReader

	scratch     addr.Phys
	scratchSize uint64

	// xfer is the transfer buffer the sector-read primitive fills.
	xfer []byte
}

// Mount locates the boot partition and loads its FAT and root directory.
func Mount(d disk.SectorReader, frames Allocator, mem physmem.Memory, opts ...Option) (*FS, error) {
	f := &FS{
		disk:   d,
		frames: frames,
		mem:    mem,
		log:    slog.Default(),
		xfer:   make([]byte, disk.SectorSize),
	}
	for _, opt := range opts {
		opt(f)
	}

	part, err := f.findBootPartition()
	if err != nil {
		return nil, err
	}
	f.part = part
	f.log.Debug("boot partition", "name", part.Name, "type", part.Type, "first_lba", part.FirstLBA, "last_lba", part.LastLBA)

	if err := f.mountFAT(); err != nil {
		return nil, err
	}
	return f, nil
}

// readSectors reads whole sectors from the disk to dst in physical memory,
// one transfer buffer at a time.
func (f *FS) readSectors(lba uint64, sectors uint64, dst addr.Phys) error {
	per := uint64(len(f.xfer)) / disk.SectorSize
	for sectors > 0 {
		n := min(sectors, per)
		buf := f.xfer[:n*disk.SectorSize]
		if err := f.disk.ReadSectors(lba, buf); err != nil {
			return err
		}
		if _, err := f.mem.WriteAt(buf, int64(dst)); err != nil {
			return fmt.Errorf("copy sectors to %s: %w", dst, err)
		}
		lba += n
		sectors -= n
		dst += addr.Phys(len(buf))
	}
	return nil
}

// load reads whole sectors into a fresh reclaimable buffer in physical
// memory and returns a reader over it.
func (f *FS) load(lba uint64, sectors uint32) (*io.SectionReader, error) {
	size := uint64(sectors) * disk.SectorSize
	at, err := f.frames.Allocate(size, pmm.FirmwareReclaimable)
	if err != nil {
		return nil, err
	}
	if err := f.readSectors(lba, uint64(sectors), at); err != nil {
		return nil, err
	}
	return io.NewSectionReader(f.mem, int64(at), int64(size)), nil
}

// bytesAt reads n bytes at off from a buffer in physical memory.
func bytesAt(r io.ReaderAt, off int64, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := r.ReadAt(b, off); err != nil {
		return nil, err
	}
	return b, nil
}

func (f *FS) findBootPartition() (gpt.Partition, error) {
	r, err := f.load(gpt.HeaderLBA, 1)
	if err != nil {
		return gpt.Partition{}, fmt.Errorf("read partition table header: %w", err)
	}
	sector, err := bytesAt(r, 0, disk.SectorSize)
	if err != nil {
		return gpt.Partition{}, err
	}
	hdr, err := gpt.ParseHeader(sector)
	if err != nil {
		return gpt.Partition{}, err
	}
	f.log.Debug("partition table", "entries_lba", hdr.EntriesLBA, "entries", hdr.EntryCount, "disk", hdr.DiskGUID)

	n := hdr.EntriesBytes()
	if n > maxEntryArray {
		return gpt.Partition{}, fmt.Errorf("%w: %d byte entry array", gpt.ErrBadHeader, n)
	}
	r, err = f.load(hdr.EntriesLBA, uint32(addr.AlignUp(n, disk.SectorSize)/disk.SectorSize))
	if err != nil {
		return gpt.Partition{}, fmt.Errorf("read partition entries: %w", err)
	}
	entries, err := bytesAt(r, 0, int(n))
	if err != nil {
		return gpt.Partition{}, err
	}
	if err := hdr.VerifyEntries(entries); err != nil {
		return gpt.Partition{}, err
	}

	for i := range hdr.EntryCount {
		p := gpt.ParsePartition(entries[uint64(i)*uint64(hdr.EntrySize):])
		if p.Empty() {
			continue
		}
		if p.Bootable() {
			return p, nil
		}
	}
	return gpt.Partition{}, ErrNoBootPartition
}

func (f *FS) mountFAT() error {
	r, err := f.load(f.part.FirstLBA, 1)
	if err != nil {
		return fmt.Errorf("read boot sector: %w", err)
	}
	sector, err := bytesAt(r, 0, disk.SectorSize)
	if err != nil {
		return err
	}
	bpb, err := fat.ParseBPB(sector)
	if err != nil {
		return err
	}
	if !bpb.IsFAT16() {
		return fmt.Errorf("%w: %d clusters", ErrNotFAT16, bpb.ClusterCount())
	}
	if uint64(bpb.TotalSectors) > f.part.Sectors() {
		return fmt.Errorf("%w: volume of %d sectors in a %d sector partition", fat.ErrBadBPB, bpb.TotalSectors, f.part.Sectors())
	}
	f.bpb = bpb
	f.xfer = make([]byte, bpb.ClusterSize())

	table, err := f.load(f.part.FirstLBA+uint64(bpb.FirstFATSector()), bpb.FATSize)
	if err != nil {
		return fmt.Errorf("read allocation table: %w", err)
	}
	_, base, _ := table.Outer()
	f.fatAddr = addr.Phys(base)
	f.fatEntries = uint32(table.Size() / 2)

	f.root, err = f.load(f.part.FirstLBA+uint64(bpb.FirstRootSector()), bpb.RootDirSectors())
	if err != nil {
		return fmt.Errorf("read root directory: %w", err)
	}
	_, rootAddr, _ := f.root.Outer()

	f.log.Debug("fat16 volume mounted",
		"label", bpb.Label,
		"clusters", bpb.ClusterCount(),
		"cluster_size", bpb.ClusterSize(),
		"fat", f.fatAddr,
		"root", addr.Phys(rootAddr),
	)
	return nil
}

// next returns the cluster following c, validating it.
func (f *FS) next(c uint16) (uint16, error) {
	if uint32(c) >= f.fatEntries {
		return 0, fmt.Errorf("%w: cluster %d past the table", ErrCorrupt, c)
	}
	n, err := physmem.ReadUint16(f.mem, f.fatAddr+addr.Phys(2*uint64(c)))
	if err != nil {
		return 0, err
	}
	if n >= fat.EndOfChain {
		return n, nil
	}
	if n < fat.FirstCluster || n == fat.BadCluster || uint32(n) >= f.bpb.ClusterCount()+fat.FirstCluster {
		return 0, fmt.Errorf("%w: cluster %d links to %#x", ErrCorrupt, c, n)
	}
	return n, nil
}

// chain walks the cluster chain starting at first and calls fn with each
// cluster number until fn returns false or the chain ends.
func (f *FS) chain(first uint16, fn func(c uint16) (bool, error)) error {
	if first < fat.FirstCluster || uint32(first) >= f.bpb.ClusterCount()+fat.FirstCluster {
		return fmt.Errorf("%w: first cluster %d", ErrCorrupt, first)
	}
	c := first
	for steps := uint32(0); ; steps++ {
		if steps > f.bpb.ClusterCount() {
			return fmt.Errorf("%w: loop at cluster %d", ErrCorrupt, c)
		}
		more, err := fn(c)
		if err != nil || !more {
			return err
		}
		n, err := f.next(c)
		if err != nil {
			return err
		}
		if n >= fat.EndOfChain {
			return nil
		}
		c = n
	}
}

func (f *FS) clusterLBA(c uint16) uint64 {
	return f.part.FirstLBA + uint64(f.bpb.ClusterSector(c))
}

// Find resolves an absolute, /-separated path. A path that does not exist
// yields a FileInfo with Found unset and no error.
func (f *FS) Find(path string) (FileInfo, error) {
	if !strings.HasPrefix(path, "/") {
		return FileInfo{}, fmt.Errorf("%w: %q", ErrRelativePath, path)
	}

	dir := f.root
	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	if len(parts) == 0 {
		return FileInfo{Found: true, Dir: true}, nil
	}

	for i, part := range parts {
		name, err := fat.ShortName(part)
		if err != nil {
			return FileInfo{}, fmt.Errorf("%w: %q: %w", ErrBadPath, path, err)
		}
		ent, ok, err := lookup(dir, name)
		if err != nil {
			return FileInfo{}, fmt.Errorf("find %s: %w", path, err)
		}
		if !ok {
			return FileInfo{}, nil
		}
		last := i == len(parts)-1
		if last {
			return FileInfo{Found: true, Size: ent.Size, FirstCluster: ent.FirstCluster, Dir: ent.Dir()}, nil
		}
		if !ent.Dir() {
			return FileInfo{}, nil
		}
		if ent.FirstCluster == 0 {
			// ".." of a first level directory points back at the root
			dir = f.root
			continue
		}
		if dir, err = f.loadDir(ent.FirstCluster); err != nil {
			return FileInfo{}, fmt.Errorf("find %s: %w", path, err)
		}
	}
	panic("unreachable")
}

func lookup(dir *io.SectionReader, name [11]byte) (fat.DirEntry, bool, error) {
	raw := make([]byte, fat.DirEntrySize)
	for off := int64(0); off+fat.DirEntrySize <= dir.Size(); off += fat.DirEntrySize {
		if _, err := dir.ReadAt(raw, off); err != nil {
			return fat.DirEntry{}, false, err
		}
		e := fat.ParseDirEntry(raw)
		if e.End() {
			break
		}
		if e.Deleted() || e.LongName() || e.Volume() {
			continue
		}
		if e.Name == name {
			return e, true, nil
		}
	}
	return fat.DirEntry{}, false, nil
}

// loadDir reads a subdirectory into the scratch buffer, growing it as needed.
func (f *FS) loadDir(first uint16) (*io.SectionReader, error) {
	var clusters []uint16
	err := f.chain(first, func(c uint16) (bool, error) {
		clusters = append(clusters, c)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	cs := uint64(f.bpb.ClusterSize())
	size := uint64(len(clusters)) * cs
	if size > f.scratchSize {
		grown := max(addr.AlignUp(size, addr.PageSize), 4*addr.PageSize)
		at, err := f.frames.Allocate(grown, pmm.FirmwareReclaimable)
		if err != nil {
			return nil, fmt.Errorf("allocate directory buffer: %w", err)
		}
		f.scratch, f.scratchSize = at, grown
	}
	for i, c := range clusters {
		if err := f.readSectors(f.clusterLBA(c), uint64(f.bpb.SectorsPerCluster), f.scratch+addr.Phys(uint64(i)*cs)); err != nil {
			return nil, fmt.Errorf("read cluster %d: %w", c, err)
		}
	}
	return io.NewSectionReader(f.mem, int64(f.scratch), int64(size)), nil
}

// Read copies the file described by info to dst in physical memory.
func (f *FS) Read(info FileInfo, dst addr.Phys) error {
	switch {
	case !info.Found:
		return ErrNotFound
	case info.Dir:
		return ErrIsDir
	case info.Size == 0:
		return nil
	}

	remaining := uint64(info.Size)
	at := dst
	err := f.chain(info.FirstCluster, func(c uint16) (bool, error) {
		if err := f.disk.ReadSectors(f.clusterLBA(c), f.xfer); err != nil {
			return false, fmt.Errorf("read cluster %d: %w", c, err)
		}
		n := min(remaining, uint64(len(f.xfer)))
		if _, err := f.mem.WriteAt(f.xfer[:n], int64(at)); err != nil {
			return false, fmt.Errorf("copy file to %s: %w", at, err)
		}
		at += addr.Phys(n)
		remaining -= n
		return remaining > 0, nil
	})
	if err != nil {
		return err
	}
	if remaining > 0 {
		return fmt.Errorf("%w: chain ends %d bytes short of the file size", ErrCorrupt, remaining)
	}
	return nil
}

// ReadFile finds path, allocates a buffer of the given kind for it and reads
// the file there.
func (f *FS) ReadFile(path string, kind pmm.RegionKind) (addr.Phys, FileInfo, error) {
	info, err := f.Find(path)
	if err != nil {
		return 0, FileInfo{}, err
	}
	switch {
	case !info.Found:
		return 0, info, fmt.Errorf("%w: %s", ErrNotFound, path)
	case info.Dir:
		return 0, info, fmt.Errorf("%w: %s", ErrIsDir, path)
	case info.Size == 0:
		return 0, info, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	dst, err := f.frames.Allocate(uint64(info.Size), kind)
	if err != nil {
		return 0, info, fmt.Errorf("allocate %s: %w", path, err)
	}
	if err := f.Read(info, dst); err != nil {
		return 0, info, fmt.Errorf("read %s: %w", path, err)
	}
	f.log.Debug("file loaded", "path", path, "size", info.Size, "addr", dst, "kind", kind)
	return dst, info, nil
}

// Partition returns the partition the volume was mounted from.
func (f *FS) Partition() gpt.Partition { return f.part }

// Label returns the volume label.
func (f *FS) Label() string { return f.bpb.Label }
