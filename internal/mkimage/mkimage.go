// Package mkimage builds bootable disk images: a GUID partition table with a
// single FAT16 EFI system partition, an optional second stage in the gap
// before the partition, and the first stage boot code in the MBR.
package mkimage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/falconos/stage2/internal/fat"
	"github.com/falconos/stage2/internal/gpt"
)

const (
	SectorSize = 512

	DefaultDiskSize          = 32 << 20
	DefaultSectorsPerCluster = 4
	DefaultRootEntries       = 512
	DefaultLabel             = "FALCON"

	// PartitionLBA is where the EFI system partition starts.
	PartitionLBA = 2048

	// Stage2LBA is the first sector after the primary partition entries.
	Stage2LBA = 2 + gpt.DefaultEntryCount*gpt.EntrySize/SectorSize

	entrySectors    = gpt.DefaultEntryCount * gpt.EntrySize / SectorSize
	reservedSectors = 4
	fatCount        = 2
	mediaFixed      = 0xF8
)

var (
	ErrGeometry  = errors.New("mkimage: disk size does not fit a FAT16 volume")
	ErrBadPath   = errors.New("mkimage: bad file path")
	ErrRootFull  = errors.New("mkimage: root directory full")
	ErrDiskFull  = errors.New("mkimage: volume full")
	ErrTooLarge  = errors.New("mkimage: second stage does not fit before the partition")
	ErrNoMagic   = errors.New("mkimage: second stage magic not found")
	ErrDuplicate = errors.New("mkimage: duplicate path")
)

// File is one entry to put on the volume. Path is absolute and /-separated.
type File struct {
	Path string
	Data []byte
	Dir  bool
}

type Options struct {
	DiskSize          uint64
	SectorsPerCluster uint8
	RootEntries       uint16
	Label             string
	PartitionName     string

	// LegacyBootable sets the legacy BIOS bootable attribute on the partition.
	LegacyBootable bool

	// Stage2 is written at Stage2LBA when set.
	Stage2 []byte

	DiskGUID      gpt.GUID
	PartitionGUID gpt.GUID
}

func (o *Options) normalize() {
	if o.DiskSize == 0 {
		o.DiskSize = DefaultDiskSize
	}
	if o.SectorsPerCluster == 0 {
		o.SectorsPerCluster = DefaultSectorsPerCluster
	}
	if o.RootEntries == 0 {
		o.RootEntries = DefaultRootEntries
	}
	if o.Label == "" {
		o.Label = DefaultLabel
	}
	if o.PartitionName == "" {
		o.PartitionName = "EFI system partition"
	}
	if o.DiskGUID.IsZero() {
		o.DiskGUID = gpt.GUID{0x46, 0x4c, 0x43, 0x4e, 0x00, 0x00, 0x00, 0x40, 0x80, 0, 0, 0, 0, 0, 0, 1}
	}
	if o.PartitionGUID.IsZero() {
		o.PartitionGUID = gpt.GUID{0x46, 0x4c, 0x43, 0x4e, 0x00, 0x00, 0x00, 0x40, 0x80, 0, 0, 0, 0, 0, 0, 2}
	}
}

// Geometry computes the FAT16 parameters for a partition of the given size.
func Geometry(partSectors uint64, spc uint8, rootEntries uint16) (*fat.BPB, error) {
	if partSectors > 0xFFFFFFFF {
		return nil, fmt.Errorf("%w: %d sectors", ErrGeometry, partSectors)
	}
	b := &fat.BPB{
		BytesPerSector:    fat.SectorSize,
		SectorsPerCluster: spc,
		ReservedSectors:   reservedSectors,
		FATCount:          fatCount,
		RootEntries:       rootEntries,
		TotalSectors:      uint32(partSectors),
		Media:             mediaFixed,
		HiddenSectors:     PartitionLBA,
	}
	meta := uint64(b.ReservedSectors) + uint64(b.RootDirSectors())
	if partSectors <= meta {
		return nil, fmt.Errorf("%w: %d sectors", ErrGeometry, partSectors)
	}
	// Upper bound: size the FAT as if every non-metadata sector held data.
	clusters := (partSectors-meta)/uint64(spc) + fat.FirstCluster
	b.FATSize = uint32((clusters*2 + fat.SectorSize - 1) / fat.SectorSize)
	if !b.IsFAT16() {
		return nil, fmt.Errorf("%w: %d sectors at %d sectors per cluster gives %d clusters",
			ErrGeometry, partSectors, spc, b.ClusterCount())
	}
	return b, nil
}

// Build lays out a complete disk image.
func Build(files []File, opts Options) ([]byte, error) {
	opts.normalize()

	sectors := opts.DiskSize / SectorSize
	if sectors < PartitionLBA+entrySectors+2 {
		return nil, fmt.Errorf("%w: %d byte disk", ErrGeometry, opts.DiskSize)
	}
	lastUsable := sectors - entrySectors - 2
	part := gpt.Partition{
		Type:     gpt.EFISystemPartition,
		ID:       opts.PartitionGUID,
		FirstLBA: PartitionLBA,
		LastLBA:  lastUsable,
		Name:     opts.PartitionName,
	}
	if opts.LegacyBootable {
		part.Attributes |= gpt.AttrLegacyBIOSBootable
	}

	bpb, err := Geometry(part.Sectors(), opts.SectorsPerCluster, opts.RootEntries)
	if err != nil {
		return nil, err
	}
	bpb.Label = opts.Label
	bpb.VolumeID = binary.LittleEndian.Uint32(opts.PartitionGUID[:4])

	img := make([]byte, sectors*SectorSize)
	writeProtectiveMBR(img, sectors)
	writePartitionTable(img, sectors, lastUsable, opts.DiskGUID, part)

	if len(opts.Stage2) > 0 {
		if uint64(len(opts.Stage2)) > (PartitionLBA-Stage2LBA)*SectorSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(opts.Stage2))
		}
		copy(img[Stage2LBA*SectorSize:], opts.Stage2)
	}

	vol := img[PartitionLBA*SectorSize : (lastUsable+1)*SectorSize]
	if err := newVolume(vol, bpb).populate(files); err != nil {
		return nil, err
	}
	return img, nil
}

func writeProtectiveMBR(img []byte, sectors uint64) {
	e := img[446:462]
	e[1], e[2], e[3] = 0x00, 0x02, 0x00 // CHS of LBA 1
	e[4] = 0xEE
	e[5], e[6], e[7] = 0xFF, 0xFF, 0xFF
	binary.LittleEndian.PutUint32(e[8:12], 1)
	binary.LittleEndian.PutUint32(e[12:16], uint32(min(sectors-1, 0xFFFFFFFF)))
	img[510], img[511] = 0x55, 0xAA
}

func writePartitionTable(img []byte, sectors, lastUsable uint64, disk gpt.GUID, part gpt.Partition) {
	entries := make([]byte, entrySectors*SectorSize)
	part.Encode(entries)

	primary := gpt.Header{
		CurrentLBA:     gpt.HeaderLBA,
		BackupLBA:      sectors - 1,
		FirstUsableLBA: 2 + entrySectors,
		LastUsableLBA:  lastUsable,
		DiskGUID:       disk,
		EntriesLBA:     2,
		EntryCount:     gpt.DefaultEntryCount,
		EntrySize:      gpt.EntrySize,
		EntriesCRC:     gpt.ChecksumEntries(entries),
	}
	backup := primary
	backup.CurrentLBA, backup.BackupLBA = primary.BackupLBA, primary.CurrentLBA
	backup.EntriesLBA = sectors - 1 - entrySectors

	copy(img[primary.CurrentLBA*SectorSize:], primary.Encode())
	copy(img[primary.EntriesLBA*SectorSize:], entries)
	copy(img[backup.EntriesLBA*SectorSize:], entries)
	copy(img[backup.CurrentLBA*SectorSize:], backup.Encode())
}

// node is a file or directory in the tree being written.
type node struct {
	name     [11]byte
	dir      bool
	data     []byte
	children []*node
	cluster  uint16
}

func (n *node) child(name [11]byte) *node {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func buildTree(files []File) (*node, error) {
	root := &node{dir: true}
	sorted := slices.Clone(files)
	slices.SortStableFunc(sorted, func(a, b File) int { return strings.Compare(a.Path, b.Path) })

	for _, f := range sorted {
		if !strings.HasPrefix(f.Path, "/") {
			return nil, fmt.Errorf("%w: %q is not absolute", ErrBadPath, f.Path)
		}
		parts := strings.FieldsFunc(path.Clean(f.Path), func(r rune) bool { return r == '/' })
		if len(parts) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrBadPath, f.Path)
		}

		cur := root
		for i, part := range parts {
			name, err := fat.ShortName(part)
			if err != nil || part == "." || part == ".." {
				return nil, fmt.Errorf("%w: %q: component %q", ErrBadPath, f.Path, part)
			}
			last := i == len(parts)-1
			next := cur.child(name)
			switch {
			case next == nil:
				next = &node{name: name, dir: !last || f.Dir}
				if last && !f.Dir {
					next.data = f.Data
				}
				cur.children = append(cur.children, next)
			case last && !(f.Dir && next.dir):
				return nil, fmt.Errorf("%w: %s", ErrDuplicate, f.Path)
			case !next.dir:
				return nil, fmt.Errorf("%w: %s: %s is a file", ErrBadPath, f.Path, part)
			}
			cur = next
		}
	}
	return root, nil
}

// volume writes a FAT16 file system into a partition sized byte slice.
type volume struct {
	buf  []byte
	bpb  *fat.BPB
	fat  []uint16
	next uint16
}

func newVolume(buf []byte, bpb *fat.BPB) *volume {
	v := &volume{
		buf:  buf,
		bpb:  bpb,
		fat:  make([]uint16, bpb.ClusterCount()+fat.FirstCluster),
		next: fat.FirstCluster,
	}
	v.fat[0] = 0xFF00 | mediaFixed
	v.fat[1] = 0xFFFF
	return v
}

// alloc reserves a contiguous chain for size bytes.
func (v *volume) alloc(size int) (uint16, error) {
	csize := int(v.bpb.ClusterSize())
	n := max((size+csize-1)/csize, 1)
	if int(v.next)+n > len(v.fat) {
		return 0, fmt.Errorf("%w: need %d more clusters", ErrDiskFull, n)
	}
	first := v.next
	for i := range n {
		c := first + uint16(i)
		if i == n-1 {
			v.fat[c] = 0xFFFF
		} else {
			v.fat[c] = c + 1
		}
	}
	v.next += uint16(n)
	return first, nil
}

func (v *volume) clusterBytes(c uint16) []byte {
	off := int(v.bpb.ClusterSector(c)) * SectorSize
	return v.buf[off:]
}

func (v *volume) populate(files []File) error {
	root, err := buildTree(files)
	if err != nil {
		return err
	}
	if err := v.assign(root); err != nil {
		return err
	}

	var label [11]byte
	copy(label[:], fmt.Sprintf("%-11.11s", strings.ToUpper(v.bpb.Label)))
	entries := append([]fat.DirEntry{{Name: label, Attr: fat.AttrVolume}}, dirEntries(root)...)
	if len(entries) > int(v.bpb.RootEntries) {
		return fmt.Errorf("%w: %d entries, room for %d", ErrRootFull, len(entries), v.bpb.RootEntries)
	}
	rootDir := v.buf[int(v.bpb.FirstRootSector())*SectorSize:]
	for i, e := range entries {
		e.Encode(rootDir[i*fat.DirEntrySize:])
	}
	if err := v.write(root, 0); err != nil {
		return err
	}

	copy(v.buf, v.bpb.Encode())
	table := make([]byte, int(v.bpb.FATSize)*SectorSize)
	for i, c := range v.fat {
		binary.LittleEndian.PutUint16(table[2*i:], c)
	}
	for i := range uint32(v.bpb.FATCount) {
		copy(v.buf[int(v.bpb.FirstFATSector()+i*v.bpb.FATSize)*SectorSize:], table)
	}
	return nil
}

// assign hands out clusters to every node below n.
func (v *volume) assign(n *node) error {
	for _, c := range n.children {
		size := len(c.data)
		if c.dir {
			size = (len(c.children) + 2) * fat.DirEntrySize
		}
		if size == 0 {
			continue
		}
		first, err := v.alloc(size)
		if err != nil {
			return err
		}
		c.cluster = first
		if c.dir {
			if err := v.assign(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func dirEntries(n *node) []fat.DirEntry {
	out := make([]fat.DirEntry, 0, len(n.children))
	for _, c := range n.children {
		e := fat.DirEntry{Name: c.name, FirstCluster: c.cluster, Attr: fat.AttrArchive}
		if c.dir {
			e.Attr = fat.AttrDir
		} else {
			e.Size = uint32(len(c.data))
		}
		out = append(out, e)
	}
	return out
}

// write stores file contents and subdirectory tables below n. parent is the
// first cluster of n, 0 for the root.
func (v *volume) write(n *node, parent uint16) error {
	dot, _ := fat.ShortName(".")
	dotdot, _ := fat.ShortName("..")
	for _, c := range n.children {
		if !c.dir {
			if len(c.data) > 0 {
				copy(v.clusterBytes(c.cluster), c.data)
			}
			continue
		}
		entries := append([]fat.DirEntry{
			{Name: dot, Attr: fat.AttrDir, FirstCluster: c.cluster},
			{Name: dotdot, Attr: fat.AttrDir, FirstCluster: parent},
		}, dirEntries(c)...)
		dst := v.clusterBytes(c.cluster)
		for i, e := range entries {
			e.Encode(dst[i*fat.DirEntrySize:])
		}
		if err := v.write(c, c.cluster); err != nil {
			return err
		}
	}
	return nil
}

// FromDir collects every file and directory under root.
func FromDir(root string) ([]File, error) {
	var files []File
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := "/" + filepath.ToSlash(rel)
		if d.IsDir() {
			files = append(files, File{Path: name, Dir: true})
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("%w: %s is not a regular file", ErrBadPath, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files = append(files, File{Path: name, Data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect %s: %w", root, err)
	}
	return files, nil
}
