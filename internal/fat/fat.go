// Package fat describes the on-disk structures of a FAT16 volume: the BIOS
// parameter block, 32-byte directory entries and 8.3 short names.
package fat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	SectorSize   = 512
	DirEntrySize = 32

	AttrReadOnly = 0x01
	AttrHidden   = 0x02
	AttrSystem   = 0x04
	AttrVolume   = 0x08
	AttrDir      = 0x10
	AttrArchive  = 0x20
	AttrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolume

	// FirstCluster is the number of the first data cluster; 0 and 1 are
	// reserved FAT slots.
	FirstCluster = 2

	// Cluster values at or above EndOfChain terminate a chain.
	EndOfChain = 0xFFF8
	BadCluster = 0xFFF7

	// A volume is FAT16 when its cluster count is in [MinClusters, MaxClusters).
	MinClusters = 4085
	MaxClusters = 65525

	deletedMarker = 0xE5
	bootSignature = 0x29
)

var (
	ErrBadBPB  = errors.New("fat: malformed BIOS parameter block")
	ErrBadName = errors.New("fat: name is not a valid 8.3 short name")
)

// BPB is the BIOS parameter block from the first sector of the volume.
type BPB struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	FATCount          uint8
	RootEntries       uint16
	TotalSectors      uint32
	Media             uint8
	FATSize           uint32 // sectors per FAT
	HiddenSectors     uint32
	VolumeID          uint32
	Label             string
}

func ParseBPB(sector []byte) (*BPB, error) {
	if len(sector) < SectorSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadBPB, len(sector))
	}
	b := &BPB{
		BytesPerSector:    binary.LittleEndian.Uint16(sector[11:13]),
		SectorsPerCluster: sector[13],
		ReservedSectors:   binary.LittleEndian.Uint16(sector[14:16]),
		FATCount:          sector[16],
		RootEntries:       binary.LittleEndian.Uint16(sector[17:19]),
		TotalSectors:      uint32(binary.LittleEndian.Uint16(sector[19:21])),
		Media:             sector[21],
		FATSize:           uint32(binary.LittleEndian.Uint16(sector[22:24])),
		HiddenSectors:     binary.LittleEndian.Uint32(sector[28:32]),
	}
	if b.TotalSectors == 0 {
		b.TotalSectors = binary.LittleEndian.Uint32(sector[32:36])
	}
	if b.FATSize == 0 {
		b.FATSize = binary.LittleEndian.Uint32(sector[36:40])
	}
	if sector[38] == bootSignature {
		b.VolumeID = binary.LittleEndian.Uint32(sector[39:43])
		b.Label = strings.TrimRight(string(sector[43:54]), " ")
	}

	switch {
	case b.BytesPerSector != SectorSize:
		return nil, fmt.Errorf("%w: %d bytes per sector", ErrBadBPB, b.BytesPerSector)
	case b.SectorsPerCluster == 0 || b.SectorsPerCluster&(b.SectorsPerCluster-1) != 0:
		return nil, fmt.Errorf("%w: %d sectors per cluster", ErrBadBPB, b.SectorsPerCluster)
	case b.ReservedSectors == 0 || b.FATCount == 0 || b.FATSize == 0:
		return nil, fmt.Errorf("%w: reserved=%d fats=%d fat size=%d", ErrBadBPB, b.ReservedSectors, b.FATCount, b.FATSize)
	case uint64(b.FirstDataSector()) > uint64(b.TotalSectors):
		return nil, fmt.Errorf("%w: metadata runs past the %d sector volume", ErrBadBPB, b.TotalSectors)
	}
	return b, nil
}

// Encode returns the volume's boot sector.
func (b *BPB) Encode() []byte {
	s := make([]byte, SectorSize)
	copy(s[0:3], []byte{0xEB, 0x3C, 0x90})
	copy(s[3:11], "FALCONOS")
	binary.LittleEndian.PutUint16(s[11:13], b.BytesPerSector)
	s[13] = b.SectorsPerCluster
	binary.LittleEndian.PutUint16(s[14:16], b.ReservedSectors)
	s[16] = b.FATCount
	binary.LittleEndian.PutUint16(s[17:19], b.RootEntries)
	if b.TotalSectors <= 0xFFFF {
		binary.LittleEndian.PutUint16(s[19:21], uint16(b.TotalSectors))
	} else {
		binary.LittleEndian.PutUint32(s[32:36], b.TotalSectors)
	}
	s[21] = b.Media
	binary.LittleEndian.PutUint16(s[22:24], uint16(b.FATSize))
	binary.LittleEndian.PutUint32(s[28:32], b.HiddenSectors)

	s[36] = 0x80
	s[38] = bootSignature
	binary.LittleEndian.PutUint32(s[39:43], b.VolumeID)
	copy(s[43:54], fmt.Sprintf("%-11.11s", strings.ToUpper(b.Label)))
	copy(s[54:62], "FAT16   ")
	s[510], s[511] = 0x55, 0xAA
	return s
}

func (b *BPB) ClusterSize() uint32 { return uint32(b.SectorsPerCluster) * uint32(b.BytesPerSector) }

func (b *BPB) RootDirSectors() uint32 {
	n := uint32(b.RootEntries) * DirEntrySize
	return (n + uint32(b.BytesPerSector) - 1) / uint32(b.BytesPerSector)
}

// Sector offsets below are relative to the start of the volume.

func (b *BPB) FirstFATSector() uint32 { return uint32(b.ReservedSectors) }

func (b *BPB) FirstRootSector() uint32 {
	return uint32(b.ReservedSectors) + uint32(b.FATCount)*b.FATSize
}

func (b *BPB) FirstDataSector() uint32 { return b.FirstRootSector() + b.RootDirSectors() }

func (b *BPB) ClusterCount() uint32 {
	if b.FirstDataSector() >= b.TotalSectors {
		return 0
	}
	return (b.TotalSectors - b.FirstDataSector()) / uint32(b.SectorsPerCluster)
}

func (b *BPB) IsFAT16() bool {
	n := b.ClusterCount()
	return n >= MinClusters && n < MaxClusters
}

// ClusterSector returns the first sector of a data cluster.
func (b *BPB) ClusterSector(cluster uint16) uint32 {
	return b.FirstDataSector() + uint32(cluster-FirstCluster)*uint32(b.SectorsPerCluster)
}

// DirEntry is a 32-byte short directory entry.
type DirEntry struct {
	Name         [11]byte
	Attr         uint8
	FirstCluster uint16
	Size         uint32
}

func ParseDirEntry(b []byte) DirEntry {
	var e DirEntry
	copy(e.Name[:], b[0:11])
	e.Attr = b[11]
	e.FirstCluster = binary.LittleEndian.Uint16(b[26:28])
	e.Size = binary.LittleEndian.Uint32(b[28:32])
	return e
}

// Encode writes the entry into dst, which must hold DirEntrySize bytes.
func (e DirEntry) Encode(dst []byte) {
	clear(dst[:DirEntrySize])
	copy(dst[0:11], e.Name[:])
	dst[11] = e.Attr
	binary.LittleEndian.PutUint16(dst[26:28], e.FirstCluster)
	binary.LittleEndian.PutUint32(dst[28:32], e.Size)
}

// End reports the end-of-directory marker.
func (e DirEntry) End() bool      { return e.Name[0] == 0 }
func (e DirEntry) Deleted() bool  { return e.Name[0] == deletedMarker }
func (e DirEntry) LongName() bool { return e.Attr&AttrLongName == AttrLongName }
func (e DirEntry) Volume() bool   { return e.Attr&AttrVolume != 0 }
func (e DirEntry) Dir() bool      { return e.Attr&AttrDir != 0 }

// DisplayName renders the short name as NAME.EXT.
func (e DirEntry) DisplayName() string {
	base := strings.TrimRight(string(e.Name[:8]), " ")
	ext := strings.TrimRight(string(e.Name[8:]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// ShortName converts a path component into its space padded, upper case 8.3
// form. "." and ".." map to the dot entries.
func ShortName(name string) ([11]byte, error) {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	if name == "." || name == ".." {
		copy(out[:], name)
		return out, nil
	}

	base, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		base, ext = name[:i], name[i+1:]
	}
	if len(base) == 0 || len(base) > 8 || len(ext) > 3 {
		return out, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	for _, part := range []string{base, ext} {
		for i := 0; i < len(part); i++ {
			if !validChar(part[i]) {
				return out, fmt.Errorf("%w: %q", ErrBadName, name)
			}
		}
	}
	copy(out[0:8], strings.ToUpper(base))
	copy(out[8:11], strings.ToUpper(ext))
	return out, nil
}

func validChar(c byte) bool {
	if c <= ' ' || c >= 0x7F {
		return false
	}
	return !strings.ContainsRune(`"*+,./:;<=>?[\]|`, rune(c))
}
