// Package gpt encodes and decodes GUID partition table structures.
package gpt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"unicode/utf16"
)

const (
	HeaderLBA  = 1
	Signature  = "EFI PART"
	Revision   = 0x00010000
	HeaderSize = 92

	EntrySize         = 128
	DefaultEntryCount = 128

	AttrRequired  = 1 << 0
	AttrNoBlockIO = 1 << 1
	// AttrLegacyBIOSBootable marks the partition BIOS firmware boots from.
	AttrLegacyBIOSBootable = 1 << 2

	nameOffset = 56
	nameChars  = 36
)

var (
	ErrBadSignature = errors.New("gpt: bad header signature")
	ErrBadHeader    = errors.New("gpt: malformed header")
	ErrChecksum     = errors.New("gpt: checksum mismatch")
)

// GUID is kept in on-disk byte order.
type GUID [16]byte

// EFISystemPartition is C12A7328-F81F-11D2-BA4B-00A0C93EC93B.
var EFISystemPartition = GUID{
	0x28, 0x73, 0x2a, 0xc1, 0x1f, 0xf8, 0xd2, 0x11,
	0xba, 0x4b, 0x00, 0xa0, 0xc9, 0x3e, 0xc9, 0x3b,
}

func (g GUID) IsZero() bool { return g == GUID{} }

func (g GUID) String() string {
	return fmt.Sprintf("%08X-%04X-%04X-%X-%X",
		binary.LittleEndian.Uint32(g[0:4]),
		binary.LittleEndian.Uint16(g[4:6]),
		binary.LittleEndian.Uint16(g[6:8]),
		g[8:10], g[10:16])
}

// Header is the partition table header found at LBA 1 and, as a backup, at
// the last LBA of the disk.
type Header struct {
	CurrentLBA     uint64
	BackupLBA      uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       GUID
	EntriesLBA     uint64
	EntryCount     uint32
	EntrySize      uint32
	EntriesCRC     uint32
}

// EntriesBytes is the size of the partition entry array.
func (h *Header) EntriesBytes() uint64 { return uint64(h.EntryCount) * uint64(h.EntrySize) }

// Encode returns one 512-byte sector holding the header with its CRC filled in.
func (h *Header) Encode() []byte {
	buf := make([]byte, 512)
	copy(buf[0:8], Signature)
	binary.LittleEndian.PutUint32(buf[8:12], Revision)
	binary.LittleEndian.PutUint32(buf[12:16], HeaderSize)
	binary.LittleEndian.PutUint64(buf[24:32], h.CurrentLBA)
	binary.LittleEndian.PutUint64(buf[32:40], h.BackupLBA)
	binary.LittleEndian.PutUint64(buf[40:48], h.FirstUsableLBA)
	binary.LittleEndian.PutUint64(buf[48:56], h.LastUsableLBA)
	copy(buf[56:72], h.DiskGUID[:])
	binary.LittleEndian.PutUint64(buf[72:80], h.EntriesLBA)
	binary.LittleEndian.PutUint32(buf[80:84], h.EntryCount)
	binary.LittleEndian.PutUint32(buf[84:88], h.EntrySize)
	binary.LittleEndian.PutUint32(buf[88:92], h.EntriesCRC)
	binary.LittleEndian.PutUint32(buf[16:20], crc32.ChecksumIEEE(buf[:HeaderSize]))
	return buf
}

// ParseHeader decodes and verifies a header sector.
func ParseHeader(sector []byte) (*Header, error) {
	if len(sector) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadHeader, len(sector))
	}
	if string(sector[0:8]) != Signature {
		return nil, fmt.Errorf("%w: %q", ErrBadSignature, sector[0:8])
	}
	size := binary.LittleEndian.Uint32(sector[12:16])
	if size < HeaderSize || int(size) > len(sector) {
		return nil, fmt.Errorf("%w: header size %d", ErrBadHeader, size)
	}

	raw := make([]byte, size)
	copy(raw, sector[:size])
	want := binary.LittleEndian.Uint32(raw[16:20])
	clear(raw[16:20])
	if got := crc32.ChecksumIEEE(raw); got != want {
		return nil, fmt.Errorf("%w: header crc %#08x, stored %#08x", ErrChecksum, got, want)
	}

	h := &Header{
		CurrentLBA:     binary.LittleEndian.Uint64(raw[24:32]),
		BackupLBA:      binary.LittleEndian.Uint64(raw[32:40]),
		FirstUsableLBA: binary.LittleEndian.Uint64(raw[40:48]),
		LastUsableLBA:  binary.LittleEndian.Uint64(raw[48:56]),
		EntriesLBA:     binary.LittleEndian.Uint64(raw[72:80]),
		EntryCount:     binary.LittleEndian.Uint32(raw[80:84]),
		EntrySize:      binary.LittleEndian.Uint32(raw[84:88]),
		EntriesCRC:     binary.LittleEndian.Uint32(raw[88:92]),
	}
	copy(h.DiskGUID[:], raw[56:72])

	if h.EntrySize < EntrySize || h.EntrySize%8 != 0 {
		return nil, fmt.Errorf("%w: entry size %d", ErrBadHeader, h.EntrySize)
	}
	if h.EntryCount == 0 {
		return nil, fmt.Errorf("%w: no partition entries", ErrBadHeader)
	}
	return h, nil
}

// VerifyEntries checks the entry array against the CRC in the header.
func (h *Header) VerifyEntries(entries []byte) error {
	n := h.EntriesBytes()
	if uint64(len(entries)) < n {
		return fmt.Errorf("%w: entry array is %d bytes, want %d", ErrBadHeader, len(entries), n)
	}
	if got := crc32.ChecksumIEEE(entries[:n]); got != h.EntriesCRC {
		return fmt.Errorf("%w: entries crc %#08x, stored %#08x", ErrChecksum, got, h.EntriesCRC)
	}
	return nil
}

// Partition is one entry of the partition array. LastLBA is inclusive.
type Partition struct {
	Type       GUID
	ID         GUID
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       string
}

func (p Partition) Empty() bool { return p.Type.IsZero() }

// Sectors returns the number of sectors the partition spans.
func (p Partition) Sectors() uint64 {
	if p.LastLBA < p.FirstLBA {
		return 0
	}
	return p.LastLBA - p.FirstLBA + 1
}

// Bootable reports whether the stage may boot from the partition: either an
// EFI system partition or one flagged legacy BIOS bootable.
func (p Partition) Bootable() bool {
	return p.Type == EFISystemPartition || p.Attributes&AttrLegacyBIOSBootable != 0
}

func ParsePartition(b []byte) Partition {
	var p Partition
	copy(p.Type[:], b[0:16])
	copy(p.ID[:], b[16:32])
	p.FirstLBA = binary.LittleEndian.Uint64(b[32:40])
	p.LastLBA = binary.LittleEndian.Uint64(b[40:48])
	p.Attributes = binary.LittleEndian.Uint64(b[48:56])

	name := make([]uint16, 0, nameChars)
	for i := range nameChars {
		c := binary.LittleEndian.Uint16(b[nameOffset+2*i:])
		if c == 0 {
			break
		}
		name = append(name, c)
	}
	p.Name = string(utf16.Decode(name))
	return p
}

// Encode writes the entry into dst, which must hold EntrySize bytes.
func (p Partition) Encode(dst []byte) {
	clear(dst[:EntrySize])
	copy(dst[0:16], p.Type[:])
	copy(dst[16:32], p.ID[:])
	binary.LittleEndian.PutUint64(dst[32:40], p.FirstLBA)
	binary.LittleEndian.PutUint64(dst[40:48], p.LastLBA)
	binary.LittleEndian.PutUint64(dst[48:56], p.Attributes)
	for i, c := range utf16.Encode([]rune(p.Name)) {
		if i == nameChars {
			break
		}
		binary.LittleEndian.PutUint16(dst[nameOffset+2*i:], c)
	}
}

// ChecksumEntries returns the CRC stored in the header for an entry array.
func ChecksumEntries(entries []byte) uint32 { return crc32.ChecksumIEEE(entries) }
