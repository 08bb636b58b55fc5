// Package bootinfo encodes and decodes the boot information record that the
// first stage leaves in memory for the second stage, and that the second stage
// in turn hands to the kernel.
//
// The record is packed little-endian:
//
//	0x00  magic "FLCN"
//	0x04  u32 total size, memory map included
//	0x08  u8  bootloader type
//	0x0c  u64 framebuffer pointer
//	0x14  u32 framebuffer width
//	0x18  u32 framebuffer height
//	0x1c  u32 framebuffer scanline bytes
//	0x20  u8  framebuffer pixel format
//	0x40  u64 ACPI root pointer
//	0x60  memory map, {u64 ptr|tag, u64 size} until the total size
//
// Memory map addresses are page aligned, so the low byte of ptr carries the
// region tag.
package bootinfo

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/falconos/stage2/internal/addr"
	"github.com/falconos/stage2/internal/physmem"
)

const (
	Magic = "FLCN"

	HeaderSize = 0x60
	EntrySize  = 16

	// MaxEntries is how many memory map entries fit in the page that holds
	// the record.
	MaxEntries = (addr.PageSize - HeaderSize) / EntrySize

	magicOffset       = 0x00
	sizeOffset        = 0x04
	loaderTypeOffset  = 0x08
	fbPtrOffset       = 0x0c
	fbWidthOffset     = 0x14
	fbHeightOffset    = 0x18
	fbScanlineOffset  = 0x1c
	fbPixelFmtOffset  = 0x20
	acpiPtrOffset     = 0x40
	memoryMapOffset   = HeaderSize
	entryTagMask      = 0xff
	entryAddressMask  = ^uint64(entryTagMask)
	entrySizeFieldOff = 8
)

var (
	ErrBadMagic = errors.New("bootinfo: bad magic")
	ErrBadSize  = errors.New("bootinfo: bad record size")
)

type LoaderType uint8

const (
	LoaderBIOS LoaderType = 0
	LoaderUEFI LoaderType = 1
)

func (t LoaderType) String() string {
	switch t {
	case LoaderBIOS:
		return "bios"
	case LoaderUEFI:
		return "uefi"
	default:
		return fmt.Sprintf("loader(%d)", uint8(t))
	}
}

// PixelFormat describes a 32-bit framebuffer pixel layout.
type PixelFormat uint8

const (
	PixelARGB PixelFormat = iota
	PixelRGBA
	PixelABGR
	PixelBGRA
)

// Memory map tags as written by the first stage.
const (
	TagUsed         uint8 = 0
	TagFree         uint8 = 1
	TagACPI         uint8 = 3
	TagReclaimable  uint8 = 4
	TagBootinfo     uint8 = 5
	TagPaging       uint8 = 6
	TagKernelModule uint8 = 7
)

type Framebuffer struct {
	Address       addr.Phys
	Width         uint32
	Height        uint32
	ScanlineBytes uint32
	PixelFormat   PixelFormat
}

// Entry is one memory map entry with the tag already split from the address.
type Entry struct {
	Start addr.Phys
	Size  uint64
	Tag   uint8
}

type Info struct {
	// Addr is the physical address the record was read from or will be
	// written to. It is not part of the encoding.
	Addr addr.Phys

	Loader      LoaderType
	Framebuffer Framebuffer
	ACPI        addr.Phys
	MemoryMap   []Entry
}

// Size returns the encoded size of the record.
func (i *Info) Size() uint32 {
	return uint32(HeaderSize + EntrySize*len(i.MemoryMap))
}

// Encode serializes the record.
func (i *Info) Encode() ([]byte, error) {
	if len(i.MemoryMap) > MaxEntries {
		return nil, fmt.Errorf("%w: %d memory map entries exceed %d", ErrBadSize, len(i.MemoryMap), MaxEntries)
	}
	buf := make([]byte, i.Size())
	copy(buf[magicOffset:], Magic)
	binary.LittleEndian.PutUint32(buf[sizeOffset:], i.Size())
	buf[loaderTypeOffset] = byte(i.Loader)
	binary.LittleEndian.PutUint64(buf[fbPtrOffset:], uint64(i.Framebuffer.Address))
	binary.LittleEndian.PutUint32(buf[fbWidthOffset:], i.Framebuffer.Width)
	binary.LittleEndian.PutUint32(buf[fbHeightOffset:], i.Framebuffer.Height)
	binary.LittleEndian.PutUint32(buf[fbScanlineOffset:], i.Framebuffer.ScanlineBytes)
	buf[fbPixelFmtOffset] = byte(i.Framebuffer.PixelFormat)
	binary.LittleEndian.PutUint64(buf[acpiPtrOffset:], uint64(i.ACPI))

	for idx, ent := range i.MemoryMap {
		base := memoryMapOffset + idx*EntrySize
		binary.LittleEndian.PutUint64(buf[base:], uint64(ent.Start)&entryAddressMask|uint64(ent.Tag))
		binary.LittleEndian.PutUint64(buf[base+entrySizeFieldOff:], ent.Size)
	}
	return buf, nil
}

// Write encodes the record into physical memory at i.Addr.
func (i *Info) Write(m physmem.Memory) error {
	buf, err := i.Encode()
	if err != nil {
		return err
	}
	if _, err := m.WriteAt(buf, int64(i.Addr)); err != nil {
		return fmt.Errorf("write boot info @%s: %w", i.Addr, err)
	}
	return nil
}

// Read decodes the record found at the given physical address.
func Read(m physmem.Memory, at addr.Phys) (*Info, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := m.ReadAt(hdr, int64(at)); err != nil {
		return nil, fmt.Errorf("read boot info header @%s: %w", at, err)
	}
	if string(hdr[magicOffset:magicOffset+len(Magic)]) != Magic {
		return nil, fmt.Errorf("%w: %q", ErrBadMagic, hdr[magicOffset:magicOffset+len(Magic)])
	}

	size := binary.LittleEndian.Uint32(hdr[sizeOffset:])
	if size < HeaderSize || size > addr.PageSize || (size-HeaderSize)%EntrySize != 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadSize, size)
	}
	buf := make([]byte, size)
	if _, err := m.ReadAt(buf, int64(at)); err != nil {
		return nil, fmt.Errorf("read boot info @%s: %w", at, err)
	}
	return decode(buf, at), nil
}

func decode(buf []byte, at addr.Phys) *Info {
	info := &Info{
		Addr:   at,
		Loader: LoaderType(buf[loaderTypeOffset]),
		Framebuffer: Framebuffer{
			Address:       addr.Phys(binary.LittleEndian.Uint64(buf[fbPtrOffset:])),
			Width:         binary.LittleEndian.Uint32(buf[fbWidthOffset:]),
			Height:        binary.LittleEndian.Uint32(buf[fbHeightOffset:]),
			ScanlineBytes: binary.LittleEndian.Uint32(buf[fbScanlineOffset:]),
			PixelFormat:   PixelFormat(buf[fbPixelFmtOffset]),
		},
		ACPI: addr.Phys(binary.LittleEndian.Uint64(buf[acpiPtrOffset:])),
	}

	for base := memoryMapOffset; base+EntrySize <= len(buf); base += EntrySize {
		ptr := binary.LittleEndian.Uint64(buf[base:])
		info.MemoryMap = append(info.MemoryMap, Entry{
			Start: addr.Phys(ptr & entryAddressMask),
			Size:  binary.LittleEndian.Uint64(buf[base+entrySizeFieldOff:]),
			Tag:   uint8(ptr & entryTagMask),
		})
	}
	return info
}
