package elfload

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/falconos/stage2/internal/addr"
)

const (
	elfHeaderSize        = 64
	elfProgramHeaderSize = 56
)

// Segment is one PT_LOAD segment for Emit. MemSize below len(Data) is
// raised to len(Data).
type Segment struct {
	Virt    uint64
	Data    []byte
	MemSize uint64
	Flags   elf.ProgFlag
}

// Image describes an executable for Emit.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// Emit writes img as a little-endian x86_64 ELF64 executable. Segment data
// is placed at page-congruent file offsets so the file could be mapped
// directly.
func Emit(img Image) ([]byte, error) {
	if len(img.Segments) == 0 {
		return nil, ErrNoSegments
	}
	if len(img.Segments) > 0xFFFF {
		return nil, fmt.Errorf("%w: %d", ErrTooManySegments, len(img.Segments))
	}

	headers := uint64(elfHeaderSize + elfProgramHeaderSize*len(img.Segments))
	offsets := make([]uint64, len(img.Segments))
	cur := headers
	for i, seg := range img.Segments {
		off := addr.AlignUp(cur, addr.PageSize) + seg.Virt%addr.PageSize
		offsets[i] = off
		cur = off + uint64(len(seg.Data))
	}

	out := make([]byte, cur)
	fillHeader(out[:elfHeaderSize], img.Entry, len(img.Segments))
	for i, seg := range img.Segments {
		ph := out[elfHeaderSize+i*elfProgramHeaderSize:][:elfProgramHeaderSize]
		fillProgramHeader(ph, seg, offsets[i])
		copy(out[offsets[i]:], seg.Data)
	}
	return out, nil
}

func fillHeader(buf []byte, entry uint64, phnum int) {
	clear(buf)
	copy(buf, elf.ELFMAG)
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[24:], entry)
	binary.LittleEndian.PutUint64(buf[32:], elfHeaderSize) // program headers follow
	binary.LittleEndian.PutUint16(buf[52:], elfHeaderSize)
	binary.LittleEndian.PutUint16(buf[54:], elfProgramHeaderSize)
	binary.LittleEndian.PutUint16(buf[56:], uint16(phnum))
}

func fillProgramHeader(buf []byte, seg Segment, off uint64) {
	clear(buf)
	mem := max(seg.MemSize, uint64(len(seg.Data)))
	binary.LittleEndian.PutUint32(buf[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(buf[4:], uint32(seg.Flags))
	binary.LittleEndian.PutUint64(buf[8:], off)
	binary.LittleEndian.PutUint64(buf[16:], seg.Virt)
	binary.LittleEndian.PutUint64(buf[24:], seg.Virt)
	binary.LittleEndian.PutUint64(buf[32:], uint64(len(seg.Data)))
	binary.LittleEndian.PutUint64(buf[40:], mem)
	binary.LittleEndian.PutUint64(buf[48:], addr.PageSize)
}

// haltLoop is cli; hlt; jmp back to the hlt.
var haltLoop = []byte{0xFA, 0xF4, 0xEB, 0xFD}

// HaltKernel returns a minimal kernel whose entry point at base parks the
// processor. It is what the installer puts on an image when no kernel is
// supplied.
func HaltKernel(base addr.Virt) []byte {
	img, err := Emit(Image{
		Entry: uint64(base),
		Segments: []Segment{
			{Virt: uint64(base), Data: haltLoop, MemSize: addr.PageSize, Flags: elf.PF_R | elf.PF_X},
		},
	})
	if err != nil {
		panic(err)
	}
	return img
}
