// Package physmem models the machine's physical memory as a flat,
// byte-addressable store. Offsets passed to ReadAt/WriteAt are physical
// addresses.
package physmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/falconos/stage2/internal/addr"
)

var ErrOutOfRange = errors.New("physical address out of range")

// Memory is physical memory as seen by the boot stage.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the number of addressable bytes starting at physical 0.
	Size() uint64
}

// Buffer is a heap-backed Memory.
type Buffer struct {
	mem []byte
}

var _ Memory = &Buffer{}

// New returns a zero-filled heap-backed memory of size bytes.
func New(size uint64) *Buffer {
	return &Buffer{mem: make([]byte, size)}
}

// FromBytes wraps an existing byte slice. The slice is not copied.
func FromBytes(b []byte) *Buffer {
	return &Buffer{mem: b}
}

func (b *Buffer) Size() uint64 { return uint64(len(b.mem)) }

// Bytes exposes the backing store.
func (b *Buffer) Bytes() []byte { return b.mem }

func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if err := b.check(off, len(p)); err != nil {
		return 0, err
	}
	return copy(p, b.mem[off:]), nil
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if err := b.check(off, len(p)); err != nil {
		return 0, err
	}
	return copy(b.mem[off:], p), nil
}

func (b *Buffer) check(off int64, n int) error {
	if off < 0 || uint64(off)+uint64(n) > uint64(len(b.mem)) {
		return fmt.Errorf("%w: [%#x, %#x) outside %#x bytes", ErrOutOfRange, off, uint64(off)+uint64(n), len(b.mem))
	}
	return nil
}

func ReadUint16(m Memory, at addr.Phys) (uint16, error) {
	var buf [2]byte
	if _, err := m.ReadAt(buf[:], int64(at)); err != nil {
		return 0, fmt.Errorf("read u16 @%s: %w", at, err)
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func WriteUint16(m Memory, at addr.Phys, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	if _, err := m.WriteAt(buf[:], int64(at)); err != nil {
		return fmt.Errorf("write u16 @%s: %w", at, err)
	}
	return nil
}

func ReadUint32(m Memory, at addr.Phys) (uint32, error) {
	var buf [4]byte
	if _, err := m.ReadAt(buf[:], int64(at)); err != nil {
		return 0, fmt.Errorf("read u32 @%s: %w", at, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func WriteUint32(m Memory, at addr.Phys, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if _, err := m.WriteAt(buf[:], int64(at)); err != nil {
		return fmt.Errorf("write u32 @%s: %w", at, err)
	}
	return nil
}

func ReadUint64(m Memory, at addr.Phys) (uint64, error) {
	var buf [8]byte
	if _, err := m.ReadAt(buf[:], int64(at)); err != nil {
		return 0, fmt.Errorf("read u64 @%s: %w", at, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

var zeroPage [addr.PageSize]byte

// Zero clears n bytes starting at the given physical address.
func Zero(m Memory, at addr.Phys, n uint64) error {
	for n > 0 {
		chunk := min(n, uint64(len(zeroPage)))
		if _, err := m.WriteAt(zeroPage[:chunk], int64(at)); err != nil {
			return fmt.Errorf("zero @%s: %w", at, err)
		}
		at += addr.Phys(chunk)
		n -= chunk
	}
	return nil
}
