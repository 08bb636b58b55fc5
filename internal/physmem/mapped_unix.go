//go:build unix

package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mapped is a Memory backed by an anonymous private mapping, so large
// simulated machines do not sit on the Go heap.
type Mapped struct {
	Buffer
}

// NewMapped maps size bytes of zeroed anonymous memory.
func NewMapped(size uint64) (*Mapped, error) {
	if size == 0 {
		return nil, fmt.Errorf("map physical memory: zero size")
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("map physical memory (%d bytes): %w", size, err)
	}
	return &Mapped{Buffer: Buffer{mem: mem}}, nil
}

func (m *Mapped) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
