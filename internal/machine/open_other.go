//go:build !unix

package machine

import (
	"errors"
	"os"

	"github.com/falconos/stage2/internal/disk"
	"github.com/falconos/stage2/internal/physmem"
)

var errUnsupported = errors.New("machine: mmap backing needs a unix host")

type closingMemory struct{ *physmem.Buffer }

func (closingMemory) Close() error { return nil }

func newMapped(size uint64) (closingMemory, error) { return closingMemory{}, errUnsupported }

type closingBytes struct{ disk.Bytes }

func (closingBytes) Close() error { return nil }

func openImage(path string) (closingBytes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return closingBytes{}, err
	}
	return closingBytes{disk.Bytes(data)}, nil
}
