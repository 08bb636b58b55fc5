// Package disk provides the firmware sector-read primitive the boot stage
// uses to reach the boot medium.
package disk

import (
	"errors"
	"fmt"
)

const SectorSize = 512

var (
	ErrShortBuffer = errors.New("disk: buffer is not a whole number of sectors")
	ErrOutOfRange  = errors.New("disk: read past end of medium")
)

// SectorReader reads whole 512-byte sectors by logical block address.
type SectorReader interface {
	ReadSectors(lba uint64, dst []byte) error
}

// Bytes is an in-memory disk image.
type Bytes []byte

var _ SectorReader = Bytes(nil)

func (b Bytes) ReadSectors(lba uint64, dst []byte) error {
	return readSectors(b, lba, dst)
}

// Sectors returns the number of whole sectors in the image.
func (b Bytes) Sectors() uint64 { return uint64(len(b)) / SectorSize }

func readSectors(img []byte, lba uint64, dst []byte) error {
	if len(dst)%SectorSize != 0 {
		return fmt.Errorf("%w: %d bytes", ErrShortBuffer, len(dst))
	}
	off := lba * SectorSize
	end := off + uint64(len(dst))
	if end < off || end > uint64(len(img)) {
		return fmt.Errorf("%w: lba %d, %d sectors, medium has %d",
			ErrOutOfRange, lba, len(dst)/SectorSize, len(img)/SectorSize)
	}
	copy(dst, img[off:end])
	return nil
}
