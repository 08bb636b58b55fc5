//go:build unix

package disk

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Image is a raw disk image file mapped read-only into memory.
type Image struct {
	path string
	data []byte
}

var _ SectorReader = &Image{}

// OpenImage maps the image at path. The file must be a whole number of
// sectors long.
func OpenImage(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open disk image: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat disk image: %w", err)
	}
	size := st.Size()
	if size == 0 || size%SectorSize != 0 {
		return nil, fmt.Errorf("disk image %s: size %d is not a whole number of sectors", path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap disk image: %w", err)
	}
	return &Image{path: path, data: data}, nil
}

func (img *Image) ReadSectors(lba uint64, dst []byte) error {
	if img.data == nil {
		return fmt.Errorf("disk image %s is closed", img.path)
	}
	return readSectors(img.data, lba, dst)
}

func (img *Image) Sectors() uint64 { return uint64(len(img.data)) / SectorSize }

func (img *Image) Close() error {
	if img.data == nil {
		return nil
	}
	err := unix.Munmap(img.data)
	img.data = nil
	return err
}
