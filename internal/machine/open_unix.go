//go:build unix

package machine

import (
	"github.com/falconos/stage2/internal/disk"
	"github.com/falconos/stage2/internal/physmem"
)

func newMapped(size uint64) (*physmem.Mapped, error) { return physmem.NewMapped(size) }

func openImage(path string) (*disk.Image, error) { return disk.OpenImage(path) }
