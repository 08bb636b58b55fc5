package mkimage

import (
	"encoding/binary"
	"fmt"
)

const (
	// BootCodeSize is the part of the MBR before the partition records.
	BootCodeSize = 446

	// Stage2LBAOffset is where the first stage expects the sector number of
	// the second stage.
	Stage2LBAOffset = 0xD2

	// searchLimit bounds the scan for the second stage, in sectors.
	searchLimit = (10 << 20) / SectorSize
)

// Stage2Magic opens the first sector of the second stage.
var Stage2Magic = [2]byte{0xF4, 0x1C}

// FindStage2 returns the first sector after the MBR that starts with
// Stage2Magic.
func FindStage2(img []byte) (uint64, error) {
	sectors := min(uint64(len(img))/SectorSize, searchLimit+1)
	for lba := uint64(1); lba < sectors; lba++ {
		s := img[lba*SectorSize:]
		if s[0] == Stage2Magic[0] && s[1] == Stage2Magic[1] {
			return lba, nil
		}
	}
	return 0, ErrNoMagic
}

// InstallBootSector copies the first stage boot code into the MBR and patches
// in the sector the second stage starts at. Anything past BootCodeSize in
// boot is ignored so the partition records and signature survive.
func InstallBootSector(img []byte, boot []byte) (uint64, error) {
	if len(boot) > BootCodeSize {
		boot = boot[:BootCodeSize]
	}
	if len(img) < SectorSize {
		return 0, fmt.Errorf("%w: image has no MBR", ErrGeometry)
	}

	lba, err := FindStage2(img)
	if err != nil {
		return 0, err
	}
	if lba > 0xFFFFFFFF {
		return 0, fmt.Errorf("%w: second stage at lba %d", ErrTooLarge, lba)
	}

	clear(img[:BootCodeSize])
	copy(img[:BootCodeSize], boot)
	binary.LittleEndian.PutUint32(img[Stage2LBAOffset:], uint32(lba))
	return lba, nil
}
