package pmm

import (
	"fmt"

	"github.com/falconos/stage2/internal/bootinfo"
)

// RegionKind is the type of a physical memory region. Values match the
// memory map tags of the boot info record.
type RegionKind uint8

const (
	Used                RegionKind = RegionKind(bootinfo.TagUsed)
	Free                RegionKind = RegionKind(bootinfo.TagFree)
	ACPIReserved        RegionKind = RegionKind(bootinfo.TagACPI)
	FirmwareReclaimable RegionKind = RegionKind(bootinfo.TagReclaimable)
	BootinfoReserved    RegionKind = RegionKind(bootinfo.TagBootinfo)
	PagingReserved      RegionKind = RegionKind(bootinfo.TagPaging)
	KernelModule        RegionKind = RegionKind(bootinfo.TagKernelModule)
)

// KindFromTag converts a firmware memory map tag. Unknown tags are treated
// as Used so nothing ever allocates from memory we do not understand.
func KindFromTag(tag uint8) RegionKind {
	switch k := RegionKind(tag); k {
	case Used, Free, ACPIReserved, FirmwareReclaimable, BootinfoReserved, PagingReserved, KernelModule:
		return k
	default:
		return Used
	}
}

func (k RegionKind) Tag() uint8 { return uint8(k) }

func (k RegionKind) String() string {
	switch k {
	case Used:
		return "USED"
	case Free:
		return "FREE"
	case ACPIReserved:
		return "ACPI"
	case FirmwareReclaimable:
		return "RECLAIMABLE"
	case BootinfoReserved:
		return "BOOTINFO"
	case PagingReserved:
		return "PAGING"
	case KernelModule:
		return "MODULE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// rank orders kinds by how restrictive they are. When firmware reports
// overlapping entries the higher rank wins.
func (k RegionKind) rank() int {
	switch k {
	case Free:
		return 0
	case FirmwareReclaimable:
		return 1
	case KernelModule, PagingReserved, BootinfoReserved:
		return 2
	case ACPIReserved:
		return 3
	default:
		return 4
	}
}
