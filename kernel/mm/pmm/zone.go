package pmm

import "github.com/DragonOS-Community/DragonOS-sub000/kernel/mm"

// ZoneClass selects the group of physical zones an allocation may be
// satisfied from.
type ZoneClass uint8

const (
	// ZoneDMA covers frames below the 16 MiB ISA DMA limit.
	ZoneDMA ZoneClass = iota

	// ZoneNormal covers frames inside the kernel direct mapping.
	ZoneNormal

	// ZoneUnmapped covers frames above the direct-mapping limit.
	ZoneUnmapped

	zoneClassCount
)

// dmaLimit is the exclusive upper bound of the DMA zone class.
const dmaLimit = 16 << 20

// String implements fmt.Stringer for ZoneClass.
func (c ZoneClass) String() string {
	switch c {
	case ZoneDMA:
		return "DMA"
	case ZoneNormal:
		return "normal"
	case ZoneUnmapped:
		return "unmapped"
	default:
		return "invalid"
	}
}

// Zone tracks the allocation counters for one contiguous run of usable
// frames. Zones never overlap and are ordered by address; all zones of a
// class occupy a contiguous index range in the zone array.
type Zone struct {
	class ZoneClass

	// Physical bounds, 2 MiB aligned, end exclusive.
	addrStart mm.PhysAddr
	addrEnd   mm.PhysAddr

	// Frame-index bounds into the global bitmap, end exclusive.
	startFrame uint
	endFrame   uint

	pagesUsing uint64
	pagesFree  uint64

	// totalRefs accumulates the reference counts of the zone's frames.
	totalRefs uint64
}

// Class returns the zone class.
func (z *Zone) Class() ZoneClass { return z.class }

// FrameCount returns the number of frames the zone covers.
func (z *Zone) FrameCount() uint64 { return uint64(z.endFrame - z.startFrame) }

// contains returns true if addr falls inside the zone.
func (z *Zone) contains(addr mm.PhysAddr) bool {
	return addr >= z.addrStart && addr < z.addrEnd
}
