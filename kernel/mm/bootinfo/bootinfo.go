// Package bootinfo describes the physical memory map that the boot loader
// hands to the kernel. The map is supplied exactly once, at boot, and is
// never re-read.
package bootinfo

// RegionType defines the type of a memory map Region.
type RegionType uint32

const (
	// RegionAvailable indicates that the memory region is available for use.
	RegionAvailable RegionType = iota + 1

	// RegionReserved indicates that the memory region is not available for use.
	RegionReserved

	// RegionACPIReclaimable indicates a region that holds ACPI info that
	// can be reused by the OS.
	RegionACPIReclaimable

	// RegionNVS indicates memory that must be preserved on hibernation.
	RegionNVS

	regionUnknown
)

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	switch t {
	case RegionAvailable:
		return "available"
	case RegionReserved:
		return "reserved"
	case RegionACPIReclaimable:
		return "ACPI (reclaimable)"
	case RegionNVS:
		return "NVS"
	default:
		return "unknown"
	}
}

// Region describes a memory region entry, namely its physical address, its
// length and its type.
type Region struct {
	// The physical address where this memory region begins.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type RegionType
}

// RegionVisitor defines a visitor function that gets invoked by VisitRegions
// for each memory region in the map. The visitor must return true to continue
// or false to abort the scan.
type RegionVisitor func(*Region) bool

// MemoryMap is the ordered list of memory regions reported by the boot
// loader.
type MemoryMap []Region

// VisitRegions invokes the supplied visitor for each memory region in the
// map. Unknown region types are reported as reserved.
func (m MemoryMap) VisitRegions(visitor RegionVisitor) {
	for i := range m {
		region := m[i]
		if region.Type == 0 || region.Type >= regionUnknown {
			region.Type = RegionReserved
		}

		if !visitor(&region) {
			return
		}
	}
}

// MaxPhysAddress returns the end of the physical address space described by
// the map, including holes and reserved regions.
func (m MemoryMap) MaxPhysAddress() uint64 {
	var max uint64
	for _, region := range m {
		if end := region.PhysAddress + region.Length; end > max {
			max = end
		}
	}
	return max
}

// TotalAvailable returns the number of available bytes in the map.
func (m MemoryMap) TotalAvailable() uint64 {
	var total uint64
	m.VisitRegions(func(region *Region) bool {
		if region.Type == RegionAvailable {
			total += region.Length
		}
		return true
	})
	return total
}
