package vmm

import "github.com/DragonOS-Community/DragonOS-sub000/kernel/mm"

// Flag describes the access semantics of a virtual memory region.
type Flag uint64

const (
	// VMRead allows reads from the region.
	VMRead Flag = 1 << iota

	// VMWrite allows writes to the region.
	VMWrite

	// VMExec allows instruction fetches from the region.
	VMExec

	// VMShared marks the region as shared between address spaces.
	VMShared

	// VMIO marks a region backed by device MMIO space; its translations
	// are established write-through and uncached.
	VMIO

	// VMMayShare allows the region to become shared later.
	VMMayShare

	// VMUser makes the region's translations user accessible.
	VMUser

	// VMDontCopy excludes the region from deep address-space copies.
	VMDontCopy
)

// Ops carries the region lifecycle callbacks. Both callbacks are optional.
type Ops struct {
	// Open runs after the region is inserted into its address space.
	Open func(vma *VMA)

	// Close runs before the region is removed from its address space.
	Close func(vma *VMA)
}

// VMA is one contiguous virtual memory region of an address space. Bounds
// are 4K aligned with the end exclusive.
type VMA struct {
	start mm.VirtAddr
	end   mm.VirtAddr

	space *AddressSpace
	flags Flag
	ops   *Ops

	// anon is the reverse-mapping node of the region's anchor page, nil
	// while the region is unmapped.
	anon *AnonVMA

	// pageOffset is the region offset where the live mapping begins;
	// mappedLen is its byte length, zero while the region is unmapped.
	pageOffset uintptr
	mappedLen  uintptr

	// slot is the region's accounting block in the kernel heap.
	slot mm.VirtAddr
}

// Start returns the inclusive lower bound of the region.
func (vma *VMA) Start() mm.VirtAddr { return vma.start }

// End returns the exclusive upper bound of the region.
func (vma *VMA) End() mm.VirtAddr { return vma.end }

// Len returns the region size in bytes.
func (vma *VMA) Len() uintptr { return uintptr(vma.end - vma.start) }

// Flags returns the region access flags.
func (vma *VMA) Flags() Flag { return vma.flags }

// Space returns the owning address space.
func (vma *VMA) Space() *AddressSpace { return vma.space }

// Mapped returns true while the region has live translations.
func (vma *VMA) Mapped() bool { return vma.anon != nil }

// contains returns true if [start, end) lies fully inside the region.
func (vma *VMA) contains(start, end mm.VirtAddr) bool {
	return start >= vma.start && end <= vma.end
}

// overlaps returns true if [start, end) intersects the region.
func (vma *VMA) overlaps(start, end mm.VirtAddr) bool {
	return start < vma.end && end > vma.start
}

// entryFlags derives the page-table attributes for the region's
// translations.
func (vma *VMA) entryFlags() EntryFlag {
	flags := FlagPresent
	if vma.flags&VMWrite != 0 {
		flags |= FlagWritable
	}
	if vma.flags&VMUser != 0 {
		flags |= FlagUser
	}
	if vma.flags&VMExec == 0 {
		flags |= FlagNoExecute
	}
	if vma.flags&VMIO != 0 {
		flags |= FlagWriteThrough | FlagCacheDisable
	}
	return flags
}
