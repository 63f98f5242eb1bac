// Package vmm implements the virtual memory manager: the 4-level page-table
// mapper, address spaces with their region (VMA) sets, and the reverse
// mapping that ties physical frames back to the regions that use them.
package vmm

import (
	"unsafe"

	"github.com/DragonOS-Community/DragonOS-sub000/kernel"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/klog"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm"
)

var (
	// ErrNotMapped signals a translation or unmap request for a virtual
	// address with no live mapping.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "address not mapped"}

	// ErrHugePageCollision signals an attempt to establish a 4K mapping
	// inside an existing 2M leaf. This is a kernel bug, not a recoverable
	// condition.
	ErrHugePageCollision = &kernel.Error{Module: "vmm", Message: "4K mapping collides with a 2M page"}

	// ErrInvalidArgument signals a malformed mapper or region request.
	ErrInvalidArgument = &kernel.Error{Module: "vmm", Message: "invalid argument"}

	// ErrVmaExists signals a region request that collides with an
	// established region.
	ErrVmaExists = &kernel.Error{Module: "vmm", Message: "region overlaps an existing region"}

	log = klog.Module("vmm")
)

// EntryFlag describes the attribute bits of a page-table entry.
type EntryFlag uint64

const (
	// FlagPresent marks an entry as live.
	FlagPresent EntryFlag = 1 << 0

	// FlagWritable allows writes through the entry.
	FlagWritable EntryFlag = 1 << 1

	// FlagUser allows user-mode access through the entry.
	FlagUser EntryFlag = 1 << 2

	// FlagWriteThrough selects write-through caching.
	FlagWriteThrough EntryFlag = 1 << 3

	// FlagCacheDisable disables caching for the entry.
	FlagCacheDisable EntryFlag = 1 << 4

	// FlagAccessed is set by the MMU when the entry is used.
	FlagAccessed EntryFlag = 1 << 5

	// FlagDirty is set by the MMU on writes through the entry.
	FlagDirty EntryFlag = 1 << 6

	// FlagHugePage marks a 2M leaf in the page directory level.
	FlagHugePage EntryFlag = 1 << 7

	// FlagGlobal keeps the translation across address-space switches.
	FlagGlobal EntryFlag = 1 << 8

	// FlagNoExecute forbids instruction fetches through the entry.
	FlagNoExecute EntryFlag = 1 << 63
)

// entryAddrMask extracts the physical address bits of an entry.
const entryAddrMask = 0x000ffffffffff000

// tlbFlushFn is invoked after every batch of live-translation mutations.
// The default is a no-op; the platform layer registers the real flush.
var tlbFlushFn = func() {}

// SetTLBFlushFn registers the TLB flush hook and returns the previous one.
func SetTLBFlushFn(fn func()) func() {
	prev := tlbFlushFn
	tlbFlushFn = fn
	return prev
}

// PhysMemory provides access to the simulated physical address space.
type PhysMemory interface {
	// Bytes returns the n-byte slice of physical memory at phys, or nil
	// when the range is invalid.
	Bytes(phys mm.PhysAddr, n int) []byte
}

// NodeAllocator hands out zeroed 4K blocks for page-table nodes.
type NodeAllocator interface {
	AllocNode() (mm.PhysAddr, *kernel.Error)
	FreeNode(phys mm.PhysAddr) *kernel.Error
}

// Mapper mutates 4-level page tables rooted at caller-supplied nodes.
type Mapper struct {
	mem   PhysMemory
	nodes NodeAllocator
}

// NewMapper returns a Mapper operating on the given physical memory through
// the given node allocator.
func NewMapper(mem PhysMemory, nodes NodeAllocator) *Mapper {
	return &Mapper{mem: mem, nodes: nodes}
}

// NewRoot allocates an empty top-level page-table node.
func (m *Mapper) NewRoot() (mm.PhysAddr, *kernel.Error) {
	return m.nodes.AllocNode()
}

// FreeRoot releases a top-level node and every table node reachable from it.
// Leaf frames are not touched.
func (m *Mapper) FreeRoot(root mm.PhysAddr) {
	m.freeSubtree(root, 0)
}

func (m *Mapper) freeSubtree(node mm.PhysAddr, level int) {
	entries := m.entries(node)
	if entries == nil {
		return
	}

	// Level 2 entries are either 2M leaves or point to a 4K leaf table;
	// neither child is a node that owns further nodes.
	if level < 2 {
		for i := 0; i < mm.TableEntryCount; i++ {
			entry := EntryFlag(entries[i])
			if entry&FlagPresent == 0 {
				continue
			}
			m.freeSubtree(mm.PhysAddr(entry&entryAddrMask), level+1)
		}
	} else {
		for i := 0; i < mm.TableEntryCount; i++ {
			entry := EntryFlag(entries[i])
			if entry&FlagPresent == 0 || entry&FlagHugePage != 0 {
				continue
			}
			m.nodes.FreeNode(mm.PhysAddr(entry & entryAddrMask))
		}
	}

	m.nodes.FreeNode(node)
}

// entries views the 4K node at phys as its 512 64-bit entries.
func (m *Mapper) entries(phys mm.PhysAddr) []uint64 {
	buf := m.mem.Bytes(phys, int(mm.PageSize4K))
	if buf == nil {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&buf[0])), mm.TableEntryCount)
}

// tableIndex extracts the table index of virt for the given level (0 = top).
func tableIndex(virt mm.VirtAddr, level int) int {
	shift := mm.TableShift - uintptr(level)*9
	return int((uintptr(virt) >> shift) & (mm.TableEntryCount - 1))
}

// walkTo returns the entry slice of the node at the requested level for
// virt, materialising absent intermediate nodes when create is set.
// Intermediate entries are created present and writable; user visibility
// follows the leaf flags.
func (m *Mapper) walkTo(root mm.PhysAddr, virt mm.VirtAddr, level int, create bool, leafFlags EntryFlag) ([]uint64, *kernel.Error) {
	node := root
	for curLevel := 0; curLevel < level; curLevel++ {
		entries := m.entries(node)
		if entries == nil {
			return nil, ErrInvalidArgument
		}

		index := tableIndex(virt, curLevel)
		entry := EntryFlag(entries[index])
		if entry&FlagPresent == 0 {
			if !create {
				return nil, ErrNotMapped
			}

			child, err := m.nodes.AllocNode()
			if err != nil {
				return nil, err
			}

			childEntry := EntryFlag(uint64(child)) | FlagPresent | FlagWritable
			if leafFlags&FlagUser != 0 {
				childEntry |= FlagUser
			}
			entries[index] = uint64(childEntry)
			entry = childEntry
		}

		node = mm.PhysAddr(entry & entryAddrMask)
	}

	return m.entries(node), nil
}

// Map establishes translations for the length-byte range starting at virt,
// backed by the physical range starting at phys. 2M leaves are used unless
// use4K is set; virt, phys and length must be aligned to the selected page
// size. User visibility is taken from FlagUser in flags. Entries that are
// already present are logged and skipped. When flush is set the TLB hook
// runs before returning.
func (m *Mapper) Map(root mm.PhysAddr, virt mm.VirtAddr, phys mm.PhysAddr, length uintptr, flags EntryFlag, use4K, flush bool) *kernel.Error {
	pageSize := mm.PageSize2M
	if use4K {
		pageSize = mm.PageSize4K
	}
	if length == 0 ||
		!mm.IsAligned(uintptr(virt), pageSize) ||
		!mm.IsAligned(uintptr(phys), pageSize) ||
		!mm.IsAligned(length, pageSize) {
		return ErrInvalidArgument
	}

	flags |= FlagPresent
	if flush {
		defer tlbFlushFn()
	}

	for length > 0 {
		if use4K {
			if err := m.map4K(root, virt, phys, flags); err != nil {
				return err
			}
		} else if err := m.map2M(root, virt, phys, flags); err != nil {
			return err
		}

		virt += mm.VirtAddr(pageSize)
		phys += mm.PhysAddr(pageSize)
		length -= pageSize
	}

	return nil
}

func (m *Mapper) map2M(root mm.PhysAddr, virt mm.VirtAddr, phys mm.PhysAddr, flags EntryFlag) *kernel.Error {
	entries, err := m.walkTo(root, virt, 2, true, flags)
	if err != nil {
		return err
	}

	index := tableIndex(virt, 2)
	if EntryFlag(entries[index])&FlagPresent != 0 {
		log.Warnf("map 0x%x: 2M entry already present; skipping", uintptr(virt))
		return nil
	}

	entries[index] = uint64(phys) | uint64(flags|FlagHugePage)
	return nil
}

func (m *Mapper) map4K(root mm.PhysAddr, virt mm.VirtAddr, phys mm.PhysAddr, flags EntryFlag) *kernel.Error {
	pdEntries, err := m.walkTo(root, virt, 2, true, flags)
	if err != nil {
		return err
	}

	pdIndex := tableIndex(virt, 2)
	pdEntry := EntryFlag(pdEntries[pdIndex])
	if pdEntry&FlagPresent != 0 && pdEntry&FlagHugePage != 0 {
		log.Errorf("map 0x%x: request collides with a 2M page", uintptr(virt))
		return ErrHugePageCollision
	}

	ptEntries, err := m.walkTo(root, virt, 3, true, flags)
	if err != nil {
		return err
	}

	ptIndex := tableIndex(virt, 3)
	if EntryFlag(ptEntries[ptIndex])&FlagPresent != 0 {
		log.Warnf("map 0x%x: 4K entry already present; skipping", uintptr(virt))
		return nil
	}

	ptEntries[ptIndex] = uint64(phys) | uint64(flags)
	return nil
}

// Unmap removes the translations covering the length-byte range starting at
// virt. Already-absent pages are skipped. Table nodes left with no live
// entries are released and their parent entries cleared. The TLB hook runs
// before returning.
func (m *Mapper) Unmap(root mm.PhysAddr, virt mm.VirtAddr, length uintptr) *kernel.Error {
	if length == 0 || !mm.IsAligned(uintptr(virt), mm.PageSize4K) {
		return ErrInvalidArgument
	}
	length = mm.AlignUp(length, mm.PageSize4K)

	defer tlbFlushFn()

	end := virt + mm.VirtAddr(length)
	for virt < end {
		pdEntries, err := m.walkTo(root, virt, 2, false, 0)
		if err != nil {
			// Nothing mapped below this directory; skip its span.
			virt = mm.VirtAddr(mm.AlignDown(uintptr(virt), mm.PageSize2M)) + mm.VirtAddr(mm.PageSize2M)
			continue
		}

		pdIndex := tableIndex(virt, 2)
		pdEntry := EntryFlag(pdEntries[pdIndex])

		switch {
		case pdEntry&FlagPresent == 0:
			virt = mm.VirtAddr(mm.AlignDown(uintptr(virt), mm.PageSize2M)) + mm.VirtAddr(mm.PageSize2M)

		case pdEntry&FlagHugePage != 0:
			if !mm.IsAligned(uintptr(virt), mm.PageSize2M) || end-virt < mm.VirtAddr(mm.PageSize2M) {
				return ErrInvalidArgument
			}
			pdEntries[pdIndex] = 0
			virt += mm.VirtAddr(mm.PageSize2M)

		default:
			ptEntries := m.entries(mm.PhysAddr(pdEntry & entryAddrMask))
			ptEntries[tableIndex(virt, 3)] = 0
			virt += mm.VirtAddr(mm.PageSize4K)
		}
	}

	m.pruneEmptyNodes(root, 0)
	return nil
}

// pruneEmptyNodes releases every table node whose 512 entries are all zero
// and clears the parent entry that pointed at it. The root is never
// released. It returns true if node holds no live entries.
func (m *Mapper) pruneEmptyNodes(node mm.PhysAddr, level int) bool {
	entries := m.entries(node)
	if entries == nil {
		return false
	}

	empty := true
	for i := 0; i < mm.TableEntryCount; i++ {
		entry := EntryFlag(entries[i])
		if entry&FlagPresent == 0 {
			if entries[i] != 0 {
				empty = false
			}
			continue
		}

		// 2M leaves (level 2) and 4K leaves (level 3) stay.
		if level == 3 || (level == 2 && entry&FlagHugePage != 0) {
			empty = false
			continue
		}

		child := mm.PhysAddr(entry & entryAddrMask)
		if m.pruneEmptyNodes(child, level+1) {
			m.nodes.FreeNode(child)
			entries[i] = 0
		} else {
			empty = false
		}
	}

	return empty
}

// Translate resolves virt through the table rooted at root and returns the
// backing physical address, composing the in-page offset for both 2M and 4K
// leaves.
func (m *Mapper) Translate(root mm.PhysAddr, virt mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	pdEntries, err := m.walkTo(root, virt, 2, false, 0)
	if err != nil {
		return 0, err
	}

	pdEntry := EntryFlag(pdEntries[tableIndex(virt, 2)])
	if pdEntry&FlagPresent == 0 {
		return 0, ErrNotMapped
	}

	if pdEntry&FlagHugePage != 0 {
		base := mm.PhysAddr(pdEntry & entryAddrMask &^ EntryFlag(mm.PageSize2M-1))
		return base + mm.PhysAddr(uintptr(virt)&(mm.PageSize2M-1)), nil
	}

	ptEntries := m.entries(mm.PhysAddr(pdEntry & entryAddrMask))
	ptEntry := EntryFlag(ptEntries[tableIndex(virt, 3)])
	if ptEntry&FlagPresent == 0 {
		return 0, ErrNotMapped
	}

	base := mm.PhysAddr(ptEntry & entryAddrMask)
	return base + mm.PhysAddr(uintptr(virt)&(mm.PageSize4K-1)), nil
}
