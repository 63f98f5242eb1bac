package vmm

import (
	"github.com/google/btree"

	"github.com/DragonOS-Community/DragonOS-sub000/kernel"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/pmm"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/slab"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/sync"
)

// vmaSlotSize is the heap accounting block reserved per region.
const vmaSlotSize = 64

// vmaTreeDegree is the branching factor of the per-address-space region
// tree.
const vmaTreeDegree = 8

// Segments records the classic executable segment bounds of an address
// space. The brk bounds move with Brk; the rest are set once at load time.
type Segments struct {
	CodeStart, CodeEnd     mm.VirtAddr
	DataStart, DataEnd     mm.VirtAddr
	RodataStart, RodataEnd mm.VirtAddr
	BSSStart, BSSEnd       mm.VirtAddr
	BrkStart, BrkEnd       mm.VirtAddr
	StackStart             mm.VirtAddr
}

// AddressSpace owns one page-table tree and the ordered, non-overlapping
// set of regions established in it.
type AddressSpace struct {
	// lock guards the region set, the segment bounds and the share count.
	lock sync.Spinlock

	// tableLock serializes page-table mutation.
	tableLock sync.Spinlock

	mem    *pmm.Memory
	heap   *slab.Heap
	mapper *Mapper

	root mm.PhysAddr
	vmas *btree.BTreeG[*VMA]

	// refs counts the owners of a shared address space.
	refs int32

	Segments Segments
}

// NewAddressSpace creates an empty address space with a fresh top-level
// page-table node.
func NewAddressSpace(mem *pmm.Memory, heap *slab.Heap, mapper *Mapper) (*AddressSpace, *kernel.Error) {
	if mem == nil || heap == nil || mapper == nil {
		return nil, ErrInvalidArgument
	}

	root, err := mapper.NewRoot()
	if err != nil {
		return nil, err
	}

	return &AddressSpace{
		mem:    mem,
		heap:   heap,
		mapper: mapper,
		root:   root,
		vmas: btree.NewG(vmaTreeDegree, func(a, b *VMA) bool {
			return a.start < b.start
		}),
		refs: 1,
	}, nil
}

// Root returns the physical address of the top-level page-table node.
func (asp *AddressSpace) Root() mm.PhysAddr { return asp.root }

// VMACount returns the number of established regions.
func (asp *AddressSpace) VMACount() int {
	asp.lock.Acquire()
	defer asp.lock.Release()
	return asp.vmas.Len()
}

// Translate resolves virt through the address space's page table.
func (asp *AddressSpace) Translate(virt mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	return asp.mapper.Translate(asp.root, virt)
}

// firstOverlap returns an established region intersecting [start, end), or
// nil. The caller must hold the region lock.
func (asp *AddressSpace) firstOverlap(start, end mm.VirtAddr) *VMA {
	var hit *VMA

	asp.vmas.DescendLessOrEqual(&VMA{start: start}, func(vma *VMA) bool {
		if vma.overlaps(start, end) {
			hit = vma
		}
		return false
	})
	if hit != nil {
		return hit
	}

	asp.vmas.AscendGreaterOrEqual(&VMA{start: start}, func(vma *VMA) bool {
		if vma.overlaps(start, end) {
			hit = vma
		}
		return false
	})
	return hit
}

// mergeable reports whether an overlapping request can widen vma in place:
// the access semantics must match, the region must not be mapped yet and
// the widened bounds must stay inside the 2M pages already spanned by the
// region's first and last byte.
func (vma *VMA) mergeable(start, end mm.VirtAddr, flags Flag, ops *Ops) bool {
	if vma.flags != flags || vma.ops != ops || vma.anon != nil {
		return false
	}

	unionStart := vma.start
	if start < unionStart {
		unionStart = start
	}
	unionEnd := vma.end
	if end > unionEnd {
		unionEnd = end
	}

	return unionStart>>mm.PageShift2M == vma.start>>mm.PageShift2M &&
		(unionEnd-1)>>mm.PageShift2M == (vma.end-1)>>mm.PageShift2M
}

// CreateVMA establishes a region covering [start, start+length). start must
// be 4K aligned; length is rounded up to 4K. An overlapping request either
// resolves against the established region (fully contained requests and
// non-mergeable overlaps fail with ErrVmaExists, mergeable overlaps widen
// the established region) or inserts a new one.
func (asp *AddressSpace) CreateVMA(start mm.VirtAddr, length uintptr, flags Flag, ops *Ops) (*VMA, *kernel.Error) {
	if length == 0 || !mm.IsAligned(uintptr(start), mm.PageSize4K) {
		return nil, ErrInvalidArgument
	}
	end := start + mm.VirtAddr(mm.AlignUp(length, mm.PageSize4K))

	asp.lock.Acquire()
	defer asp.lock.Release()

	if hit := asp.firstOverlap(start, end); hit != nil {
		if hit.contains(start, end) {
			return nil, ErrVmaExists
		}
		if !hit.mergeable(start, end, flags, ops) {
			return nil, ErrVmaExists
		}

		unionStart := hit.start
		if start < unionStart {
			unionStart = start
		}
		unionEnd := hit.end
		if end > unionEnd {
			unionEnd = end
		}

		// The widened bounds must not reach a second region.
		asp.vmas.Delete(hit)
		if clash := asp.firstOverlap(unionStart, unionEnd); clash != nil {
			asp.vmas.ReplaceOrInsert(hit)
			return nil, ErrVmaExists
		}

		hit.start = unionStart
		hit.end = unionEnd
		asp.vmas.ReplaceOrInsert(hit)
		return hit, nil
	}

	slot, err := asp.heap.Alloc(vmaSlotSize, 0)
	if err != nil {
		return nil, err
	}

	vma := &VMA{
		start: start,
		end:   end,
		space: asp,
		flags: flags,
		ops:   ops,
		slot:  slot,
	}
	asp.vmas.ReplaceOrInsert(vma)

	if ops != nil && ops.Open != nil {
		ops.Open(vma)
	}

	return vma, nil
}

// FindVMA returns the first region whose end lies above addr, or nil. The
// returned region does not necessarily contain addr.
func (asp *AddressSpace) FindVMA(addr mm.VirtAddr) *VMA {
	asp.lock.Acquire()
	defer asp.lock.Release()

	var hit *VMA
	asp.vmas.DescendLessOrEqual(&VMA{start: addr}, func(vma *VMA) bool {
		if vma.end > addr {
			hit = vma
		}
		return false
	})
	if hit != nil {
		return hit
	}

	asp.vmas.AscendGreaterOrEqual(&VMA{start: addr}, func(vma *VMA) bool {
		hit = vma
		return false
	})
	return hit
}

// MapVMA backs the region sub-range [start+offset, start+offset+length)
// with the physical range starting at phys. offset and phys must be 4K
// aligned. The range is split into a 4K head up to the next 2M boundary,
// a run of 2M pages and a 4K tail; the TLB hook runs once at the end.
// IO regions get a standalone device descriptor; everything else attaches
// the reverse map to the descriptor of the first backing frame. A region
// maps at most one window: mapping into an attached region fails with
// ErrVmaExists, since a second window would outlive the unmap of the
// first.
func (asp *AddressSpace) MapVMA(vma *VMA, phys mm.PhysAddr, offset, length uintptr) *kernel.Error {
	if vma == nil || length == 0 ||
		!mm.IsAligned(offset, mm.PageSize4K) ||
		!mm.IsAligned(uintptr(phys), mm.PageSize4K) {
		return ErrInvalidArgument
	}
	if vma.anon != nil {
		return ErrVmaExists
	}

	length = mm.AlignUp(length, mm.PageSize4K)
	if offset+length > vma.Len() {
		return ErrInvalidArgument
	}

	flags := vma.entryFlags()
	virt := vma.start + mm.VirtAddr(offset)

	asp.tableLock.Acquire()
	defer asp.tableLock.Release()
	defer tlbFlushFn()

	cur, curPhys, remaining := virt, phys, length

	// Head: 4K pages up to the next 2M boundary.
	if !mm.IsAligned(uintptr(cur), mm.PageSize2M) {
		head := mm.AlignUp(uintptr(cur), mm.PageSize2M) - uintptr(cur)
		if head > remaining {
			head = remaining
		}
		if err := asp.mapper.Map(asp.root, cur, curPhys, head, flags, true, false); err != nil {
			return err
		}
		cur += mm.VirtAddr(head)
		curPhys += mm.PhysAddr(head)
		remaining -= head
	}

	// Middle: whole 2M pages, possible only when the physical run is 2M
	// aligned at this point.
	if mid := mm.AlignDown(remaining, mm.PageSize2M); mid > 0 && mm.IsAligned(uintptr(curPhys), mm.PageSize2M) {
		if err := asp.mapper.Map(asp.root, cur, curPhys, mid, flags, false, false); err != nil {
			return err
		}
		cur += mm.VirtAddr(mid)
		curPhys += mm.PhysAddr(mid)
		remaining -= mid
	}

	// Tail: whatever is left, in 4K pages.
	if remaining > 0 {
		if err := asp.mapper.Map(asp.root, cur, curPhys, remaining, flags, true, false); err != nil {
			return err
		}
	}

	vma.pageOffset = offset
	vma.mappedLen = length

	var page *pmm.Page
	if vma.flags&VMIO != 0 {
		page = pmm.NewDevicePage(phys)
	} else {
		page = asp.mem.PageAt(mm.FrameFromAddress(phys))
		if page == nil {
			return ErrInvalidArgument
		}
		asp.mem.PageInit(page, pmm.AttrMapped)
	}
	attachPage(page, vma, int(mm.AlignUp(length, mm.FrameSize)>>mm.FrameShift))

	return nil
}

// UnmapVMA removes the region's translations and detaches it from its
// reverse map, returning the physical address its first byte was mapped to.
func (asp *AddressSpace) UnmapVMA(vma *VMA) (mm.PhysAddr, *kernel.Error) {
	if vma == nil {
		return 0, ErrInvalidArgument
	}

	phys, err := asp.mapper.Translate(asp.root, vma.start+mm.VirtAddr(vma.pageOffset))
	if err != nil {
		return 0, ErrNotMapped
	}

	release := acquireAnon(vma.anon)
	defer release()

	asp.tableLock.Acquire()
	unmapErr := asp.mapper.Unmap(asp.root, vma.start+mm.VirtAddr(vma.pageOffset), vma.mappedLen)
	asp.tableLock.Release()
	if unmapErr != nil {
		return 0, unmapErr
	}

	detachPage(asp.mem, vma)
	vma.mappedLen = 0

	return phys, nil
}

// removeVMA drops the region from the set and releases its accounting
// block.
func (asp *AddressSpace) removeVMA(vma *VMA) {
	if vma.ops != nil && vma.ops.Close != nil {
		vma.ops.Close(vma)
	}

	asp.lock.Acquire()
	asp.vmas.Delete(vma)
	asp.lock.Release()

	if vma.slot != 0 {
		asp.heap.Free(vma.slot)
		vma.slot = 0
	}
}

// UnmapRange unmaps every region inside [start, start+length). start must
// be the exact start of an established region. When destroy is set the
// regions are also removed from the address space.
func (asp *AddressSpace) UnmapRange(start mm.VirtAddr, length uintptr, destroy bool) *kernel.Error {
	vma := asp.FindVMA(start)
	if vma == nil || vma.start != start {
		return ErrNotMapped
	}

	end := start + mm.VirtAddr(mm.AlignUp(length, mm.PageSize4K))
	for vma != nil && vma.start < end {
		next := asp.FindVMA(vma.end)

		if vma.Mapped() {
			if _, err := asp.UnmapVMA(vma); err != nil {
				return err
			}
		}
		if destroy {
			asp.removeVMA(vma)
		}

		vma = next
	}

	return nil
}

// MapRange maps the physical range starting at phys into the established
// region that contains [start, start+length).
func (asp *AddressSpace) MapRange(start mm.VirtAddr, phys mm.PhysAddr, length uintptr) *kernel.Error {
	vma := asp.FindVMA(start)
	if vma == nil || !vma.contains(start, start+mm.VirtAddr(mm.AlignUp(length, mm.PageSize4K))) {
		return ErrNotMapped
	}

	return asp.MapVMA(vma, phys, uintptr(start-vma.start), length)
}

// InitBrk places the heap segment. It can be set only once.
func (asp *AddressSpace) InitBrk(start mm.VirtAddr) *kernel.Error {
	if !mm.IsAligned(uintptr(start), mm.PageSize2M) {
		return ErrInvalidArgument
	}

	asp.lock.Acquire()
	defer asp.lock.Release()

	if asp.Segments.BrkStart != 0 {
		return ErrInvalidArgument
	}
	asp.Segments.BrkStart = start
	asp.Segments.BrkEnd = start
	return nil
}

// growBrkPage establishes and maps one 2M heap page at start.
func (asp *AddressSpace) growBrkPage(start mm.VirtAddr) *kernel.Error {
	page, err := asp.mem.AllocFrames(pmm.ZoneNormal, 1, pmm.AttrKernel)
	if err != nil {
		return err
	}

	vma, err := asp.CreateVMA(start, mm.PageSize2M, VMRead|VMWrite, nil)
	if err != nil {
		asp.mem.FreeFrames(page, 1)
		return err
	}

	if err := asp.MapVMA(vma, page.PhysAddress(), 0, mm.PageSize2M); err != nil {
		asp.mem.FreeFrames(page, 1)
		asp.removeVMA(vma)
		return err
	}
	return nil
}

// Brk moves the end of the heap segment to newEnd, rounded up to 2M.
// Growth allocates and maps fresh frames; shrinkage unmaps and releases the
// vacated range. The updated segment end is returned.
func (asp *AddressSpace) Brk(newEnd mm.VirtAddr) (mm.VirtAddr, *kernel.Error) {
	asp.lock.Acquire()
	brkStart, brkEnd := asp.Segments.BrkStart, asp.Segments.BrkEnd
	asp.lock.Release()

	if brkStart == 0 || newEnd < brkStart {
		return brkEnd, ErrInvalidArgument
	}

	newEnd = mm.VirtAddr(mm.AlignUp(uintptr(newEnd), mm.PageSize2M))
	if newEnd == brkEnd {
		return brkEnd, nil
	}

	if newEnd > brkEnd {
		// One region and one frame per 2M page, so a later shrink can
		// stop at any page boundary.
		for cur := brkEnd; cur < newEnd; cur += mm.VirtAddr(mm.PageSize2M) {
			if err := asp.growBrkPage(cur); err != nil {
				if cur > brkEnd {
					if rberr := asp.UnmapRange(brkEnd, uintptr(cur-brkEnd), true); rberr != nil {
						log.Errorf("brk rollback of 0x%x-0x%x: %v", uintptr(brkEnd), uintptr(cur), rberr)
					}
				}
				return brkEnd, err
			}
		}
	} else {
		if err := asp.UnmapRange(newEnd, uintptr(brkEnd-newEnd), true); err != nil {
			return brkEnd, err
		}
	}

	asp.lock.Acquire()
	asp.Segments.BrkEnd = newEnd
	asp.lock.Release()

	return newEnd, nil
}

// Clone returns a copy of the address space. A shared clone returns the
// same address space with its share count raised; a deep clone copies every
// region and its backing frames, skipping regions flagged do-not-copy.
// IO regions keep pointing at their device range.
func (asp *AddressSpace) Clone(share bool) (*AddressSpace, *kernel.Error) {
	if share {
		asp.lock.Acquire()
		asp.refs++
		asp.lock.Release()
		return asp, nil
	}

	clone, err := NewAddressSpace(asp.mem, asp.heap, asp.mapper)
	if err != nil {
		return nil, err
	}

	asp.lock.Acquire()
	var regions []*VMA
	asp.vmas.Ascend(func(vma *VMA) bool {
		regions = append(regions, vma)
		return true
	})
	clone.Segments = asp.Segments
	asp.lock.Release()

	for _, vma := range regions {
		if vma.flags&VMDontCopy != 0 {
			continue
		}

		copied, err := clone.CreateVMA(vma.start, vma.Len(), vma.flags, vma.ops)
		if err != nil {
			clone.Destroy()
			return nil, err
		}

		if !vma.Mapped() {
			continue
		}

		srcPhys, terr := asp.mapper.Translate(asp.root, vma.start+mm.VirtAddr(vma.pageOffset))
		if terr != nil {
			clone.Destroy()
			return nil, terr
		}

		if vma.flags&VMIO != 0 {
			if err := clone.MapVMA(copied, srcPhys, vma.pageOffset, vma.mappedLen); err != nil {
				clone.Destroy()
				return nil, err
			}
			continue
		}

		frames := int(mm.AlignUp(vma.mappedLen, mm.FrameSize) >> mm.FrameShift)
		page, err := asp.mem.AllocFrames(pmm.ZoneNormal, frames, pmm.AttrKernel)
		if err != nil {
			clone.Destroy()
			return nil, err
		}

		copy(asp.mem.Bytes(page.PhysAddress(), int(vma.mappedLen)),
			asp.mem.Bytes(srcPhys, int(vma.mappedLen)))

		if err := clone.MapVMA(copied, page.PhysAddress(), vma.pageOffset, vma.mappedLen); err != nil {
			asp.mem.FreeFrames(page, frames)
			clone.Destroy()
			return nil, err
		}
	}

	return clone, nil
}

// Destroy releases the address space: every region is unmapped and removed,
// then the page-table tree is released. Shared address spaces are torn down
// only when the last owner calls Destroy.
func (asp *AddressSpace) Destroy() *kernel.Error {
	asp.lock.Acquire()
	asp.refs--
	live := asp.refs > 0
	asp.lock.Release()
	if live {
		return nil
	}

	asp.lock.Acquire()
	var regions []*VMA
	asp.vmas.Ascend(func(vma *VMA) bool {
		regions = append(regions, vma)
		return true
	})
	asp.lock.Release()

	for _, vma := range regions {
		if vma.Mapped() {
			if _, err := asp.UnmapVMA(vma); err != nil {
				log.Errorf("teardown: unmap region 0x%x-0x%x: %v", uintptr(vma.start), uintptr(vma.end), err)
			}
		}
		asp.removeVMA(vma)
	}

	asp.mapper.FreeRoot(asp.root)
	asp.root = 0

	return nil
}
