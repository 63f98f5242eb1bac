package vmm

import (
	"github.com/DragonOS-Community/DragonOS-sub000/kernel"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/slab"
)

// HeapNodeAllocator serves page-table nodes out of the kernel heap's 4K size
// class, matching how the rest of the kernel obtains small physical blocks.
type HeapNodeAllocator struct {
	heap *slab.Heap
}

// NewHeapNodeAllocator returns a NodeAllocator backed by heap.
func NewHeapNodeAllocator(heap *slab.Heap) *HeapNodeAllocator {
	return &HeapNodeAllocator{heap: heap}
}

// AllocNode reserves a zeroed 4K block and returns its physical address.
func (a *HeapNodeAllocator) AllocNode() (mm.PhysAddr, *kernel.Error) {
	addr, err := a.heap.Alloc(mm.PageSize4K, slab.FlagZero)
	if err != nil {
		return 0, err
	}
	return mm.VirtToPhys(addr), nil
}

// FreeNode releases a node previously returned by AllocNode.
func (a *HeapNodeAllocator) FreeNode(phys mm.PhysAddr) *kernel.Error {
	return a.heap.Free(mm.PhysToVirt(phys))
}
