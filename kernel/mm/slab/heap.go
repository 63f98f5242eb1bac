package slab

import (
	"github.com/DragonOS-Community/DragonOS-sub000/kernel"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/pmm"
)

// Flag alters the behavior of a heap allocation.
type Flag uint32

const (
	// FlagZero zeroes the returned object.
	FlagZero Flag = 1 << iota
)

const (
	// minClassSize and classCount define the heap size classes: 16
	// power-of-two steps from 32 bytes to 1 MiB.
	minClassSize = uintptr(32)
	classCount   = 16

	// maxClassSize is the largest request the heap can serve.
	maxClassSize = minClassSize << (classCount - 1)
)

// Heap is the general kernel allocator: a bank of object caches, one per
// power-of-two size class.
type Heap struct {
	memory *pmm.Memory
	caches [classCount]*Cache
}

// NewHeap creates the kernel heap, eagerly building the resident sub-pool of
// every size class.
func NewHeap(memory *pmm.Memory) (*Heap, *kernel.Error) {
	if memory == nil {
		return nil, ErrInvalidArgument
	}

	h := &Heap{memory: memory}
	for class := 0; class < classCount; class++ {
		cache, err := NewCache(memory, minClassSize<<class, nil, nil)
		if err != nil {
			return nil, err
		}
		h.caches[class] = cache
	}

	return h, nil
}

// classFor returns the index of the smallest class able to serve a size-byte
// request, or -1 when the request exceeds the largest class.
func classFor(size uintptr) int {
	if size == 0 || size > maxClassSize {
		return -1
	}
	for class := 0; class < classCount; class++ {
		if minClassSize<<class >= size {
			return class
		}
	}
	return -1
}

// ClassSize returns the object size the heap would use for a size-byte
// request. It returns 0 for unservable sizes.
func ClassSize(size uintptr) uintptr {
	class := classFor(size)
	if class < 0 {
		return 0
	}
	return minClassSize << class
}

// Alloc reserves a block of at least size bytes and returns its kernel
// virtual address.
func (h *Heap) Alloc(size uintptr, flags Flag) (mm.VirtAddr, *kernel.Error) {
	class := classFor(size)
	if class < 0 {
		return 0, ErrInvalidArgument
	}

	addr, err := h.caches[class].Alloc(0)
	if err != nil {
		return 0, err
	}

	if flags&FlagZero != 0 {
		buf := h.memory.Bytes(mm.VirtToPhys(addr), int(minClassSize<<class))
		for i := range buf {
			buf[i] = 0
		}
	}

	return addr, nil
}

// Free releases a block previously returned by Alloc. The owning size class
// is located through the 2 MiB page that backs the block.
func (h *Heap) Free(addr mm.VirtAddr) *kernel.Error {
	for _, cache := range h.caches {
		if cache.Owns(addr) {
			return cache.Free(addr, 0)
		}
	}
	return ErrInvalidArgument
}

// Stats returns the heap-wide allocated and free object counts.
func (h *Heap) Stats() (using, free uint64) {
	for _, cache := range h.caches {
		cacheUsing, cacheFree := cache.Stats()
		using += cacheUsing
		free += cacheFree
	}
	return using, free
}
