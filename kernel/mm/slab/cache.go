// Package slab implements object caches carved out of 2 MiB physical frames
// plus the size-classed general kernel heap built on top of them.
package slab

import (
	"github.com/DragonOS-Community/DragonOS-sub000/kernel"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/klog"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/bitmap"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/pmm"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/sync"
)

var (
	// ErrOutOfMemory signals that the cache could not obtain a backing
	// frame for a new sub-pool.
	ErrOutOfMemory = &kernel.Error{Module: "slab", Message: "out of memory"}

	// ErrInvalidArgument signals a malformed cache request.
	ErrInvalidArgument = &kernel.Error{Module: "slab", Message: "invalid argument"}

	// ErrCacheBusy signals an attempt to destroy a cache that still has
	// live objects.
	ErrCacheBusy = &kernel.Error{Module: "slab", Message: "cache has live objects"}

	log = klog.Module("slab")
)

const (
	// objAlign is the minimum object alignment; requested sizes are
	// rounded up to a multiple of it.
	objAlign = 8

	// inPageHeaderLimit is the largest object size whose sub-pool keeps
	// its header and bitmap inside the backing page.
	inPageHeaderLimit = 512

	// headerFootprint models the bookkeeping bytes reserved at the start
	// of a backing page for in-page-header pools.
	headerFootprint = 64
)

// ObjFunc is invoked on object construction or destruction with the object
// address and the caller-supplied argument.
type ObjFunc func(addr mm.VirtAddr, arg uintptr)

// subPool is one 2 MiB backing frame chopped into fixed-size objects.
type subPool struct {
	page     *pmm.Page
	baseVirt mm.VirtAddr
	objSize  uintptr

	// reserved is the byte offset of the first object; non-zero for pools
	// whose header and bitmap live inside the page.
	reserved uintptr

	bmp       *bitmap.Bitmap
	capacity  uint
	usedCount uint
	freeCount uint
}

func (sp *subPool) contains(addr mm.VirtAddr) bool {
	return addr >= sp.baseVirt && addr < sp.baseVirt+mm.VirtAddr(mm.FrameSize)
}

func (sp *subPool) objAddr(index uint) mm.VirtAddr {
	return sp.baseVirt + mm.VirtAddr(sp.reserved+uintptr(index)*sp.objSize)
}

// Cache hands out fixed-size objects backed by 2 MiB frames. The first
// sub-pool is created eagerly and is never reclaimed while the cache lives.
type Cache struct {
	lock sync.Spinlock

	memory  *pmm.Memory
	objSize uintptr
	ctor    ObjFunc
	dtor    ObjFunc

	pools []*subPool

	totalUsing uint64
	totalFree  uint64
}

// NewCache creates an object cache for objSize-byte objects. The size is
// rounded up to 8-byte alignment. ctor and dtor may be nil; when set they run
// on every Alloc and Free with the caller-supplied argument.
func NewCache(memory *pmm.Memory, objSize uintptr, ctor, dtor ObjFunc) (*Cache, *kernel.Error) {
	if memory == nil || objSize == 0 || objSize > mm.FrameSize/2 {
		return nil, ErrInvalidArgument
	}

	c := &Cache{
		memory:  memory,
		objSize: mm.AlignUp(objSize, objAlign),
		ctor:    ctor,
		dtor:    dtor,
	}

	// The resident sub-pool; allocation failures surface immediately.
	if _, err := c.grow(); err != nil {
		return nil, err
	}

	return c, nil
}

// ObjSize returns the aligned object size served by the cache.
func (c *Cache) ObjSize() uintptr { return c.objSize }

// grow appends a new sub-pool backed by a freshly allocated frame. The
// caller must hold the cache lock (except during construction).
func (c *Cache) grow() (*subPool, *kernel.Error) {
	page, err := c.memory.AllocFrames(pmm.ZoneNormal, 1, pmm.AttrKernel)
	if err != nil {
		log.Errorf("cannot grow %d-byte cache: %v", c.objSize, err)
		return nil, ErrOutOfMemory
	}

	sp := &subPool{
		page:     page,
		baseVirt: mm.PhysToVirt(page.PhysAddress()),
		objSize:  c.objSize,
	}

	if c.objSize <= inPageHeaderLimit {
		// Header and bitmap share the page with the objects.
		rawCapacity := mm.FrameSize / c.objSize
		bitmapBytes := uintptr(rawCapacity+7) / 8
		sp.reserved = mm.AlignUp(headerFootprint+bitmapBytes, c.objSize)
	}
	sp.capacity = uint((mm.FrameSize - sp.reserved) / c.objSize)
	sp.freeCount = sp.capacity
	sp.bmp = bitmap.New(sp.capacity)

	c.pools = append(c.pools, sp)
	c.totalFree += uint64(sp.capacity)

	return sp, nil
}

// Alloc reserves one object and returns its kernel virtual address. arg is
// forwarded to the cache constructor.
func (c *Cache) Alloc(arg uintptr) (mm.VirtAddr, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	var target *subPool
	for _, sp := range c.pools {
		if sp.freeCount > 0 {
			target = sp
			break
		}
	}

	if target == nil {
		grown, err := c.grow()
		if err != nil {
			return 0, err
		}
		target = grown
	}

	index, found := target.bmp.FindClearRun(1, 0)
	if !found {
		log.Errorf("%d-byte cache: pool free count %d but bitmap is full", c.objSize, target.freeCount)
		return 0, ErrOutOfMemory
	}

	target.bmp.Set(index)
	target.usedCount++
	target.freeCount--
	c.totalUsing++
	c.totalFree--

	addr := target.objAddr(index)
	if c.ctor != nil {
		c.ctor(addr, arg)
	}

	return addr, nil
}

// Free releases the object at addr, invoking the cache destructor first. The
// sub-pool that owns the object is reclaimed once it is completely idle and
// the cache-wide free count exceeds twice its capacity; the first sub-pool is
// never reclaimed.
func (c *Cache) Free(addr mm.VirtAddr, arg uintptr) *kernel.Error {
	c.lock.Acquire()
	defer c.lock.Release()

	for poolIndex, sp := range c.pools {
		if !sp.contains(addr) {
			continue
		}

		offset := uintptr(addr-sp.baseVirt) - sp.reserved
		if offset%c.objSize != 0 {
			return ErrInvalidArgument
		}
		index := uint(offset / c.objSize)
		if index >= sp.capacity || !sp.bmp.Test(index) {
			return ErrInvalidArgument
		}

		if c.dtor != nil {
			c.dtor(addr, arg)
		}

		sp.bmp.Clear(index)
		sp.usedCount--
		sp.freeCount++
		c.totalUsing--
		c.totalFree++

		if poolIndex != 0 && sp.usedCount == 0 && c.totalFree >= 2*uint64(sp.capacity) {
			c.reclaim(poolIndex)
		}

		return nil
	}

	return ErrInvalidArgument
}

// reclaim releases the backing frame of the idle sub-pool at poolIndex. The
// caller must hold the cache lock.
func (c *Cache) reclaim(poolIndex int) {
	sp := c.pools[poolIndex]
	c.totalFree -= uint64(sp.capacity)
	c.pools = append(c.pools[:poolIndex], c.pools[poolIndex+1:]...)

	if err := c.memory.FreeFrames(sp.page, 1); err != nil {
		log.Errorf("cannot release idle sub-pool frame 0x%x: %v", uintptr(sp.page.PhysAddress()), err)
	}
}

// Owns returns true if addr lies inside one of the cache's backing pages.
func (c *Cache) Owns(addr mm.VirtAddr) bool {
	c.lock.Acquire()
	defer c.lock.Release()

	for _, sp := range c.pools {
		if sp.contains(addr) {
			return true
		}
	}
	return false
}

// Destroy releases every backing frame of the cache. It fails with
// ErrCacheBusy while any object is still allocated.
func (c *Cache) Destroy() *kernel.Error {
	c.lock.Acquire()
	defer c.lock.Release()

	if c.totalUsing != 0 {
		return ErrCacheBusy
	}

	for _, sp := range c.pools {
		if err := c.memory.FreeFrames(sp.page, 1); err != nil {
			log.Errorf("cannot release sub-pool frame 0x%x: %v", uintptr(sp.page.PhysAddress()), err)
		}
	}
	c.pools = nil
	c.totalFree = 0

	return nil
}

// Stats returns the cache-wide allocated and free object counts.
func (c *Cache) Stats() (using, free uint64) {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.totalUsing, c.totalFree
}
