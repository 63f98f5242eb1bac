package vmm

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/pmm"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/sync"
)

// AnonVMA is the reverse-mapping node of one mapped physical page: it links
// the page descriptor back to every region that maps it. Struct mutation is
// guarded by the page descriptor's spinlock; unmap paths additionally hold
// the node's semaphore so a page is never reclaimed mid-unmap.
type AnonVMA struct {
	sem  *semaphore.Weighted
	refs int32
	vmas []*VMA
	page *pmm.Page

	// frames is the length of the backing frame run released when the
	// last region detaches.
	frames int
}

// Page returns the physical page the node is bound to.
func (an *AnonVMA) Page() *pmm.Page { return an.page }

// Refs returns the number of regions attached to the node.
func (an *AnonVMA) Refs() int32 { return an.refs }

// anonIndex resolves a page descriptor to its reverse-mapping node. Keeping
// the index here rather than a pointer inside the descriptor keeps the
// physical layer free of virtual-memory types.
var (
	anonIndex     = make(map[*pmm.Page]*AnonVMA)
	anonIndexLock sync.Spinlock
)

func lookupAnon(page *pmm.Page) *AnonVMA {
	anonIndexLock.Acquire()
	defer anonIndexLock.Release()
	return anonIndex[page]
}

// attachPage links vma to the reverse-mapping node of page, creating the
// node on first attach. Creation is double-checked under the page lock so
// two concurrent first mappings of the same page agree on one node.
func attachPage(page *pmm.Page, vma *VMA, frames int) *AnonVMA {
	page.Lock.Acquire()
	defer page.Lock.Release()

	an := lookupAnon(page)
	if an == nil {
		an = &AnonVMA{
			sem:    semaphore.NewWeighted(1),
			page:   page,
			frames: frames,
		}

		anonIndexLock.Acquire()
		if existing := anonIndex[page]; existing != nil {
			an = existing
		} else {
			anonIndex[page] = an
		}
		anonIndexLock.Release()
	}

	an.refs++
	an.vmas = append(an.vmas, vma)
	vma.anon = an

	return an
}

// detachPage unlinks vma from its reverse-mapping node. When the last
// region detaches, the node is destroyed and the backing page is released:
// managed frames go back to the frame allocator, device descriptors are
// simply dropped. This is the only reclaim path for a mapped page.
func detachPage(mem *pmm.Memory, vma *VMA) {
	an := vma.anon
	if an == nil {
		return
	}

	page := an.page
	page.Lock.Acquire()

	for i, attached := range an.vmas {
		if attached == vma {
			an.vmas = append(an.vmas[:i], an.vmas[i+1:]...)
			break
		}
	}
	an.refs--
	vma.anon = nil
	last := an.refs == 0

	if last {
		anonIndexLock.Acquire()
		delete(anonIndex, page)
		anonIndexLock.Release()
	}

	page.Lock.Release()

	if !last {
		return
	}

	mem.PageClean(page)
	if !page.IsDevice() {
		if err := mem.FreeFrames(page, an.frames); err != nil {
			log.Errorf("cannot release %d frame(s) at 0x%x: %v", an.frames, uintptr(page.PhysAddress()), err)
		}
	}
}

// acquireAnon serializes against other unmap paths touching the same page.
// It is a no-op for regions with no reverse mapping.
func acquireAnon(an *AnonVMA) func() {
	if an == nil {
		return func() {}
	}
	// Acquire cannot fail with a background context.
	_ = an.sem.Acquire(context.Background(), 1)
	return func() { an.sem.Release(1) }
}
