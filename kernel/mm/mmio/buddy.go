// Package mmio manages the dedicated virtual address region handed to
// device drivers: a power-of-two buddy allocator over the 1T window above
// the direct mapping. Reserved ranges carry no physical backing until a
// driver maps its device range into them.
package mmio

import (
	"sort"

	"github.com/DragonOS-Community/DragonOS-sub000/kernel"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/klog"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/sync"
)

var (
	// ErrOutOfMemory signals that the window cannot supply the requested
	// block even after coalescing.
	ErrOutOfMemory = &kernel.Error{Module: "mmio", Message: "address window exhausted"}

	// ErrInvalidArgument signals a malformed reserve or release request.
	ErrInvalidArgument = &kernel.Error{Module: "mmio", Message: "invalid argument"}

	log = klog.Module("mmio")
)

const (
	// minExp and maxExp bound the block sizes served by the allocator:
	// 4K up to 1G.
	minExp = 12
	maxExp = 30

	classCount = maxExp - minExp + 1
)

// freeList holds the free blocks of one size class.
type freeList struct {
	lock   sync.Spinlock
	blocks []mm.VirtAddr
}

func (fl *freeList) push(addr mm.VirtAddr) {
	fl.lock.Acquire()
	fl.blocks = append(fl.blocks, addr)
	fl.lock.Release()
}

func (fl *freeList) pop() (mm.VirtAddr, bool) {
	fl.lock.Acquire()
	defer fl.lock.Release()

	if len(fl.blocks) == 0 {
		return 0, false
	}
	addr := fl.blocks[len(fl.blocks)-1]
	fl.blocks = fl.blocks[:len(fl.blocks)-1]
	return addr, true
}

func (fl *freeList) count() int {
	fl.lock.Acquire()
	defer fl.lock.Release()
	return len(fl.blocks)
}

// Pool is the buddy allocator over [base, base+size).
type Pool struct {
	base mm.VirtAddr
	size uintptr

	classes [classCount]freeList
}

// NewPool creates the allocator for the kernel's MMIO window, seeded with
// maximum-size blocks.
func NewPool() *Pool {
	return newPool(mm.MMIOBase, uintptr(mm.MMIOTop-mm.MMIOBase))
}

func newPool(base mm.VirtAddr, size uintptr) *Pool {
	p := &Pool{base: base, size: size}

	top := &p.classes[classCount-1]
	for offset := uintptr(0); offset < size; offset += 1 << maxExp {
		top.blocks = append(top.blocks, base+mm.VirtAddr(offset))
	}

	log.Infof("window [0x%016x - 0x%016x] seeded with %d blocks of %d bytes",
		uintptr(base), uintptr(base)+size, len(top.blocks), 1<<maxExp)

	return p
}

// expFor returns the class exponent serving a size-byte request, rounding
// up to the next power of two with a 4K floor. Requests above the maximum
// block size return -1.
func expFor(size uintptr) int {
	if size == 0 {
		return -1
	}
	for exp := minExp; exp <= maxExp; exp++ {
		if uintptr(1)<<exp >= size {
			return exp
		}
	}
	return -1
}

// BlockSize returns the byte size the allocator would reserve for a
// size-byte request, or 0 for unservable sizes.
func BlockSize(size uintptr) uintptr {
	exp := expFor(size)
	if exp < 0 {
		return 0
	}
	return 1 << exp
}

// Reserve takes a block of at least size bytes out of the window and
// returns its address and actual byte size. An empty class is refilled by
// splitting the smallest larger block; when no larger block exists the
// free lists are coalesced bottom-up and the allocation retried once.
func (p *Pool) Reserve(size uintptr) (mm.VirtAddr, uintptr, *kernel.Error) {
	exp := expFor(size)
	if exp < 0 {
		return 0, 0, ErrInvalidArgument
	}

	if addr, ok := p.take(exp); ok {
		return addr, 1 << exp, nil
	}

	p.coalesce()
	if addr, ok := p.take(exp); ok {
		return addr, 1 << exp, nil
	}

	log.Errorf("cannot reserve %d bytes", size)
	return 0, 0, ErrOutOfMemory
}

// take pops a block of class exp, splitting a larger block downward when
// the class is empty.
func (p *Pool) take(exp int) (mm.VirtAddr, bool) {
	if addr, ok := p.classes[exp-minExp].pop(); ok {
		return addr, true
	}

	// Find the smallest larger class with a free block.
	for larger := exp + 1; larger <= maxExp; larger++ {
		addr, ok := p.classes[larger-minExp].pop()
		if !ok {
			continue
		}

		// Halve repeatedly, parking the upper halves.
		for cur := larger; cur > exp; cur-- {
			half := uintptr(1) << (cur - 1)
			p.classes[cur-1-minExp].push(addr + mm.VirtAddr(half))
		}
		return addr, true
	}

	return 0, false
}

// buddy returns the buddy of the size-byte block at addr: the block whose
// window offset differs exactly in the size bit.
func (p *Pool) buddy(addr mm.VirtAddr, size uintptr) mm.VirtAddr {
	return p.base + mm.VirtAddr(uintptr(addr-p.base)^size)
}

// coalesce merges free buddy pairs upward through every class below the
// maximum.
func (p *Pool) coalesce() {
	for exp := minExp; exp < maxExp; exp++ {
		fl := &p.classes[exp-minExp]
		next := &p.classes[exp+1-minExp]
		blockSize := uintptr(1) << exp

		fl.lock.Acquire()
		sort.Slice(fl.blocks, func(i, j int) bool { return fl.blocks[i] < fl.blocks[j] })

		var kept []mm.VirtAddr
		var promoted []mm.VirtAddr
		for i := 0; i < len(fl.blocks); {
			addr := fl.blocks[i]
			aligned := uintptr(addr-p.base)&(blockSize<<1-1) == 0
			if aligned && i+1 < len(fl.blocks) && fl.blocks[i+1] == p.buddy(addr, blockSize) {
				promoted = append(promoted, addr)
				i += 2
				continue
			}
			kept = append(kept, addr)
			i++
		}
		fl.blocks = kept
		fl.lock.Release()

		for _, addr := range promoted {
			next.push(addr)
		}
	}
}

// Release returns the size-byte block at addr to the window. Coalescing is
// deferred until a reservation misses. size must match the reserved block
// size.
func (p *Pool) Release(addr mm.VirtAddr, size uintptr) *kernel.Error {
	exp := expFor(size)
	if exp < 0 || uintptr(1)<<exp != size {
		return ErrInvalidArgument
	}
	if addr < p.base || uintptr(addr-p.base)+size > p.size || !mm.IsAligned(uintptr(addr-p.base), size) {
		return ErrInvalidArgument
	}

	p.classes[exp-minExp].push(addr)
	return nil
}

// FreeBlocks returns the number of free blocks in the class serving
// size-byte requests.
func (p *Pool) FreeBlocks(size uintptr) int {
	exp := expFor(size)
	if exp < 0 {
		return 0
	}
	return p.classes[exp-minExp].count()
}
