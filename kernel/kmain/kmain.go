// Package kmain wires the memory-management subsystems together in boot
// order: physical frame allocator, kernel heap, page tables with the direct
// mapping, then the MMIO window.
package kmain

import (
	"github.com/DragonOS-Community/DragonOS-sub000/kernel"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/klog"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/bootinfo"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/mmio"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/pmm"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/slab"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/vmm"
)

var (
	// ErrInvalidConfig signals a boot configuration the kernel cannot
	// start with.
	ErrInvalidConfig = &kernel.Error{Module: "kmain", Message: "invalid boot configuration"}

	log = klog.Module("kmain")
)

// Config carries the boot-time knobs of the memory-management core.
type Config struct {
	// MemoryMap is the physical memory layout reported by the boot
	// loader.
	MemoryMap bootinfo.MemoryMap

	// DirectMapLimit caps the physical range covered by the kernel
	// direct mapping. Zero maps everything.
	DirectMapLimit uint64

	// PanicOnOOM turns allocator exhaustion into a panic instead of a
	// returned error.
	PanicOnOOM bool
}

// System bundles the booted memory-management subsystems.
type System struct {
	Mem    *pmm.Memory
	Heap   *slab.Heap
	Mapper *vmm.Mapper

	// Kernel is the kernel address space; its page table carries the
	// direct mapping of physical memory.
	Kernel *vmm.AddressSpace

	// MMIO hands out device address ranges above the direct mapping.
	MMIO *mmio.Pool

	panicOnOOM bool
}

// Boot initialises every subsystem and returns the running system. The
// direct mapping is established with 2M pages and one TLB flush.
func Boot(cfg Config) (*System, *kernel.Error) {
	if len(cfg.MemoryMap) == 0 {
		return nil, ErrInvalidConfig
	}

	mem, err := pmm.NewMemory(cfg.MemoryMap, pmm.Config{DirectMapLimit: cfg.DirectMapLimit})
	if err != nil {
		return nil, err
	}

	heap, err := slab.NewHeap(mem)
	if err != nil {
		return nil, err
	}

	mapper := vmm.NewMapper(mem, vmm.NewHeapNodeAllocator(heap))
	kernelAS, err := vmm.NewAddressSpace(mem, heap, mapper)
	if err != nil {
		return nil, err
	}

	// Materialise the direct mapping: every managed frame becomes
	// addressable at its fixed kernel virtual address.
	directMapBytes := mm.AlignUp(uintptr(cfg.MemoryMap.MaxPhysAddress()), mm.FrameSize)
	if cfg.DirectMapLimit != 0 && uintptr(cfg.DirectMapLimit) < directMapBytes {
		directMapBytes = mm.AlignDown(uintptr(cfg.DirectMapLimit), mm.FrameSize)
	}
	if err := mapper.Map(kernelAS.Root(), mm.PhysToVirt(0), 0, directMapBytes,
		vmm.FlagWritable|vmm.FlagGlobal|vmm.FlagNoExecute, false, true); err != nil {
		return nil, err
	}

	// The kernel heap segment starts right above the direct mapping.
	if err := kernelAS.InitBrk(mm.PhysToVirt(mm.PhysAddr(directMapBytes))); err != nil {
		return nil, err
	}

	sys := &System{
		Mem:        mem,
		Heap:       heap,
		Mapper:     mapper,
		Kernel:     kernelAS,
		MMIO:       mmio.NewPool(),
		panicOnOOM: cfg.PanicOnOOM,
	}

	st := mem.Stat()
	log.Infof("boot complete: %d frames managed, %d used, %d free",
		st.TotalFrames, st.UsedFrames, st.FreeFrames)

	return sys, nil
}

// oom applies the exhaustion policy to an allocator result.
func (sys *System) oom(err *kernel.Error) *kernel.Error {
	if err == nil {
		return nil
	}
	if sys.panicOnOOM &&
		(err == pmm.ErrOutOfMemory || err == slab.ErrOutOfMemory || err == mmio.ErrOutOfMemory) {
		log.Errorf("allocator exhausted: %v", err)
		panic(err)
	}
	return err
}

// Kmalloc reserves a kernel heap block, honoring the configured exhaustion
// policy.
func (sys *System) Kmalloc(size uintptr, flags slab.Flag) (mm.VirtAddr, *kernel.Error) {
	addr, err := sys.Heap.Alloc(size, flags)
	return addr, sys.oom(err)
}

// Kfree releases a block returned by Kmalloc.
func (sys *System) Kfree(addr mm.VirtAddr) *kernel.Error {
	return sys.Heap.Free(addr)
}

// AllocFrames reserves physical frames, honoring the configured exhaustion
// policy.
func (sys *System) AllocFrames(class pmm.ZoneClass, count int, attr pmm.PageAttr) (*pmm.Page, *kernel.Error) {
	page, err := sys.Mem.AllocFrames(class, count, attr)
	return page, sys.oom(err)
}

// ReserveMMIO takes a device address range out of the MMIO window, honoring
// the configured exhaustion policy.
func (sys *System) ReserveMMIO(size uintptr) (mm.VirtAddr, uintptr, *kernel.Error) {
	addr, blockSize, err := sys.MMIO.Reserve(size)
	return addr, blockSize, sys.oom(err)
}
