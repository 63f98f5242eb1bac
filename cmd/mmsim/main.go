// Command mmsim boots the memory-management core on a simulated machine and
// exercises the allocators end to end: physical frames, the kernel heap,
// regions with live translations, the heap segment and the MMIO window.
package main

import (
	"flag"

	"github.com/sirupsen/logrus"

	"github.com/DragonOS-Community/DragonOS-sub000/kernel/klog"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/kmain"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/bootinfo"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/pmm"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/slab"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/vmm"
)

var log = klog.Module("mmsim")

// defaultMemoryMap models a small machine with a reserved hole, the layout
// a boot loader typically reports.
func defaultMemoryMap() bootinfo.MemoryMap {
	return bootinfo.MemoryMap{
		{PhysAddress: 0, Length: 0x9fc00, Type: bootinfo.RegionAvailable},
		{PhysAddress: 0x9fc00, Length: 0x60400, Type: bootinfo.RegionReserved},
		{PhysAddress: 0x100000, Length: 255 << 20, Type: bootinfo.RegionAvailable},
	}
}

func main() {
	machineFile := flag.String("machine", "", "TOML machine description; a built-in layout is used when empty")
	verbose := flag.Bool("v", false, "enable debug logging")
	panicOnOOM := flag.Bool("panic-on-oom", false, "panic instead of returning an error on allocator exhaustion")
	flag.Parse()

	if *verbose {
		klog.SetLevel(logrus.DebugLevel)
	}

	memMap := defaultMemoryMap()
	if *machineFile != "" {
		loaded, err := bootinfo.LoadTOML(*machineFile)
		if err != nil {
			log.Fatalf("cannot load machine description: %v", err)
		}
		memMap = loaded
	}

	sys, err := kmain.Boot(kmain.Config{
		MemoryMap:  memMap,
		PanicOnOOM: *panicOnOOM,
	})
	if err != nil {
		log.Fatalf("boot failed: %v", err)
	}

	exercise(sys)

	st := sys.Mem.Stat()
	log.Infof("final state: %d/%d frames used, %d free (%d MiB)",
		st.UsedFrames, st.TotalFrames, st.FreeFrames, st.FreeBytes()>>20)
}

// exercise runs one pass over every allocator surface.
func exercise(sys *kmain.System) {
	// Kernel heap.
	block, err := sys.Kmalloc(4096, slab.FlagZero)
	if err != nil {
		log.Fatalf("kmalloc: %v", err)
	}
	log.Infof("kmalloc(4096) -> 0x%016x", uintptr(block))

	buf := sys.Mem.Bytes(mm.VirtToPhys(block), 16)
	copy(buf, "memory exercised")

	if err := sys.Kfree(block); err != nil {
		log.Fatalf("kfree: %v", err)
	}

	// A mapped region with live translations.
	page, err := sys.AllocFrames(pmm.ZoneNormal, 2, pmm.AttrKernel)
	if err != nil {
		log.Fatalf("frame allocation: %v", err)
	}

	regionBase := mm.VirtAddr(0x40000000)
	vma, err := sys.Kernel.CreateVMA(regionBase, 2*mm.PageSize2M, vmm.VMRead|vmm.VMWrite, nil)
	if err != nil {
		log.Fatalf("region creation: %v", err)
	}
	if err := sys.Kernel.MapVMA(vma, page.PhysAddress(), 0, 2*mm.PageSize2M); err != nil {
		log.Fatalf("region mapping: %v", err)
	}

	phys, terr := sys.Kernel.Translate(regionBase + 0x1234)
	if terr != nil {
		log.Fatalf("translation: %v", terr)
	}
	log.Infof("region 0x%x translates to 0x%x", uintptr(regionBase+0x1234), uintptr(phys))

	if _, err := sys.Kernel.UnmapVMA(vma); err != nil {
		log.Fatalf("region unmap: %v", err)
	}

	// Heap segment growth and shrinkage.
	brkStart := sys.Kernel.Segments.BrkStart
	if _, err := sys.Kernel.Brk(brkStart + mm.VirtAddr(4*mm.PageSize2M)); err != nil {
		log.Fatalf("brk grow: %v", err)
	}
	if _, err := sys.Kernel.Brk(brkStart); err != nil {
		log.Fatalf("brk shrink: %v", err)
	}
	log.Infof("heap segment exercised at 0x%016x", uintptr(brkStart))

	// MMIO window: reserve a device range and map a fake LAPIC page.
	ioVMA, err := sys.MMIO.Create(sys.Kernel, 2*mm.PageSize4K, vmm.VMRead|vmm.VMWrite)
	if err != nil {
		log.Fatalf("mmio region: %v", err)
	}
	if err := sys.Kernel.MapRange(ioVMA.Start(), 0xfee00000, 2*mm.PageSize4K); err != nil {
		log.Fatalf("mmio mapping: %v", err)
	}
	log.Infof("device range mapped at 0x%016x", uintptr(ioVMA.Start()))

	if _, err := sys.Kernel.UnmapVMA(ioVMA); err != nil {
		log.Fatalf("mmio unmap: %v", err)
	}
	if err := sys.MMIO.Release(ioVMA.Start(), ioVMA.Len()); err != nil {
		log.Fatalf("mmio release: %v", err)
	}
}
