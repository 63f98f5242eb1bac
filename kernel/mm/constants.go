package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift4K/2M/1G are the shifts that convert between addresses and
	// page numbers for each supported page size.
	PageShift4K = uintptr(12)
	PageShift2M = uintptr(21)
	PageShift1G = uintptr(30)

	// TableShift is the shift for the address bits selecting a top-level
	// page table entry.
	TableShift = uintptr(39)

	// PageSize4K/2M/1G define the supported page sizes in bytes.
	PageSize4K = uintptr(1 << PageShift4K)
	PageSize2M = uintptr(1 << PageShift2M)
	PageSize1G = uintptr(1 << PageShift1G)

	// FrameShift and FrameSize describe the granularity of the physical
	// page allocator. Physical memory is tracked in 2M frames.
	FrameShift = PageShift2M
	FrameSize  = PageSize2M

	// TableEntryCount is the number of entries in one page-table node.
	// Each node occupies 4K: 512 entries of 8 bytes.
	TableEntryCount = 512

	// KernelBase is the virtual address where the direct mapping of
	// physical memory begins.
	KernelBase = VirtAddr(0xffff800000000000)

	// UserMax is the highest virtual address accessible to user mode.
	UserMax = VirtAddr(0x00007fffffffffff)

	// MMIOBase and MMIOTop bound the dedicated 1T virtual region handed
	// out by the MMIO buddy allocator. Ranges reserved there carry no
	// physical backing until they are explicitly mapped.
	MMIOBase = VirtAddr(0xffffa10000000000)
	MMIOTop  = VirtAddr(0xffffa20000000000)
)
