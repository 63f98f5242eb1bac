// Package mm defines the address and frame types shared by all memory
// management subsystems.
package mm

import "math"

// PhysAddr describes a physical memory address.
type PhysAddr uintptr

// VirtAddr describes a virtual memory address.
type VirtAddr uintptr

// Frame describes a physical memory page index. Frames are always 2M wide.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when they fail to
	// reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address where this Frame begins.
func (f Frame) Address() PhysAddr {
	return PhysAddr(f << FrameShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not frame-aligned are rounded down to the frame
// that contains them.
func FrameFromAddress(physAddr PhysAddr) Frame {
	return Frame(physAddr >> FrameShift)
}

// PhysToVirt returns the kernel direct-map virtual address for a physical
// address.
func PhysToVirt(addr PhysAddr) VirtAddr {
	return KernelBase + VirtAddr(addr)
}

// VirtToPhys returns the physical address behind a kernel direct-map virtual
// address.
func VirtToPhys(addr VirtAddr) PhysAddr {
	return PhysAddr(addr - KernelBase)
}

// AlignDown rounds addr down to a multiple of size. Size must be a power of
// two.
func AlignDown(addr, size uintptr) uintptr {
	return addr &^ (size - 1)
}

// AlignUp rounds addr up to a multiple of size. Size must be a power of two.
func AlignUp(addr, size uintptr) uintptr {
	return (addr + size - 1) &^ (size - 1)
}

// IsAligned returns true if addr is a multiple of size.
func IsAligned(addr, size uintptr) bool {
	return addr&(size-1) == 0
}
