package pmm

import (
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/sync"
)

// PageAttr is a bitmask describing the state of a physical frame.
type PageAttr uint32

const (
	// AttrMapped marks a frame referenced by at least one page table.
	AttrMapped PageAttr = 1 << iota

	// AttrKernelInit marks a frame occupied by boot-time kernel data.
	AttrKernelInit

	// AttrDevice marks a frame that belongs to device MMIO space.
	AttrDevice

	// AttrKernel marks a frame owned by the kernel.
	AttrKernel

	// AttrShared marks a frame referenced by more than one mapping.
	AttrShared
)

// Page is the descriptor for one physical 2 MiB frame.
type Page struct {
	// Lock serializes descriptor mutation and reverse-map attachment.
	Lock sync.Spinlock

	// zoneIndex is the index of the owning zone, or -1 for frames that
	// belong to no zone (memory holes and device descriptors).
	zoneIndex int

	phys mm.PhysAddr
	attr PageAttr
	refs int32
	age  uint64
}

// NewDevicePage returns a standalone descriptor for a device-backed frame
// that lives outside the managed physical address space.
func NewDevicePage(phys mm.PhysAddr) *Page {
	return &Page{
		zoneIndex: -1,
		phys:      mm.PhysAddr(mm.AlignDown(uintptr(phys), mm.FrameSize)),
		attr:      AttrDevice,
		refs:      1,
	}
}

// PhysAddress returns the physical address of the frame.
func (p *Page) PhysAddress() mm.PhysAddr { return p.phys }

// Frame returns the frame index of the page.
func (p *Page) Frame() mm.Frame { return mm.FrameFromAddress(p.phys) }

// Attr returns the frame attribute mask.
func (p *Page) Attr() PageAttr { return p.attr }

// Refs returns the frame reference count.
func (p *Page) Refs() int32 { return p.refs }

// IsDevice returns true for device-backed frames.
func (p *Page) IsDevice() bool { return p.attr&AttrDevice != 0 }
