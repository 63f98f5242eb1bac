package mmio

import (
	"github.com/DragonOS-Community/DragonOS-sub000/kernel"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/vmm"
)

// Create reserves an MMIO window range for a device and establishes its IO
// region in the given address space. The region is created unmapped; the
// driver maps its device range with AddressSpace.MapRange once it knows the
// physical address.
func (p *Pool) Create(asp *vmm.AddressSpace, size uintptr, flags vmm.Flag) (*vmm.VMA, *kernel.Error) {
	if asp == nil {
		return nil, ErrInvalidArgument
	}

	addr, blockSize, err := p.Reserve(size)
	if err != nil {
		return nil, err
	}

	vma, err := asp.CreateVMA(addr, blockSize, flags|vmm.VMIO, nil)
	if err != nil {
		p.Release(addr, blockSize)
		return nil, err
	}

	return vma, nil
}
