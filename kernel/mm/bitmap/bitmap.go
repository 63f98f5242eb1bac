// Package bitmap provides a fixed-capacity bitmap with run-scanning support
// for frame and object allocators.
package bitmap

import "github.com/bits-and-blooms/bitset"

// Bitmap tracks the allocation state of a fixed number of slots. A set bit
// marks an allocated slot.
type Bitmap struct {
	bits *bitset.BitSet
	size uint
}

// New returns a Bitmap with capacity for size slots, all clear.
func New(size uint) *Bitmap {
	return &Bitmap{
		bits: bitset.New(size),
		size: size,
	}
}

// Size returns the bitmap capacity in slots.
func (b *Bitmap) Size() uint { return b.size }

// Set marks slot i as allocated.
func (b *Bitmap) Set(i uint) { b.bits.Set(i) }

// Clear marks slot i as free.
func (b *Bitmap) Clear(i uint) { b.bits.Clear(i) }

// Test returns true if slot i is allocated.
func (b *Bitmap) Test(i uint) bool { return b.bits.Test(i) }

// SetRange marks slots [start, start+count) as allocated.
func (b *Bitmap) SetRange(start, count uint) {
	for i := start; i < start+count; i++ {
		b.bits.Set(i)
	}
}

// ClearRange marks slots [start, start+count) as free.
func (b *Bitmap) ClearRange(start, count uint) {
	for i := start; i < start+count; i++ {
		b.bits.Clear(i)
	}
}

// CountSet returns the number of allocated slots.
func (b *Bitmap) CountSet() uint { return b.bits.Count() }

// FindClearRun scans for count consecutive clear slots starting the search at
// slot from. It returns the index of the first slot in the run. Runs may
// straddle any word boundary. The second return value is false if no such
// run exists within the bitmap capacity.
func (b *Bitmap) FindClearRun(count, from uint) (uint, bool) {
	if count == 0 || from >= b.size {
		return 0, false
	}

	var run uint
	var runStart uint
	for i := from; i < b.size; i++ {
		if b.bits.Test(i) {
			run = 0
			continue
		}

		if run == 0 {
			runStart = i
		}
		run++
		if run == count {
			return runStart, true
		}
	}

	return 0, false
}
