package slab

import (
	"io"
	"os"
	"testing"

	"github.com/DragonOS-Community/DragonOS-sub000/kernel/klog"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/bootinfo"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/pmm"
)

func TestMain(m *testing.M) {
	klog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func testMemory(t *testing.T) *pmm.Memory {
	t.Helper()

	memory, err := pmm.NewMemory(bootinfo.MemoryMap{
		{PhysAddress: 0, Length: 256 << 20, Type: bootinfo.RegionAvailable},
	}, pmm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	return memory
}

func TestNewCacheArgumentValidation(t *testing.T) {
	memory := testMemory(t)

	if _, err := NewCache(nil, 64, nil, nil); err != ErrInvalidArgument {
		t.Errorf("expected ErrInvalidArgument for nil memory; got %v", err)
	}
	if _, err := NewCache(memory, 0, nil, nil); err != ErrInvalidArgument {
		t.Errorf("expected ErrInvalidArgument for zero size; got %v", err)
	}
	if _, err := NewCache(memory, 2<<20, nil, nil); err != ErrInvalidArgument {
		t.Errorf("expected ErrInvalidArgument for an oversized object; got %v", err)
	}
}

func TestCacheObjectAlignment(t *testing.T) {
	memory := testMemory(t)

	cache, err := NewCache(memory, 33, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if exp, got := uintptr(40), cache.ObjSize(); got != exp {
		t.Fatalf("expected object size rounded to %d; got %d", exp, got)
	}
}

func TestCacheAllocFreeRoundTrip(t *testing.T) {
	memory := testMemory(t)

	cache, err := NewCache(memory, 128, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	usingBefore, freeBefore := cache.Stats()
	if usingBefore != 0 {
		t.Fatalf("expected a fresh cache to have no live objects; got %d", usingBefore)
	}

	var addrs []mm.VirtAddr
	for i := 0; i < 16; i++ {
		addr, err := cache.Alloc(0)
		if err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
		addrs = append(addrs, addr)
	}

	// Objects must be distinct and object-size aligned relative to each
	// other.
	seen := make(map[mm.VirtAddr]bool)
	for _, addr := range addrs {
		if seen[addr] {
			t.Fatalf("address 0x%x handed out twice", uintptr(addr))
		}
		seen[addr] = true
		if (addr-addrs[0])%mm.VirtAddr(cache.ObjSize()) != 0 {
			t.Fatalf("address 0x%x not object aligned", uintptr(addr))
		}
	}

	using, free := cache.Stats()
	if exp := usingBefore + 16; using != exp {
		t.Errorf("expected %d live objects; got %d", exp, using)
	}
	if exp := freeBefore - 16; free != exp {
		t.Errorf("expected %d free objects; got %d", exp, free)
	}

	for _, addr := range addrs {
		if err := cache.Free(addr, 0); err != nil {
			t.Fatalf("free 0x%x: %v", uintptr(addr), err)
		}
	}

	using, free = cache.Stats()
	if using != usingBefore || free != freeBefore {
		t.Errorf("expected counters restored to %d/%d; got %d/%d", usingBefore, freeBefore, using, free)
	}
}

func TestCacheFreeValidation(t *testing.T) {
	memory := testMemory(t)

	cache, err := NewCache(memory, 128, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	addr, err := cache.Alloc(0)
	if err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		descr string
		addr  mm.VirtAddr
	}{
		{"address outside every pool", mm.KernelBase + 0x123450000},
		{"misaligned interior address", addr + 1},
	}
	for specIndex, spec := range specs {
		if err := cache.Free(spec.addr, 0); err != ErrInvalidArgument {
			t.Errorf("[spec %d] expected ErrInvalidArgument freeing %s; got %v", specIndex, spec.descr, err)
		}
	}

	if err := cache.Free(addr, 0); err != nil {
		t.Fatal(err)
	}
	if err := cache.Free(addr, 0); err != ErrInvalidArgument {
		t.Errorf("expected a double free to fail; got %v", err)
	}
}

func TestCacheCtorDtor(t *testing.T) {
	memory := testMemory(t)

	var ctorCalls, dtorCalls int
	var lastArg uintptr
	cache, err := NewCache(memory, 64,
		func(addr mm.VirtAddr, arg uintptr) { ctorCalls++; lastArg = arg },
		func(addr mm.VirtAddr, arg uintptr) { dtorCalls++; lastArg = arg },
	)
	if err != nil {
		t.Fatal(err)
	}

	addr, err := cache.Alloc(42)
	if err != nil {
		t.Fatal(err)
	}
	if ctorCalls != 1 || lastArg != 42 {
		t.Errorf("expected 1 constructor call with arg 42; got %d calls, arg %d", ctorCalls, lastArg)
	}

	if err := cache.Free(addr, 77); err != nil {
		t.Fatal(err)
	}
	if dtorCalls != 1 || lastArg != 77 {
		t.Errorf("expected 1 destructor call with arg 77; got %d calls, arg %d", dtorCalls, lastArg)
	}
}

func TestCacheInPageHeader(t *testing.T) {
	memory := testMemory(t)

	// 512-byte objects keep their bookkeeping inside the backing page so
	// the capacity must be below the raw page capacity.
	small, err := NewCache(memory, 512, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	rawCapacity := uint(mm.FrameSize / 512)
	if got := small.pools[0].capacity; got >= rawCapacity {
		t.Errorf("expected in-page header to reduce capacity below %d; got %d", rawCapacity, got)
	}
	if small.pools[0].reserved == 0 {
		t.Error("expected a reserved header region inside the page")
	}

	// Larger objects keep the bookkeeping outside.
	big, err := NewCache(memory, 4096, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if exp, got := uint(mm.FrameSize/4096), big.pools[0].capacity; got != exp {
		t.Errorf("expected full page capacity %d; got %d", exp, got)
	}
	if big.pools[0].reserved != 0 {
		t.Error("expected no reserved header region for a large-object pool")
	}
}

func TestCacheGrowAndReclaim(t *testing.T) {
	memory := testMemory(t)

	cache, err := NewCache(memory, 1<<20, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if exp, got := uint(2), cache.pools[0].capacity; got != exp {
		t.Fatalf("expected pool capacity %d; got %d", exp, got)
	}

	framesAfterCreate := memory.Stat().UsedFrames

	// The third allocation does not fit the resident pool and must grow a
	// second one.
	var addrs []mm.VirtAddr
	for i := 0; i < 3; i++ {
		addr, err := cache.Alloc(0)
		if err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
		addrs = append(addrs, addr)
	}
	if exp, got := 2, len(cache.pools); got != exp {
		t.Fatalf("expected %d pools after growth; got %d", exp, got)
	}
	if got := memory.Stat().UsedFrames; got != framesAfterCreate+1 {
		t.Fatalf("expected one extra backing frame; got %d used frames", got)
	}

	// Free the resident pool's objects first, then the grown pool's one:
	// the grown pool becomes idle while the cache-wide free count reaches
	// twice its capacity, which triggers the reclaim.
	for _, addr := range addrs {
		if err := cache.Free(addr, 0); err != nil {
			t.Fatal(err)
		}
	}
	if exp, got := 1, len(cache.pools); got != exp {
		t.Fatalf("expected the idle sub-pool to be reclaimed; got %d pools", got)
	}
	if got := memory.Stat().UsedFrames; got != framesAfterCreate {
		t.Errorf("expected the backing frame to be released; got %d used frames", got)
	}

	// The resident pool is never reclaimed.
	if _, free := cache.Stats(); free != 2 {
		t.Errorf("expected the resident pool to remain with 2 free objects; got %d", free)
	}
}

func TestCacheDestroy(t *testing.T) {
	memory := testMemory(t)
	framesBefore := memory.Stat().UsedFrames

	cache, err := NewCache(memory, 256, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	addr, err := cache.Alloc(0)
	if err != nil {
		t.Fatal(err)
	}

	if err := cache.Destroy(); err != ErrCacheBusy {
		t.Fatalf("expected ErrCacheBusy while objects are live; got %v", err)
	}

	if err := cache.Free(addr, 0); err != nil {
		t.Fatal(err)
	}
	if err := cache.Destroy(); err != nil {
		t.Fatal(err)
	}
	if got := memory.Stat().UsedFrames; got != framesBefore {
		t.Errorf("expected all backing frames released; got %d used frames", got)
	}
}

func TestHeapClassRouting(t *testing.T) {
	specs := []struct {
		size uintptr
		exp  uintptr
	}{
		{1, 32},
		{32, 32},
		{33, 64},
		{500, 512},
		{4096, 4096},
		{4097, 8192},
		{1 << 20, 1 << 20},
		{(1 << 20) + 1, 0},
		{0, 0},
	}

	for specIndex, spec := range specs {
		if got := ClassSize(spec.size); got != spec.exp {
			t.Errorf("[spec %d] expected class size %d for request %d; got %d", specIndex, spec.exp, spec.size, got)
		}
	}
}

func TestHeapAllocFree(t *testing.T) {
	memory := testMemory(t)

	heap, err := NewHeap(memory)
	if err != nil {
		t.Fatal(err)
	}

	addr, err := heap.Alloc(100, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Dirty the block, free it, and ask for a zeroed one: the class uses
	// first-fit so the same block comes back, now cleared.
	buf := memory.Bytes(mm.VirtToPhys(addr), int(ClassSize(100)))
	for i := range buf {
		buf[i] = 0xff
	}
	if err := heap.Free(addr); err != nil {
		t.Fatal(err)
	}

	again, err := heap.Alloc(100, FlagZero)
	if err != nil {
		t.Fatal(err)
	}
	if again != addr {
		t.Fatalf("expected first-fit to return 0x%x; got 0x%x", uintptr(addr), uintptr(again))
	}
	for i, b := range memory.Bytes(mm.VirtToPhys(again), int(ClassSize(100))) {
		if b != 0 {
			t.Fatalf("expected a zeroed block; byte %d is 0x%x", i, b)
		}
	}

	if err := heap.Free(again); err != nil {
		t.Fatal(err)
	}

	if _, err := heap.Alloc(2<<20, 0); err != ErrInvalidArgument {
		t.Errorf("expected an oversized request to fail; got %v", err)
	}
	if err := heap.Free(mm.KernelBase + 0x999990000); err != ErrInvalidArgument {
		t.Errorf("expected freeing an unknown address to fail; got %v", err)
	}
}

func TestHeapAccounting(t *testing.T) {
	memory := testMemory(t)

	heap, err := NewHeap(memory)
	if err != nil {
		t.Fatal(err)
	}

	usingBefore, _ := heap.Stats()

	var addrs []mm.VirtAddr
	for _, size := range []uintptr{16, 64, 512, 4096, 1 << 20} {
		addr, err := heap.Alloc(size, 0)
		if err != nil {
			t.Fatalf("alloc %d: %v", size, err)
		}
		addrs = append(addrs, addr)
	}

	using, _ := heap.Stats()
	if exp := usingBefore + 5; using != exp {
		t.Errorf("expected %d live objects; got %d", exp, using)
	}

	for _, addr := range addrs {
		if err := heap.Free(addr); err != nil {
			t.Fatal(err)
		}
	}

	using, _ = heap.Stats()
	if using != usingBefore {
		t.Errorf("expected %d live objects after release; got %d", usingBefore, using)
	}
}
