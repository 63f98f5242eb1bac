package vmm

import (
	"io"
	"os"
	"testing"

	"github.com/DragonOS-Community/DragonOS-sub000/kernel/klog"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/bootinfo"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/pmm"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/slab"
)

func TestMain(m *testing.M) {
	klog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type testEnv struct {
	mem    *pmm.Memory
	heap   *slab.Heap
	mapper *Mapper
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mem, err := pmm.NewMemory(bootinfo.MemoryMap{
		{PhysAddress: 0, Length: 256 << 20, Type: bootinfo.RegionAvailable},
	}, pmm.Config{})
	if err != nil {
		t.Fatal(err)
	}

	heap, err := slab.NewHeap(mem)
	if err != nil {
		t.Fatal(err)
	}

	return &testEnv{
		mem:    mem,
		heap:   heap,
		mapper: NewMapper(mem, NewHeapNodeAllocator(heap)),
	}
}

func (env *testEnv) newRoot(t *testing.T) mm.PhysAddr {
	t.Helper()

	root, err := env.mapper.NewRoot()
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func TestMapTranslateRoundTrip2M(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t)

	page, err := env.mem.AllocFrames(pmm.ZoneNormal, 2, pmm.AttrKernel)
	if err != nil {
		t.Fatal(err)
	}

	virt := mm.VirtAddr(0x400000000)
	if err := env.mapper.Map(root, virt, page.PhysAddress(), 2*mm.PageSize2M, FlagWritable, false, true); err != nil {
		t.Fatal(err)
	}

	// Every page of the range must translate with its offset composed.
	for pageIndex := uintptr(0); pageIndex < 2; pageIndex++ {
		for _, offset := range []uintptr{0, 0x123, mm.PageSize2M - 1} {
			v := virt + mm.VirtAddr(pageIndex*mm.PageSize2M+offset)
			exp := page.PhysAddress() + mm.PhysAddr(pageIndex*mm.PageSize2M+offset)

			got, err := env.mapper.Translate(root, v)
			if err != nil {
				t.Fatalf("translate 0x%x: %v", uintptr(v), err)
			}
			if got != exp {
				t.Errorf("translate 0x%x: expected 0x%x; got 0x%x", uintptr(v), uintptr(exp), uintptr(got))
			}
		}
	}

	if err := env.mapper.Unmap(root, virt, 2*mm.PageSize2M); err != nil {
		t.Fatal(err)
	}
	if _, err := env.mapper.Translate(root, virt); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped after unmap; got %v", err)
	}
}

func TestMapTranslateRoundTrip4K(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t)

	page, err := env.mem.AllocFrames(pmm.ZoneNormal, 1, pmm.AttrKernel)
	if err != nil {
		t.Fatal(err)
	}

	virt := mm.VirtAddr(0x500001000)
	if err := env.mapper.Map(root, virt, page.PhysAddress(), 4*mm.PageSize4K, FlagWritable, true, true); err != nil {
		t.Fatal(err)
	}

	for pageIndex := uintptr(0); pageIndex < 4; pageIndex++ {
		v := virt + mm.VirtAddr(pageIndex*mm.PageSize4K+0x42)
		exp := page.PhysAddress() + mm.PhysAddr(pageIndex*mm.PageSize4K+0x42)

		got, err := env.mapper.Translate(root, v)
		if err != nil {
			t.Fatalf("translate 0x%x: %v", uintptr(v), err)
		}
		if got != exp {
			t.Errorf("translate 0x%x: expected 0x%x; got 0x%x", uintptr(v), uintptr(exp), uintptr(got))
		}
	}

	if _, err := env.mapper.Translate(root, virt+mm.VirtAddr(4*mm.PageSize4K)); err != ErrNotMapped {
		t.Errorf("expected the page past the range to be unmapped; got %v", err)
	}
}

func TestMap4KCollidesWith2MLeaf(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t)

	page, err := env.mem.AllocFrames(pmm.ZoneNormal, 1, pmm.AttrKernel)
	if err != nil {
		t.Fatal(err)
	}

	virt := mm.VirtAddr(0x600000000)
	if err := env.mapper.Map(root, virt, page.PhysAddress(), mm.PageSize2M, FlagWritable, false, true); err != nil {
		t.Fatal(err)
	}

	err2 := env.mapper.Map(root, virt+mm.VirtAddr(4*mm.PageSize4K), page.PhysAddress(), mm.PageSize4K, FlagWritable, true, true)
	if err2 != ErrHugePageCollision {
		t.Fatalf("expected ErrHugePageCollision; got %v", err2)
	}
}

func TestMapSkipsPresentEntries(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t)

	first, err := env.mem.AllocFrames(pmm.ZoneNormal, 1, pmm.AttrKernel)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.mem.AllocFrames(pmm.ZoneNormal, 1, pmm.AttrKernel)
	if err != nil {
		t.Fatal(err)
	}

	virt := mm.VirtAddr(0x700000000)
	if err := env.mapper.Map(root, virt, first.PhysAddress(), mm.PageSize4K, FlagWritable, true, true); err != nil {
		t.Fatal(err)
	}

	// Remapping the same page must warn and keep the original entry.
	if err := env.mapper.Map(root, virt, second.PhysAddress(), mm.PageSize4K, FlagWritable, true, true); err != nil {
		t.Fatal(err)
	}

	got, err := env.mapper.Translate(root, virt)
	if err != nil {
		t.Fatal(err)
	}
	if got != first.PhysAddress() {
		t.Errorf("expected the original mapping to survive; got 0x%x", uintptr(got))
	}
}

func TestMapArgumentValidation(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t)

	specs := []struct {
		virt   mm.VirtAddr
		phys   mm.PhysAddr
		length uintptr
		use4K  bool
	}{
		{0x400000000, 0, 0, false},
		{0x400000001, 0, mm.PageSize4K, true},
		{0x400000000, 0x123, mm.PageSize4K, true},
		{0x400001000, 0, mm.PageSize2M, false},
		{0x400000000, 0, mm.PageSize4K, false},
	}

	for specIndex, spec := range specs {
		if err := env.mapper.Map(root, spec.virt, spec.phys, spec.length, FlagWritable, spec.use4K, false); err != ErrInvalidArgument {
			t.Errorf("[spec %d] expected ErrInvalidArgument; got %v", specIndex, err)
		}
	}
}

func TestUnmapReleasesEmptyTableNodes(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t)

	nodesBefore, _ := env.heap.Stats()

	page, err := env.mem.AllocFrames(pmm.ZoneNormal, 1, pmm.AttrKernel)
	if err != nil {
		t.Fatal(err)
	}

	// A 4K mapping materialises three intermediate nodes.
	virt := mm.VirtAddr(0x800000000)
	if err := env.mapper.Map(root, virt, page.PhysAddress(), mm.PageSize4K, FlagWritable, true, true); err != nil {
		t.Fatal(err)
	}

	nodesDuring, _ := env.heap.Stats()
	if exp := nodesBefore + 3; nodesDuring != exp {
		t.Fatalf("expected %d live heap objects while mapped; got %d", exp, nodesDuring)
	}

	if err := env.mapper.Unmap(root, virt, mm.PageSize4K); err != nil {
		t.Fatal(err)
	}

	nodesAfter, _ := env.heap.Stats()
	if nodesAfter != nodesBefore {
		t.Errorf("expected empty table nodes to be released; %d objects remain", nodesAfter-nodesBefore)
	}
}

func TestTLBFlushHook(t *testing.T) {
	env := newTestEnv(t)
	root := env.newRoot(t)

	var flushCount int
	prev := SetTLBFlushFn(func() { flushCount++ })
	defer SetTLBFlushFn(prev)

	page, err := env.mem.AllocFrames(pmm.ZoneNormal, 1, pmm.AttrKernel)
	if err != nil {
		t.Fatal(err)
	}

	virt := mm.VirtAddr(0x900000000)
	if err := env.mapper.Map(root, virt, page.PhysAddress(), mm.PageSize2M, FlagWritable, false, true); err != nil {
		t.Fatal(err)
	}
	if exp, got := 1, flushCount; got != exp {
		t.Errorf("expected %d flush after map; got %d", exp, got)
	}

	// A deferred-flush map must not touch the TLB.
	if err := env.mapper.Map(root, virt+mm.VirtAddr(mm.PageSize2M), page.PhysAddress(), mm.PageSize2M, FlagWritable, false, false); err != nil {
		t.Fatal(err)
	}
	if exp, got := 1, flushCount; got != exp {
		t.Errorf("expected no flush for a deferred map; got %d", got)
	}

	if err := env.mapper.Unmap(root, virt, 2*mm.PageSize2M); err != nil {
		t.Fatal(err)
	}
	if exp, got := 2, flushCount; got != exp {
		t.Errorf("expected %d flushes after unmap; got %d", exp, got)
	}
}
