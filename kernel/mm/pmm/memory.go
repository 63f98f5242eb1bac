// Package pmm implements the physical frame allocator: the global allocation
// bitmap, the per-zone counters and the frame descriptor array, all backed by
// a simulated contiguous physical address space.
package pmm

import (
	"unsafe"

	"github.com/DragonOS-Community/DragonOS-sub000/kernel"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/klog"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/bitmap"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/mm/bootinfo"
	"github.com/DragonOS-Community/DragonOS-sub000/kernel/sync"
)

var (
	// ErrOutOfMemory signals that no zone in the selected class can satisfy
	// the requested frame count.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	// ErrInvalidArgument signals a malformed allocator request.
	ErrInvalidArgument = &kernel.Error{Module: "pmm", Message: "invalid argument"}

	log = klog.Module("pmm")
)

// maxAllocFrames bounds a single allocation so a frame run always fits in
// one bitmap word scan.
const maxAllocFrames = 64

// Config controls how the physical address space is carved into zones.
type Config struct {
	// DirectMapLimit is the exclusive upper bound of the kernel direct
	// mapping. Frames at or above it fall into ZoneUnmapped. Zero maps
	// the entire physical address space.
	DirectMapLimit uint64
}

// Stats reports frame usage totals across all zones.
type Stats struct {
	TotalFrames uint64
	UsedFrames  uint64
	FreeFrames  uint64
}

// TotalBytes returns the managed physical memory size.
func (s Stats) TotalBytes() uint64 { return s.TotalFrames << mm.FrameShift }

// UsedBytes returns the allocated physical memory size.
func (s Stats) UsedBytes() uint64 { return s.UsedFrames << mm.FrameShift }

// FreeBytes returns the free physical memory size.
func (s Stats) FreeBytes() uint64 { return s.FreeFrames << mm.FrameShift }

// Memory owns the simulated physical address space and the allocator state
// that manages it. All mutation happens under the global lock; the zero
// value is not usable, construct instances with NewMemory.
type Memory struct {
	lock sync.Spinlock

	bootMap bootinfo.MemoryMap

	// ram backs every physical address up to the end of the memory map;
	// PhysAddr values index into it directly.
	ram []byte

	// bmp tracks frame allocation state, one bit per 2 MiB frame,
	// set = allocated.
	bmp *bitmap.Bitmap

	// pages holds one descriptor per frame, holes included.
	pages []Page

	zones []Zone

	// classStart/classEnd bound the zone indices of each class,
	// end exclusive.
	classStart [zoneClassCount]int
	classEnd   [zoneClassCount]int
}

// NewMemory builds the physical memory manager for the supplied boot memory
// map. It allocates the simulated RAM, carves the available regions into
// 2 MiB-aligned zones, reserves the frames covering the allocator's own
// metadata footprint and logs the resulting layout.
func NewMemory(bootMap bootinfo.MemoryMap, cfg Config) (*Memory, *kernel.Error) {
	if bootMap.TotalAvailable() == 0 {
		return nil, ErrInvalidArgument
	}

	maxPhys := mm.AlignUp(uintptr(bootMap.MaxPhysAddress()), mm.FrameSize)
	totalFrames := uint(maxPhys >> mm.FrameShift)

	m := &Memory{
		bootMap: bootMap,
		ram:     make([]byte, maxPhys),
		bmp:     bitmap.New(totalFrames),
		pages:   make([]Page, totalFrames),
	}

	for frame := range m.pages {
		m.pages[frame].zoneIndex = -1
		m.pages[frame].phys = mm.PhysAddr(frame) << mm.FrameShift
	}

	m.buildZones(cfg)
	m.printLayout()
	m.reserveBootFrames()

	return m, nil
}

// buildZones walks the available regions, trims them to 2 MiB alignment and
// splits any region that straddles a class boundary so each zone carries a
// single class.
func (m *Memory) buildZones(cfg Config) {
	directMapLimit := mm.PhysAddr(cfg.DirectMapLimit)
	if directMapLimit == 0 {
		directMapLimit = mm.PhysAddr(len(m.ram))
	}

	m.bootMap.VisitRegions(func(region *bootinfo.Region) bool {
		if region.Type != bootinfo.RegionAvailable {
			return true
		}

		start := mm.AlignUp(uintptr(region.PhysAddress), mm.FrameSize)
		end := mm.AlignDown(uintptr(region.PhysAddress+region.Length), mm.FrameSize)

		for start < end {
			// Clip the span at the next class boundary.
			spanEnd := end
			if start < dmaLimit && spanEnd > dmaLimit {
				spanEnd = dmaLimit
			}
			if start < uintptr(directMapLimit) && spanEnd > uintptr(directMapLimit) {
				spanEnd = uintptr(directMapLimit)
			}

			class := ZoneNormal
			switch {
			case start < dmaLimit:
				class = ZoneDMA
			case start >= uintptr(directMapLimit):
				class = ZoneUnmapped
			}

			zoneIndex := len(m.zones)
			m.zones = append(m.zones, Zone{
				class:      class,
				addrStart:  mm.PhysAddr(start),
				addrEnd:    mm.PhysAddr(spanEnd),
				startFrame: uint(start >> mm.FrameShift),
				endFrame:   uint(spanEnd >> mm.FrameShift),
				pagesFree:  uint64((spanEnd - start) >> mm.FrameShift),
			})

			for frame := start >> mm.FrameShift; frame < spanEnd>>mm.FrameShift; frame++ {
				m.pages[frame].zoneIndex = zoneIndex
			}

			start = spanEnd
		}

		return true
	})

	// Zones inherit the memory map's address order so each class occupies
	// a contiguous index range.
	for class := ZoneDMA; class < zoneClassCount; class++ {
		m.classStart[class] = len(m.zones)
		m.classEnd[class] = 0
	}
	for zoneIndex := range m.zones {
		class := m.zones[zoneIndex].class
		if zoneIndex < m.classStart[class] {
			m.classStart[class] = zoneIndex
		}
		if zoneIndex+1 > m.classEnd[class] {
			m.classEnd[class] = zoneIndex + 1
		}
	}
}

// reserveBootFrames marks frame 0 plus the frames that would back the
// allocator metadata (bitmap, descriptor array, zone array) as allocated
// kernel memory.
func (m *Memory) reserveBootFrames() {
	metaBytes := uintptr(len(m.pages))/8 +
		uintptr(len(m.pages))*unsafe.Sizeof(Page{}) +
		uintptr(len(m.zones))*unsafe.Sizeof(Zone{})
	reserved := uint(mm.AlignUp(metaBytes, mm.FrameSize) >> mm.FrameShift)
	if reserved == 0 {
		reserved = 1
	}
	if reserved > uint(len(m.pages)) {
		reserved = uint(len(m.pages))
	}

	for frame := uint(0); frame < reserved; frame++ {
		m.bmp.Set(frame)
		page := &m.pages[frame]
		if zone := m.zoneOf(page); zone != nil {
			zone.pagesFree--
			zone.pagesUsing++
		}
		m.pageInitLocked(page, AttrMapped|AttrKernelInit|AttrKernel)
	}

	log.Infof("reserved %d boot frame(s) for allocator metadata", reserved)
}

func (m *Memory) printLayout() {
	log.Infof("physical memory map:")
	m.bootMap.VisitRegions(func(region *bootinfo.Region) bool {
		log.Infof("\t[0x%016x - 0x%016x], size: %10d, type: %s",
			region.PhysAddress,
			region.PhysAddress+region.Length,
			region.Length,
			region.Type,
		)
		return true
	})

	log.Infof("zones:")
	for zoneIndex := range m.zones {
		zone := &m.zones[zoneIndex]
		log.Infof("\t[0x%016x - 0x%016x], frames: %6d, class: %s",
			uintptr(zone.addrStart),
			uintptr(zone.addrEnd),
			zone.FrameCount(),
			zone.class,
		)
	}
}

func (m *Memory) zoneOf(p *Page) *Zone {
	if p.zoneIndex < 0 {
		return nil
	}
	return &m.zones[p.zoneIndex]
}

// AllocFrames reserves count contiguous frames from the zones of the given
// class and initialises their descriptors with attr. It returns the
// descriptor of the first frame in the run. count must lie in (0, 64).
func (m *Memory) AllocFrames(class ZoneClass, count int, attr PageAttr) (*Page, *kernel.Error) {
	if count <= 0 || count >= maxAllocFrames || class >= zoneClassCount {
		return nil, ErrInvalidArgument
	}

	m.lock.Acquire()
	defer m.lock.Release()

	for zoneIndex := m.classStart[class]; zoneIndex < m.classEnd[class]; zoneIndex++ {
		zone := &m.zones[zoneIndex]
		if zone.class != class || zone.pagesFree < uint64(count) {
			continue
		}

		runStart, found := m.bmp.FindClearRun(uint(count), zone.startFrame)
		if !found || runStart+uint(count) > zone.endFrame {
			continue
		}

		m.bmp.SetRange(runStart, uint(count))
		zone.pagesUsing += uint64(count)
		zone.pagesFree -= uint64(count)

		for frame := runStart; frame < runStart+uint(count); frame++ {
			m.pageInitLocked(&m.pages[frame], attr)
		}

		return &m.pages[runStart], nil
	}

	log.Errorf("failed to allocate %d frame(s) from zone class %s", count, class)
	return nil, ErrOutOfMemory
}

// FreeFrames releases the count-frame run starting at the frame described by
// first. Frame contents are not zeroed; descriptor attributes and reference
// counts are reset. count must lie in (0, 64).
func (m *Memory) FreeFrames(first *Page, count int) *kernel.Error {
	if first == nil || count <= 0 || count >= maxAllocFrames {
		return ErrInvalidArgument
	}

	startFrame := uint(first.phys >> mm.FrameShift)
	if startFrame+uint(count) > uint(len(m.pages)) {
		return ErrInvalidArgument
	}

	m.lock.Acquire()
	defer m.lock.Release()

	for frame := startFrame; frame < startFrame+uint(count); frame++ {
		page := &m.pages[frame]
		if !m.bmp.Test(frame) {
			log.Errorf("freeing frame 0x%x which is not allocated", uintptr(page.phys))
			continue
		}

		m.bmp.Clear(frame)
		if zone := m.zoneOf(page); zone != nil {
			zone.pagesUsing--
			zone.pagesFree++
			zone.totalRefs -= uint64(page.refs)
		}
		page.attr = 0
		page.refs = 0
	}

	return nil
}

// PageInit merges attr into the descriptor's attribute mask and takes a
// reference when the frame is unreferenced or the mapping is shared.
func (m *Memory) PageInit(p *Page, attr PageAttr) {
	m.lock.Acquire()
	defer m.lock.Release()
	m.pageInitLocked(p, attr)
}

func (m *Memory) pageInitLocked(p *Page, attr PageAttr) {
	p.attr |= attr
	if p.refs == 0 || p.attr&AttrShared != 0 {
		p.refs++
		if zone := m.zoneOf(p); zone != nil {
			zone.totalRefs++
		}
	}
}

// PageClean drops one reference from the descriptor. When the count reaches
// zero every attribute except the page-table-mapped flag is cleared.
func (m *Memory) PageClean(p *Page) {
	m.lock.Acquire()
	defer m.lock.Release()

	if p.refs > 0 {
		p.refs--
		if zone := m.zoneOf(p); zone != nil {
			zone.totalRefs--
		}
	}

	if p.refs == 0 {
		p.attr &= AttrMapped
	}
}

// PageAt returns the descriptor of the given frame, or nil when the frame
// lies outside the managed address space.
func (m *Memory) PageAt(frame mm.Frame) *Page {
	if !frame.Valid() || uint(frame) >= uint(len(m.pages)) {
		return nil
	}
	return &m.pages[frame]
}

// FindPage resolves a physical address to its allocated frame descriptor.
// The frame must be allocated and must belong to a zone of the given class.
func (m *Memory) FindPage(phys mm.PhysAddr, class ZoneClass) (*Page, *kernel.Error) {
	frame := uint(phys >> mm.FrameShift)
	if frame >= uint(len(m.pages)) || class >= zoneClassCount {
		return nil, ErrInvalidArgument
	}

	m.lock.Acquire()
	defer m.lock.Release()

	if !m.bmp.Test(frame) {
		return nil, ErrInvalidArgument
	}

	page := &m.pages[frame]
	zone := m.zoneOf(page)
	if zone == nil || zone.class != class {
		return nil, ErrInvalidArgument
	}

	return page, nil
}

// Bytes returns the n-byte slice of simulated RAM starting at phys.
func (m *Memory) Bytes(phys mm.PhysAddr, n int) []byte {
	if n < 0 || uintptr(phys)+uintptr(n) > uintptr(len(m.ram)) {
		return nil
	}
	return m.ram[phys : uintptr(phys)+uintptr(n)]
}

// Stat returns frame usage totals across all zones.
func (m *Memory) Stat() Stats {
	m.lock.Acquire()
	defer m.lock.Release()

	var st Stats
	for zoneIndex := range m.zones {
		zone := &m.zones[zoneIndex]
		st.TotalFrames += zone.FrameCount()
		st.UsedFrames += zone.pagesUsing
		st.FreeFrames += zone.pagesFree
	}
	return st
}
