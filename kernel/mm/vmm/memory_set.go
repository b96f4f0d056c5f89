package vmm

import (
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/cpu"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/kfmt"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm/layout"
)

var (
	// writeSATPFn and flushTLBFn are mocked by tests.
	writeSATPFn = cpu.WriteSATP
	flushTLBFn  = cpu.FlushTLB

	// ErrOverlappingRegion is returned when a new area overlaps an area
	// or trampoline page that is already part of the address space.
	ErrOverlappingRegion = &kernel.Error{Module: "vmm", Message: "region overlaps an existing mapping"}

	// ErrInvalidRange is returned when a region ends before it starts or
	// extends past the Sv39 virtual address range.
	ErrInvalidRange = &kernel.Error{Module: "vmm", Message: "region lies outside the virtual address range"}

	errAccessDenied = &kernel.Error{Module: "vmm", Message: "page does not grant the requested user access"}
)

// MemorySet is an address space: a page table plus the ordered list of
// non-overlapping areas mapped into it. The trampoline pages are mapped in
// every address space but are not tracked by any area.
//
// A MemorySet must only be mutated by one execution context at a time.
type MemorySet struct {
	pool   mm.FramePool
	layout layout.Layout

	pageTable *PageTable
	areas     []*MapArea

	// trampolines lists the pages mapped outside of any area.
	trampolines []mm.Page
}

// NewBare returns an address space with an empty page table and no areas.
func NewBare(pool mm.FramePool, l layout.Layout) (*MemorySet, *kernel.Error) {
	pt, err := NewPageTable(pool)
	if err != nil {
		return nil, ErrOutOfMemory
	}

	return &MemorySet{
		pool:      pool,
		layout:    l,
		pageTable: pt,
	}, nil
}

// kernelSection is an identity-mapped range of the kernel address space.
type kernelSection struct {
	name       string
	start, end layout.Addr
	perm       MapPermission
}

// NewKernel builds the kernel address space. Every kernel section, the
// remaining physical memory and each MMIO window are identity mapped.
func NewKernel(pool mm.FramePool, l layout.Layout) (*MemorySet, *kernel.Error) {
	ms, err := NewBare(pool, l)
	if err != nil {
		return nil, err
	}

	if err = ms.mapTrampoline(); err != nil {
		ms.Release()
		return nil, err
	}

	sections := []kernelSection{
		{".text", l.Text.Start, l.Text.End, PermR | PermX},
		{".rodata", l.Rodata.Start, l.Rodata.End, PermR},
		{".data", l.Data.Start, l.Data.End, PermR | PermW},
		{".bss", l.BSS.Start, l.BSS.End, PermR | PermW},
		{"physical memory", l.KernelEnd, l.MemoryEnd, PermR | PermW},
	}
	for _, w := range l.MMIO {
		sections = append(sections, kernelSection{"mmio", w.Base, w.Base + w.Length, PermR | PermW})
	}

	log := kfmt.Logger("vmm")
	for _, s := range sections {
		log.Info("mapping kernel section",
			zap.String("section", s.name),
			zap.String("start", hexAddr(uintptr(s.start))),
			zap.String("end", hexAddr(uintptr(s.end))),
			zap.String("size", humanize.IBytes(uint64(s.end-s.start))),
			zap.Stringer("perm", s.perm),
		)

		area := NewMapArea(pool, uintptr(s.start), uintptr(s.end), MapDirect, s.perm)
		if err = ms.push(area, nil, 0); err != nil {
			ms.Release()
			return nil, err
		}
	}

	return ms, nil
}

func hexAddr(addr uintptr) string {
	return "0x" + strconv.FormatUint(uint64(addr), 16)
}

// mapTrampoline maps the trampoline code page. Only the kernel can execute it.
func (ms *MemorySet) mapTrampoline() *kernel.Error {
	return ms.mapFixed(uintptr(ms.layout.Trampoline), uintptr(ms.layout.TrampolineCode), FlagReadable|FlagExecutable)
}

// mapSignalTrampoline maps the signal return code page. Unlike the trampoline
// it is executed in user mode.
func (ms *MemorySet) mapSignalTrampoline() *kernel.Error {
	return ms.mapFixed(uintptr(ms.layout.SignalTrampoline), uintptr(ms.layout.SignalTrampolineCode), FlagReadable|FlagExecutable|FlagUserAccessible)
}

func (ms *MemorySet) mapFixed(virtAddr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	page := mm.PageFromAddress(virtAddr)
	if err := ms.pageTable.Map(page, mm.FrameFromAddress(physAddr), flags); err != nil {
		return ErrOutOfMemory
	}

	ms.trampolines = append(ms.trampolines, page)
	return nil
}

// push maps area, copies data into it starting offset bytes into its first
// page and appends it to the area list.
func (ms *MemorySet) push(area *MapArea, data []byte, offset uintptr) *kernel.Error {
	if !area.inRange() {
		return ErrInvalidRange
	}

	if ms.overlaps(area) {
		return ErrOverlappingRegion
	}

	if err := area.Map(ms.pageTable); err != nil {
		return err
	}

	if data != nil {
		if err := area.CopyData(ms.pageTable, data, offset); err != nil {
			area.Unmap(ms.pageTable)
			return err
		}
	}

	ms.areas = append(ms.areas, area)
	return nil
}

// pushMapped appends an area whose pages have already been installed in the
// page table.
func (ms *MemorySet) pushMapped(area *MapArea) {
	ms.areas = append(ms.areas, area)
}

func (ms *MemorySet) overlaps(area *MapArea) bool {
	for _, other := range ms.areas {
		if other.overlaps(area) {
			return true
		}
	}

	for _, page := range ms.trampolines {
		if area.Contains(page) {
			return true
		}
	}

	return false
}

// InsertFramedArea maps a new framed area covering [startAddr, endAddr).
// ErrOverlappingRegion is returned if the range overlaps an existing area.
func (ms *MemorySet) InsertFramedArea(startAddr, endAddr uintptr, perm MapPermission) *kernel.Error {
	return ms.push(NewMapArea(ms.pool, startAddr, endAddr, MapFramed, perm), nil, 0)
}

// InsertMmapArea maps a new framed area backing an mmap request.
func (ms *MemorySet) InsertMmapArea(startAddr, endAddr uintptr, perm MapPermission) *kernel.Error {
	return ms.push(NewMapArea(ms.pool, startAddr, endAddr, MapFramed, perm), nil, 0)
}

// RemoveAreaWithStartVPN unmaps and removes the area starting at page. It
// returns false if no such area exists.
func (ms *MemorySet) RemoveAreaWithStartVPN(page mm.Page) bool {
	index := slices.IndexFunc(ms.areas, func(area *MapArea) bool {
		return area.startPage == page
	})
	if index < 0 {
		return false
	}

	ms.areas[index].Unmap(ms.pageTable)
	ms.areas = slices.Delete(ms.areas, index, index+1)
	return true
}

// FindArea returns the area containing page or nil.
func (ms *MemorySet) FindArea(page mm.Page) *MapArea {
	for _, area := range ms.areas {
		if area.Contains(page) {
			return area
		}
	}
	return nil
}

// Areas returns a snapshot of the areas in insertion order.
func (ms *MemorySet) Areas() []*MapArea {
	return slices.Clone(ms.areas)
}

// PageTable returns the page table of the address space.
func (ms *MemorySet) PageTable() *PageTable {
	return ms.pageTable
}

// Translate returns the entry that maps page.
func (ms *MemorySet) Translate(page mm.Page) (PageTableEntry, bool) {
	return ms.pageTable.Translate(page)
}

// SetCOW marks page as copy-on-write.
func (ms *MemorySet) SetCOW(page mm.Page) *kernel.Error {
	return ms.pageTable.SetCOW(page)
}

// ResetCOW clears the copy-on-write marker of page and makes it writable.
func (ms *MemorySet) ResetCOW(page mm.Page) *kernel.Error {
	return ms.pageTable.ResetCOW(page)
}

// SetFlags replaces the flags of page.
func (ms *MemorySet) SetFlags(page mm.Page, flags PageTableEntryFlag) *kernel.Error {
	return ms.pageTable.SetFlags(page, flags)
}

// Protect replaces the read, write and execute permission of a mapped page.
// A copy-on-write page stays read-only; write access is granted once the
// page fault is resolved.
//
// The area that contains the page keeps its original permission.
func (ms *MemorySet) Protect(page mm.Page, perm MapPermission) *kernel.Error {
	pte, ok := ms.pageTable.Translate(page)
	if !ok {
		return ErrNotMapped
	}

	flags := (pte.Flags() &^ flagsRWX) | (perm.pteFlags() & flagsRWX)
	if pte.IsCOW() {
		flags &^= FlagWritable
	}
	return ms.pageTable.SetFlags(page, flags)
}

// Token returns the satp value that activates the address space.
func (ms *MemorySet) Token() uint64 {
	return ms.pageTable.Token()
}

// Activate installs the address space on the hart and flushes stale
// translations. The caller is responsible for serializing context switches.
func (ms *MemorySet) Activate() {
	writeSATPFn(ms.Token())
	flushTLBFn()
}

// RecycleDataPages drops every area and the frame references they hold. The
// page table itself is kept and should be discarded by the caller.
func (ms *MemorySet) RecycleDataPages() {
	for _, area := range ms.areas {
		area.releaseFrames()
	}
	ms.areas = nil
}

// Release recycles the data pages and returns the page table frames to the
// pool. The address space must not be used afterwards.
func (ms *MemorySet) Release() {
	ms.RecycleDataPages()
	ms.pageTable.Release()
}

// CopyFromUser fills dst with the bytes starting at virtAddr. Every page
// touched must be mapped with user access.
func (ms *MemorySet) CopyFromUser(dst []byte, virtAddr uintptr) *kernel.Error {
	return ms.userCopy(virtAddr, len(dst), false, func(frameBytes []byte, done int) int {
		return kernel.Memcopy(frameBytes, dst[done:])
	})
}

// CopyToUser writes src to the user memory starting at virtAddr. Pages shared
// copy-on-write are made private before they are written to.
func (ms *MemorySet) CopyToUser(virtAddr uintptr, src []byte) *kernel.Error {
	return ms.userCopy(virtAddr, len(src), true, func(frameBytes []byte, done int) int {
		return kernel.Memcopy(src[done:], frameBytes)
	})
}

func (ms *MemorySet) userCopy(virtAddr uintptr, length int, write bool, copyFn func(frameBytes []byte, done int) int) *kernel.Error {
	for done := 0; done < length; {
		addr := virtAddr + uintptr(done)
		page := mm.PageFromAddress(addr)

		pte, ok := ms.pageTable.Translate(page)
		if !ok {
			return ErrNotMapped
		}
		if !pte.HasFlags(FlagUserAccessible) {
			return errAccessDenied
		}

		if write && !pte.Writable() {
			if area := ms.FindArea(page); !pte.IsCOW() || area == nil || area.perm&PermW == 0 {
				return errAccessDenied
			}
			if err := ms.CowAlloc(page, pte.Frame()); err != nil {
				return err
			}
			pte, _ = ms.pageTable.Translate(page)
		}

		frameBytes := ms.pool.FrameBytes(pte.Frame())[mm.PageOffset(addr):]
		if remaining := length - done; len(frameBytes) > remaining {
			frameBytes = frameBytes[:remaining]
		}
		done += copyFn(frameBytes, done)
	}

	return nil
}
