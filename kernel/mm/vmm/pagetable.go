package vmm

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/cpu"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/kfmt"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"
)

const (
	// pageLevels indicates the number of page levels used by Sv39.
	pageLevels = 3

	// pageLevelBits is the number of virtual page number bits consumed by
	// each page level. Each table holds 1 << pageLevelBits entries.
	pageLevelBits = 9

	entriesPerTable = 1 << pageLevelBits
)

var (
	// pageLevelShifts defines the shift that extracts the table index for
	// each page level from a virtual page number.
	pageLevelShifts = [pageLevels]uint8{18, 9, 0}

	// flushTLBEntryFn and readSATPFn are mocked by tests.
	flushTLBEntryFn = cpu.FlushTLBEntry
	readSATPFn      = cpu.ReadSATP

	// ErrNotMapped is returned when an operation expects a present
	// translation for a virtual page that is not mapped.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

// PageTable is an Sv39 page table whose levels live in frames obtained from
// a frame pool. The table owns its root and intermediate frames; the frames
// referenced by leaf entries are owned by the regions that mapped them.
//
// PageTable is not safe for concurrent mutation.
type PageTable struct {
	pool mm.FramePool
	root mm.Frame

	// tableFrames tracks every frame holding a table level, root included.
	tableFrames []mm.Frame
}

// NewPageTable allocates an empty page table.
func NewPageTable(pool mm.FramePool) (*PageTable, *kernel.Error) {
	root, err := pool.AllocFrame()
	if err != nil {
		return nil, err
	}

	return &PageTable{
		pool:        pool,
		root:        root,
		tableFrames: []mm.Frame{root},
	}, nil
}

// Token returns the satp value that activates this table in Sv39 mode.
func (pt *PageTable) Token() uint64 {
	return cpu.SatpModeSv39<<cpu.SatpModeShift | uint64(pt.root)
}

// Map establishes a mapping between a virtual page and a physical frame,
// overwriting any previous translation. Missing table levels are allocated
// from the frame pool.
func (pt *PageTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	pte, err := pt.findOrCreate(page)
	if err != nil {
		return err
	}

	*pte = NewPageTableEntry(frame, flags|FlagValid)
	pt.flush(page)
	return nil
}

// Unmap removes the translation for page. Unmapping a page that is not
// mapped has no effect.
func (pt *PageTable) Unmap(page mm.Page) {
	if pte := pt.find(page); pte != nil {
		*pte = 0
		pt.flush(page)
	}
}

// Translate returns the entry mapping page. The second return value is false
// if page is not mapped.
func (pt *PageTable) Translate(page mm.Page) (PageTableEntry, bool) {
	if pte := pt.find(page); pte != nil {
		return *pte, true
	}
	return 0, false
}

// TranslateAddress returns the physical address that corresponds to the
// supplied virtual address or ErrNotMapped.
func (pt *PageTable) TranslateAddress(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, ok := pt.Translate(mm.PageFromAddress(virtAddr))
	if !ok {
		return 0, ErrNotMapped
	}

	return pte.Frame().Address() + mm.PageOffset(virtAddr), nil
}

// SetFlags replaces the flags of a mapped page without touching the frame it
// points to.
func (pt *PageTable) SetFlags(page mm.Page, flags PageTableEntryFlag) *kernel.Error {
	return pt.update(page, func(pte *PageTableEntry) {
		frame := pte.Frame()
		*pte = NewPageTableEntry(frame, flags|FlagValid)
	})
}

// SetCOW marks a mapped page as copy-on-write and revokes its write access.
func (pt *PageTable) SetCOW(page mm.Page) *kernel.Error {
	return pt.update(page, func(pte *PageTableEntry) {
		pte.ClearFlags(FlagWritable)
		pte.SetFlags(FlagCopyOnWrite)
	})
}

// ResetCOW clears the copy-on-write marker of a mapped page and restores its
// write access.
func (pt *PageTable) ResetCOW(page mm.Page) *kernel.Error {
	return pt.update(page, func(pte *PageTableEntry) {
		pte.ClearFlags(FlagCopyOnWrite)
		pte.SetFlags(FlagWritable)
	})
}

// RemapCOW copies the contents of formerFrame into newFrame and repoints the
// copy-on-write mapping for page to newFrame with write access restored. All
// other flags are preserved.
func (pt *PageTable) RemapCOW(page mm.Page, newFrame, formerFrame mm.Frame) *kernel.Error {
	return pt.update(page, func(pte *PageTableEntry) {
		kernel.Memcopy(pt.pool.FrameBytes(formerFrame), pt.pool.FrameBytes(newFrame))
		pte.SetFrame(newFrame)
		pte.ClearFlags(FlagCopyOnWrite)
		pte.SetFlags(FlagWritable)
	})
}

// Release returns the frames that hold the table levels to the pool. The
// table must not be used afterwards.
func (pt *PageTable) Release() {
	for _, frame := range pt.tableFrames {
		pt.pool.Release(frame)
	}
	pt.tableFrames = nil
}

// TableFrames returns the number of frames used by the table levels.
func (pt *PageTable) TableFrames() int {
	return len(pt.tableFrames)
}

// DumpTo writes every valid entry of the table to w, indenting each level
// below the root.
func (pt *PageTable) DumpTo(w io.Writer) {
	fmt.Fprintf(w, "page table %#x\n", pt.root.Address())
	pt.dumpLevel(w, pt.root, 0, 0)
}

func (pt *PageTable) dumpLevel(w io.Writer, tableFrame mm.Frame, level uint8, vpnPrefix uintptr) {
	out := kfmt.NewPrefixWriter(w, "  ")
	for index, pte := range pt.table(tableFrame) {
		if !pte.Valid() {
			continue
		}

		vpn := vpnPrefix | uintptr(index)<<pageLevelShifts[level]
		if pte.isLeaf() || level == pageLevels-1 {
			fmt.Fprintf(out, "[%3d] %#x -> %#x %s\n", index, mm.Page(vpn).Address(), pte.Frame().Address(), flagString(pte.Flags()))
			continue
		}

		fmt.Fprintf(out, "[%3d] table %#x\n", index, pte.Frame().Address())
		pt.dumpLevel(out, pte.Frame(), level+1, vpn)
	}
}

func flagString(flags PageTableEntryFlag) string {
	const names = "VRWXUGAD"

	buf := []byte("--------")
	for bit := 0; bit < len(names); bit++ {
		if flags&(1<<bit) != 0 {
			buf[bit] = names[bit]
		}
	}
	if flags&FlagCopyOnWrite != 0 {
		buf = append(buf, " cow"...)
	}
	return string(buf)
}

// update applies fn to the leaf entry for page and flushes its cached
// translation.
func (pt *PageTable) update(page mm.Page, fn func(pte *PageTableEntry)) *kernel.Error {
	pte := pt.find(page)
	if pte == nil {
		return ErrNotMapped
	}

	fn(pte)
	pt.flush(page)
	return nil
}

// flush invalidates the cached translation for page if this table is the
// one currently installed in satp.
func (pt *PageTable) flush(page mm.Page) {
	if readSATPFn() == pt.Token() {
		flushTLBEntryFn(page.Address())
	}
}

// table overlays the entry array on top of a table frame.
func (pt *PageTable) table(frame mm.Frame) *[entriesPerTable]PageTableEntry {
	return (*[entriesPerTable]PageTableEntry)(unsafe.Pointer(&pt.pool.FrameBytes(frame)[0]))
}
