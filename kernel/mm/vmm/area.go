package vmm

import (
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"
)

// MapType selects how the pages of a MapArea are backed.
type MapType uint8

const (
	// MapDirect maps each virtual page to the physical frame with the same
	// number. It is only used for kernel ranges.
	MapDirect MapType = iota

	// MapFramed backs each virtual page with a frame allocated from the
	// frame pool.
	MapFramed
)

// String implements fmt.Stringer.
func (t MapType) String() string {
	if t == MapDirect {
		return "direct"
	}
	return "framed"
}

// MapPermission is the access permission of a MapArea. Its bits line up with
// the corresponding PageTableEntryFlag bits.
type MapPermission uint8

const (
	PermR = MapPermission(FlagReadable)
	PermW = MapPermission(FlagWritable)
	PermX = MapPermission(FlagExecutable)
	PermU = MapPermission(FlagUserAccessible)

	permMask = PermR | PermW | PermX | PermU
)

// String implements fmt.Stringer.
func (p MapPermission) String() string {
	buf := []byte("----")
	for i, c := range "RWXU" {
		if p&(PermR<<uint(i)) != 0 {
			buf[i] = byte(c)
		}
	}
	return string(buf)
}

func (p MapPermission) pteFlags() PageTableEntryFlag {
	return PageTableEntryFlag(p & permMask)
}

var (
	// ErrOutOfMemory is returned when the frame pool cannot supply the
	// frames required by a mapping operation.
	ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of physical memory"}

	errCopyOutOfRange = &kernel.Error{Module: "vmm", Message: "data does not fit in the target region"}
	errCopyToDirect   = &kernel.Error{Module: "vmm", Message: "data can only be copied into framed regions"}
)

// MapArea is a contiguous range of virtual pages sharing one mapping type and
// permission. Framed areas hold a reference on every frame that backs them;
// the reference is dropped when the page is unmapped or its frame replaced.
type MapArea struct {
	pool mm.FramePool

	startPage mm.Page
	endPage   mm.Page

	kind MapType
	perm MapPermission

	dataFrames map[mm.Page]mm.Frame
}

// NewMapArea returns an unmapped area covering [startAddr, endAddr). The start
// address is rounded down and the end address rounded up to a page boundary.
func NewMapArea(pool mm.FramePool, startAddr, endAddr uintptr, kind MapType, perm MapPermission) *MapArea {
	return &MapArea{
		pool:       pool,
		startPage:  mm.PageFromAddress(startAddr),
		endPage:    mm.PageCeil(endAddr),
		kind:       kind,
		perm:       perm & permMask,
		dataFrames: make(map[mm.Page]mm.Frame),
	}
}

// FromAnother returns an unmapped area with the same range, type and
// permission as another. No frames are shared with the original.
func FromAnother(another *MapArea) *MapArea {
	return &MapArea{
		pool:       another.pool,
		startPage:  another.startPage,
		endPage:    another.endPage,
		kind:       another.kind,
		perm:       another.perm,
		dataFrames: make(map[mm.Page]mm.Frame),
	}
}

// StartPage returns the first page of the area.
func (a *MapArea) StartPage() mm.Page { return a.startPage }

// EndPage returns the page right after the last page of the area.
func (a *MapArea) EndPage() mm.Page { return a.endPage }

// Kind returns the mapping type of the area.
func (a *MapArea) Kind() MapType { return a.kind }

// Perm returns the access permission of the area.
func (a *MapArea) Perm() MapPermission { return a.perm }

// Contains returns true if page lies inside the area.
func (a *MapArea) Contains(page mm.Page) bool {
	return page >= a.startPage && page < a.endPage
}

// Frame returns the frame tracked for page. Direct areas track no frames.
func (a *MapArea) Frame(page mm.Page) (mm.Frame, bool) {
	frame, ok := a.dataFrames[page]
	return frame, ok
}

// inRange reports whether every page of the area is encodable in Sv39.
func (a *MapArea) inRange() bool {
	return a.startPage <= a.endPage && a.endPage <= mm.PageLimit
}

func (a *MapArea) overlaps(other *MapArea) bool {
	return a.startPage < other.endPage && other.startPage < a.endPage
}

// Map installs a translation for every page in the area. If the frame pool
// runs dry, the pages mapped so far are unmapped again and ErrOutOfMemory is
// returned. Pages outside the Sv39 range fail with ErrNotMapped.
func (a *MapArea) Map(pt *PageTable) *kernel.Error {
	for page := a.startPage; page < a.endPage; page++ {
		if err := a.mapOne(pt, page); err != nil {
			for mapped := a.startPage; mapped < page; mapped++ {
				a.unmapOne(pt, mapped)
			}
			return err
		}
	}

	return nil
}

func (a *MapArea) mapOne(pt *PageTable, page mm.Page) *kernel.Error {
	if !page.Valid() {
		return ErrNotMapped
	}

	var frame mm.Frame

	switch a.kind {
	case MapDirect:
		frame = mm.Frame(page)
	case MapFramed:
		var err *kernel.Error
		if frame, err = a.pool.AllocFrame(); err != nil {
			return ErrOutOfMemory
		}
		a.dataFrames[page] = frame
	}

	if err := pt.Map(page, frame, a.perm.pteFlags()); err != nil {
		if a.kind == MapFramed {
			delete(a.dataFrames, page)
			a.pool.Release(frame)
		}
		return ErrOutOfMemory
	}

	return nil
}

// Unmap removes the translation of every page in the area and drops the
// references held on framed pages.
func (a *MapArea) Unmap(pt *PageTable) {
	for page := a.startPage; page < a.endPage; page++ {
		a.unmapOne(pt, page)
	}
}

func (a *MapArea) unmapOne(pt *PageTable, page mm.Page) {
	if frame, ok := a.dataFrames[page]; ok {
		delete(a.dataFrames, page)
		a.pool.Release(frame)
	}
	pt.Unmap(page)
}

// CopyData copies data into the area starting offset bytes into its first
// page and continuing over as many pages as needed. The destination frames
// are expected to be zero-filled.
func (a *MapArea) CopyData(pt *PageTable, data []byte, offset uintptr) *kernel.Error {
	if a.kind != MapFramed {
		return errCopyToDirect
	}

	areaSize := uintptr(a.endPage-a.startPage) << mm.PageShift
	if offset >= mm.PageSize || offset+uintptr(len(data)) > areaSize {
		return errCopyOutOfRange
	}

	for page := a.startPage; len(data) > 0; page++ {
		pte, ok := pt.Translate(page)
		if !ok {
			return ErrNotMapped
		}

		copied := kernel.Memcopy(data, a.pool.FrameBytes(pte.Frame())[offset:])
		data = data[copied:]
		offset = 0
	}

	return nil
}

// insertFrame makes the area track frame as the backing of page. Any frame
// previously tracked for the page is released.
func (a *MapArea) insertFrame(page mm.Page, frame mm.Frame) {
	if former, ok := a.dataFrames[page]; ok && former != frame {
		a.pool.Release(former)
	}
	a.dataFrames[page] = frame
}

// releaseFrames drops every frame reference held by the area without
// touching the page table.
func (a *MapArea) releaseFrames() {
	for page, frame := range a.dataFrames {
		a.pool.Release(frame)
		delete(a.dataFrames, page)
	}
}
