package mm

import (
	"math"

	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel"
	"golang.org/x/exp/constraints"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// FramePool is implemented by physical frame allocators. Frames returned by
// AllocFrame are zero-filled and carry a reference count of 1. Each AddRef
// must be balanced by a Release; the frame returns to the pool when its count
// drops to zero.
type FramePool interface {
	AllocFrame() (Frame, *kernel.Error)
	AddRef(Frame)
	RefCount(Frame) uint32
	Release(Frame)

	// FrameBytes returns the PageSize bytes backing frame.
	FrameBytes(Frame) []byte
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (f Page) Address() uintptr {
	return uintptr(f << PageShift)
}

// Valid returns true if the page lies inside the Sv39 virtual address range.
func (f Page) Valid() bool {
	return f < PageLimit
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// PageCeil returns the first Page that starts at or above virtAddr.
func PageCeil(virtAddr uintptr) Page {
	return Page(AlignUp(virtAddr, PageSize) >> PageShift)
}

// PageOffset returns the offset of addr within its page.
func PageOffset(addr uintptr) uintptr {
	return addr & (PageSize - 1)
}

// AlignUp rounds v up to the next multiple of align which must be a power
// of 2.
func AlignUp[I constraints.Integer](v, align I) I {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to a multiple of align which must be a power of 2.
func AlignDown[I constraints.Integer](v, align I) I {
	return v &^ (align - 1)
}

// IsAligned returns true if v is a multiple of align which must be a power
// of 2.
func IsAligned[I constraints.Integer](v, align I) bool {
	return v&(align-1) == 0
}
