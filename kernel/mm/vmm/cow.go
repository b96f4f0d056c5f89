package vmm

import (
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"
)

// ErrRegionNotFound is returned when a copy-on-write page does not belong
// to any area of the address space.
var ErrRegionNotFound = &kernel.Error{Module: "vmm", Message: "no region contains the faulting page"}

// CowAlloc resolves a write to the copy-on-write page mapped to formerFrame.
// If no other address space still shares formerFrame, the page becomes
// writable in place. Otherwise the contents of formerFrame are copied into a
// new frame which replaces formerFrame in both the page table and the area
// that contains the page.
//
// CowAlloc must not run concurrently for the same page.
func (ms *MemorySet) CowAlloc(page mm.Page, formerFrame mm.Frame) *kernel.Error {
	if ms.pool.RefCount(formerFrame) == 1 {
		return ms.pageTable.ResetCOW(page)
	}

	area := ms.FindArea(page)
	if area == nil {
		return ErrRegionNotFound
	}

	frame, err := ms.pool.AllocFrame()
	if err != nil {
		return ErrOutOfMemory
	}

	if err = ms.pageTable.RemapCOW(page, frame, formerFrame); err != nil {
		ms.pool.Release(frame)
		return err
	}

	area.insertFrame(page, frame)
	return nil
}
