package vmm

import (
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"
)

// ErrInvalidSplit is returned by FromCopyOnWrite when the split address is
// not page aligned or does not lie below the trampoline.
var ErrInvalidSplit = &kernel.Error{Module: "vmm", Message: "invalid copy-on-write split address"}

// ForkOptions tunes FromCopyOnWrite.
type ForkOptions struct {
	// SplitAddr partitions the address space being forked. Areas that
	// start at or above SplitAddr are copied eagerly while areas below it
	// are shared copy-on-write. The zero value shares every user area.
	// Areas without PermU, such as the trap context, are always copied
	// since the kernel writes them through their frames.
	SplitAddr uintptr
}

// FromExistingUser returns a private copy of a user address space. Every
// framed page is duplicated into a newly allocated frame.
func FromExistingUser(src *MemorySet) (*MemorySet, *kernel.Error) {
	dst, err := newUserSpace(src.pool, src.layout)
	if err != nil {
		return nil, err
	}

	for _, area := range src.areas {
		if err = dst.copyArea(src, area); err != nil {
			dst.Release()
			return nil, err
		}
	}

	return dst, nil
}

// FromCopyOnWrite forks a user address space sharing its frames with the
// child. Both sides of every shared page lose write access and gain the
// copy-on-write marker; the first write on either side is resolved by
// CowAlloc. Kernel-only areas and areas starting at or above opts.SplitAddr,
// when set, are copied eagerly instead.
//
// On failure the parent may be left with pages marked copy-on-write whose
// frames are no longer shared. These are resolved in place on the next write.
func FromCopyOnWrite(src *MemorySet, opts ForkOptions) (*MemorySet, *kernel.Error) {
	splitPage, err := splitPageFor(src, opts.SplitAddr)
	if err != nil {
		return nil, err
	}

	dst, err := newUserSpace(src.pool, src.layout)
	if err != nil {
		return nil, err
	}

	for _, area := range src.areas {
		if area.startPage >= splitPage || area.perm&PermU == 0 {
			err = dst.copyArea(src, area)
		} else {
			err = dst.shareArea(src, area)
		}

		if err != nil {
			dst.Release()
			return nil, err
		}
	}

	return dst, nil
}

// splitPageFor validates splitAddr and returns the first page that is copied
// eagerly. A zero split address disables eager copies.
func splitPageFor(src *MemorySet, splitAddr uintptr) (mm.Page, *kernel.Error) {
	if splitAddr == 0 {
		return mm.PageFromAddress(^uintptr(0)) + 1, nil
	}

	if !mm.IsAligned(splitAddr, mm.PageSize) || splitAddr >= uintptr(src.layout.Trampoline) {
		return 0, ErrInvalidSplit
	}

	return mm.PageFromAddress(splitAddr), nil
}

// copyArea maps a clone of area and fills it with the bytes of every page
// that area maps in src. Direct areas are only remapped.
func (ms *MemorySet) copyArea(src *MemorySet, area *MapArea) *kernel.Error {
	clone := FromAnother(area)
	if err := ms.push(clone, nil, 0); err != nil {
		return err
	}

	if clone.kind == MapDirect {
		return nil
	}

	for page := area.startPage; page < area.endPage; page++ {
		srcPTE, ok := src.pageTable.Translate(page)
		if !ok {
			return ErrNotMapped
		}

		dstFrame, _ := clone.Frame(page)
		kernel.Memcopy(ms.pool.FrameBytes(srcPTE.Frame()), ms.pool.FrameBytes(dstFrame))
	}

	return nil
}

// shareArea maps every page of area in both src and ms as a read-only
// copy-on-write view of the frame src currently maps.
func (ms *MemorySet) shareArea(src *MemorySet, area *MapArea) *kernel.Error {
	if area.kind == MapDirect {
		return ms.push(FromAnother(area), nil, 0)
	}

	if ms.overlaps(area) {
		return ErrOverlappingRegion
	}

	clone := FromAnother(area)
	for page := area.startPage; page < area.endPage; page++ {
		pte, ok := src.pageTable.Translate(page)
		if !ok {
			clone.Unmap(ms.pageTable)
			return ErrNotMapped
		}

		frame, flags := pte.Frame(), pte.Flags()&^FlagWritable|FlagCopyOnWrite
		if err := src.pageTable.SetFlags(page, flags); err != nil {
			clone.Unmap(ms.pageTable)
			return err
		}

		src.pool.AddRef(frame)
		clone.insertFrame(page, frame)

		if err := ms.pageTable.Map(page, frame, flags); err != nil {
			clone.Unmap(ms.pageTable)
			return ErrOutOfMemory
		}
	}

	ms.pushMapped(clone)
	return nil
}
