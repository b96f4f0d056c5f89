package vmm

import (
	"bytes"
	"debug/elf"

	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm/layout"
)

// AuxType is the type tag of an auxiliary vector entry.
type AuxType uint64

// Auxiliary vector entry types passed to a new program.
const (
	AuxPHDR     AuxType = 3
	AuxPHENT    AuxType = 4
	AuxPHNUM    AuxType = 5
	AuxPAGESZ   AuxType = 6
	AuxBASE     AuxType = 7
	AuxFLAGS    AuxType = 8
	AuxENTRY    AuxType = 9
	AuxUID      AuxType = 11
	AuxEUID     AuxType = 12
	AuxGID      AuxType = 13
	AuxEGID     AuxType = 14
	AuxPLATFORM AuxType = 15
	AuxHWCAP    AuxType = 16
	AuxCLKTCK   AuxType = 17
	AuxSECURE   AuxType = 23
)

// AuxHeader is an entry of the auxiliary vector.
type AuxHeader struct {
	Type  AuxType
	Value uint64
}

// UserImage is the result of loading a program image.
type UserImage struct {
	Space *MemorySet

	// UserSP is the initial top of the user stack.
	UserSP uintptr

	// HeapBottom is the first address of the user heap.
	HeapBottom uintptr

	// Entry is the program entry point.
	Entry uintptr

	Auxv []AuxHeader
}

var (
	// ErrInvalidImage is returned when a program image is not a well
	// formed ELF file.
	ErrInvalidImage = &kernel.Error{Module: "vmm", Message: "invalid program image"}

	elfMagic = []byte{0x7f, 'E', 'L', 'F'}
)

// FromELF builds a user address space from an ELF image. Each PT_LOAD segment
// becomes a user accessible framed area. The heap is placed one guard page
// above the highest segment, followed by the trap context page, the user
// stack and the signal stack.
func FromELF(pool mm.FramePool, l layout.Layout, image []byte) (*UserImage, *kernel.Error) {
	if !bytes.HasPrefix(image, elfMagic) {
		return nil, ErrInvalidImage
	}

	f, parseErr := elf.NewFile(bytes.NewReader(image))
	if parseErr != nil {
		return nil, ErrInvalidImage
	}

	phoff, phentsize, ok := programHeaderTable(f, image)
	if !ok {
		return nil, ErrInvalidImage
	}

	ms, err := newUserSpace(pool, l)
	if err != nil {
		return nil, err
	}

	var (
		maxEndPage mm.Page
		headAddr   uintptr
		headFound  bool
	)

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		fileEnd, memEnd := prog.Off+prog.Filesz, prog.Vaddr+prog.Memsz
		if prog.Filesz > prog.Memsz || fileEnd < prog.Off || fileEnd > uint64(len(image)) || memEnd < prog.Vaddr {
			ms.Release()
			return nil, ErrInvalidImage
		}

		startAddr := uintptr(prog.Vaddr)
		area := NewMapArea(pool, startAddr, startAddr+uintptr(prog.Memsz), MapFramed, segmentPerm(prog.Flags))
		maxEndPage = max(maxEndPage, area.EndPage())

		offset := mm.PageOffset(startAddr)
		if offset == 0 && !headFound {
			headAddr, headFound = startAddr, true
		}

		if err = ms.push(area, image[prog.Off:fileEnd], offset); err != nil {
			ms.Release()
			return nil, imageError(err)
		}
	}

	heapBottom := maxEndPage.Address() + mm.PageSize
	userStackTop := uintptr(l.UserStack)
	signalStackTop := uintptr(l.UserSignalStack)
	fixedAreas := []*MapArea{
		NewMapArea(pool, heapBottom, heapBottom+uintptr(l.UserHeapSize), MapFramed, PermR|PermW|PermU),
		NewMapArea(pool, uintptr(l.TrapContext), uintptr(l.TrapContext)+mm.PageSize, MapFramed, PermR|PermW),
		NewMapArea(pool, userStackTop-uintptr(l.UserStackSize), userStackTop, MapFramed, PermR|PermW|PermU),
		NewMapArea(pool, signalStackTop-uintptr(l.SignalStackSize), signalStackTop, MapFramed, PermR|PermW|PermU),
	}
	for _, area := range fixedAreas {
		if err = ms.push(area, nil, 0); err != nil {
			ms.Release()
			return nil, imageError(err)
		}
	}

	auxv := []AuxHeader{
		{AuxPHENT, phentsize},
		{AuxPHNUM, uint64(len(f.Progs))},
		{AuxPAGESZ, uint64(mm.PageSize)},
		{AuxBASE, 0},
		{AuxFLAGS, 0},
		{AuxENTRY, f.Entry},
		{AuxUID, 0},
		{AuxEUID, 0},
		{AuxGID, 0},
		{AuxEGID, 0},
		{AuxPLATFORM, 0},
		{AuxHWCAP, 0},
		{AuxCLKTCK, l.ClockTicks},
		{AuxSECURE, 0},
		{AuxPHDR, uint64(headAddr) + phoff},
	}

	return &UserImage{
		Space:      ms,
		UserSP:     userStackTop,
		HeapBottom: heapBottom,
		Entry:      uintptr(f.Entry),
		Auxv:       auxv,
	}, nil
}

// newUserSpace returns a bare address space with both trampolines mapped.
func newUserSpace(pool mm.FramePool, l layout.Layout) (*MemorySet, *kernel.Error) {
	ms, err := NewBare(pool, l)
	if err != nil {
		return nil, err
	}

	if err = ms.mapTrampoline(); err == nil {
		err = ms.mapSignalTrampoline()
	}
	if err != nil {
		ms.Release()
		return nil, err
	}

	return ms, nil
}

// imageError reports placement failures caused by the image layout as
// ErrInvalidImage. Segments sharing a page are rejected rather than mapped
// over each other.
func imageError(err *kernel.Error) *kernel.Error {
	switch err {
	case ErrOverlappingRegion, ErrInvalidRange:
		return ErrInvalidImage
	default:
		return err
	}
}

func segmentPerm(flags elf.ProgFlag) MapPermission {
	perm := PermU
	if flags&elf.PF_R != 0 {
		perm |= PermR
	}
	if flags&elf.PF_W != 0 {
		perm |= PermW
	}
	if flags&elf.PF_X != 0 {
		perm |= PermX
	}
	return perm
}

// programHeaderTable returns the e_phoff and e_phentsize fields of the ELF
// header which debug/elf does not expose.
func programHeaderTable(f *elf.File, image []byte) (phoff, phentsize uint64, ok bool) {
	switch f.Class {
	case elf.ELFCLASS64:
		if len(image) < 64 {
			return 0, 0, false
		}
		return f.ByteOrder.Uint64(image[32:40]), uint64(f.ByteOrder.Uint16(image[54:56])), true
	case elf.ELFCLASS32:
		if len(image) < 52 {
			return 0, 0, false
		}
		return uint64(f.ByteOrder.Uint32(image[28:32])), uint64(f.ByteOrder.Uint16(image[42:44])), true
	}
	return 0, 0, false
}
