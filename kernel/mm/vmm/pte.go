package vmm

import (
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

const (
	// FlagValid is set when the entry holds a translation or points to the
	// next table level.
	FlagValid PageTableEntryFlag = 1 << iota

	// FlagReadable is set if the page can be read from.
	FlagReadable

	// FlagWritable is set if the page can be written to.
	FlagWritable

	// FlagExecutable is set if instructions can be fetched from the page.
	FlagExecutable

	// FlagUserAccessible is set if user-mode code can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagGlobal marks a translation that exists in every address space.
	FlagGlobal

	// FlagAccessed is set by the hart when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the hart when this page is modified.
	FlagDirty

	// FlagCopyOnWrite is stored in the first software-reserved bit and is
	// used to implement copy-on-write functionality. This flag and
	// FlagWritable are mutually exclusive.
	FlagCopyOnWrite
)

const (
	// pteFlagBits is the number of low entry bits that hold flags.
	pteFlagBits = 10

	pteFlagMask = PageTableEntryFlag(1<<pteFlagBits - 1)

	// ptePPNMask extracts the 44-bit physical page number stored in
	// bits 10-53 of an entry.
	ptePPNMask = uint64(1<<44-1) << pteFlagBits

	// flagsRWX selects the permission bits that turn an entry into a leaf.
	flagsRWX = FlagReadable | FlagWritable | FlagExecutable
)

// PageTableEntry describes an Sv39 page table entry. These entries encode a
// physical frame number and a set of flags.
type PageTableEntry uint64

// NewPageTableEntry returns an entry pointing at frame with the given flags.
func NewPageTableEntry(frame mm.Frame, flags PageTableEntryFlag) PageTableEntry {
	pte := PageTableEntry(0)
	pte.SetFrame(frame)
	pte.SetFlags(flags)
	return pte
}

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint64(*pte) &^ uint64(flags))
}

// Flags returns the flag bits of the entry.
func (pte PageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(pte) & pteFlagMask
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint64(pte) & ptePPNMask) >> pteFlagBits)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *PageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (PageTableEntry)((uint64(*pte) &^ ptePPNMask) | (uint64(frame)<<pteFlagBits)&ptePPNMask)
}

// Valid returns true if the entry holds a translation.
func (pte PageTableEntry) Valid() bool { return pte.HasFlags(FlagValid) }

// Readable returns true if the entry grants read access.
func (pte PageTableEntry) Readable() bool { return pte.HasFlags(FlagReadable) }

// Writable returns true if the entry grants write access.
func (pte PageTableEntry) Writable() bool { return pte.HasFlags(FlagWritable) }

// Executable returns true if the entry grants execute access.
func (pte PageTableEntry) Executable() bool { return pte.HasFlags(FlagExecutable) }

// IsCOW returns true if the entry is a shared copy-on-write mapping.
func (pte PageTableEntry) IsCOW() bool { return pte.HasFlags(FlagCopyOnWrite) }

// isLeaf returns true if the entry maps a page rather than pointing to the
// next table level.
func (pte PageTableEntry) isLeaf() bool { return pte.HasAnyFlag(flagsRWX) }
