package vmm

import (
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"
)

// find returns the valid leaf entry for page or nil.
func (pt *PageTable) find(page mm.Page) *PageTableEntry {
	var entry *PageTableEntry

	pt.walk(page, func(pteLevel uint8, pte *PageTableEntry) bool {
		if !pte.Valid() {
			return false
		}

		if pteLevel == pageLevels-1 {
			entry = pte
		}
		return true
	})

	return entry
}

// findOrCreate returns the leaf entry for page allocating any missing
// intermediate tables.
func (pt *PageTable) findOrCreate(page mm.Page) (*PageTableEntry, *kernel.Error) {
	if !page.Valid() {
		return nil, ErrNotMapped
	}

	var (
		entry *PageTableEntry
		err   *kernel.Error
	)

	pt.walk(page, func(pteLevel uint8, pte *PageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			entry = pte
			return true
		}

		// Next table does not yet exist; the pool hands out zeroed
		// frames so the new table starts with no valid entries.
		if !pte.Valid() {
			var newTableFrame mm.Frame
			if newTableFrame, err = pt.pool.AllocFrame(); err != nil {
				return false
			}

			*pte = NewPageTableEntry(newTableFrame, FlagValid)
			pt.tableFrames = append(pt.tableFrames, newTableFrame)
		}

		return true
	})

	return entry, err
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *PageTableEntry) bool

// walk performs a page table walk for the given virtual page. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. Pages outside the Sv39 range are never walked.
func (pt *PageTable) walk(page mm.Page, walkFn pageTableWalker) {
	if !page.Valid() {
		return
	}

	tableFrame := pt.root
	for level := uint8(0); level < pageLevels; level++ {
		entryIndex := (uintptr(page) >> pageLevelShifts[level]) & (entriesPerTable - 1)
		pte := &pt.table(tableFrame)[entryIndex]

		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}
