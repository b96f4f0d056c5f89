// Package vmm implements Sv39 address spaces: page tables, mapped areas,
// program loading, copy-on-write fork and page fault resolution.
package vmm

import (
	"go.uber.org/zap"

	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/kfmt"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm/layout"
)

var errKernelMapping = &kernel.Error{Module: "vmm", Message: "kernel sections mapped with wrong permissions"}

// Init builds the kernel address space, checks the permissions of the kernel
// sections and activates it.
func Init(pool mm.FramePool, l layout.Layout) (*KernelSpace, *kernel.Error) {
	ks, err := NewKernelSpace(pool, l)
	if err != nil {
		return nil, err
	}

	if err = ks.Do(checkKernelMappings); err != nil {
		return nil, err
	}

	ks.Activate()
	kfmt.Logger("vmm").Info("kernel address space active", zap.String("satp", hexAddr(uintptr(ks.Token()))))
	return ks, nil
}

// checkKernelMappings verifies that code and read-only data cannot be
// written and that data cannot be executed.
func checkKernelMappings(ms *MemorySet) *kernel.Error {
	l := ms.layout
	midPage := func(s layout.Section) mm.Page {
		return mm.PageFromAddress(uintptr(s.Start+s.End) / 2)
	}

	checks := []struct {
		page      mm.Page
		forbidden PageTableEntryFlag
	}{
		{midPage(l.Text), FlagWritable},
		{midPage(l.Rodata), FlagWritable},
		{midPage(l.Data), FlagExecutable},
	}
	for _, check := range checks {
		pte, ok := ms.Translate(check.page)
		if !ok || pte.HasAnyFlag(check.forbidden) {
			return errKernelMapping
		}
	}

	return nil
}
