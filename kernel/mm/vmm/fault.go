package vmm

import (
	"go.uber.org/zap"

	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/kfmt"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"
)

// Cause is the scause exception code reported for a page fault.
type Cause uint64

// Page fault exception codes.
const (
	CauseInstructionPageFault Cause = 12
	CauseLoadPageFault        Cause = 13
	CauseStorePageFault       Cause = 15
)

// String implements fmt.Stringer.
func (c Cause) String() string {
	switch c {
	case CauseInstructionPageFault:
		return "instruction page fault"
	case CauseLoadPageFault:
		return "load page fault"
	case CauseStorePageFault:
		return "store page fault"
	default:
		return "unknown"
	}
}

var errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page fault"}

// HandlePageFault resolves a page fault raised while ms was active. Only
// stores to copy-on-write pages inside a writable area are recoverable; every
// other fault is logged and reported as an error so that the caller can
// terminate the faulting task.
//
// Callers must not handle a second fault on the same page before the first
// one returns.
func HandlePageFault(ms *MemorySet, faultAddress uintptr, cause Cause) *kernel.Error {
	if faultAddress >= uintptr(ms.layout.Trampoline) {
		return nonRecoverablePageFault(faultAddress, cause, "fault in trampoline range", errUnrecoverableFault)
	}

	faultPage := mm.PageFromAddress(faultAddress)
	pte, ok := ms.pageTable.Translate(faultPage)

	switch {
	case !ok:
		return nonRecoverablePageFault(faultAddress, cause, "access to non-present page", errUnrecoverableFault)
	case cause != CauseStorePageFault:
		return nonRecoverablePageFault(faultAddress, cause, "page protection violation", errUnrecoverableFault)
	case !pte.IsCOW():
		return nonRecoverablePageFault(faultAddress, cause, "write to read-only page", errUnrecoverableFault)
	}

	if area := ms.FindArea(faultPage); area != nil && area.perm&PermW == 0 {
		return nonRecoverablePageFault(faultAddress, cause, "write to read-only region", errUnrecoverableFault)
	}

	if err := ms.CowAlloc(faultPage, pte.Frame()); err != nil {
		return nonRecoverablePageFault(faultAddress, cause, "copy-on-write resolution failed", err)
	}

	// Fault recovered; the faulting instruction can be retried
	return nil
}

func nonRecoverablePageFault(faultAddress uintptr, cause Cause, reason string, err *kernel.Error) *kernel.Error {
	kfmt.Logger("vmm").Warn("unrecoverable page fault",
		zap.String("address", hexAddr(faultAddress)),
		zap.Stringer("cause", cause),
		zap.String("reason", reason),
		zap.Error(err),
	)
	return err
}
