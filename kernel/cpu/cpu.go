// Package cpu models the privileged state of the RISC-V hart that the memory
// core programs: the satp CSR and the TLB. Each kernel execution context runs
// on a goroutine, so halting the hart terminates the calling goroutine.
package cpu

import (
	"runtime"
	"sync/atomic"
)

const (
	// SatpModeSv39 is the satp MODE value selecting 3-level Sv39 translation.
	SatpModeSv39 = uint64(8)

	// SatpModeShift is the bit offset of the MODE field inside satp.
	SatpModeShift = 60

	// satpPPNMask extracts the root page table PPN from a satp value.
	satpPPNMask = uint64(1)<<44 - 1
)

var (
	// satp holds the value of the supervisor address translation and
	// protection register.
	satp atomic.Uint64

	// tlbGeneration is bumped by every sfence.vma so callers can tell
	// whether cached translations were invalidated.
	tlbGeneration atomic.Uint64

	// goexitFn is mocked by tests.
	goexitFn = runtime.Goexit
)

// Halt stops instruction execution for the current execution context.
func Halt() {
	goexitFn()
}

// WriteSATP loads a new address translation token into the satp CSR. Callers
// must follow it with FlushTLB.
func WriteSATP(token uint64) {
	satp.Store(token)
}

// ReadSATP returns the value stored in the satp CSR.
func ReadSATP() uint64 {
	return satp.Load()
}

// SatpRootPPN returns the physical page number of the root page table encoded
// in a satp token.
func SatpRootPPN(token uint64) uint64 {
	return token & satpPPNMask
}

// FlushTLB discards every cached translation (sfence.vma with no operands).
func FlushTLB() {
	tlbGeneration.Add(1)
}

// FlushTLBEntry discards any cached translation for the supplied virtual
// address (sfence.vma with a virtual address operand).
func FlushTLBEntry(_ uintptr) {
	tlbGeneration.Add(1)
}

// TLBGeneration returns the number of TLB flushes performed so far.
func TLBGeneration() uint64 {
	return tlbGeneration.Load()
}
