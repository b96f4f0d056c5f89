//go:build !linux

package pmm

import "github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"

func mapPhysMem(size int) ([]byte, error) {
	// Over-allocate so the returned slice can start on a page boundary.
	buf := make([]byte, size+int(mm.PageSize))
	return buf[alignOffset(buf) : alignOffset(buf)+size : alignOffset(buf)+size], nil
}

func unmapPhysMem(_ []byte) error { return nil }
