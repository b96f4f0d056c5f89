package vmm

import (
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm/layout"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/sync"
)

// KernelSpace is the kernel address space shared by every execution context.
// Mutations are serialized by a spinlock. The token never changes after
// construction and can be read without holding the lock.
type KernelSpace struct {
	lock  sync.Spinlock
	space *MemorySet
	token uint64
}

// NewKernelSpace builds the kernel address space.
func NewKernelSpace(pool mm.FramePool, l layout.Layout) (*KernelSpace, *kernel.Error) {
	space, err := NewKernel(pool, l)
	if err != nil {
		return nil, err
	}

	return &KernelSpace{space: space, token: space.Token()}, nil
}

// Token returns the satp value that activates the kernel address space.
func (ks *KernelSpace) Token() uint64 {
	return ks.token
}

// Do runs fn with exclusive access to the kernel address space.
func (ks *KernelSpace) Do(fn func(*MemorySet) *kernel.Error) *kernel.Error {
	ks.lock.Acquire()
	defer ks.lock.Release()

	return fn(ks.space)
}

// Activate installs the kernel address space on the hart.
func (ks *KernelSpace) Activate() {
	_ = ks.Do(func(ms *MemorySet) *kernel.Error {
		ms.Activate()
		return nil
	})
}
