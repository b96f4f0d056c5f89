// Package kmain wires the memory management core together at boot.
package kmain

import (
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/kfmt"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm/layout"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm/pmm"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm/vmm"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Kmain brings up the frame pool and the kernel address space described by
// l. If initImage is not empty, it is loaded as the first user program.
//
// Kmain is not expected to return. Once boot completes control belongs to
// the scheduler; reaching the end of Kmain halts the current execution
// context.
//
//go:noinline
func Kmain(l layout.Layout, initImage []byte) {
	var err *kernel.Error

	if err = l.Validate(); err != nil {
		panicFn(err)
		return
	}

	pool, err := pmm.Init(l)
	if err != nil {
		panicFn(err)
		return
	}

	if _, err = vmm.Init(pool, l); err != nil {
		panicFn(err)
		return
	}

	if len(initImage) != 0 {
		if err = loadInit(pool, l, initImage); err != nil {
			panicFn(err)
			return
		}
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

func loadInit(pool *pmm.Pool, l layout.Layout, image []byte) *kernel.Error {
	userImage, err := vmm.FromELF(pool, l, image)
	if err != nil {
		return err
	}

	var mapped uint64
	for _, area := range userImage.Space.Areas() {
		mapped += uint64(area.EndPage()-area.StartPage()) * uint64(mm.PageSize)
	}

	kfmt.Logger("kmain").Info("init process loaded",
		zap.Uint64("entry", uint64(userImage.Entry)),
		zap.Uint64("sp", uint64(userImage.UserSP)),
		zap.Uint64("heap", uint64(userImage.HeapBottom)),
		zap.Int("areas", len(userImage.Space.Areas())),
		zap.String("mapped", humanize.IBytes(mapped)),
		zap.Uint32("free frames", pool.FreeFrames()),
	)
	return nil
}
