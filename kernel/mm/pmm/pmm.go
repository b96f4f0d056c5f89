// Package pmm implements the physical frame pool used by the memory
// management core.
package pmm

import (
	"strconv"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/kfmt"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm/layout"
)

// Init sets up the physical frame pool for the memory located between the
// end of the kernel image and the end of physical memory.
func Init(l layout.Layout) (*Pool, *kernel.Error) {
	startFrame, endFrame := l.KernelFrames()

	pool, err := NewPool(startFrame, endFrame)
	if err != nil {
		return nil, err
	}

	printMemoryMap(pool)
	return pool, nil
}

func printMemoryMap(p *Pool) {
	kfmt.Logger("pmm").Info("physical memory",
		zap.String("start", humanizeAddr(p.startFrame)),
		zap.String("end", humanizeAddr(p.endFrame)),
		zap.String("size", humanize.IBytes(uint64(p.TotalFrames())*uint64(mm.PageSize))),
		zap.Uint32("frames", p.TotalFrames()),
	)
}

func humanizeAddr(f mm.Frame) string {
	return "0x" + strconv.FormatUint(uint64(f.Address()), 16)
}
