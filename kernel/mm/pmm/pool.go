package pmm

import (
	"sync/atomic"
	"unsafe"

	"github.com/bits-and-blooms/bitset"

	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/sync"
)

var (
	errOutOfFrames    = &kernel.Error{Module: "pmm", Message: "no free physical frames"}
	errEmptyPool      = &kernel.Error{Module: "pmm", Message: "frame pool range is empty"}
	errPhysMemMapping = &kernel.Error{Module: "pmm", Message: "could not reserve memory for the frame pool"}
	errFrameNotInPool = &kernel.Error{Module: "pmm", Message: "frame does not belong to the pool"}
	errFrameNotInUse  = &kernel.Error{Module: "pmm", Message: "reference count update on a free frame"}

	// mapPhysMemFn is mocked by tests.
	mapPhysMemFn = mapPhysMem
)

// Pool is a reference-counting physical frame allocator that manages the
// frames in [startFrame, endFrame). Free frames are tracked by a bitmap where
// a set bit marks a frame in use.
//
// Allocation is serialized by a spinlock; reference counts are updated
// atomically so that frames shared between address spaces after a
// copy-on-write fork can be released from any execution context.
type Pool struct {
	startFrame mm.Frame
	endFrame   mm.Frame

	mem []byte

	lock       sync.Spinlock
	usedBitmap *bitset.BitSet
	nextFree   uint
	freeCount  atomic.Uint32

	refCounts []atomic.Uint32
}

// NewPool creates a pool for the frames in [startFrame, endFrame). Every
// frame starts out zero-filled.
func NewPool(startFrame, endFrame mm.Frame) (*Pool, *kernel.Error) {
	if endFrame <= startFrame {
		return nil, errEmptyPool
	}

	frameCount := uint(endFrame - startFrame)
	mem, err := mapPhysMemFn(int(frameCount) * int(mm.PageSize))
	if err != nil {
		return nil, errPhysMemMapping
	}

	p := &Pool{
		startFrame: startFrame,
		endFrame:   endFrame,
		mem:        mem,
		usedBitmap: bitset.New(frameCount),
		refCounts:  make([]atomic.Uint32, frameCount),
	}
	p.freeCount.Store(uint32(frameCount))

	return p, nil
}

// Close returns the memory backing the pool. Frames must not be accessed
// after Close returns.
func (p *Pool) Close() error {
	mem := p.mem
	p.mem = nil
	if mem == nil {
		return nil
	}
	return unmapPhysMem(mem)
}

// Contains returns true if frame is managed by this pool.
func (p *Pool) Contains(frame mm.Frame) bool {
	return frame >= p.startFrame && frame < p.endFrame
}

// TotalFrames returns the number of frames managed by the pool.
func (p *Pool) TotalFrames() uint32 {
	return uint32(p.endFrame - p.startFrame)
}

// FreeFrames returns the number of frames currently available.
func (p *Pool) FreeFrames() uint32 {
	return p.freeCount.Load()
}

// AllocFrame reserves a zero-filled frame and sets its reference count to 1.
func (p *Pool) AllocFrame() (mm.Frame, *kernel.Error) {
	p.lock.Acquire()
	defer p.lock.Release()

	total := uint(p.endFrame - p.startFrame)
	index, ok := p.usedBitmap.NextClear(p.nextFree)
	if !ok || index >= total {
		// Wrap around and scan the frames below the hint
		if index, ok = p.usedBitmap.NextClear(0); !ok || index >= total {
			return mm.InvalidFrame, errOutOfFrames
		}
	}

	p.usedBitmap.Set(index)
	p.nextFree = index + 1
	p.freeCount.Add(^uint32(0))
	p.refCounts[index].Store(1)

	return p.startFrame + mm.Frame(index), nil
}

// AddRef increments the reference count of an allocated frame.
func (p *Pool) AddRef(frame mm.Frame) {
	counter := p.counterFor(frame)
	for {
		cur := counter.Load()
		if cur == 0 {
			panic(errFrameNotInUse)
		}
		if counter.CompareAndSwap(cur, cur+1) {
			return
		}
	}
}

// RefCount returns the reference count of frame; free frames report 0.
func (p *Pool) RefCount(frame mm.Frame) uint32 {
	return p.counterFor(frame).Load()
}

// Release drops one reference to frame. When the last reference is dropped
// the frame is cleared and returned to the pool.
func (p *Pool) Release(frame mm.Frame) {
	counter := p.counterFor(frame)
	for {
		cur := counter.Load()
		if cur == 0 {
			panic(errFrameNotInUse)
		}
		if !counter.CompareAndSwap(cur, cur-1) {
			continue
		}
		if cur == 1 {
			p.free(frame)
		}
		return
	}
}

// FrameBytes returns the PageSize bytes backing frame.
func (p *Pool) FrameBytes(frame mm.Frame) []byte {
	if !p.Contains(frame) {
		panic(errFrameNotInPool)
	}

	offset := uintptr(frame-p.startFrame) << mm.PageShift
	return p.mem[offset : offset+mm.PageSize : offset+mm.PageSize]
}

func (p *Pool) free(frame mm.Frame) {
	kernel.Memset(p.FrameBytes(frame), 0)

	p.lock.Acquire()
	p.usedBitmap.Clear(uint(frame - p.startFrame))
	p.lock.Release()

	p.freeCount.Add(1)
}

func (p *Pool) counterFor(frame mm.Frame) *atomic.Uint32 {
	if !p.Contains(frame) {
		panic(errFrameNotInPool)
	}
	return &p.refCounts[frame-p.startFrame]
}

// alignOffset returns the number of bytes that need to be skipped so that
// buf starts on a page boundary.
func alignOffset(buf []byte) int {
	addr := uintptr(unsafe.Pointer(&buf[0]))
	return int(mm.AlignUp(addr, mm.PageSize) - addr)
}
