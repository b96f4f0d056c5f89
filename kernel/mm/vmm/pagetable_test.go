package vmm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/cpu"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"
	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm/pmm"
)

func newTestPool(t *testing.T, frames int) *pmm.Pool {
	t.Helper()

	pool, err := pmm.NewPool(mm.Frame(0x80000), mm.Frame(0x80000+frames))
	require.Nil(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	return pool
}

func newTestPageTable(t *testing.T, pool *pmm.Pool) *PageTable {
	t.Helper()

	pt, err := NewPageTable(pool)
	require.Nil(t, err)
	return pt
}

func TestPageTableMap(t *testing.T) {
	pool := newTestPool(t, 16)
	pt := newTestPageTable(t, pool)

	var (
		page  = mm.PageFromAddress(0x7fffff1000)
		frame = mm.Frame(0x1234)
	)

	require.Nil(t, pt.Map(page, frame, FlagReadable|FlagWritable|FlagUserAccessible))
	assert.Equal(t, 3, pt.TableFrames(), "expected a root and two intermediate tables")

	pte, ok := pt.Translate(page)
	require.True(t, ok)
	assert.Equal(t, frame, pte.Frame())
	assert.True(t, pte.HasFlags(FlagValid|FlagReadable|FlagWritable|FlagUserAccessible))
	assert.False(t, pte.Executable())

	physAddr, err := pt.TranslateAddress(page.Address() + 0x123)
	require.Nil(t, err)
	assert.Equal(t, frame.Address()+0x123, physAddr)

	// Neighbouring pages share the intermediate tables
	require.Nil(t, pt.Map(page+1, frame+1, FlagReadable))
	assert.Equal(t, 3, pt.TableFrames())

	// Overwrite
	require.Nil(t, pt.Map(page, frame+7, FlagReadable))
	pte, _ = pt.Translate(page)
	assert.Equal(t, frame+7, pte.Frame())
	assert.False(t, pte.Writable())

	_, ok = pt.Translate(page + 2)
	assert.False(t, ok)

	_, err = pt.TranslateAddress((page + 2).Address())
	assert.Equal(t, ErrNotMapped, err)
}

func TestPageTableUnmap(t *testing.T) {
	pool := newTestPool(t, 16)
	pt := newTestPageTable(t, pool)
	page := mm.Page(0x10)

	// Unmapping a page that was never mapped is a no-op
	pt.Unmap(page)

	require.Nil(t, pt.Map(page, mm.Frame(1), FlagReadable))
	pt.Unmap(page)
	_, ok := pt.Translate(page)
	assert.False(t, ok)

	pt.Unmap(page)
	_, ok = pt.Translate(page)
	assert.False(t, ok)
}

func TestPageTableFlagUpdates(t *testing.T) {
	pool := newTestPool(t, 16)
	pt := newTestPageTable(t, pool)

	var (
		page  = mm.Page(0x42)
		frame = mm.Frame(0x99)
	)

	t.Run("unmapped", func(t *testing.T) {
		assert.Equal(t, ErrNotMapped, pt.SetFlags(page, FlagReadable))
		assert.Equal(t, ErrNotMapped, pt.SetCOW(page))
		assert.Equal(t, ErrNotMapped, pt.ResetCOW(page))
		assert.Equal(t, ErrNotMapped, pt.RemapCOW(page, frame, frame))
	})

	require.Nil(t, pt.Map(page, frame, FlagReadable|FlagWritable|FlagUserAccessible))

	t.Run("set flags keeps frame", func(t *testing.T) {
		require.Nil(t, pt.SetFlags(page, FlagReadable|FlagExecutable))
		pte, _ := pt.Translate(page)
		assert.Equal(t, frame, pte.Frame())
		assert.Equal(t, FlagValid|FlagReadable|FlagExecutable, pte.Flags())

		require.Nil(t, pt.SetFlags(page, FlagReadable|FlagWritable|FlagUserAccessible))
	})

	t.Run("cow toggles write access", func(t *testing.T) {
		require.Nil(t, pt.SetCOW(page))
		pte, _ := pt.Translate(page)
		assert.True(t, pte.IsCOW())
		assert.False(t, pte.Writable())
		assert.True(t, pte.HasFlags(FlagReadable|FlagUserAccessible))

		require.Nil(t, pt.ResetCOW(page))
		pte, _ = pt.Translate(page)
		assert.False(t, pte.IsCOW())
		assert.True(t, pte.Writable())
		assert.Equal(t, frame, pte.Frame())
	})
}

func TestPageTableRemapCOW(t *testing.T) {
	pool := newTestPool(t, 16)
	pt := newTestPageTable(t, pool)
	page := mm.Page(0x42)

	formerFrame, err := pool.AllocFrame()
	require.Nil(t, err)
	newFrame, err := pool.AllocFrame()
	require.Nil(t, err)

	copy(pool.FrameBytes(formerFrame), "hello world")
	pool.FrameBytes(formerFrame)[mm.PageSize-1] = 0xaa

	require.Nil(t, pt.Map(page, formerFrame, FlagReadable|FlagUserAccessible|FlagAccessed))
	require.Nil(t, pt.SetCOW(page))
	require.Nil(t, pt.RemapCOW(page, newFrame, formerFrame))

	pte, _ := pt.Translate(page)
	assert.Equal(t, newFrame, pte.Frame())
	assert.False(t, pte.IsCOW())
	assert.Equal(t, FlagValid|FlagReadable|FlagWritable|FlagUserAccessible|FlagAccessed, pte.Flags())
	assert.Equal(t, pool.FrameBytes(formerFrame), pool.FrameBytes(newFrame))
}

func TestPageTableToken(t *testing.T) {
	pool := newTestPool(t, 4)
	pt := newTestPageTable(t, pool)

	token := pt.Token()
	assert.Equal(t, cpu.SatpModeSv39, token>>cpu.SatpModeShift)
	assert.Equal(t, uint64(pt.root), cpu.SatpRootPPN(token))
}

func TestPageTableFlushesActiveTable(t *testing.T) {
	defer func(origFlush func(uintptr), origReadSATP func() uint64) {
		flushTLBEntryFn = origFlush
		readSATPFn = origReadSATP
	}(flushTLBEntryFn, readSATPFn)

	pool := newTestPool(t, 8)
	pt := newTestPageTable(t, pool)

	var (
		activeToken uint64
		flushed     []uintptr
	)
	readSATPFn = func() uint64 { return activeToken }
	flushTLBEntryFn = func(addr uintptr) { flushed = append(flushed, addr) }

	page := mm.Page(0x20)
	require.Nil(t, pt.Map(page, mm.Frame(1), FlagReadable))
	assert.Empty(t, flushed, "inactive tables must not flush")

	activeToken = pt.Token()
	require.Nil(t, pt.SetFlags(page, FlagReadable|FlagWritable))
	pt.Unmap(page)
	assert.Equal(t, []uintptr{page.Address(), page.Address()}, flushed)
}

func TestPageTableRelease(t *testing.T) {
	pool := newTestPool(t, 16)
	freeBefore := pool.FreeFrames()

	pt := newTestPageTable(t, pool)
	require.Nil(t, pt.Map(mm.Page(0), mm.Frame(1), FlagReadable))
	require.Nil(t, pt.Map(mm.PageFromAddress(0x7fffffe000), mm.Frame(2), FlagReadable))
	assert.Equal(t, freeBefore-5, pool.FreeFrames())

	pt.Release()
	assert.Equal(t, freeBefore, pool.FreeFrames())
}

func TestPageTableOutOfFrames(t *testing.T) {
	pool := newTestPool(t, 2)
	pt := newTestPageTable(t, pool)

	// Mapping requires two more table levels but only one frame is left
	assert.NotNil(t, pt.Map(mm.Page(0x1), mm.Frame(1), FlagReadable))
	_, ok := pt.Translate(mm.Page(0x1))
	assert.False(t, ok)
}

func TestPageTableRejectsPagesBeyondSv39(t *testing.T) {
	pool := newTestPool(t, 16)
	pt := newTestPageTable(t, pool)

	var (
		low  = mm.PageFromAddress(0x1000)
		high = mm.PageFromAddress(0x8000001000)
	)
	require.Nil(t, pt.Map(low, mm.Frame(0x42), FlagReadable|FlagWritable))
	tablesBefore := pt.TableFrames()

	// The high page shares its low 27 bits with the low page
	_, ok := pt.Translate(high)
	assert.False(t, ok)

	_, err := pt.TranslateAddress(high.Address())
	assert.Equal(t, ErrNotMapped, err)

	assert.Equal(t, ErrNotMapped, pt.Map(high, mm.Frame(0x43), FlagReadable))
	assert.Equal(t, ErrNotMapped, pt.SetFlags(high, FlagReadable))
	assert.Equal(t, ErrNotMapped, pt.SetCOW(high))
	pt.Unmap(high)

	pte, ok := pt.Translate(low)
	require.True(t, ok, "low page must survive operations on the high page")
	assert.Equal(t, mm.Frame(0x42), pte.Frame())
	assert.True(t, pte.Writable())
	assert.False(t, pte.IsCOW())
	assert.Equal(t, tablesBefore, pt.TableFrames())
}

func TestPageTableDumpTo(t *testing.T) {
	pool := newTestPool(t, 8)
	pt := newTestPageTable(t, pool)

	require.Nil(t, pt.Map(mm.Page(0x3), mm.Frame(0x80), FlagReadable|FlagExecutable|FlagUserAccessible))
	require.Nil(t, pt.Map(mm.Page(0x4), mm.Frame(0x81), FlagReadable|FlagCopyOnWrite))

	var buf bytes.Buffer
	pt.DumpTo(&buf)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "page table 0x"))
	assert.True(t, strings.HasPrefix(lines[1], "  [  0] table 0x"))
	assert.True(t, strings.HasPrefix(lines[2], "    [  0] table 0x"))
	assert.Equal(t, "      [  3] 0x3000 -> 0x80000 VR-XU---", lines[3])
	assert.Equal(t, "      [  4] 0x4000 -> 0x81000 VR------ cow", lines[4])
}
