package vmm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scPointer/2021oscomp-best-kernel-design-impl/kernel/mm"
)

func TestNewMapAreaRounding(t *testing.T) {
	specs := []struct {
		start, end       uintptr
		expStart, expEnd mm.Page
	}{
		{0x1000, 0x2000, 1, 2},
		{0x1010, 0x2001, 1, 3},
		{0x1fff, 0x2000, 1, 2},
		{0x0, 0x1, 0, 1},
	}

	for specIndex, spec := range specs {
		area := NewMapArea(nil, spec.start, spec.end, MapFramed, PermR)
		if area.StartPage() != spec.expStart || area.EndPage() != spec.expEnd {
			t.Errorf("[spec %d] expected range [%d, %d); got [%d, %d)", specIndex, spec.expStart, spec.expEnd, area.StartPage(), area.EndPage())
		}
	}
}

func TestMapAreaFramed(t *testing.T) {
	pool := newTestPool(t, 16)
	pt := newTestPageTable(t, pool)

	area := NewMapArea(pool, 0x10000, 0x13000, MapFramed, PermR|PermW|PermU)
	require.Nil(t, area.Map(pt))
	freeAfterMap := pool.FreeFrames()

	seen := make(map[mm.Frame]bool)
	for page := area.StartPage(); page < area.EndPage(); page++ {
		pte, ok := pt.Translate(page)
		require.True(t, ok, "page %#x should be mapped", page.Address())
		assert.Equal(t, FlagValid|FlagReadable|FlagWritable|FlagUserAccessible, pte.Flags())

		tracked, ok := area.Frame(page)
		require.True(t, ok)
		assert.Equal(t, tracked, pte.Frame())
		assert.Equal(t, uint32(1), pool.RefCount(tracked))
		assert.False(t, seen[tracked], "frames must not be shared between pages")
		seen[tracked] = true
	}

	area.Unmap(pt)
	assert.Equal(t, freeAfterMap+3, pool.FreeFrames())
	for page := area.StartPage(); page < area.EndPage(); page++ {
		_, ok := pt.Translate(page)
		assert.False(t, ok)
		_, ok = area.Frame(page)
		assert.False(t, ok)
	}
}

func TestMapAreaDirect(t *testing.T) {
	pool := newTestPool(t, 8)
	pt := newTestPageTable(t, pool)
	freeBefore := pool.FreeFrames()

	area := NewMapArea(pool, 0x80200000, 0x80204000, MapDirect, PermR|PermX)
	require.Nil(t, area.Map(pt))

	// Only the intermediate tables come from the pool
	assert.Equal(t, freeBefore-2, pool.FreeFrames())

	for page := area.StartPage(); page < area.EndPage(); page++ {
		pte, ok := pt.Translate(page)
		require.True(t, ok)
		assert.Equal(t, mm.Frame(page), pte.Frame())
		assert.True(t, pte.HasFlags(FlagReadable|FlagExecutable))
	}

	assert.Equal(t, errCopyToDirect, area.CopyData(pt, []byte{1}, 0))
}

func TestMapAreaOutOfMemoryRollsBack(t *testing.T) {
	// root, two intermediate tables and room for two data frames
	pool := newTestPool(t, 5)
	pt := newTestPageTable(t, pool)

	area := NewMapArea(pool, 0x1000, 0x5000, MapFramed, PermR|PermW)
	assert.Equal(t, ErrOutOfMemory, area.Map(pt))

	for page := area.StartPage(); page < area.EndPage(); page++ {
		_, ok := pt.Translate(page)
		assert.False(t, ok, "page %#x should have been unmapped", page.Address())
		_, ok = area.Frame(page)
		assert.False(t, ok)
	}
	assert.Equal(t, uint32(2), pool.FreeFrames())
}

func TestMapAreaCopyData(t *testing.T) {
	pool := newTestPool(t, 16)
	pt := newTestPageTable(t, pool)

	pattern := func(n int) []byte {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i*7 + 3)
		}
		return data
	}

	// read returns n bytes starting offset bytes into the first page of area
	read := func(area *MapArea, offset uintptr, n int) []byte {
		var out []byte
		for page := area.StartPage(); page < area.EndPage(); page++ {
			pte, ok := pt.Translate(page)
			require.True(t, ok)
			out = append(out, pool.FrameBytes(pte.Frame())...)
		}
		return out[offset : offset+uintptr(n)]
	}

	specs := []struct {
		offset uintptr
		n      int
	}{
		{0, 10},
		{0, int(mm.PageSize)},
		{0x10, int(mm.PageSize)*2 - 0x10},
		{0x7ff, int(mm.PageSize) + 1},
		{mm.PageSize - 1, 2},
	}

	for specIndex, spec := range specs {
		area := NewMapArea(pool, 0x40000, 0x43000, MapFramed, PermR|PermW|PermU)
		require.Nil(t, area.Map(pt))

		data := pattern(spec.n)
		require.Nil(t, area.CopyData(pt, data, spec.offset))

		if got := read(area, spec.offset, spec.n); !bytes.Equal(data, got) {
			t.Errorf("[spec %d] round trip mismatch", specIndex)
		}
		if spec.offset > 0 {
			assert.Equal(t, make([]byte, spec.offset), read(area, 0, int(spec.offset)), "[spec %d] bytes before offset must stay zero", specIndex)
		}

		area.Unmap(pt)
	}

	t.Run("out of range", func(t *testing.T) {
		area := NewMapArea(pool, 0x40000, 0x42000, MapFramed, PermR|PermW)
		require.Nil(t, area.Map(pt))
		defer area.Unmap(pt)

		assert.Equal(t, errCopyOutOfRange, area.CopyData(pt, make([]byte, 2*mm.PageSize), 1))
		assert.Equal(t, errCopyOutOfRange, area.CopyData(pt, []byte{1}, mm.PageSize))
	})
}

func TestMapAreaFromAnother(t *testing.T) {
	pool := newTestPool(t, 8)
	pt := newTestPageTable(t, pool)

	area := NewMapArea(pool, 0x1000, 0x3000, MapFramed, PermR|PermX|PermU)
	require.Nil(t, area.Map(pt))

	clone := FromAnother(area)
	assert.Equal(t, area.StartPage(), clone.StartPage())
	assert.Equal(t, area.EndPage(), clone.EndPage())
	assert.Equal(t, area.Kind(), clone.Kind())
	assert.Equal(t, area.Perm(), clone.Perm())
	assert.Empty(t, clone.dataFrames)
	assert.Len(t, area.dataFrames, 2)
}

func TestMapAreaInsertFrame(t *testing.T) {
	pool := newTestPool(t, 8)
	area := NewMapArea(pool, 0x1000, 0x2000, MapFramed, PermR)

	former, err := pool.AllocFrame()
	require.Nil(t, err)
	replacement, err := pool.AllocFrame()
	require.Nil(t, err)

	area.insertFrame(area.StartPage(), former)
	area.insertFrame(area.StartPage(), former)
	assert.Equal(t, uint32(1), pool.RefCount(former))

	area.insertFrame(area.StartPage(), replacement)
	assert.Equal(t, uint32(0), pool.RefCount(former), "replaced frame should be released")

	tracked, _ := area.Frame(area.StartPage())
	assert.Equal(t, replacement, tracked)

	area.releaseFrames()
	assert.Equal(t, uint32(0), pool.RefCount(replacement))
	assert.Equal(t, uint32(8), pool.FreeFrames())
}

func TestMapPermissionString(t *testing.T) {
	assert.Equal(t, "R-XU", (PermR | PermX | PermU).String())
	assert.Equal(t, "----", MapPermission(0).String())
	assert.Equal(t, "framed", MapFramed.String())
	assert.Equal(t, "direct", MapDirect.String())
}
