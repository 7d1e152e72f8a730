//go:build linux

package ammalloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestThreadCache() *ThreadCache {
	tc := &ThreadCache{lists: make([]threadFreeList, numClasses)}
	for i := range tc.lists {
		tc.lists[i].maxSize = tcInitialMaxSize
	}
	return tc
}

func TestThreadCacheAllocateRoutesBySize(t *testing.T) {
	tc := newTestThreadCache()
	t.Cleanup(tc.releaseAll)

	ptr := tc.allocate(32)
	require.NotNil(t, ptr)

	s := spanForPointer(ptr)
	require.NotNil(t, s)
	assert.Equal(t, classToSize(sizeToClass(32)), s.objSize)
}

func TestThreadCacheAllocateRejectsOversize(t *testing.T) {
	tc := newTestThreadCache()
	assert.Nil(t, tc.allocate(maxTCSize+1))
}

func TestThreadCacheReusesFreedObject(t *testing.T) {
	tc := newTestThreadCache()
	t.Cleanup(tc.releaseAll)

	classIdx := sizeToClass(48)
	a := tc.allocateClass(classIdx)
	require.NotNil(t, a)
	tc.deallocate(classIdx, a)

	b := tc.allocateClass(classIdx)
	require.NotNil(t, b)
	assert.Equal(t, a, b, "a freshly freed object should be reused before refilling from CentralCache")
}

func TestThreadCacheOverflowFlushesToCentralCache(t *testing.T) {
	tc := newTestThreadCache()
	t.Cleanup(tc.releaseAll)

	// The largest size class has the smallest ceiling (batch_size floors
	// at 2, so 2*batch_size == 4), making it cheap to actually drive a
	// real ThreadCache<->CentralCache round trip all the way to the
	// flush threshold.
	classIdx := numClasses - 1
	l := &tc.lists[classIdx]
	objSize := classToSize(classIdx)
	ceiling := l.ceiling(objSize)

	// Holding maxSize objects and then freeing them all makes the last free
	// reach the cap, so maxSize grows by one per round below the ceiling.
	for l.maxSize < ceiling {
		held := make([]unsafe.Pointer, l.maxSize)
		for i := range held {
			held[i] = tc.allocateClass(classIdx)
			require.NotNil(t, held[i])
		}
		for _, p := range held {
			tc.deallocate(classIdx, p)
		}
	}
	require.Equal(t, ceiling, l.maxSize)

	// At the ceiling, the free that brings the list to maxSize returns one
	// batch to CentralCache instead of growing maxSize.
	before := len(l.objects)
	held := make([]unsafe.Pointer, ceiling)
	for i := range held {
		held[i] = tc.allocateClass(classIdx)
		require.NotNil(t, held[i])
	}
	for _, p := range held {
		tc.deallocate(classIdx, p)
	}

	assert.Equal(t, ceiling, l.maxSize, "maxSize must not grow past its ceiling")
	assert.LessOrEqual(t, len(l.objects), before, "deallocate at the ceiling should have flushed a batch back to CentralCache")
}

// TestThreadFreeListCeilingMatchesSpecFormula locks down spec.md §4.5's
// ceiling formula: 2*batch_size(obj_size), recomputed from objSize rather
// than cached.
func TestThreadFreeListCeilingMatchesSpecFormula(t *testing.T) {
	var l threadFreeList
	for _, objSize := range []uintptr{8, 64, 4096, maxTCSize / 4, maxTCSize} {
		assert.Equal(t, 2*batchSizeFor(objSize), l.ceiling(objSize))
	}
}

// TestThreadCacheDeallocateGrowsThenFlushesAtCeiling exercises the exact
// slow-start sequence from spec.md §4.5 step by step: maxSize grows by 1
// per over-cap deallocate while still under 2*batch_size(obj_size), then
// the next over-cap deallocate flushes exactly one batch instead of
// growing further. Uses the largest size class so batch_size(obj_size)
// floors out at 2 and the whole sequence is small enough to assert on
// directly; fake (never-allocated) pointers exercise the bookkeeping
// without needing real CentralCache-owned spans.
func TestThreadCacheDeallocateGrowsThenFlushesAtCeiling(t *testing.T) {
	classIdx := numClasses - 1
	objSize := classToSize(classIdx)
	batch := batchSizeFor(objSize)
	require.Equal(t, 2, batch, "largest size class should floor batch_size at 2")
	ceiling := 2 * batch

	tc := &ThreadCache{lists: make([]threadFreeList, numClasses)}
	l := &tc.lists[classIdx]
	l.maxSize = tcInitialMaxSize

	fake := func(i int) unsafe.Pointer { return unsafe.Pointer(uintptr(i + 1)) }

	for i := 0; i < ceiling-1; i++ {
		tc.deallocate(classIdx, fake(i))
		assert.Equal(t, i+2, l.maxSize, "maxSize should grow by exactly 1, never double, while still below the ceiling")
		assert.Len(t, l.objects, i+1, "objects should accumulate rather than flush while still warming up")
	}
	require.Equal(t, ceiling, l.maxSize)

	tc.deallocate(classIdx, fake(ceiling-1))
	assert.Equal(t, ceiling, l.maxSize, "maxSize must not grow past its ceiling")
	assert.Len(t, l.objects, ceiling-batch, "exactly one batch should have been flushed at the ceiling")
}

func TestThreadCacheFinalizeDrainsObjects(t *testing.T) {
	tc := newTestThreadCache()

	classIdx := sizeToClass(16)
	ptr := tc.allocateClass(classIdx)
	require.NotNil(t, ptr)
	tc.deallocate(classIdx, ptr)

	tc.finalize()
	assert.Empty(t, tc.lists[classIdx].objects)

	s := spanForPointer(ptr)
	require.NotNil(t, s)
	assert.True(t, s.empty(), "span should show the object as freed again after finalize drains it")
}
