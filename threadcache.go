package ammalloc

import (
	"runtime"
	"sync"
	"unsafe"
)

// threadFreeList is one size class's worth of cached objects inside a
// ThreadCache: a LIFO stack plus a slow-start cap on how many objects it
// is allowed to hold idle before returning a batch to CentralCache.
// Mirrors original_source/include/ammalloc/central_cache.h's FreeList,
// minus the intrusive free-pointer chaining (nothing stops a plain Go
// slice from doing the same job, and it is far simpler to get right).
type threadFreeList struct {
	objects []unsafe.Pointer
	maxSize int // current allowed length, grows slow-start up to its ceiling
}

const tcInitialMaxSize = 1

// ceiling returns the slow-start limit this list's maxSize grows toward:
// twice the canonical CentralCache<->ThreadCache batch size for objects of
// objSize, exactly as spec.md §4.5 defines it (computed fresh each time,
// not cached, since it depends only on objSize).
func (l *threadFreeList) ceiling(objSize uintptr) int {
	return 2 * batchSizeFor(objSize)
}

// ThreadCache is the lock-free fast path: a freelist per size class. It
// carries no mutex of its own — see getThreadCache/putThreadCache below
// for how exclusive access is guaranteed without one.
//
// Grounded on original_source/include/ammalloc/thread_cache.h for the
// per-class slow-start/batch-return thresholds and
// go-go1.16.14/src/runtime/mcache.go for the Go idiom of a small
// fixed-size array of per-class state handed out by the runtime's own
// allocator-of-last-resort.
type ThreadCache struct {
	lists []threadFreeList // len == numClasses, computed at init time
}

// threadCachePool is the Go-native substitute for a pthread TLS slot with
// a destructor: Go goroutines have no OS-thread-local storage and are not
// 1:1 with OS threads, so there is nothing to hang a true per-thread
// object off of. Instead, every Malloc/Free call borrows a *ThreadCache
// for the duration of that single call via Get/Put — sync.Pool guarantees
// no two Get calls observe the same instance concurrently, which is all
// the "no locking" design in spec.md §4.5 actually requires. Across many
// calls from the same P, sync.Pool's per-P private slot means the same
// instance is very likely reused, so the batching benefit of a real
// thread cache still largely holds in practice.
//
// sync.Pool drops every pooled item at each GC cycle. runtime.SetFinalizer
// is the substitute for the pthread destructor: when a ThreadCache is
// dropped without ever being Put back to a list that survives the GC, its
// finalizer drains any cached objects back to CentralCache instead of
// leaking them.
var threadCachePool = sync.Pool{
	New: func() interface{} {
		tc := &ThreadCache{lists: make([]threadFreeList, numClasses)}
		for i := range tc.lists {
			tc.lists[i].maxSize = tcInitialMaxSize
		}
		runtime.SetFinalizer(tc, (*ThreadCache).finalize)
		return tc
	},
}

func getThreadCache() *ThreadCache {
	return threadCachePool.Get().(*ThreadCache)
}

func putThreadCache(tc *ThreadCache) {
	threadCachePool.Put(tc)
}

// finalize is the GC-driven substitute for a thread-exit destructor: it
// runs when a ThreadCache becomes unreachable (dropped by sync.Pool during
// a GC cycle, never Put back to anything that survives it).
func (tc *ThreadCache) finalize() {
	tc.releaseAll()
}

// releaseAll drains every size class's cached objects back to
// CentralCache, leaving the ThreadCache empty.
func (tc *ThreadCache) releaseAll() {
	for classIdx := range tc.lists {
		l := &tc.lists[classIdx]
		if len(l.objects) == 0 {
			continue
		}
		centralCache.releaseList(classIdx, l.objects)
		l.objects = nil
	}
}

// allocate returns one object able to hold size bytes, or nil if size
// exceeds the configured AM_TC_SIZE (the caller must route those
// directly to PageCache) or CentralCache could not refill (out of memory).
func (tc *ThreadCache) allocate(size uintptr) unsafe.Pointer {
	if size == 0 {
		size = 1
	}
	if size > getConfig().TCSizeMax {
		return nil
	}
	classIdx := sizeToClass(size)
	return tc.allocateClass(classIdx)
}

func (tc *ThreadCache) allocateClass(classIdx int) unsafe.Pointer {
	l := &tc.lists[classIdx]
	if n := len(l.objects); n > 0 {
		ptr := l.objects[n-1]
		l.objects = l.objects[:n-1]
		return ptr
	}

	objSize := classToSize(classIdx)
	batch := batchSizeFor(objSize)
	if l.maxSize < batch {
		batch = l.maxSize
	}
	fetched := centralCache.fetchRange(classIdx, batch)
	if len(fetched) == 0 {
		return nil
	}

	if ceil := l.ceiling(objSize); l.maxSize < ceil {
		l.maxSize++
	}

	ptr := fetched[len(fetched)-1]
	l.objects = append(l.objects, fetched[:len(fetched)-1]...)
	return ptr
}

// deallocate returns ptr (an object of classIdx's size) to the
// ThreadCache. Once the list reaches its current maxSize, it either grows
// maxSize further (still warming up, below 2*batchSizeFor(objSize)) or
// flushes exactly one batch back to CentralCache, per spec.md §4.5.
func (tc *ThreadCache) deallocate(classIdx int, ptr unsafe.Pointer) {
	l := &tc.lists[classIdx]
	l.objects = append(l.objects, ptr)

	if len(l.objects) < l.maxSize {
		return
	}

	objSize := classToSize(classIdx)
	limit := l.ceiling(objSize)
	if l.maxSize < limit {
		l.maxSize++
		return
	}

	batch := batchSizeFor(objSize)
	if batch > len(l.objects) {
		batch = len(l.objects)
	}
	toReturn := make([]unsafe.Pointer, batch)
	copy(toReturn, l.objects[:batch])
	remaining := len(l.objects) - batch
	copy(l.objects, l.objects[batch:])
	l.objects = l.objects[:remaining]

	centralCache.releaseList(classIdx, toReturn)
}
