package ammalloc

import (
	"sync"
	"unsafe"
)

// ccBucket is CentralCache's per-size-class state: every Span currently
// owned by this class, split between spans with at least one free slot
// (partial) and spans with none (full), plus the mutex serializing access
// to both lists.
type ccBucket struct {
	mu      sync.Mutex
	partial *spanList
	full    *spanList
	objSize uintptr
}

// CentralCache is the middle tier: one bucket per size class, each with
// its own lock, sitting between the lock-free per-Span bitmaps below and
// the many ThreadCaches above. Grounded on
// original_source/include/ammalloc/central_cache.h for the fetch/release
// algorithm and go-go1.16.14/src/runtime/mcentral.go for the Go idiom of a
// per-size-class cache object with its own lock (its GC sweep-generation
// bookkeeping has no counterpart here and was not ported).
type CentralCache struct {
	buckets []*ccBucket // len == numClasses, computed at init time
}

var centralCache = newCentralCache()

func newCentralCache() *CentralCache {
	cc := &CentralCache{buckets: make([]*ccBucket, numClasses)}
	for i := range cc.buckets {
		cc.buckets[i] = &ccBucket{
			partial: newSpanList(),
			full:    newSpanList(),
			objSize: classToSize(i),
		}
	}
	return cc
}

// fetchRange returns up to n free objects of classIdx's size, refilling
// from PageCache as needed. It may return fewer than n (even zero) only
// if the PageAllocator is out of memory.
func (cc *CentralCache) fetchRange(classIdx, n int) []unsafe.Pointer {
	b := cc.buckets[classIdx]
	out := make([]unsafe.Pointer, 0, n)

	b.mu.Lock()
	for len(out) < n {
		s := b.peekPartial()
		if s == nil {
			// Bucket lock must not be held across a PageCache call: PC's
			// mutex sits above CC's in the lock order (PC > CC > PageMap),
			// so acquiring PC while already holding CC would invert it.
			// Unlock, fetch a fresh span, then relock before touching the
			// bucket's lists again.
			b.mu.Unlock()
			fresh := pageCache.allocSpan(pagesForSpan(b.objSize))
			if fresh == nil {
				logger().Warn("CentralCache: PageCache out of memory", zapInt("class", classIdx))
				b.mu.Lock()
				break
			}
			fresh.init(b.objSize)
			b.mu.Lock()
			b.partial.pushFront(fresh)
			continue
		}

		ptr := s.allocOne()
		if ptr == nil {
			// Raced with another allocOne that just filled the span;
			// reclassify and retry.
			b.partial.erase(s)
			b.full.pushFront(s)
			continue
		}
		out = append(out, ptr)
		if s.full() {
			b.partial.erase(s)
			b.full.pushFront(s)
		}
	}
	b.mu.Unlock()
	return out
}

// peekPartial returns the front span of the partial list without removing
// it, or nil if the list is empty. Caller must hold b.mu.
func (b *ccBucket) peekPartial() *Span {
	if b.partial.empty() {
		return nil
	}
	return b.partial.head.next
}

// releaseList returns a batch of objects (all of classIdx's size) to
// CentralCache, moving each object's owning span between the full/partial
// lists as its occupancy changes, and handing fully empty spans back to
// PageCache.
func (cc *CentralCache) releaseList(classIdx int, ptrs []unsafe.Pointer) {
	b := cc.buckets[classIdx]

	b.mu.Lock()
	for _, ptr := range ptrs {
		s := spanForPointer(ptr)
		if s == nil {
			logger().Error("CentralCache.releaseList: pointer has no owning span", zapUintptr("ptr", uintptr(ptr)))
			continue
		}

		wasFull := s.full()
		s.freeOne(ptr)

		switch {
		case s.empty():
			if wasFull {
				b.full.erase(s)
			} else {
				b.partial.erase(s)
			}
			b.mu.Unlock()
			pageCache.releaseSpan(s)
			b.mu.Lock()
		case wasFull:
			b.full.erase(s)
			b.partial.pushFront(s)
		}
	}
	b.mu.Unlock()
}

// spanForPointer resolves any pointer returned by ammalloc back to the
// Span that owns it, via PageCache's PageMap.
func spanForPointer(ptr unsafe.Pointer) *Span {
	return pageCache.pm.lookup(uintptr(ptr) >> pageShift)
}

// reset drains every bucket's spans back to PageCache. Intended for tests
// that need a clean slate between cases.
func (cc *CentralCache) reset() {
	for _, b := range cc.buckets {
		b.mu.Lock()
		for {
			s := b.partial.popFront()
			if s == nil {
				break
			}
			b.mu.Unlock()
			pageCache.releaseSpan(s)
			b.mu.Lock()
		}
		for {
			s := b.full.popFront()
			if s == nil {
				break
			}
			b.mu.Unlock()
			pageCache.releaseSpan(s)
			b.mu.Lock()
		}
		b.mu.Unlock()
	}
}
