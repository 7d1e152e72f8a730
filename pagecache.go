package ammalloc

import "sync"

// pcRefillPages is the minimum number of pages PageCache requests from
// PageAllocator on a cache miss, amortizing the mmap call over several
// future allocSpan calls rather than growing one request at a time.
const pcRefillPages = 32

// PageCache is the single global arbiter of page-granularity memory: every
// Span in the allocator, free or in-use, either came from here or will be
// returned here. It owns the one PageMap instance and is the only
// component allowed to mutate it.
//
// Grounded on original_source/include/ammalloc/page_cache.h's
// AllocSpanLocked/ReleaseSpan (exact/first-fit-split/refill and
// left/right coalescing) and go-go1.16.14/src/runtime/mheap.go's role as
// the single global lock guarding page metadata.
type PageCache struct {
	mu sync.Mutex
	// buckets[n] for 1 <= n < maxPageNum holds free spans of exactly n
	// pages. buckets[maxPageNum] is the overflow bucket: free spans with
	// pageCount >= maxPageNum, scanned linearly (first fit) since large
	// spans are rare.
	buckets [maxPageNum + 1]*spanList
	pm      *PageMap
}

var pageCache = newPageCache()

func newPageCache() *PageCache {
	pc := &PageCache{pm: newPageMap()}
	for i := range pc.buckets {
		pc.buckets[i] = newSpanList()
	}
	return pc
}

// allocSpan returns a free Span of exactly pageNum pages, marked in-use,
// splitting a larger free span or refilling from the PageAllocator as
// needed. Returns nil only if the PageAllocator itself fails (OS out of
// memory).
func (pc *PageCache) allocSpan(pageNum int) *Span {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	s := pc.allocSpanLocked(pageNum)
	if s != nil {
		s.inUse = true
	}
	return s
}

func (pc *PageCache) allocSpanLocked(pageNum int) *Span {
	if pageNum < maxPageNum {
		if b := pc.buckets[pageNum]; !b.empty() {
			return b.popFront()
		}
		for n := pageNum + 1; n < maxPageNum; n++ {
			if b := pc.buckets[n]; !b.empty() {
				return pc.splitSpan(b.popFront(), pageNum)
			}
		}
	}

	if s := pc.buckets[maxPageNum].removeFirstFit(uintptr(pageNum)); s != nil {
		return pc.splitSpan(s, pageNum)
	}

	return pc.refillAndAlloc(pageNum)
}

// refillAndAlloc asks the PageAllocator for a fresh chunk of at least
// pageNum pages (rounded up to pcRefillPages for amortization) and splits
// off exactly pageNum pages for the caller.
func (pc *PageCache) refillAndAlloc(pageNum int) *Span {
	reqPages := pageNum
	if reqPages < pcRefillPages {
		reqPages = pcRefillPages
	}

	ptr := pageAllocator.SystemAlloc(uintptr(reqPages))
	if ptr == nil {
		logger().Error("PageCache refill failed: PageAllocator returned nil", zapInt("pages", reqPages))
		return nil
	}

	s := &Span{startPage: uintptr(ptr) >> pageShift, pageCount: uintptr(reqPages)}
	pc.pm.setSpan(s)
	return pc.splitSpan(s, pageNum)
}

// splitSpan carves the first pageNum pages off s and returns them,
// pushing any remainder back into the free buckets (with its own PageMap
// entries). If s is already exactly pageNum pages, it is returned as-is.
func (pc *PageCache) splitSpan(s *Span, pageNum int) *Span {
	if s.pageCount == uintptr(pageNum) {
		return s
	}

	remainder := &Span{
		startPage: s.startPage + uintptr(pageNum),
		pageCount: s.pageCount - uintptr(pageNum),
	}
	s.pageCount = uintptr(pageNum)

	pc.pm.setSpan(remainder)
	pc.pushFree(remainder)
	return s
}

// pushFree inserts a free (not in-use) span into the bucket matching its
// page count. Does not touch the PageMap; callers that created or resized
// the span are responsible for that.
func (pc *PageCache) pushFree(s *Span) {
	s.inUse = false
	idx := int(s.pageCount)
	if idx >= maxPageNum {
		idx = maxPageNum
	}
	pc.buckets[idx].pushFront(s)
}

// releaseSpan returns a span CentralCache no longer needs (fully empty)
// back to the free buckets, coalescing with adjacent free neighbors found
// via the PageMap so runs of free pages don't fragment over time.
//
// Spans above maxPageNum are never cached or coalesced: they go straight
// back to the OS via the PageAllocator (spec.md §4.3 step 1, Invariant
// 4), both when handed a span that was already that large and when
// coalescing grows one past the threshold.
func (pc *PageCache) releaseSpan(s *Span) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	s.objSize = 0
	s.capacity = 0
	s.bitmap = nil

	if s.pageCount > maxPageNum {
		pc.returnToOS(s)
		return
	}

	if left := pc.pm.lookup(s.startPage - 1); left != nil && !left.inUse && left.startPage+left.pageCount == s.startPage {
		pc.unlinkFree(left)
		s.startPage = left.startPage
		s.pageCount += left.pageCount
	}

	if right := pc.pm.lookup(s.startPage + s.pageCount); right != nil && !right.inUse && right.startPage == s.startPage+s.pageCount {
		pc.unlinkFree(right)
		s.pageCount += right.pageCount
	}

	if s.pageCount > maxPageNum {
		pc.returnToOS(s)
		return
	}

	pc.pm.setSpan(s)
	pc.pushFree(s)
}

// returnToOS un-publishes s from the PageMap and releases its pages back
// to the PageAllocator, rather than caching it in any free bucket.
func (pc *PageCache) returnToOS(s *Span) {
	pc.pm.clearSpan(s)
	pageAllocator.SystemFree(s.baseAddr(), s.pageCount)
}

// unlinkFree removes a free span from whichever bucket currently holds it,
// ahead of merging it into a coalesced neighbor.
func (pc *PageCache) unlinkFree(s *Span) {
	idx := int(s.pageCount)
	if idx >= maxPageNum {
		idx = maxPageNum
	}
	pc.buckets[idx].erase(s)
}
