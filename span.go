package ammalloc

import (
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Span is the central allocation record: a contiguous run of pages, either
// free and sitting in a PageCache bucket, owned whole by CentralCache and
// sliced into same-size objects via a bitmap, or handed out large and
// unlinked from anything.
//
// A Span has exactly one of three lifecycle states at any instant:
// free-in-PageCache (inUse == false), owned-by-CentralCache (inUse == true,
// objSize > 0), or large (inUse == true, objSize == 0, not linked
// anywhere). See original_source/include/ammalloc/span.h for the reference
// layout this is ported from.
type Span struct {
	// Page-cache bookkeeping.
	startPage uintptr // global page index of the first page
	pageCount uintptr // number of contiguous pages

	// Intrusive doubly-linked list pointers. The caller must hold the lock
	// of whatever owns the list (a CentralCache bucket's mutex or the
	// PageCache mutex) for any mutation; Span itself does no locking.
	prev, next *Span

	// Central-cache object bookkeeping. objSize == 0 means this span is
	// either a large allocation or currently free.
	objSize  uintptr
	capacity uintptr // number of object slots once sliced

	useCount atomic.Int64 // objects currently handed out from this span

	dataBase unsafe.Pointer // first byte of the object-slot region

	bitmap     []atomic.Uint64 // one bit per slot; 1 == free
	scanCursor atomic.Uint64   // rotating word index hint for allocOne
	inUse      bool
}

// baseAddr returns the first byte address of the span's page range.
func (s *Span) baseAddr() unsafe.Pointer {
	return unsafe.Pointer(s.startPage << pageShift) //nolint:govet // mmap'd address, not GC heap
}

// endAddr returns the first byte address past the span's page range.
func (s *Span) endAddr() unsafe.Pointer {
	return unsafe.Add(s.baseAddr(), s.pageCount<<pageShift)
}

// init lays out the bitmap slab at the front of the span's own memory and
// the object-slot region behind it, then marks every in-capacity bit free.
// Must be called exactly once, before the span is published to any other
// goroutine (via PageMap or a CentralCache bucket) — the writes here are
// plain (non-atomic) except where noted, and rely on that publication
// acting as the release barrier described in spec.md §4.2.
func (s *Span) init(objSize uintptr) {
	s.objSize = objSize
	totalBytes := s.pageCount << pageShift

	maxObjs := (totalBytes * 8) / (objSize*8 + 1)
	bitmapWords := (maxObjs + 63) / 64

	base := s.baseAddr()
	// Placement: the bitmap's backing storage is the first bitmapWords*8
	// bytes of the span's own mmap'd memory.
	s.bitmap = unsafe.Slice((*atomic.Uint64)(base), bitmapWords)

	dataStart := alignUp(uintptr(base)+uintptr(bitmapWords)*8, 16)
	s.dataBase = unsafe.Pointer(dataStart) //nolint:govet

	spanEnd := uintptr(s.endAddr())
	if dataStart >= spanEnd {
		s.capacity = 0
	} else {
		s.capacity = (spanEnd - dataStart) / objSize
	}

	fullWords := s.capacity / 64
	tailBits := s.capacity & 63
	for i := uintptr(0); i < fullWords; i++ {
		s.bitmap[i].Store(^uint64(0))
	}
	if fullWords < uintptr(bitmapWords) {
		if tailBits == 0 {
			s.bitmap[fullWords].Store(0)
		} else {
			mask := (uint64(1) << tailBits) - 1
			s.bitmap[fullWords].Store(mask)
		}
		for i := fullWords + 1; i < uintptr(bitmapWords); i++ {
			s.bitmap[i].Store(0)
		}
	}

	s.useCount.Store(0)
	s.scanCursor.Store(0)
}

// allocOne allocates a single object slot from the span. It is lock-free
// and safe to call concurrently with other allocOne/freeOne calls on the
// same span. Returns nil if the span has no free slots.
func (s *Span) allocOne() unsafe.Pointer {
	if s.useCount.Load() >= int64(s.capacity) {
		return nil
	}

	start := s.scanCursor.Load()
	n := uint64(len(s.bitmap))
	for i := uint64(0); i < n; i++ {
		idx := start + i
		if idx >= n {
			idx -= n
		}

		word := s.bitmap[idx].Load()
		if word == 0 {
			continue
		}

		for word != 0 {
			bitPos := bits.TrailingZeros64(word)
			mask := uint64(1) << bitPos
			if s.bitmap[idx].CompareAndSwap(word, word&^mask) {
				s.useCount.Add(1)
				if idx != start {
					s.scanCursor.Store(idx)
				}
				objIdx := idx*64 + uint64(bitPos)
				return unsafe.Add(s.dataBase, uintptr(objIdx)*s.objSize)
			}
			runtime.Gosched()
			word = s.bitmap[idx].Load()
		}
	}
	return nil
}

// freeOne returns the object at ptr to the span's free bitmap. Lock-free,
// safe to call concurrently with allocOne/freeOne from any goroutine.
func (s *Span) freeOne(ptr unsafe.Pointer) {
	offset := uintptr(ptr) - uintptr(s.dataBase)
	objIdx := offset / s.objSize

	bitmapIdx := objIdx / 64
	bitPos := objIdx & 63
	mask := uint64(1) << bitPos

	for {
		old := s.bitmap[bitmapIdx].Load()
		if s.bitmap[bitmapIdx].CompareAndSwap(old, old|mask) {
			break
		}
	}
	s.useCount.Add(-1)
}

// full reports whether the span has no free object slots left.
func (s *Span) full() bool {
	return s.useCount.Load() >= int64(s.capacity)
}

// empty reports whether the span has no objects allocated out of it.
func (s *Span) empty() bool {
	return s.useCount.Load() == 0
}

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// spanList is an intrusive circular doubly-linked list of Spans with a
// sentinel head. Mirrors original_source/include/ammalloc/span.h's
// SpanList: the list operations themselves do no locking. Callers hold the
// lock of the list's owner instead (ccBucket.mu in CentralCache, or the
// single PageCache mu for its buckets); neither locks the Mu field.
type spanList struct {
	Mu   sync.Mutex
	head Span // sentinel; only prev/next are meaningful
}

func newSpanList() *spanList {
	l := &spanList{}
	l.head.next = &l.head
	l.head.prev = &l.head
	return l
}

func (l *spanList) empty() bool {
	return l.head.next == &l.head
}

func (l *spanList) insertBefore(pos, s *Span) {
	s.next = pos
	s.prev = pos.prev
	s.prev.next = s
	pos.prev = s
}

func (l *spanList) pushFront(s *Span) {
	l.insertBefore(l.head.next, s)
}

func (l *spanList) pushBack(s *Span) {
	l.insertBefore(&l.head, s)
}

func (l *spanList) erase(s *Span) {
	s.prev.next = s.next
	s.next.prev = s.prev
	s.prev = nil
	s.next = nil
}

func (l *spanList) popFront() *Span {
	if l.empty() {
		return nil
	}
	s := l.head.next
	l.erase(s)
	return s
}

// removeFirstFit scans the list for the first span with at least minPages
// pages, unlinks it, and returns it. Used only by PageCache's overflow
// bucket (spans with pageCount >= maxPageNum), which is never large enough
// for a linear scan to matter.
func (l *spanList) removeFirstFit(minPages uintptr) *Span {
	for s := l.head.next; s != &l.head; s = s.next {
		if s.pageCount >= minPages {
			l.erase(s)
			return s
		}
	}
	return nil
}
