// Package ammalloc is a TCMalloc-style, multi-tier concurrent memory
// allocator: ThreadCache (lock-free fast path) -> CentralCache
// (per-size-class) -> PageCache (single global lock) -> PageAllocator
// (raw OS pages), with a PageMap radix tree tying any live pointer back
// to the Span that owns it.
package ammalloc

import "unsafe"

// Malloc returns a pointer to at least size bytes of uninitialized
// memory, or nil if the request could not be satisfied. Mirrors
// go-go1.16.14/src/runtime/malloc.go's top-level mallocgc dispatch: a
// size check routes the request either through the lock-free
// ThreadCache fast path or straight to PageCache for large objects.
func Malloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		size = 1
	}
	if size > getConfig().TCSizeMax {
		return mallocLarge(size)
	}

	tc := getThreadCache()
	ptr := tc.allocate(size)
	putThreadCache(tc)
	return ptr
}

// Free returns a pointer previously obtained from Malloc. Freeing nil is a
// no-op. A pointer whose page has no owning span is logged and ignored.
// Freeing an already-freed pointer is undefined behavior, matching the
// contract of C's free.
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	s := spanForPointer(ptr)
	if s == nil {
		logger().Error("Free: pointer has no owning span", zapUintptr("ptr", uintptr(ptr)))
		return
	}

	if s.objSize == 0 {
		// Large allocation: the whole span belongs to this one request.
		pageCache.releaseSpan(s)
		return
	}

	classIdx := sizeToClass(s.objSize)
	tc := getThreadCache()
	tc.deallocate(classIdx, ptr)
	putThreadCache(tc)
}

// mallocLarge serves a request above the configured AM_TC_SIZE directly
// from PageCache, bypassing ThreadCache and CentralCache entirely: large
// objects are rare enough that per-size-class batching would only add
// overhead.
func mallocLarge(size uintptr) unsafe.Pointer {
	pages := int((size + pageSize - 1) >> pageShift)
	if pages < 1 {
		pages = 1
	}

	s := pageCache.allocSpan(pages)
	if s == nil {
		logger().Error("Malloc: large allocation failed", zapUintptr("size", size), zapInt("pages", pages))
		return nil
	}
	s.objSize = 0
	s.capacity = 0
	return s.baseAddr()
}
