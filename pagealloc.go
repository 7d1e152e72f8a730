//go:build linux

package ammalloc

import (
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pageAllocStats holds the atomic counters backing Stats (see stats.go).
// Every field is updated with plain sync/atomic adds; there is no overall
// lock because each counter is independent and readers only need a
// point-in-time snapshot, not cross-field consistency.
type pageAllocStats struct {
	normalAllocCount   counter
	normalAllocSuccess counter
	normalAllocBytes   counter
	normalAllocFailed  counter

	hugeAllocCount      counter
	hugeAllocSuccess    counter
	hugeAllocBytes      counter
	hugeAlignWasteBytes counter
	hugeAllocFailed     counter
	hugeFallbackToNorm  counter
	hugeCacheHit        counter
	hugeCacheMiss       counter

	freeCount counter
	freeBytes counter

	allocFailedCount   counter
	munmapFailedCount  counter
	madviseFailedCount counter
	mmapENOMEMCount    counter
	mmapOtherErrCount  counter
}

func (s *pageAllocStats) reset() {
	*s = pageAllocStats{}
}

// hugePageCache holds free, already-mapped hugePageSize-aligned chunks so a
// later huge-page request of exactly that size can skip the mmap/trim
// dance entirely. Guarded by its own mutex per spec.md's PageAllocator row
// ("OS syscalls + internal mutex for huge-page cache").
type hugePageCache struct {
	mu   sync.Mutex
	free []uintptr
}

const hugeCacheCap = 16

func (c *hugePageCache) get() (uintptr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.free) == 0 {
		return 0, false
	}
	n := len(c.free) - 1
	addr := c.free[n]
	c.free = c.free[:n]
	return addr, true
}

// put returns addr to the cache if there is room, otherwise it is the
// caller's responsibility to munmap it.
func (c *hugePageCache) put(addr uintptr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.free) >= hugeCacheCap {
		return false
	}
	c.free = append(c.free, addr)
	return true
}

// PageAllocator is the thin wrapper over mmap/munmap/madvise that every
// other component ultimately calls through. No other component talks to
// the OS directly.
type PageAllocator struct {
	stats pageAllocStats
	huge  hugePageCache
}

var pageAllocator = &PageAllocator{}

// SystemAlloc requests pageNum pages (pageNum*pageSize bytes) of anonymous
// memory. Fresh mappings from the OS are zeroed; an exactly-hugePageSize
// request served from the huge-page cache gets a previously freed region
// whose contents are not cleared. Returns nil on failure.
func (pa *PageAllocator) SystemAlloc(pageNum uintptr) unsafe.Pointer {
	if pageNum == 0 {
		logger().Warn("SystemAlloc called with pageNum=0")
		return nil
	}

	size := pageNum << pageShift
	if size < hugePageSize/2 {
		ptr := pa.allocNormalPage(size, false)
		if ptr == nil {
			pa.stats.allocFailedCount.add(1)
		}
		return ptr
	}

	ptr := pa.allocHugePage(size)
	if ptr == nil {
		pa.stats.hugeFallbackToNorm.add(1)
		ptr = pa.allocNormalPage(size, true)
		if ptr == nil {
			pa.stats.allocFailedCount.add(1)
		}
	}
	return ptr
}

// SystemFree returns a pageNum-page region previously returned by
// SystemAlloc back to the OS (or, for exactly-hugePageSize huge regions, to
// the internal huge-page cache for fast reuse).
func (pa *PageAllocator) SystemFree(ptr unsafe.Pointer, pageNum uintptr) {
	if ptr == nil || pageNum == 0 {
		return
	}

	size := pageNum << pageShift
	pa.stats.freeCount.add(1)
	pa.stats.freeBytes.add(int64(size))

	addr := uintptr(ptr)
	if size == hugePageSize && addr&(hugePageSize-1) == 0 {
		if pa.huge.put(addr) {
			return
		}
	}
	pa.safeMunmap(ptr, size)
}

func useMapPopulate() bool {
	return getConfig().UseMapPopulate
}

func (pa *PageAllocator) allocNormalPage(size uintptr, isFallback bool) unsafe.Pointer {
	if !isFallback {
		pa.stats.normalAllocCount.add(1)
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if useMapPopulate() {
		flags |= unix.MAP_POPULATE
	}

	ptr := pa.allocWithRetry(size, flags)
	if ptr == nil {
		pa.stats.normalAllocFailed.add(1)
		return nil
	}
	pa.stats.normalAllocSuccess.add(1)
	pa.stats.normalAllocBytes.add(int64(size))
	return ptr
}

// allocWithRetry retries up to maxAllocRetries times on ENOMEM with a
// millisecond backoff; any other mmap error aborts immediately.
func (pa *PageAllocator) allocWithRetry(size uintptr, flags int) unsafe.Pointer {
	for i := 0; i < maxAllocRetries; i++ {
		b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
		if err == nil {
			return unsafe.Pointer(&b[0])
		}
		if errors.Is(err, unix.ENOMEM) {
			pa.stats.mmapENOMEMCount.add(1)
			logger().Warn("mmap ENOMEM, retrying",
				zapUintptr("size", size), zapInt("attempt", i+1), zapInt("max", maxAllocRetries))
			time.Sleep(time.Millisecond)
			continue
		}
		pa.stats.mmapOtherErrCount.add(1)
		logger().Error("mmap failed", zapUintptr("size", size), zapErr(errors.Wrapf(err, "mmap size=%d flags=%#x", size, flags)))
		break
	}
	return nil
}

func (pa *PageAllocator) safeMunmap(ptr unsafe.Pointer, size uintptr) bool {
	if ptr == nil || size == 0 {
		return true
	}
	b := unsafe.Slice((*byte)(ptr), size)
	if err := unix.Munmap(b); err != nil {
		pa.stats.munmapFailedCount.add(1)
		logger().Error("munmap failed", zapUintptr("ptr", uintptr(ptr)), zapUintptr("size", size), zapErr(err))
		return false
	}
	return true
}

func (pa *PageAllocator) applyHugePageHint(ptr unsafe.Pointer, size uintptr) {
	b := unsafe.Slice((*byte)(ptr), size)
	if err := unix.Madvise(b, unix.MADV_HUGEPAGE); err != nil {
		pa.stats.madviseFailedCount.add(1)
		logger().Debug("madvise MADV_HUGEPAGE failed (expected on non-THP systems)", zapErr(err))
	}
	if useMapPopulate() {
		if err := unix.Madvise(b, unix.MADV_WILLNEED); err != nil {
			pa.stats.madviseFailedCount.add(1)
			logger().Debug("madvise MADV_WILLNEED failed", zapUintptr("ptr", uintptr(ptr)), zapErr(err))
		}
	}
}

// allocHugePage implements the optimistic huge-page strategy from
// spec.md §4.6: try the huge-page cache, then an exact-size request that
// might already land hugePageSize-aligned, and only fall back to the
// over-allocate-and-trim dance when it doesn't.
func (pa *PageAllocator) allocHugePage(size uintptr) unsafe.Pointer {
	pa.stats.hugeAllocCount.add(1)

	if size == hugePageSize {
		if addr, ok := pa.huge.get(); ok {
			pa.stats.hugeCacheHit.add(1)
			ptr := unsafe.Pointer(addr)
			pa.applyHugePageHint(ptr, size)
			pa.stats.hugeAllocSuccess.add(1)
			pa.stats.hugeAllocBytes.add(int64(size))
			return ptr
		}
	}
	pa.stats.hugeCacheMiss.add(1)

	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	ptr := pa.allocWithRetry(size, flags)
	if ptr == nil {
		pa.stats.hugeAllocFailed.add(1)
		return nil
	}

	addr := uintptr(ptr)
	if addr&(hugePageSize-1) == 0 {
		pa.applyHugePageHint(ptr, size)
		pa.stats.hugeAllocSuccess.add(1)
		pa.stats.hugeAllocBytes.add(int64(size))
		return ptr
	}

	pa.safeMunmap(ptr, size)
	return pa.allocHugePageFallback(size)
}

// allocHugePageFallback over-allocates by one extra hugePageSize, then
// trims the unaligned head and tail, guaranteeing a hugePageSize-aligned
// result.
func (pa *PageAllocator) allocHugePageFallback(size uintptr) unsafe.Pointer {
	allocSize := size + hugePageSize
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	ptr := pa.allocWithRetry(allocSize, flags)
	if ptr == nil {
		pa.stats.hugeAllocFailed.add(1)
		return nil
	}

	addr := uintptr(ptr)
	aligned := alignUp(addr, hugePageSize)

	var waste uintptr
	headGap := aligned - addr
	if headGap > 0 {
		pa.safeMunmap(ptr, headGap)
		waste += headGap
	}
	tailGap := allocSize - headGap - size
	if tailGap > 0 {
		pa.safeMunmap(unsafe.Pointer(aligned+size), tailGap)
		waste += tailGap
	}
	pa.stats.hugeAlignWasteBytes.add(int64(waste))

	res := unsafe.Pointer(aligned)
	pa.applyHugePageHint(res, size)
	pa.stats.hugeAllocSuccess.add(1)
	pa.stats.hugeAllocBytes.add(int64(size))
	return res
}
