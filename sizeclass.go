package ammalloc

import "math/bits"

// Size classes.
//
// A size class is a small nonnegative integer naming a bucket of object
// sizes. Sizes in [1, smallSizeMax] use 8-byte linear buckets; sizes above
// that use a logarithmic stepped scheme that splits every power-of-two
// interval into stepsPerGroup uniform steps. This keeps internal
// fragmentation low while bounding the number of size classes (numClasses)
// the thread cache and central cache must hold one bucket for.
//
// See classToSize/sizeToClass below for the inverse functions, and
// original_source/include/ammalloc/size_class.h for the reference
// implementation this is ported from.
const (
	pageSize       = 1 << pageShift
	pageShift      = 12
	hugePageSize   = 2 << 20 // 2 MiB
	maxTCSize      = 256 << 10
	stepShift      = 2
	stepsPerGroup  = 1 << stepShift // 4
	smallSizeMax   = 128
	smallSizeShift = 3 // 8-byte buckets

	maxPageNum      = 128
	radixNodeSize   = 512
	cacheLineSize   = 64
	maxAllocRetries = 3
)

// numClasses is the total number of size classes for sizes in [1, maxTCSize].
var numClasses = classIndex(maxTCSize) + 1

// classToSizeTable[i] is the maximum byte size served by class i.
var classToSizeTable []uint32

// smallIndexTable[n] is classIndex(n) for n in [0, smallSizeMax], precomputed
// for O(1) lookup on the hottest path (every small allocation goes through
// it).
var smallIndexTable [smallSizeMax + 1]uint8

func init() {
	for n := 0; n <= smallSizeMax; n++ {
		smallIndexTable[n] = uint8(classIndex(n))
	}
	classToSizeTable = make([]uint32, numClasses)
	for i := range classToSizeTable {
		classToSizeTable[i] = uint32(classSize(i))
	}
}

// classIndex computes the size-class index for n the slow way (used only to
// build the lookup tables above; the hot path uses sizeToClass).
func classIndex(n int) int {
	if n == 0 {
		return 0
	}
	if n <= smallSizeMax {
		return (n - 1) >> smallSizeShift
	}
	msb := bits.Len(uint(n-1)) - 1
	group := msb - 7
	base := 16 + (group << stepShift)
	shift := msb - stepShift
	offset := ((n - 1) >> shift) & (stepsPerGroup - 1)
	return base + offset
}

// classSize is the exact inverse of classIndex: it reconstructs the maximum
// byte size served by class index idx.
func classSize(idx int) int {
	if idx < 16 {
		return (idx + 1) << smallSizeShift
	}
	relative := idx - 16
	group := relative >> stepShift
	step := relative & (stepsPerGroup - 1)
	msb := group + 7
	base := 1 << msb
	stride := 1 << (msb - stepShift)
	return base + (step+1)*stride
}

// sizeToClass maps a requested allocation size to its size-class index.
// Sizes above maxTCSize are the caller's responsibility to route directly
// to the page cache; sizeToClass does not range-check them.
func sizeToClass(n uintptr) int {
	if n == 0 {
		return 0
	}
	if n <= smallSizeMax {
		return int(smallIndexTable[n])
	}
	return classIndex(int(n))
}

// classToSize returns the maximum byte size of objects served by size class
// idx, the inverse of sizeToClass.
func classToSize(idx int) uintptr {
	return uintptr(classToSizeTable[idx])
}

// roundUp rounds n up to the byte size of its size class.
func roundUp(n uintptr) uintptr {
	if n > maxTCSize {
		return n
	}
	return classToSize(sizeToClass(n))
}

// batchSizeFor returns the canonical number of objects moved between
// ThreadCache and CentralCache in one transfer for objects of the given
// size. Smaller objects move in larger batches to amortize the cost of
// taking the CentralCache bucket lock; larger objects move in small
// batches so a single ThreadCache cannot hoard an entire span.
func batchSizeFor(objSize uintptr) int {
	if objSize == 0 {
		return 0
	}
	batch := int(maxTCSize / objSize)
	if batch < 2 {
		batch = 2
	}
	if batch > 512 {
		batch = 512
	}
	return batch
}

// pagesForSpan returns the number of pages CentralCache should request from
// PageCache for a fresh span serving objects of size objSize: enough for
// roughly 8 batch transfers, floored at 8 pages and capped at maxPageNum.
func pagesForSpan(objSize uintptr) int {
	batch := batchSizeFor(objSize)
	totalObjs := batch << 3
	totalBytes := uintptr(totalObjs) * objSize
	if totalBytes < 32*1024 {
		totalBytes = 32 * 1024
	}
	pages := int((totalBytes + pageSize - 1) >> pageShift)
	if pages < 1 {
		pages = 1
	}
	if pages > maxPageNum {
		pages = maxPageNum
	}
	return pages
}
