package ammalloc

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

// counter is a named int64 atomic, used throughout the allocator instead of
// bare sync/atomic calls so every stat site reads the same way.
type counter struct {
	v atomic.Int64
}

func (c *counter) add(delta int64) { c.v.Add(delta) }
func (c *counter) load() int64     { return c.v.Load() }

// Stats is a point-in-time, read-only snapshot of the allocator's internal
// counters. It is produced by Snapshot and safe to read and print after
// that call returns; it is never mutated in place.
type Stats struct {
	NormalAllocCount   int64
	NormalAllocSuccess int64
	NormalAllocBytes   int64
	NormalAllocFailed  int64

	HugeAllocCount      int64
	HugeAllocSuccess    int64
	HugeAllocBytes      int64
	HugeAlignWasteBytes int64
	HugeAllocFailed     int64
	HugeFallbackToNorm  int64
	HugeCacheHit        int64
	HugeCacheMiss       int64

	FreeCount int64
	FreeBytes int64

	AllocFailedCount   int64
	MunmapFailedCount  int64
	MadviseFailedCount int64
	MmapENOMEMCount    int64
	MmapOtherErrCount  int64
}

// Snapshot returns the current value of every PageAllocator counter.
func Snapshot() Stats {
	s := &pageAllocator.stats
	return Stats{
		NormalAllocCount:    s.normalAllocCount.load(),
		NormalAllocSuccess:  s.normalAllocSuccess.load(),
		NormalAllocBytes:    s.normalAllocBytes.load(),
		NormalAllocFailed:   s.normalAllocFailed.load(),
		HugeAllocCount:      s.hugeAllocCount.load(),
		HugeAllocSuccess:    s.hugeAllocSuccess.load(),
		HugeAllocBytes:      s.hugeAllocBytes.load(),
		HugeAlignWasteBytes: s.hugeAlignWasteBytes.load(),
		HugeAllocFailed:     s.hugeAllocFailed.load(),
		HugeFallbackToNorm:  s.hugeFallbackToNorm.load(),
		HugeCacheHit:        s.hugeCacheHit.load(),
		HugeCacheMiss:       s.hugeCacheMiss.load(),
		FreeCount:           s.freeCount.load(),
		FreeBytes:           s.freeBytes.load(),
		AllocFailedCount:    s.allocFailedCount.load(),
		MunmapFailedCount:   s.munmapFailedCount.load(),
		MadviseFailedCount:  s.madviseFailedCount.load(),
		MmapENOMEMCount:     s.mmapENOMEMCount.load(),
		MmapOtherErrCount:   s.mmapOtherErrCount.load(),
	}
}

// ResetStats zeroes every counter. Intended for tests; production callers
// should treat Stats as monotonic.
func ResetStats() {
	pageAllocator.stats.reset()
}

// String renders the snapshot with human-readable byte counts, in the
// style of the teacher's own (*MemStats).String-adjacent debug dumps.
func (s Stats) String() string {
	return fmt.Sprintf(
		"normal{count=%d ok=%d bytes=%s failed=%d} huge{count=%d ok=%d bytes=%s waste=%s failed=%d fallback=%d cacheHit=%d cacheMiss=%d} free{count=%d bytes=%s} errors{alloc=%d munmap=%d madvise=%d enomem=%d other=%d}",
		s.NormalAllocCount, s.NormalAllocSuccess, humanize.Bytes(uint64(s.NormalAllocBytes)), s.NormalAllocFailed,
		s.HugeAllocCount, s.HugeAllocSuccess, humanize.Bytes(uint64(s.HugeAllocBytes)), humanize.Bytes(uint64(s.HugeAlignWasteBytes)), s.HugeAllocFailed, s.HugeFallbackToNorm, s.HugeCacheHit, s.HugeCacheMiss,
		s.FreeCount, humanize.Bytes(uint64(s.FreeBytes)),
		s.AllocFailedCount, s.MunmapFailedCount, s.MadviseFailedCount, s.MmapENOMEMCount, s.MmapOtherErrCount,
	)
}

// statsCollector adapts Snapshot to prometheus.Collector so ammalloc's
// internal counters can be scraped alongside the rest of a host process's
// metrics. Register it once with prometheus.MustRegister(ammalloc.Collector()).
type statsCollector struct {
	descs map[string]*prometheus.Desc
}

var collectorInstance = newStatsCollector()

func newStatsCollector() *statsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("ammalloc_"+name, help, nil, nil)
	}
	return &statsCollector{descs: map[string]*prometheus.Desc{
		"normal_alloc_bytes_total": desc("normal_alloc_bytes_total", "Bytes obtained via normal-page mmap."),
		"huge_alloc_bytes_total":   desc("huge_alloc_bytes_total", "Bytes obtained via huge-page mmap."),
		"huge_align_waste_bytes":   desc("huge_align_waste_bytes", "Bytes trimmed off huge-page alignment fallback."),
		"huge_cache_hit_total":     desc("huge_cache_hit_total", "Huge-page requests served from the internal huge-page cache."),
		"huge_cache_miss_total":    desc("huge_cache_miss_total", "Huge-page requests that missed the internal huge-page cache."),
		"free_bytes_total":         desc("free_bytes_total", "Bytes returned to the OS or the huge-page cache."),
		"alloc_failed_total":       desc("alloc_failed_total", "Page allocation requests that ultimately failed."),
		"mmap_enomem_total":        desc("mmap_enomem_total", "mmap calls that failed with ENOMEM (retried)."),
	}}
}

// Collector returns the shared prometheus.Collector for this package's
// PageAllocator statistics.
func Collector() prometheus.Collector { return collectorInstance }

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := Snapshot()
	ch <- prometheus.MustNewConstMetric(c.descs["normal_alloc_bytes_total"], prometheus.CounterValue, float64(snap.NormalAllocBytes))
	ch <- prometheus.MustNewConstMetric(c.descs["huge_alloc_bytes_total"], prometheus.CounterValue, float64(snap.HugeAllocBytes))
	ch <- prometheus.MustNewConstMetric(c.descs["huge_align_waste_bytes"], prometheus.CounterValue, float64(snap.HugeAlignWasteBytes))
	ch <- prometheus.MustNewConstMetric(c.descs["huge_cache_hit_total"], prometheus.CounterValue, float64(snap.HugeCacheHit))
	ch <- prometheus.MustNewConstMetric(c.descs["huge_cache_miss_total"], prometheus.CounterValue, float64(snap.HugeCacheMiss))
	ch <- prometheus.MustNewConstMetric(c.descs["free_bytes_total"], prometheus.CounterValue, float64(snap.FreeBytes))
	ch <- prometheus.MustNewConstMetric(c.descs["alloc_failed_total"], prometheus.CounterValue, float64(snap.AllocFailedCount))
	ch <- prometheus.MustNewConstMetric(c.descs["mmap_enomem_total"], prometheus.CounterValue, float64(snap.MmapENOMEMCount))
}
