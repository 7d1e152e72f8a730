//go:build linux

package ammalloc

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsSnapshotReflectsAllocation(t *testing.T) {
	ResetStats()

	// Snapshot reports PageAllocator counters only, and small requests can
	// be served from warm caches without reaching it. A span above
	// maxPageNum pages is never cached by PageCache, so both this Malloc and
	// its Free go through the PageAllocator.
	ptr := Malloc((maxPageNum + 1) * pageSize)
	require.NotNil(t, ptr)
	Free(ptr)

	snap := Snapshot()
	assert.Positive(t, snap.FreeBytes+snap.NormalAllocBytes+snap.HugeAllocBytes)
}

func TestStatsStringIsHumanReadable(t *testing.T) {
	ResetStats()
	s := Snapshot()
	str := s.String()
	assert.True(t, strings.Contains(str, "normal{"))
	assert.True(t, strings.Contains(str, "huge{"))
}

func TestCollectorDescribeAndCollect(t *testing.T) {
	c := Collector()

	descCh := make(chan *prometheus.Desc, 16)
	c.Describe(descCh)
	close(descCh)
	count := 0
	for range descCh {
		count++
	}
	assert.Positive(t, count)

	metricCh := make(chan prometheus.Metric, 16)
	c.Collect(metricCh)
	close(metricCh)
	count = 0
	for range metricCh {
		count++
	}
	assert.Positive(t, count)
}
