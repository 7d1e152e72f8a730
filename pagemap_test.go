package ammalloc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageMapLookupMiss(t *testing.T) {
	pm := newPageMap()
	assert.Nil(t, pm.lookup(12345))
}

func TestPageMapSetAndLookup(t *testing.T) {
	pm := newPageMap()
	s := &Span{startPage: 1000, pageCount: 4}
	pm.setSpan(s)

	for p := s.startPage; p < s.startPage+s.pageCount; p++ {
		require.Same(t, s, pm.lookup(p))
	}
	assert.Nil(t, pm.lookup(s.startPage-1))
	assert.Nil(t, pm.lookup(s.startPage+s.pageCount))
}

func TestPageMapClearSpan(t *testing.T) {
	pm := newPageMap()
	s := &Span{startPage: 42, pageCount: 2}
	pm.setSpan(s)
	require.NotNil(t, pm.lookup(42))

	pm.clearSpan(s)
	assert.Nil(t, pm.lookup(42))
	assert.Nil(t, pm.lookup(43))
}

// TestPageMapCrossesAllLevels exercises a page index that forces every one
// of the four radix levels to branch differently, catching any off-by-one
// in the per-level shift amounts.
func TestPageMapCrossesAllLevels(t *testing.T) {
	pm := newPageMap()
	pageIDs := []uintptr{
		0,
		1,
		511,
		512,
		1 << 9,
		1 << 18,
		1 << 27,
		(1 << 27) | (1 << 18) | (1 << 9) | 1,
	}

	spans := make(map[uintptr]*Span, len(pageIDs))
	for _, id := range pageIDs {
		s := &Span{startPage: id, pageCount: 1}
		spans[id] = s
		pm.setSpan(s)
	}
	for _, id := range pageIDs {
		assert.Same(t, spans[id], pm.lookup(id), "pageID %d", id)
	}
}

func TestPageMapConcurrentReadersDuringWrite(t *testing.T) {
	pm := newPageMap()
	base := &Span{startPage: 100, pageCount: 1}
	pm.setSpan(base)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					pm.lookup(100)
				}
			}
		}()
	}

	for i := uintptr(200); i < 260; i++ {
		pm.setSpan(&Span{startPage: i, pageCount: 1})
	}
	close(stop)
	wg.Wait()

	for i := uintptr(200); i < 260; i++ {
		assert.NotNil(t, pm.lookup(i))
	}
}
