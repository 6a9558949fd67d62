package seriesstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/flowscope/telemetry"
)

func point(ts int64, flow float64) telemetry.SeriesPoint {
	return telemetry.SeriesPoint{
		TimestampMs: ts,
		Flow:        telemetry.Some(flow),
	}
}

func TestMerge_LastWriterWins(t *testing.T) {
	s := New()

	added := s.Merge([]telemetry.SeriesPoint{point(100, 10)})
	assert.Equal(t, 1, added)

	added = s.Merge([]telemetry.SeriesPoint{point(100, 20), point(200, 5)})
	assert.Equal(t, 1, added)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(100), snap[0].TimestampMs)
	assert.Equal(t, telemetry.Some(20), snap[0].Flow)
	assert.Equal(t, int64(200), snap[1].TimestampMs)
	assert.Equal(t, telemetry.Some(5), snap[1].Flow)
}

func TestMerge_LastWriterWinsWithinBatch(t *testing.T) {
	s := New()
	s.Merge([]telemetry.SeriesPoint{point(100, 1), point(100, 2), point(100, 3)})

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, telemetry.Some(3), snap[0].Flow)
}

func TestMerge_Idempotent(t *testing.T) {
	batch := []telemetry.SeriesPoint{point(100, 10), point(300, 30), point(200, 20)}

	s := New()
	s.Merge(batch)
	first := s.Snapshot()

	added := s.Merge(batch)
	assert.Zero(t, added)
	assert.Equal(t, first, s.Snapshot())
}

func TestMerge_CommutativeOnDisjointKeys(t *testing.T) {
	b1 := []telemetry.SeriesPoint{point(100, 1), point(300, 3)}
	b2 := []telemetry.SeriesPoint{point(200, 2), point(400, 4)}

	s1 := New()
	s1.Merge(b1)
	s1.Merge(b2)

	s2 := New()
	s2.Merge(b2)
	s2.Merge(b1)

	assert.Equal(t, s1.Snapshot(), s2.Snapshot())
}

func TestMerge_EmptyBatchIsNoOp(t *testing.T) {
	s := New()
	s.Merge([]telemetry.SeriesPoint{point(100, 10)})
	before := s.Snapshot()

	assert.Zero(t, s.Merge(nil))
	assert.Zero(t, s.Merge([]telemetry.SeriesPoint{}))
	assert.Equal(t, before, s.Snapshot())
}

func TestSnapshot_SortedAndIsolated(t *testing.T) {
	s := New()
	s.Merge([]telemetry.SeriesPoint{point(300, 3), point(100, 1), point(200, 2)})

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, int64(100), snap[0].TimestampMs)
	assert.Equal(t, int64(200), snap[1].TimestampMs)
	assert.Equal(t, int64(300), snap[2].TimestampMs)

	// Mutating the snapshot must not leak into the store.
	snap[0].Flow = telemetry.Some(999)
	assert.Equal(t, telemetry.Some(1), s.Snapshot()[0].Flow)
}

func TestLenAndClear(t *testing.T) {
	s := New()
	assert.Zero(t, s.Len())

	s.Merge([]telemetry.SeriesPoint{point(100, 1), point(200, 2)})
	assert.Equal(t, 2, s.Len())

	s.Clear()
	assert.Zero(t, s.Len())
	assert.Empty(t, s.Snapshot())
}

func TestMerge_ConcurrentWriters(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for i := int64(0); i < 100; i++ {
				s.Merge([]telemetry.SeriesPoint{point(base*1000+i, float64(i))})
			}
		}(int64(g))
	}
	wg.Wait()

	assert.Equal(t, 800, s.Len())
}
