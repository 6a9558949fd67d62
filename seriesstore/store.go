// Package seriesstore holds the live telemetry series: the full
// deduplicated, time-ordered set of points the dashboard has seen this
// session.
//
// The store is the only mutable state in the funnel. Feeds deliver batches
// with at-least-once semantics, out of order and with duplicates; Merge is
// written so that none of that matters: merging is idempotent, commutative
// on disjoint timestamps, and last-writer-wins on shared ones.
package seriesstore

import (
	"sort"
	"sync"

	"github.com/c360/flowscope/telemetry"
)

// Store is an in-memory point store keyed by timestamp. The zero value is
// not usable; create with New.
type Store struct {
	mu     sync.RWMutex
	points map[int64]telemetry.SeriesPoint
}

// New creates an empty store.
func New() *Store {
	return &Store{
		points: make(map[int64]telemetry.SeriesPoint),
	}
}

// Merge inserts or overwrites each incoming point by its timestamp key.
// Within the batch the last point for a given timestamp wins, and the batch
// then overwrites anything already stored for that key. Returns the number
// of timestamps not previously in the store.
//
// An empty batch is a no-op. Merging the same batch twice leaves the store
// unchanged after the first merge.
func (s *Store) Merge(points []telemetry.SeriesPoint) int {
	if len(points) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, p := range points {
		if _, exists := s.points[p.TimestampMs]; !exists {
			added++
		}
		s.points[p.TimestampMs] = p
	}
	return added
}

// Snapshot returns a copy of all points sorted ascending by timestamp.
// Callers own the returned slice; mutating it does not affect the store.
func (s *Store) Snapshot() []telemetry.SeriesPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]telemetry.SeriesPoint, 0, len(s.points))
	for _, p := range s.points {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TimestampMs < out[j].TimestampMs
	})
	return out
}

// Len returns the number of distinct timestamps stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// Clear removes all points. Used by full-refresh flows that rebuild the
// store from an initial batch.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = make(map[int64]telemetry.SeriesPoint)
}
