// Package aggregate re-buckets a telemetry series by a configurable time
// granularity, producing averaged points with provenance counts.
//
// One parameterized bucketing function serves both aggregation paths of the
// dashboard: the coarse minute/day/month engine selected by the user, and
// the intra-day second/minute/hour re-bucketing used by the time-of-day
// filter. Both paths group by a truncated timestamp key and average each
// bucket; only the truncation differs.
//
// Averaging policy: each field's sum is divided by the number of points in
// the bucket where that field was present, not by the bucket's total point
// count. A bucket with some points missing noise does not let those points
// dilute the noise average. SampleCount still reports the bucket's total
// point count for provenance ("averaged from N records").
package aggregate

import (
	"sort"

	"github.com/c360/flowscope/pkg/timestamp"
	"github.com/c360/flowscope/telemetry"
)

// Granularity selects the bucket width for aggregation.
type Granularity string

const (
	// GranularityNone disables bucketing; aggregation is the identity.
	GranularityNone Granularity = "none"
	// GranularitySecond buckets by year-month-day-hour-minute-second.
	GranularitySecond Granularity = "second"
	// GranularityMinute buckets by year-month-day-hour-minute.
	GranularityMinute Granularity = "minute"
	// GranularityHour buckets by year-month-day-hour.
	GranularityHour Granularity = "hour"
	// GranularityDay buckets by year-month-day.
	GranularityDay Granularity = "day"
	// GranularityMonth buckets by year-month.
	GranularityMonth Granularity = "month"
)

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	switch g {
	case GranularityNone, GranularitySecond, GranularityMinute,
		GranularityHour, GranularityDay, GranularityMonth:
		return true
	default:
		return false
	}
}

// BucketKey returns the canonical truncated timestamp for a point under
// this granularity. GranularityNone keys every point to itself.
func (g Granularity) BucketKey(ms int64) int64 {
	switch g {
	case GranularitySecond:
		return timestamp.TruncateSecond(ms)
	case GranularityMinute:
		return timestamp.TruncateMinute(ms)
	case GranularityHour:
		return timestamp.TruncateHour(ms)
	case GranularityDay:
		return timestamp.TruncateDay(ms)
	case GranularityMonth:
		return timestamp.TruncateMonth(ms)
	default:
		return ms
	}
}

// AggregatePoint is one averaged time bucket. BucketStartMs is the
// canonical truncated timestamp for the bucket; SampleCount is the number
// of source points whose truncated timestamp mapped to it, and is always
// at least 1.
type AggregatePoint struct {
	BucketStartMs int64            `json:"bucket_start_ms"`
	Flow          telemetry.Sample `json:"flow"`
	PressurePct   telemetry.Sample `json:"pressure_pct"`
	FluidState    telemetry.Sample `json:"fluid_state"`
	Noise         telemetry.Sample `json:"noise"`
	SampleCount   int              `json:"sample_count"`
}

// Point converts the bucket to a SeriesPoint timestamped at the bucket
// start, for feeding back into the projection pipeline.
func (a AggregatePoint) Point() telemetry.SeriesPoint {
	return telemetry.SeriesPoint{
		TimestampMs: a.BucketStartMs,
		Flow:        a.Flow,
		PressurePct: a.PressurePct,
		FluidState:  a.FluidState,
		Noise:       a.Noise,
	}
}

// bucket accumulates per-field sums and per-field presence counts.
type bucket struct {
	startMs int64
	sums    [4]float64
	counts  [4]int
	total   int
}

func (b *bucket) add(p telemetry.SeriesPoint) {
	b.total++
	for i, f := range telemetry.Fields() {
		s := p.Sample(f)
		if !s.Present {
			continue
		}
		b.sums[i] += s.Value
		b.counts[i]++
	}
}

func (b *bucket) average() AggregatePoint {
	var fields [4]telemetry.Sample
	for i := range fields {
		if b.counts[i] > 0 {
			fields[i] = telemetry.Some(b.sums[i] / float64(b.counts[i]))
		}
	}
	return AggregatePoint{
		BucketStartMs: b.startMs,
		Flow:          fields[0],
		PressurePct:   fields[1],
		FluidState:    fields[2],
		Noise:         fields[3],
		SampleCount:   b.total,
	}
}

// Aggregate groups the series into buckets of the given granularity and
// averages each one. GranularityNone converts points 1:1 with
// SampleCount = 1 (identity on the underlying values).
//
// Output order is insertion order of first-seen bucket key, not
// necessarily chronological; callers needing chronological order use
// SortChronological.
func Aggregate(points []telemetry.SeriesPoint, g Granularity) []AggregatePoint {
	if g == GranularityNone || g == "" {
		out := make([]AggregatePoint, 0, len(points))
		for _, p := range points {
			out = append(out, AggregatePoint{
				BucketStartMs: p.TimestampMs,
				Flow:          p.Flow,
				PressurePct:   p.PressurePct,
				FluidState:    p.FluidState,
				Noise:         p.Noise,
				SampleCount:   1,
			})
		}
		return out
	}

	byKey := make(map[int64]*bucket)
	order := make([]int64, 0)

	for _, p := range points {
		key := g.BucketKey(p.TimestampMs)
		b, exists := byKey[key]
		if !exists {
			b = &bucket{startMs: key}
			byKey[key] = b
			order = append(order, key)
		}
		b.add(p)
	}

	out := make([]AggregatePoint, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key].average())
	}
	return out
}

// Points converts a bucket list back to a plain series for downstream
// projection. The buckets are discarded after this; only SampleCount
// survives through the provenance disclosure path.
func Points(buckets []AggregatePoint) []telemetry.SeriesPoint {
	out := make([]telemetry.SeriesPoint, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, b.Point())
	}
	return out
}

// SortChronological sorts buckets ascending by bucket start, in place.
func SortChronological(buckets []AggregatePoint) {
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].BucketStartMs < buckets[j].BucketStartMs
	})
}
