// Package projection derives chart-ready views of the live series: it
// applies date, time-of-day, and value filters, reshapes the retained
// points for a chart type, and decimates dense series down to a display
// ceiling.
//
// Every function in this package is pure: identical (series, filters,
// chart type) inputs always produce structurally identical output, and no
// input slice is ever mutated. A new filter state yields a new projection.
package projection

import (
	"fmt"

	"github.com/c360/flowscope/aggregate"
	"github.com/c360/flowscope/errors"
	"github.com/c360/flowscope/pkg/timestamp"
	"github.com/c360/flowscope/telemetry"
)

// CompareOp is a one-sided threshold comparison.
type CompareOp string

const (
	CompareGreater CompareOp = ">"
	CompareLess    CompareOp = "<"
)

// TimeOfDayFilter matches points by their UTC clock reading. Hour is
// required; Minute and Second progressively narrow the match. When
// AggregatePoints is set the exact match is replaced by a re-bucketing at
// the same resolution: all points (after date filtering) are grouped into
// hour, minute, or second buckets and each bucket collapses to one
// averaged point.
type TimeOfDayFilter struct {
	Hour            int  `json:"hour"`
	Minute          *int `json:"minute,omitempty"`
	Second          *int `json:"second,omitempty"`
	AggregatePoints bool `json:"aggregate_points"`
}

// granularity maps the narrowest specified clock component to the
// equivalent bucketing granularity.
func (f TimeOfDayFilter) granularity() aggregate.Granularity {
	switch {
	case f.Second != nil:
		return aggregate.GranularitySecond
	case f.Minute != nil:
		return aggregate.GranularityMinute
	default:
		return aggregate.GranularityHour
	}
}

func (f TimeOfDayFilter) matches(ms int64) bool {
	h, m, s := timestamp.Clock(ms)
	if h != f.Hour {
		return false
	}
	if f.Minute != nil && m != *f.Minute {
		return false
	}
	if f.Second != nil && s != *f.Second {
		return false
	}
	return true
}

// ValueFilter retains points by a field's value: an inclusive [Min, Max]
// range, a one-sided threshold with Op, or both. Points where the field is
// absent are never retained by a value filter; an absent reading cannot
// satisfy a comparison.
type ValueFilter struct {
	Field     telemetry.Field `json:"field"`
	Min       *float64        `json:"min,omitempty"`
	Max       *float64        `json:"max,omitempty"`
	Threshold *float64        `json:"threshold,omitempty"`
	Op        CompareOp       `json:"op,omitempty"`
}

func (f ValueFilter) matches(p telemetry.SeriesPoint) bool {
	s := p.Sample(f.Field)
	if !s.Present {
		return false
	}
	if f.Min != nil && s.Value < *f.Min {
		return false
	}
	if f.Max != nil && s.Value > *f.Max {
		return false
	}
	if f.Threshold != nil {
		switch f.Op {
		case CompareGreater:
			if s.Value <= *f.Threshold {
				return false
			}
		case CompareLess:
			if s.Value >= *f.Threshold {
				return false
			}
		}
	}
	return true
}

// Filters is the full filter state for one chart. Each filter is
// independently optional; set filters are AND-combined in the order
// date range, time-of-day, value.
type Filters struct {
	DateFromMs *int64           `json:"date_from_ms,omitempty"`
	DateToMs   *int64           `json:"date_to_ms,omitempty"`
	TimeOfDay  *TimeOfDayFilter `json:"time_of_day,omitempty"`
	Value      *ValueFilter     `json:"value,omitempty"`
}

// Validate checks that the filter state is well formed before it is
// attached to a chart slot. A half-specified threshold comparison is
// rejected rather than silently retaining everything.
func (f Filters) Validate() error {
	if f.TimeOfDay != nil {
		t := f.TimeOfDay
		if t.Hour < 0 || t.Hour > 23 {
			return errors.WrapInvalid(
				fmt.Errorf("%w: hour %d out of range", errors.ErrInvalidConfig, t.Hour),
				"projection", "Validate", "check time-of-day filter")
		}
		if t.Minute != nil && (*t.Minute < 0 || *t.Minute > 59) {
			return errors.WrapInvalid(
				fmt.Errorf("%w: minute %d out of range", errors.ErrInvalidConfig, *t.Minute),
				"projection", "Validate", "check time-of-day filter")
		}
		if t.Second != nil && (*t.Second < 0 || *t.Second > 59) {
			return errors.WrapInvalid(
				fmt.Errorf("%w: second %d out of range", errors.ErrInvalidConfig, *t.Second),
				"projection", "Validate", "check time-of-day filter")
		}
	}
	if f.Value != nil {
		v := f.Value
		if v.Threshold != nil && v.Op != CompareGreater && v.Op != CompareLess {
			return errors.WrapInvalid(
				fmt.Errorf("%w: threshold needs op %q or %q", errors.ErrInvalidConfig,
					CompareGreater, CompareLess),
				"projection", "Validate", "check value filter")
		}
		if v.Op != "" && v.Threshold == nil {
			return errors.WrapInvalid(
				fmt.Errorf("%w: op %q needs a threshold", errors.ErrInvalidConfig, v.Op),
				"projection", "Validate", "check value filter")
		}
	}
	return nil
}

// Apply returns the points retained by the filter state, in the input's
// order. The input is never mutated; the result is always a fresh slice,
// empty (not nil) when nothing survives.
func (f Filters) Apply(series []telemetry.SeriesPoint) []telemetry.SeriesPoint {
	retained := make([]telemetry.SeriesPoint, 0, len(series))
	for _, p := range series {
		if f.DateFromMs != nil && p.TimestampMs < *f.DateFromMs {
			continue
		}
		if f.DateToMs != nil && p.TimestampMs > *f.DateToMs {
			continue
		}
		if f.TimeOfDay != nil && !f.TimeOfDay.AggregatePoints && !f.TimeOfDay.matches(p.TimestampMs) {
			continue
		}
		retained = append(retained, p)
	}

	// The aggregating time-of-day path composes after date filtering: the
	// date-retained points are re-bucketed at clock resolution and each
	// bucket collapses to one averaged point.
	if f.TimeOfDay != nil && f.TimeOfDay.AggregatePoints {
		buckets := aggregate.Aggregate(retained, f.TimeOfDay.granularity())
		aggregate.SortChronological(buckets)
		retained = aggregate.Points(buckets)
	}

	// Value filtering runs last so it sees averaged values on the
	// aggregating path, matching what the chart will display.
	if f.Value != nil {
		filtered := retained[:0:0]
		for _, p := range retained {
			if f.Value.matches(p) {
				filtered = append(filtered, p)
			}
		}
		retained = filtered
	}

	if retained == nil {
		retained = []telemetry.SeriesPoint{}
	}
	return retained
}
