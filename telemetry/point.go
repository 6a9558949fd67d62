// Package telemetry defines the canonical telemetry sample type and the
// normalizer that converts heterogeneous raw records into it.
//
// Raw records arrive from feeds and from the relational query surface with
// inconsistent field names, string-encoded numbers, and legacy aliases. The
// normalizer is the single place where all of that is resolved; everything
// downstream of it operates on SeriesPoint only.
package telemetry

import (
	"github.com/c360/flowscope/pkg/timestamp"
)

// Sample is a numeric field value that may be absent. Absent fields never
// carry NaN or a string; arithmetic downstream checks Present and skips
// absent samples.
type Sample struct {
	Value   float64 `json:"value"`
	Present bool    `json:"present"`
}

// Some returns a present sample.
func Some(v float64) Sample {
	return Sample{Value: v, Present: true}
}

// None returns an absent sample.
func None() Sample {
	return Sample{}
}

// SeriesPoint is one canonical telemetry sample. TimestampMs is the
// authoritative identity key: two points with the same timestamp describe
// the same instant and the later write wins.
type SeriesPoint struct {
	TimestampMs int64  `json:"timestamp_ms"`
	Flow        Sample `json:"flow"`
	PressurePct Sample `json:"pressure_pct"`
	FluidState  Sample `json:"fluid_state"`
	Noise       Sample `json:"noise"`
}

// Field identifies one of the numeric fields of a SeriesPoint.
type Field string

const (
	FieldFlow       Field = "flow"
	FieldPressure   Field = "pressure"
	FieldFluidState Field = "fluidState"
	FieldNoise      Field = "noise"
)

// Fields lists all numeric fields in display order.
func Fields() []Field {
	return []Field{FieldFlow, FieldPressure, FieldFluidState, FieldNoise}
}

// Sample returns the sample for the named field. Unknown fields are absent.
func (p SeriesPoint) Sample(f Field) Sample {
	switch f {
	case FieldFlow:
		return p.Flow
	case FieldPressure:
		return p.PressurePct
	case FieldFluidState:
		return p.FluidState
	case FieldNoise:
		return p.Noise
	default:
		return None()
	}
}

// Time returns the point's timestamp formatted for display.
func (p SeriesPoint) Time() string {
	return timestamp.Format(p.TimestampMs)
}
