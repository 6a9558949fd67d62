package telemetry

import (
	"github.com/c360/flowscope/errors"
	"github.com/c360/flowscope/pkg/timestamp"
)

// RawRecord is one duck-typed record as delivered by a feed or the bulk
// query surface. Field names and value types are not trusted.
type RawRecord map[string]any

// Field aliases, checked in order. The first key present in the record wins,
// even if its value fails to parse; aliases resolve naming, not data quality.
var (
	timestampAliases  = []string{"timestamp", "time", "ts", "date"}
	flowAliases       = []string{"flow", "flowRate", "flow_rate"}
	pressureAliases   = []string{"pressurePercentage", "pressure_percentage", "pressurePct", "pressure"}
	fluidStateAliases = []string{"fluidState", "fluid_state"}
	// Legacy ordinal counter, mapped to fluid state only when no explicit
	// fluid state field is present.
	stateCounterAliases = []string{"stateCounter", "state_counter", "counter"}
	noiseAliases        = []string{"noise"}
	// Secondary raw field the noise reading is derived from when no
	// explicit noise value is supplied.
	noiseRawAliases = []string{"noiseRaw", "noise_raw", "vibration"}
)

// Normalize converts a raw record into a canonical SeriesPoint. It is a pure
// function and safe to call concurrently on independent inputs.
//
// Every numeric field degrades to absent on parse failure. The only error is
// a missing or unparseable timestamp, because a point without identity
// cannot be merged.
func Normalize(raw RawRecord) (SeriesPoint, error) {
	ts := resolveTimestamp(raw)
	if ts == 0 {
		return SeriesPoint{}, errors.WrapInvalid(
			errors.ErrNoTimestamp, "telemetry", "Normalize", "resolve timestamp")
	}

	point := SeriesPoint{
		TimestampMs: ts,
		Flow:        firstSample(raw, flowAliases),
		PressurePct: firstSample(raw, pressureAliases),
		FluidState:  firstSample(raw, fluidStateAliases),
		Noise:       firstSample(raw, noiseAliases),
	}

	// Legacy records carry an ordinal state counter instead of an explicit
	// fluid state. The counter value is the state ordinal; use it only when
	// the explicit field is missing entirely.
	if _, hasExplicit := firstKey(raw, fluidStateAliases); !hasExplicit {
		point.FluidState = firstSample(raw, stateCounterAliases)
	}

	if _, hasExplicit := firstKey(raw, noiseAliases); !hasExplicit {
		point.Noise = firstSample(raw, noiseRawAliases)
	}

	return point, nil
}

// NormalizeBatch converts a batch of raw records, dropping records without a
// usable timestamp. It returns the normalized points and the count dropped.
func NormalizeBatch(records []RawRecord) ([]SeriesPoint, int) {
	points := make([]SeriesPoint, 0, len(records))
	dropped := 0
	for _, raw := range records {
		point, err := Normalize(raw)
		if err != nil {
			dropped++
			continue
		}
		points = append(points, point)
	}
	return points, dropped
}

func resolveTimestamp(raw RawRecord) int64 {
	for _, key := range timestampAliases {
		if v, ok := raw[key]; ok {
			if ms := timestamp.Parse(v); ms != 0 {
				return ms
			}
		}
	}
	return 0
}

// firstKey returns the first alias present in the record, regardless of
// whether its value parses.
func firstKey(raw RawRecord, aliases []string) (string, bool) {
	for _, key := range aliases {
		if _, ok := raw[key]; ok {
			return key, true
		}
	}
	return "", false
}

// firstSample parses the value of the first alias present in the record.
func firstSample(raw RawRecord, aliases []string) Sample {
	key, ok := firstKey(raw, aliases)
	if !ok {
		return None()
	}
	return ParseSample(raw[key])
}
