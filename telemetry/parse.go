package telemetry

import (
	"math"
	"strconv"
	"strings"
)

// absentTokens are string values that mean "no reading" on the wire.
// Matched case-insensitively after trimming.
var absentTokens = map[string]struct{}{
	"":          {},
	"n/a":       {},
	"na":        {},
	"null":      {},
	"undefined": {},
	"-":         {},
}

// ParseSample converts an arbitrary raw value into a Sample. The parser is
// deliberately permissive: thousands separators are stripped, known
// "no value" tokens resolve to absent, and any non-numeric residue resolves
// to absent rather than an error. NaN and infinities are treated as absent
// so downstream sums stay finite.
func ParseSample(v any) Sample {
	switch val := v.(type) {
	case nil:
		return None()
	case float64:
		return finite(val)
	case float32:
		return finite(float64(val))
	case int:
		return Some(float64(val))
	case int32:
		return Some(float64(val))
	case int64:
		return Some(float64(val))
	case uint:
		return Some(float64(val))
	case uint64:
		return Some(float64(val))
	case bool:
		// Booleans are not readings.
		return None()
	case string:
		return parseString(val)
	default:
		return None()
	}
}

func parseString(s string) Sample {
	trimmed := strings.TrimSpace(s)
	if _, absent := absentTokens[strings.ToLower(trimmed)]; absent {
		return None()
	}

	// Thousands separators show up in exported legacy data ("1,234.5").
	cleaned := strings.ReplaceAll(trimmed, ",", "")

	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return None()
	}
	return finite(f)
}

func finite(f float64) Sample {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return None()
	}
	return Some(f)
}
