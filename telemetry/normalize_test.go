package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/flowscope/errors"
)

func TestParseSample(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  Sample
	}{
		{"nil", nil, None()},
		{"float64", 12.5, Some(12.5)},
		{"int", 42, Some(42)},
		{"int64", int64(7), Some(7)},
		{"numeric string", "12.5", Some(12.5)},
		{"thousands separators", "1,234.5", Some(1234.5)},
		{"padded string", "  88 ", Some(88)},
		{"empty string", "", None()},
		{"n/a lowercase", "n/a", None()},
		{"N/A uppercase", "N/A", None()},
		{"null token", "null", None()},
		{"undefined token", "undefined", None()},
		{"dash placeholder", "-", None()},
		{"garbage string", "12abc", None()},
		{"bool", true, None()},
		{"nested map", map[string]any{"x": 1}, None()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSample(tt.input))
		})
	}
}

func TestNormalize(t *testing.T) {
	ts := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	t.Run("full record", func(t *testing.T) {
		point, err := Normalize(RawRecord{
			"timestamp":          ts.UnixMilli(),
			"flow":               "42.5",
			"pressurePercentage": 81.25,
			"fluidState":         2,
			"noise":              0.3,
		})
		require.NoError(t, err)
		assert.Equal(t, ts.UnixMilli(), point.TimestampMs)
		assert.Equal(t, Some(42.5), point.Flow)
		assert.Equal(t, Some(81.25), point.PressurePct)
		assert.Equal(t, Some(2), point.FluidState)
		assert.Equal(t, Some(0.3), point.Noise)
	})

	t.Run("legacy counter maps to fluid state", func(t *testing.T) {
		point, err := Normalize(RawRecord{
			"time":         ts.Format(time.RFC3339),
			"stateCounter": 3,
		})
		require.NoError(t, err)
		assert.Equal(t, Some(3), point.FluidState)
	})

	t.Run("explicit fluid state wins over counter", func(t *testing.T) {
		point, err := Normalize(RawRecord{
			"ts":           ts.UnixMilli(),
			"fluidState":   1,
			"stateCounter": 9,
		})
		require.NoError(t, err)
		assert.Equal(t, Some(1), point.FluidState)
	})

	t.Run("absence of both yields absent fluid state", func(t *testing.T) {
		point, err := Normalize(RawRecord{"timestamp": ts.UnixMilli()})
		require.NoError(t, err)
		assert.Equal(t, None(), point.FluidState)
	})

	t.Run("noise derived from secondary field", func(t *testing.T) {
		point, err := Normalize(RawRecord{
			"timestamp": ts.UnixMilli(),
			"noise_raw": "0.75",
		})
		require.NoError(t, err)
		assert.Equal(t, Some(0.75), point.Noise)
	})

	t.Run("unparseable field is absent, never an error", func(t *testing.T) {
		point, err := Normalize(RawRecord{
			"timestamp": ts.UnixMilli(),
			"flow":      "broken",
			"pressure":  nil,
		})
		require.NoError(t, err)
		assert.Equal(t, None(), point.Flow)
		assert.Equal(t, None(), point.PressurePct)
	})

	t.Run("missing timestamp is the only error", func(t *testing.T) {
		_, err := Normalize(RawRecord{"flow": 10})
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
	})

	t.Run("unparseable timestamp is an error", func(t *testing.T) {
		_, err := Normalize(RawRecord{"timestamp": "yesterday-ish", "flow": 10})
		require.Error(t, err)
	})
}

func TestNormalizeBatch(t *testing.T) {
	ts := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC).UnixMilli()

	points, dropped := NormalizeBatch([]RawRecord{
		{"timestamp": ts, "flow": 1},
		{"flow": 2}, // no timestamp
		{"timestamp": ts + 1000, "flow": 3},
	})
	assert.Len(t, points, 2)
	assert.Equal(t, 1, dropped)

	points, dropped = NormalizeBatch(nil)
	assert.Empty(t, points)
	assert.Zero(t, dropped)
}

func TestSeriesPoint_Sample(t *testing.T) {
	p := SeriesPoint{
		Flow:        Some(1),
		PressurePct: Some(2),
		FluidState:  Some(3),
		Noise:       Some(4),
	}
	assert.Equal(t, Some(1), p.Sample(FieldFlow))
	assert.Equal(t, Some(2), p.Sample(FieldPressure))
	assert.Equal(t, Some(3), p.Sample(FieldFluidState))
	assert.Equal(t, Some(4), p.Sample(FieldNoise))
	assert.Equal(t, None(), p.Sample(Field("bogus")))
}
