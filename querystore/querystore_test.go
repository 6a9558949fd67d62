package querystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/flowscope/errors"
)

func floatPtr(v float64) *float64 { return &v }

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default is valid", func(_ *Config) {}, false},
		{"missing conn string", func(c *Config) { c.ConnString = "" }, true},
		{"missing table", func(c *Config) { c.Table = "" }, true},
		{"table with injection", func(c *Config) { c.Table = "points; DROP TABLE x" }, true},
		{"table with uppercase", func(c *Config) { c.Table = "Points" }, true},
		{"table starting with digit", func(c *Config) { c.Table = "1points" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)

			err := config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_Validate_NamesOffendingTable(t *testing.T) {
	config := DefaultConfig()
	config.Table = "Bad-Table!"

	err := config.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"Bad-Table!"`)
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"empty request", Request{}, false},
		{"range only", Request{FromMs: 1000, ToMs: 2000}, false},
		{"known field with min", Request{Field: "flow", Min: floatPtr(5)}, false},
		{"fluid state column alias", Request{Field: "fluidState", Max: floatPtr(9)}, false},
		{"threshold with op", Request{Field: "noise", Threshold: floatPtr(0.5), Op: ">"}, false},
		{"unknown field", Request{Field: "velocity"}, true},
		{"threshold without op", Request{Field: "flow", Threshold: floatPtr(1)}, true},
		{"threshold with bad op", Request{Field: "flow", Threshold: floatPtr(1), Op: ">="}, true},
		{"predicate without field", Request{Min: floatPtr(1)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBuildRangeQuery_Unconstrained(t *testing.T) {
	sql, args := buildRangeQuery("telemetry_points", Request{})

	assert.Equal(t,
		"SELECT timestamp, flow, pressure, fluid_state, noise FROM telemetry_points ORDER BY timestamp ASC",
		sql)
	assert.Empty(t, args)
}

func TestBuildRangeQuery_TimeRange(t *testing.T) {
	sql, args := buildRangeQuery("telemetry_points", Request{FromMs: 1000, ToMs: 2000})

	assert.Contains(t, sql, "timestamp >= $1")
	assert.Contains(t, sql, "timestamp <= $2")
	assert.Equal(t, []any{int64(1000), int64(2000)}, args)
}

func TestBuildRangeQuery_ValuePredicates(t *testing.T) {
	req := Request{
		FromMs:    1000,
		Field:     "fluidState",
		Min:       floatPtr(2),
		Max:       floatPtr(8),
		Threshold: floatPtr(5),
		Op:        ">",
	}

	sql, args := buildRangeQuery("telemetry_points", req)

	assert.Contains(t, sql, "fluid_state >= $2")
	assert.Contains(t, sql, "fluid_state <= $3")
	assert.Contains(t, sql, "fluid_state > $4")
	assert.Equal(t, []any{int64(1000), 2.0, 8.0, 5.0}, args)
}

func TestBuildRangeQuery_ValuesNeverInSQLText(t *testing.T) {
	req := Request{Field: "flow", Threshold: floatPtr(42.5), Op: "<"}

	sql, _ := buildRangeQuery("telemetry_points", req)

	assert.NotContains(t, sql, "42.5")
	assert.Contains(t, sql, "flow < $1")
}
