package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/flowscope/errors"
	"github.com/c360/flowscope/projection"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, FeedNATS, cfg.Feed.Kind)
	assert.Equal(t, 150, cfg.Funnel.DecimationCeiling)
	require.Len(t, cfg.Slots, 1)
	assert.Equal(t, projection.ChartLine, cfg.Slots[0].ChartType)
	assert.False(t, cfg.Query.Enabled)
	assert.Equal(t, 9100, cfg.Metrics.Port)
}

func TestLoad_MissingPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Feed.Kind, cfg.Feed.Kind)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"feed": {"kind": "kafka", "kafka": {"brokers": ["broker-1:9092"], "topic": "points"}},
		"funnel": {"decimation_ceiling": 80},
		"metrics": {"enabled": true, "port": 9200, "path": "/metrics"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, FeedKafka, cfg.Feed.Kind)
	assert.Equal(t, []string{"broker-1:9092"}, cfg.Feed.Kafka.Brokers)
	assert.Equal(t, "points", cfg.Feed.Kafka.Topic)
	assert.Equal(t, 80, cfg.Funnel.DecimationCeiling)
	assert.Equal(t, 9200, cfg.Metrics.Port)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Feed.NATS.Subject, cfg.Feed.NATS.Subject)
}

func TestLoad_RejectsUnreadableFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoad_RejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"feed": `), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FLOWSCOPE_FEED_KIND", "ws")
	t.Setenv("FLOWSCOPE_WS_URL", "ws://dash.example:9000/stream")
	t.Setenv("FLOWSCOPE_METRICS_PORT", "9300")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, FeedWS, cfg.Feed.Kind)
	assert.Equal(t, "ws://dash.example:9000/stream", cfg.Feed.WS.URL)
	assert.Equal(t, 9300, cfg.Metrics.Port)
}

func TestLoad_PgURLEnablesQueryFallback(t *testing.T) {
	t.Setenv("FLOWSCOPE_PG_URL", "postgres://user@db:5432/telemetry")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Query.Enabled)
	assert.Equal(t, "postgres://user@db:5432/telemetry", cfg.Query.Store.ConnString)
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown feed kind", func(c *Config) { c.Feed.Kind = "carrier-pigeon" }},
		{"broken selected feed", func(c *Config) {
			c.Feed.Kind = FeedKafka
			c.Feed.Kafka.Brokers = nil
		}},
		{"broken funnel", func(c *Config) { c.Funnel.DecimationCeiling = 0 }},
		{"broken query store", func(c *Config) {
			c.Query.Enabled = true
			c.Query.Store.Table = "not valid"
		}},
		{"metrics port out of range", func(c *Config) { c.Metrics.Port = 70000 }},
		{"empty metrics path", func(c *Config) { c.Metrics.Path = "" }},
		{"slot without name", func(c *Config) { c.Slots[0].Name = "" }},
		{"slot with unknown granularity", func(c *Config) {
			c.Slots[0].Granularity = "fortnight"
		}},
		{"slot with threshold missing op", func(c *Config) {
			threshold := 5.0
			c.Slots[0].Filters.Value = &projection.ValueFilter{
				Field:     "flow",
				Threshold: &threshold,
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestValidate_UnselectedFeedNotChecked(t *testing.T) {
	cfg := Default()
	cfg.Feed.Kind = FeedNATS
	cfg.Feed.Kafka.Brokers = nil

	assert.NoError(t, cfg.Validate())
}
