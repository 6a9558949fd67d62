// Package config loads and validates the application configuration. The
// shape is JSON on disk, layered as defaults, then an optional config
// file, then environment overrides. Every sub-config validates itself, so
// a bad file fails fast at startup instead of at first use.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/c360/flowscope/errors"
	"github.com/c360/flowscope/feed/kafkafeed"
	"github.com/c360/flowscope/feed/mqttfeed"
	"github.com/c360/flowscope/feed/natsfeed"
	"github.com/c360/flowscope/feed/wsfeed"
	"github.com/c360/flowscope/funnel"
	"github.com/c360/flowscope/projection"
	"github.com/c360/flowscope/querystore"
)

// Feed kinds selectable in FeedConfig.Kind.
const (
	FeedNATS  = "nats"
	FeedWS    = "ws"
	FeedMQTT  = "mqtt"
	FeedKafka = "kafka"
)

// FeedConfig selects and configures the live transport. Only the section
// matching Kind is used.
type FeedConfig struct {
	Kind  string           `json:"kind"`
	NATS  natsfeed.Config  `json:"nats"`
	WS    wsfeed.Config    `json:"ws"`
	MQTT  mqttfeed.Config  `json:"mqtt"`
	Kafka kafkafeed.Config `json:"kafka"`
}

// SlotSpec declares one chart slot to configure at startup.
type SlotSpec struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`

	funnel.SlotConfig
}

// QueryConfig configures the relational fallback surface.
type QueryConfig struct {
	Enabled bool              `json:"enabled"`
	Store   querystore.Config `json:"store"`
}

// MetricsConfig configures the prometheus exposure endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// Config is the complete application configuration.
type Config struct {
	Feed    FeedConfig    `json:"feed"`
	Funnel  funnel.Config `json:"funnel"`
	Slots   []SlotSpec    `json:"slots"`
	Query   QueryConfig   `json:"query"`
	Metrics MetricsConfig `json:"metrics"`
}

// Default returns the full default configuration: NATS feed, fallback
// disabled, metrics on :9100.
func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			Kind:  FeedNATS,
			NATS:  natsfeed.DefaultConfig(),
			WS:    wsfeed.DefaultConfig(),
			MQTT:  mqttfeed.DefaultConfig(),
			Kafka: kafkafeed.DefaultConfig(),
		},
		Funnel: funnel.DefaultConfig(),
		Slots: []SlotSpec{
			{
				Owner: "dashboard",
				Name:  "main",
				SlotConfig: funnel.SlotConfig{
					ChartType: projection.ChartLine,
				},
			},
		},
		Query: QueryConfig{
			Enabled: false,
			Store:   querystore.DefaultConfig(),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9100,
			Path:    "/metrics",
		},
	}
}

// Load builds the configuration from defaults, the optional JSON file at
// path (empty path skips the file), and environment overrides, then
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
				"config",
				"Load",
				"read config file",
			)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
				"config",
				"Load",
				"parse config file",
			)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the whole tree for usability.
func (c *Config) Validate() error {
	switch c.Feed.Kind {
	case FeedNATS:
		if err := c.Feed.NATS.Validate(); err != nil {
			return err
		}
	case FeedWS:
		if err := c.Feed.WS.Validate(); err != nil {
			return err
		}
	case FeedMQTT:
		if err := c.Feed.MQTT.Validate(); err != nil {
			return err
		}
	case FeedKafka:
		if err := c.Feed.Kafka.Validate(); err != nil {
			return err
		}
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown feed kind %q", errors.ErrInvalidConfig, c.Feed.Kind),
			"config",
			"Validate",
			"check feed kind",
		)
	}

	if err := c.Funnel.Validate(); err != nil {
		return err
	}

	for i, slot := range c.Slots {
		if slot.Owner == "" || slot.Name == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: slot %d needs owner and name", errors.ErrInvalidConfig, i),
				"config",
				"Validate",
				"check slots",
			)
		}
		if slot.Granularity != "" && !slot.Granularity.Valid() {
			return errors.WrapInvalid(
				fmt.Errorf("%w: slot %q has unknown granularity %q", errors.ErrInvalidConfig, slot.Name, slot.Granularity),
				"config",
				"Validate",
				"check slots",
			)
		}
		if err := slot.Filters.Validate(); err != nil {
			return errors.Wrap(err, "config", "Validate", fmt.Sprintf("check slot %q filters", slot.Name))
		}
	}

	if c.Query.Enabled {
		if err := c.Query.Store.Validate(); err != nil {
			return err
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return errors.WrapInvalid(
				fmt.Errorf("%w: metrics port %d out of range", errors.ErrInvalidConfig, c.Metrics.Port),
				"config",
				"Validate",
				"check metrics port",
			)
		}
		if c.Metrics.Path == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: metrics path is required", errors.ErrInvalidConfig),
				"config",
				"Validate",
				"check metrics path",
			)
		}
	}

	return nil
}

// applyEnvOverrides patches the config from FLOWSCOPE_* environment
// variables. Only stable operational knobs are exposed this way.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOWSCOPE_FEED_KIND"); v != "" {
		cfg.Feed.Kind = v
	}
	if v := os.Getenv("FLOWSCOPE_NATS_URL"); v != "" {
		cfg.Feed.NATS.URL = v
	}
	if v := os.Getenv("FLOWSCOPE_NATS_SUBJECT"); v != "" {
		cfg.Feed.NATS.Subject = v
	}
	if v := os.Getenv("FLOWSCOPE_WS_URL"); v != "" {
		cfg.Feed.WS.URL = v
	}
	if v := os.Getenv("FLOWSCOPE_MQTT_BROKER_URL"); v != "" {
		cfg.Feed.MQTT.BrokerURL = v
	}
	if v := os.Getenv("FLOWSCOPE_PG_URL"); v != "" {
		cfg.Query.Enabled = true
		cfg.Query.Store.ConnString = v
	}
	if v := os.Getenv("FLOWSCOPE_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
