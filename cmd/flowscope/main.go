// Package main implements the entry point for the flowscope service: a
// live telemetry funnel that consumes point streams from a broker feed,
// maintains a merged series store, and emits chart-ready projections.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"log/slog"

	"github.com/joho/godotenv"

	"github.com/c360/flowscope/config"
	"github.com/c360/flowscope/feed"
	"github.com/c360/flowscope/feed/kafkafeed"
	"github.com/c360/flowscope/feed/mqttfeed"
	"github.com/c360/flowscope/feed/natsfeed"
	"github.com/c360/flowscope/feed/wsfeed"
	"github.com/c360/flowscope/funnel"
	"github.com/c360/flowscope/metric"
	"github.com/c360/flowscope/querystore"
	"github.com/c360/flowscope/render"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "flowscope"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	// Local .env files feed the FLOWSCOPE_* overrides; absence is normal
	// outside development.
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using process environment")
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting flowscope",
		"version", Version,
		"feed", cfg.Feed.Kind,
		"config_path", cliCfg.ConfigPath)

	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() { _ = metricsServer.Stop(5 * time.Second) }()
		slog.Info("Metrics endpoint up", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	}

	transport, err := buildTransport(cfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("build feed transport: %w", err)
	}

	ctx := context.Background()

	var loader funnel.Loader
	if cfg.Query.Enabled {
		store, err := querystore.Open(ctx, cfg.Query.Store, logger)
		if err != nil {
			// The query surface is a fallback; a live feed can still
			// carry the session.
			slog.Warn("query surface unavailable", "error", err)
		} else {
			defer store.Close()
			loader = store
		}
	}

	renders := render.NewRegistry(logger, metrics)

	f, err := funnel.New(cfg.Funnel, transport, loader, renders, logUpdates(logger), logger, metrics)
	if err != nil {
		return fmt.Errorf("create funnel: %w", err)
	}

	for _, slot := range cfg.Slots {
		if _, err := f.ConfigureSlot(slot.Owner, slot.Name, slot.SlotConfig); err != nil {
			return fmt.Errorf("configure slot %s/%s: %w", slot.Owner, slot.Name, err)
		}
	}

	return runWithSignalHandling(ctx, f, cliCfg.ShutdownTimeout)
}

// buildTransport constructs the feed selected by configuration.
func buildTransport(cfg *config.Config, logger *slog.Logger, metrics *metric.Metrics) (feed.Transport, error) {
	switch cfg.Feed.Kind {
	case config.FeedNATS:
		return natsfeed.NewFeed(cfg.Feed.NATS, logger, metrics)
	case config.FeedWS:
		return wsfeed.NewFeed(cfg.Feed.WS, logger, metrics)
	case config.FeedMQTT:
		return mqttfeed.NewFeed(cfg.Feed.MQTT, logger, metrics)
	case config.FeedKafka:
		return kafkafeed.NewFeed(cfg.Feed.Kafka, logger, metrics)
	default:
		return nil, fmt.Errorf("unknown feed kind %q", cfg.Feed.Kind)
	}
}

// logUpdates is the default sink: embedding applications replace it with a
// push channel to their display layer.
func logUpdates(logger *slog.Logger) funnel.Sink {
	return func(u funnel.Update) {
		logger.Debug("slot updated",
			"owner", u.Slot.Owner,
			"slot", u.Slot.Slot,
			"kind", u.Projection.ProjectionKind(),
			"empty", u.Projection.Empty(),
			"generation", u.Generation)
	}
}

// runWithSignalHandling starts the funnel and blocks until a shutdown
// signal arrives.
func runWithSignalHandling(ctx context.Context, f *funnel.Funnel, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := f.Start(signalCtx); err != nil {
		return fmt.Errorf("start funnel: %w", err)
	}
	slog.Info("Flowscope started")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := f.Stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("Flowscope shutdown complete")
	return nil
}
