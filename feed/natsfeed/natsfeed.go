// Package natsfeed implements the feed.Transport contract over a NATS
// subscription. Each message on the configured subject is decoded as a JSON
// record payload and delivered as one batch. Reconnection is delegated to
// the NATS client itself.
package natsfeed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/c360/flowscope/errors"
	"github.com/c360/flowscope/feed"
	"github.com/c360/flowscope/metric"
)

const sourceName = "nats"

// Config holds NATS feed configuration.
type Config struct {
	// URL is the NATS server address.
	URL string `json:"url"`

	// Subject is the subject carrying telemetry payloads.
	Subject string `json:"subject"`

	// Name identifies this client on the server.
	Name string `json:"name"`

	// MaxReconnects caps client-side reconnect attempts (-1 for unlimited).
	MaxReconnects int `json:"max_reconnects"`

	// ReconnectWait is the delay between reconnect attempts.
	ReconnectWait time.Duration `json:"reconnect_wait"`

	// BatchBuffer is the capacity of the outgoing batch channel.
	BatchBuffer int `json:"batch_buffer"`
}

// DefaultConfig returns the default NATS feed configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Subject:       "telemetry.points",
		Name:          "flowscope-feed",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		BatchBuffer:   64,
	}
}

// Validate checks the configuration for usability.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: url is required", errors.ErrInvalidConfig),
			"natsfeed",
			"Validate",
			"check url",
		)
	}
	if c.Subject == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: subject is required", errors.ErrInvalidConfig),
			"natsfeed",
			"Validate",
			"check subject",
		)
	}
	if c.BatchBuffer <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: batch_buffer must be positive", errors.ErrInvalidConfig),
			"natsfeed",
			"Validate",
			"check batch buffer",
		)
	}
	return nil
}

// Feed is a NATS subscriber transport.
type Feed struct {
	config  Config
	logger  *slog.Logger
	metrics *metric.Metrics

	out chan feed.Batch

	lifecycleMu  sync.Mutex
	started      atomic.Bool
	shutdown     chan struct{}
	shutdownOnce sync.Once

	conn *nats.Conn
	sub  *nats.Subscription
}

// NewFeed creates a NATS feed. logger and metrics may be nil.
func NewFeed(config Config, logger *slog.Logger, metrics *metric.Metrics) (*Feed, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		config:   config,
		logger:   logger.With("component", "natsfeed"),
		metrics:  metrics,
		out:      make(chan feed.Batch, config.BatchBuffer),
		shutdown: make(chan struct{}),
	}, nil
}

// Batches returns the channel of decoded batches.
func (f *Feed) Batches() <-chan feed.Batch {
	return f.out
}

// Start connects to the server and subscribes to the telemetry subject.
func (f *Feed) Start(ctx context.Context) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if f.started.Load() {
		return errors.WrapFatal(
			errors.ErrAlreadyStarted,
			"natsfeed",
			"Start",
			"check started state",
		)
	}

	opts := []nats.Option{
		nats.Name(f.config.Name),
		nats.MaxReconnects(f.config.MaxReconnects),
		nats.ReconnectWait(f.config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			f.trackError("disconnect")
			f.logger.Warn("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			f.logger.Info("reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(f.config.URL, opts...)
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrNoConnection, err),
			"natsfeed",
			"Start",
			"connect to server",
		)
	}

	sub, err := conn.Subscribe(f.config.Subject, func(msg *nats.Msg) {
		f.handleMessage(msg.Data)
	})
	if err != nil {
		conn.Close()
		return errors.WrapTransient(
			err,
			"natsfeed",
			"Start",
			"subscribe to subject",
		)
	}

	f.conn = conn
	f.sub = sub
	f.started.Store(true)
	f.logger.Info("subscribed", "url", f.config.URL, "subject", f.config.Subject)

	// Tear the subscription down if the surrounding context ends first.
	go func() {
		select {
		case <-ctx.Done():
			_ = f.Stop(5 * time.Second)
		case <-f.shutdown:
		}
	}()

	return nil
}

// Stop drains the subscription and closes the connection.
func (f *Feed) Stop(timeout time.Duration) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if !f.started.Load() {
		return nil
	}

	f.shutdownOnce.Do(func() {
		close(f.shutdown)
	})

	if f.sub != nil {
		if err := f.sub.Unsubscribe(); err != nil {
			f.logger.Warn("unsubscribe failed", "error", err)
		}
		f.sub = nil
	}
	if f.conn != nil {
		drained := make(chan struct{})
		go func() {
			_ = f.conn.Drain()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(timeout):
			f.conn.Close()
		}
		f.conn = nil
	}

	close(f.out)
	f.started.Store(false)
	return nil
}

func (f *Feed) handleMessage(data []byte) {
	select {
	case <-f.shutdown:
		return
	default:
	}

	records, err := feed.DecodeRecords(data)
	if err != nil {
		f.trackError("parse_error")
		f.logger.Warn("skipping malformed payload", "subject", f.config.Subject, "error", err)
		return
	}

	batch := feed.Batch{
		Records:    records,
		Source:     sourceName,
		ReceivedAt: time.Now(),
	}

	select {
	case f.out <- batch:
		if f.metrics != nil {
			f.metrics.BatchesReceived.WithLabelValues(sourceName).Inc()
		}
	case <-f.shutdown:
	}
}

func (f *Feed) trackError(errorType string) {
	if f.metrics != nil {
		f.metrics.ErrorsTotal.WithLabelValues("natsfeed", errorType).Inc()
	}
}
