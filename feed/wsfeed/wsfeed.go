// Package wsfeed implements the feed.Transport contract over a WebSocket
// client connection. It dials a remote push endpoint, decodes each text or
// binary frame as a JSON record payload, and delivers the result as a batch.
// Lost connections are re-dialed with exponential backoff.
package wsfeed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/c360/flowscope/errors"
	"github.com/c360/flowscope/feed"
	"github.com/c360/flowscope/metric"
)

const sourceName = "ws"

// ReconnectConfig controls re-dial behavior after a lost connection.
type ReconnectConfig struct {
	Enabled         bool          `json:"enabled"`
	MaxRetries      int           `json:"max_retries"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	Multiplier      float64       `json:"multiplier"`
}

// Config holds WebSocket feed configuration.
type Config struct {
	// URL is the ws:// or wss:// endpoint that pushes telemetry frames.
	URL string `json:"url"`

	// HandshakeTimeout bounds the initial dial handshake.
	HandshakeTimeout time.Duration `json:"handshake_timeout"`

	// BatchBuffer is the capacity of the outgoing batch channel.
	BatchBuffer int `json:"batch_buffer"`

	Reconnect *ReconnectConfig `json:"reconnect,omitempty"`
}

// DefaultConfig returns the default WebSocket feed configuration.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/stream",
		HandshakeTimeout: 45 * time.Second,
		BatchBuffer:      64,
		Reconnect: &ReconnectConfig{
			Enabled:         true,
			MaxRetries:      10,
			InitialInterval: 1 * time.Second,
			MaxInterval:     60 * time.Second,
			Multiplier:      2.0,
		},
	}
}

// Validate checks the configuration for usability.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: url is required", errors.ErrInvalidConfig),
			"wsfeed",
			"Validate",
			"check url",
		)
	}
	if c.BatchBuffer <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: batch_buffer must be positive", errors.ErrInvalidConfig),
			"wsfeed",
			"Validate",
			"check batch buffer",
		)
	}
	return nil
}

// Feed is a client-mode WebSocket transport.
type Feed struct {
	config  Config
	logger  *slog.Logger
	metrics *metric.Metrics

	out chan feed.Batch

	lifecycleMu  sync.Mutex
	started      atomic.Bool
	cancel       context.CancelFunc
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	connMu sync.Mutex
	conn   *websocket.Conn

	reconnectAttempts atomic.Int32
}

// NewFeed creates a WebSocket feed. logger and metrics may be nil.
func NewFeed(config Config, logger *slog.Logger, metrics *metric.Metrics) (*Feed, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		config:   config,
		logger:   logger.With("component", "wsfeed"),
		metrics:  metrics,
		out:      make(chan feed.Batch, config.BatchBuffer),
		shutdown: make(chan struct{}),
	}, nil
}

// Batches returns the channel of decoded batches.
func (f *Feed) Batches() <-chan feed.Batch {
	return f.out
}

// Start dials the endpoint and begins delivering batches. The connect loop
// runs until the context is canceled or Stop is called.
func (f *Feed) Start(ctx context.Context) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if f.started.Load() {
		return errors.WrapFatal(
			errors.ErrAlreadyStarted,
			"wsfeed",
			"Start",
			"check started state",
		)
	}

	feedCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	f.wg.Add(1)
	go f.connectLoop(feedCtx)

	f.started.Store(true)
	return nil
}

// Stop closes the connection and waits for the connect loop to exit.
func (f *Feed) Stop(timeout time.Duration) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if !f.started.Load() {
		return nil
	}

	f.shutdownOnce.Do(func() {
		close(f.shutdown)
	})
	f.cancel()

	f.connMu.Lock()
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
	f.connMu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"wsfeed",
			"Stop",
			"wait for connect loop",
		)
	}

	close(f.out)
	f.started.Store(false)
	return nil
}

// connectLoop dials the endpoint and reads frames until shutdown, re-dialing
// with backoff after each failure or disconnect.
func (f *Feed) connectLoop(ctx context.Context) {
	defer f.wg.Done()

	dialer := &websocket.Dialer{
		HandshakeTimeout: f.config.HandshakeTimeout,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.shutdown:
			return
		default:
		}

		conn, _, err := dialer.DialContext(ctx, f.config.URL, nil)
		if err != nil {
			f.trackError("connect_error")
			f.logger.Warn("dial failed", "url", f.config.URL, "error", err)

			if !f.shouldReconnect() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-f.shutdown:
				return
			case <-time.After(f.reconnectDelay()):
			}
			continue
		}

		f.reconnectAttempts.Store(0)

		f.connMu.Lock()
		f.conn = conn
		f.connMu.Unlock()

		f.logger.Info("connected", "url", f.config.URL)
		f.readLoop(conn)

		f.connMu.Lock()
		f.conn = nil
		f.connMu.Unlock()

		if !f.shouldReconnect() {
			return
		}
	}
}

// readLoop reads frames from one connection until it drops.
func (f *Feed) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-f.shutdown:
			return
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				f.trackError("read_error")
				return
			}

			records, err := feed.DecodeRecords(message)
			if err != nil {
				f.trackError("parse_error")
				f.logger.Warn("skipping malformed frame", "error", err)
				continue
			}

			f.deliver(feed.Batch{
				Records:    records,
				Source:     sourceName,
				ReceivedAt: time.Now(),
			})
		}
	}
}

func (f *Feed) deliver(batch feed.Batch) {
	select {
	case f.out <- batch:
		if f.metrics != nil {
			f.metrics.BatchesReceived.WithLabelValues(sourceName).Inc()
		}
	case <-f.shutdown:
	}
}

// shouldReconnect reports whether another dial attempt is allowed, counting
// the attempt when it is.
func (f *Feed) shouldReconnect() bool {
	cfg := f.config.Reconnect
	if cfg == nil || !cfg.Enabled {
		return false
	}

	current := f.reconnectAttempts.Load()
	if cfg.MaxRetries > 0 && int(current) >= cfg.MaxRetries {
		return false
	}

	f.reconnectAttempts.Add(1)
	return true
}

// reconnectDelay computes the next backoff delay from the attempt count.
func (f *Feed) reconnectDelay() time.Duration {
	cfg := f.config.Reconnect
	attempts := f.reconnectAttempts.Load()

	delay := cfg.InitialInterval
	for j := int32(1); j < attempts; j++ {
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxInterval {
			return cfg.MaxInterval
		}
	}
	return delay
}

func (f *Feed) trackError(errorType string) {
	if f.metrics != nil {
		f.metrics.ErrorsTotal.WithLabelValues("wsfeed", errorType).Inc()
	}
}
