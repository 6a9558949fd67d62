// Package kafkafeed implements the feed.Transport contract over a Kafka
// consumer. Each message on the configured topic is decoded as a JSON
// record payload and delivered as one batch. Read errors back off and
// retry; the reader owns broker reconnection.
package kafkafeed

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/c360/flowscope/errors"
	"github.com/c360/flowscope/feed"
	"github.com/c360/flowscope/metric"
)

const (
	sourceName     = "kafka"
	readRetryDelay = 500 * time.Millisecond
)

// Config holds Kafka feed configuration.
type Config struct {
	// Brokers lists the bootstrap broker addresses.
	Brokers []string `json:"brokers"`

	// Topic is the topic carrying telemetry payloads.
	Topic string `json:"topic"`

	// GroupID is the consumer group; leave empty to read without one.
	GroupID string `json:"group_id"`

	// MinBytes and MaxBytes bound each fetch request.
	MinBytes int `json:"min_bytes"`
	MaxBytes int `json:"max_bytes"`

	// BatchBuffer is the capacity of the outgoing batch channel.
	BatchBuffer int `json:"batch_buffer"`
}

// DefaultConfig returns the default Kafka feed configuration.
func DefaultConfig() Config {
	return Config{
		Brokers:     []string{"localhost:9092"},
		Topic:       "telemetry.points",
		GroupID:     "flowscope",
		MinBytes:    1,
		MaxBytes:    10e6,
		BatchBuffer: 64,
	}
}

// Validate checks the configuration for usability.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: at least one broker is required", errors.ErrInvalidConfig),
			"kafkafeed",
			"Validate",
			"check brokers",
		)
	}
	if c.Topic == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: topic is required", errors.ErrInvalidConfig),
			"kafkafeed",
			"Validate",
			"check topic",
		)
	}
	if c.BatchBuffer <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: batch_buffer must be positive", errors.ErrInvalidConfig),
			"kafkafeed",
			"Validate",
			"check batch buffer",
		)
	}
	return nil
}

// Feed is a Kafka consumer transport.
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

	reader *kafka.Reader
}

// NewFeed creates a Kafka feed. logger and metrics may be nil.
func NewFeed(config Config, logger *slog.Logger, metrics *metric.Metrics) (*Feed, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		config:   config,
		logger:   logger.With("component", "kafkafeed"),
		metrics:  metrics,
		out:      make(chan feed.Batch, config.BatchBuffer),
		shutdown: make(chan struct{}),
	}, nil
}

// Batches returns the channel of decoded batches.
func (f *Feed) Batches() <-chan feed.Batch {
	return f.out
}

// Start creates the reader and begins consuming the telemetry topic.
func (f *Feed) Start(ctx context.Context) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if f.started.Load() {
		return errors.WrapFatal(
			errors.ErrAlreadyStarted,
			"kafkafeed",
			"Start",
			"check started state",
		)
	}

	f.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  f.config.Brokers,
		Topic:    f.config.Topic,
		GroupID:  f.config.GroupID,
		MinBytes: f.config.MinBytes,
		MaxBytes: f.config.MaxBytes,
	})

	feedCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	f.wg.Add(1)
	go f.readLoop(feedCtx)

	f.started.Store(true)
	f.logger.Info("consuming", "brokers", f.config.Brokers, "topic", f.config.Topic, "group", f.config.GroupID)
	return nil
}

// Stop closes the reader and waits for the read loop to exit.
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

	if f.reader != nil {
		if err := f.reader.Close(); err != nil {
			f.logger.Warn("reader close failed", "error", err)
		}
		f.reader = nil
	}

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
			"kafkafeed",
			"Stop",
			"wait for read loop",
		)
	}

	close(f.out)
	f.started.Store(false)
	return nil
}

// readLoop consumes messages until the context ends, backing off briefly on
// transient read errors.
func (f *Feed) readLoop(ctx context.Context) {
	defer f.wg.Done()

	reader := f.reader
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if stderrors.Is(err, context.Canceled) || stderrors.Is(err, kafka.ErrGroupClosed) {
				return
			}
			select {
			case <-f.shutdown:
				return
			default:
			}
			f.trackError("read_error")
			f.logger.Warn("read failed", "topic", f.config.Topic, "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}

		records, err := feed.DecodeRecords(msg.Value)
		if err != nil {
			f.trackError("parse_error")
			f.logger.Warn("skipping malformed payload", "topic", msg.Topic, "offset", msg.Offset, "error", err)
			continue
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
			return
		}
	}
}

func (f *Feed) trackError(errorType string) {
	if f.metrics != nil {
		f.metrics.ErrorsTotal.WithLabelValues("kafkafeed", errorType).Inc()
	}
}
