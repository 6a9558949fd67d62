// Package mqttfeed implements the feed.Transport contract over an MQTT
// subscription. Each publish on the configured topic is decoded as a JSON
// record payload and delivered as one batch. The paho client handles
// reconnection and re-subscription internally.
package mqttfeed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/flowscope/errors"
	"github.com/c360/flowscope/feed"
	"github.com/c360/flowscope/metric"
)

const sourceName = "mqtt"

// Config holds MQTT feed configuration.
type Config struct {
	// BrokerURL is the tcp:// or ssl:// broker address.
	BrokerURL string `json:"broker_url"`

	// Topic is the topic carrying telemetry payloads.
	Topic string `json:"topic"`

	// ClientID identifies this client on the broker.
	ClientID string `json:"client_id"`

	// QoS is the subscription quality of service (0, 1 or 2).
	QoS byte `json:"qos"`

	// ConnectTimeout bounds the initial broker connection.
	ConnectTimeout time.Duration `json:"connect_timeout"`

	// BatchBuffer is the capacity of the outgoing batch channel.
	BatchBuffer int `json:"batch_buffer"`
}

// DefaultConfig returns the default MQTT feed configuration.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		Topic:          "telemetry/points",
		ClientID:       "flowscope-feed",
		QoS:            0,
		ConnectTimeout: 10 * time.Second,
		BatchBuffer:    64,
	}
}

// Validate checks the configuration for usability.
func (c Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: broker_url is required", errors.ErrInvalidConfig),
			"mqttfeed",
			"Validate",
			"check broker url",
		)
	}
	if c.Topic == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: topic is required", errors.ErrInvalidConfig),
			"mqttfeed",
			"Validate",
			"check topic",
		)
	}
	if c.QoS > 2 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: qos must be 0, 1 or 2", errors.ErrInvalidConfig),
			"mqttfeed",
			"Validate",
			"check qos",
		)
	}
	if c.BatchBuffer <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: batch_buffer must be positive", errors.ErrInvalidConfig),
			"mqttfeed",
			"Validate",
			"check batch buffer",
		)
	}
	return nil
}

// Feed is an MQTT subscriber transport.
type Feed struct {
	config  Config
	logger  *slog.Logger
	metrics *metric.Metrics

	out chan feed.Batch

	lifecycleMu  sync.Mutex
	started      atomic.Bool
	shutdown     chan struct{}
	shutdownOnce sync.Once

	client mqtt.Client
}

// NewFeed creates an MQTT feed. logger and metrics may be nil.
func NewFeed(config Config, logger *slog.Logger, metrics *metric.Metrics) (*Feed, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		config:   config,
		logger:   logger.With("component", "mqttfeed"),
		metrics:  metrics,
		out:      make(chan feed.Batch, config.BatchBuffer),
		shutdown: make(chan struct{}),
	}, nil
}

// Batches returns the channel of decoded batches.
func (f *Feed) Batches() <-chan feed.Batch {
	return f.out
}

// Start connects to the broker and subscribes to the telemetry topic.
func (f *Feed) Start(ctx context.Context) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if f.started.Load() {
		return errors.WrapFatal(
			errors.ErrAlreadyStarted,
			"mqttfeed",
			"Start",
			"check started state",
		)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(f.config.BrokerURL).
		SetClientID(f.config.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(f.config.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			f.trackError("connection_lost")
			f.logger.Warn("connection lost", "error", err)
		}).
		SetOnConnectHandler(func(client mqtt.Client) {
			// Runs on first connect and every reconnect, so the
			// subscription survives broker restarts.
			token := client.Subscribe(f.config.Topic, f.config.QoS, f.onMessage)
			token.Wait()
			if token.Error() != nil {
				f.trackError("subscribe_error")
				f.logger.Error("subscribe failed", "topic", f.config.Topic, "error", token.Error())
				return
			}
			f.logger.Info("subscribed", "broker", f.config.BrokerURL, "topic", f.config.Topic)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(f.config.ConnectTimeout) {
		client.Disconnect(0)
		return errors.WrapTransient(
			fmt.Errorf("%w: connect timed out after %v", errors.ErrConnectionTimeout, f.config.ConnectTimeout),
			"mqttfeed",
			"Start",
			"connect to broker",
		)
	}
	if token.Error() != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrNoConnection, token.Error()),
			"mqttfeed",
			"Start",
			"connect to broker",
		)
	}

	f.client = client
	f.started.Store(true)

	go func() {
		select {
		case <-ctx.Done():
			_ = f.Stop(5 * time.Second)
		case <-f.shutdown:
		}
	}()

	return nil
}

// Stop unsubscribes and disconnects from the broker.
func (f *Feed) Stop(timeout time.Duration) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if !f.started.Load() {
		return nil
	}

	f.shutdownOnce.Do(func() {
		close(f.shutdown)
	})

	if f.client != nil {
		token := f.client.Unsubscribe(f.config.Topic)
		token.WaitTimeout(timeout)
		f.client.Disconnect(uint(timeout.Milliseconds()))
		f.client = nil
	}

	close(f.out)
	f.started.Store(false)
	return nil
}

func (f *Feed) onMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case <-f.shutdown:
		return
	default:
	}

	records, err := feed.DecodeRecords(msg.Payload())
	if err != nil {
		f.trackError("parse_error")
		f.logger.Warn("skipping malformed payload", "topic", msg.Topic(), "error", err)
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
		f.metrics.ErrorsTotal.WithLabelValues("mqttfeed", errorType).Inc()
	}
}
