// Package feed defines the transport contract for live telemetry delivery.
//
// A Transport pushes batches of raw records into the funnel without knowing
// anything about normalization or storage. Implementations live in the
// subpackages natsfeed, wsfeed, mqttfeed and kafkafeed; each one adapts a
// broker-specific client to the same lifecycle and channel shape so the
// funnel can consume any of them interchangeably.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/flowscope/errors"
	"github.com/c360/flowscope/telemetry"
)

// Batch is one delivery from a transport: the decoded raw records plus
// provenance. Records are still unvalidated at this point; normalization
// decides what survives.
type Batch struct {
	// Records holds the decoded payload entries in arrival order.
	Records []telemetry.RawRecord

	// Source names the transport that produced the batch (e.g. "nats", "ws").
	Source string

	// ReceivedAt is when the transport finished decoding the payload.
	ReceivedAt time.Time
}

// Transport is the lifecycle contract every feed implements.
//
// Start begins consuming and returns once the transport is running (or
// failed to come up). Batches delivers decoded payloads until the transport
// stops; the channel is closed during Stop. Stop shuts the transport down,
// waiting up to timeout for in-flight work to drain.
type Transport interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Batches() <-chan Batch
}

// DecodeRecords decodes a wire payload into raw records. Payloads are JSON:
// either an array of objects or a single object. Anything else is a parse
// error; transports count and skip such payloads rather than failing.
func DecodeRecords(data []byte) ([]telemetry.RawRecord, error) {
	if len(data) == 0 {
		return nil, errors.WrapInvalid(
			errors.ErrEmptyBatch,
			"feed",
			"DecodeRecords",
			"check payload length",
		)
	}

	var records []telemetry.RawRecord
	if err := json.Unmarshal(data, &records); err == nil {
		return records, nil
	}

	var single telemetry.RawRecord
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrParsingFailed, err),
			"feed",
			"DecodeRecords",
			"decode payload",
		)
	}
	return []telemetry.RawRecord{single}, nil
}
