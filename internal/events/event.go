// Package events defines the capture event data model and the IPC envelope
// carrying it to the local intelligence process. Field names are snake_case
// on the wire and optional fields are omitted, never emitted as null.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the envelope schema version. Receivers must reject or
// quarantine envelopes with a version they do not recognize.
const ProtocolVersion = 1

// timestampLayout is ISO-8601 UTC with microsecond precision.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// CaptureEvent is the atomic unit of observation. The window title has
// already passed PII scrubbing by the time an event reaches serialization;
// constructing an event with raw text and serializing it is a pipeline bug,
// not a condition this type defends against.
type CaptureEvent struct {
	EventType        Type           `json:"event_type"`
	SequenceNumber   uint64         `json:"sequence_number"`
	Timestamp        string         `json:"timestamp"`
	ApplicationName  string         `json:"application_name,omitempty"`
	BundleIdentifier string         `json:"bundle_identifier,omitempty"`
	WindowTitle      string         `json:"window_title,omitempty"`
	EventData        map[string]any `json:"event_data,omitempty"`
	IdempotencyKey   string         `json:"idempotency_key"`
}

// CanonicalID returns the identifier the context filter matches against:
// the platform bundle identifier when resolved, the application name
// otherwise. Empty means the process could not be identified.
func (e *CaptureEvent) CanonicalID() string {
	if e.BundleIdentifier != "" {
		return e.BundleIdentifier
	}
	return e.ApplicationName
}

// New creates an event of the given type with its creation timestamp and
// idempotency key assigned. The sequence number is assigned later, by the
// capture manager, and only to events that survive filtering.
func New(t Type) *CaptureEvent {
	return &CaptureEvent{
		EventType:      t,
		Timestamp:      time.Now().UTC().Format(timestampLayout),
		IdempotencyKey: uuid.NewString(),
	}
}

// Envelope is the versioned, sequenced IPC frame. Envelopes are sent as
// newline-delimited JSON; the receiver detects gaps via sequence_number and
// deduplicates retries via the event's idempotency key.
type Envelope struct {
	Version        int           `json:"version"`
	SequenceNumber uint64        `json:"sequence_number"`
	TimestampNS    int64         `json:"timestamp_ns"`
	Event          *CaptureEvent `json:"event"`
}

// Wrap builds the envelope for a dispatched event.
func Wrap(ev *CaptureEvent) *Envelope {
	return &Envelope{
		Version:        ProtocolVersion,
		SequenceNumber: ev.SequenceNumber,
		TimestampNS:    time.Now().UnixNano(),
		Event:          ev,
	}
}

// Marshal serializes the envelope to a single JSON line (without the
// trailing newline).
func (env *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// UnmarshalEnvelope parses a received envelope line and validates the
// protocol version and event type.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Version != ProtocolVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.Version)
	}
	if env.Event == nil {
		return nil, fmt.Errorf("envelope has no event")
	}
	if !env.Event.EventType.Valid() {
		return nil, fmt.Errorf("unknown event type %q", env.Event.EventType)
	}
	return &env, nil
}
