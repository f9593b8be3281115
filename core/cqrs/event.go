package cqrs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/cqrs-go/internal/reflector"
)

// Version is the sequence number of an event within its stream. It is
// monotonically increasing, starting at 1 for the first event, and doubles
// as the stream's current version for optimistic concurrency control.
type Version uint64

// VersionAny disables the expected-version check on append.
const VersionAny Version = ^Version(0)

func (v Version) Uint64() uint64                       { return uint64(v) }
func (v Version) SlogAttr() slog.Attr                  { return slog.Uint64("version", uint64(v)) }
func (v Version) SlogAttrWithKey(key string) slog.Attr { return slog.Uint64(key, uint64(v)) }

// Event is an immutable fact belonging to exactly one stream. Once appended
// its version and payload never change.
type Event struct {
	// ID is the unique identifier of this event.
	ID string `json:"id"`
	// StreamID identifies the stream this event belongs to.
	StreamID string `json:"stream_id"`
	// Version is the per-stream sequence number (1, 2, 3, ...). Stamped by
	// the backend on append.
	Version Version `json:"version"`
	// Type is the event type discriminator used for decode routing.
	Type string `json:"type"`
	// SchemaVersion is the schema version of Payload, starting at 1.
	SchemaVersion int `json:"schema_version"`
	// Payload is the opaque JSON-encoded event data.
	Payload json.RawMessage `json:"payload"`
	// OccurredAt is when the event was created.
	OccurredAt time.Time `json:"occurred_at"`
}

func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is empty")
	}
	if e.StreamID == "" {
		return fmt.Errorf("event stream id is empty")
	}
	if e.Type == "" {
		return fmt.Errorf("event type is empty")
	}
	if e.SchemaVersion < 1 {
		return fmt.Errorf("event schema version must be >= 1")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("event occurred at is zero")
	}
	return nil
}

func (e Event) SlogAttr() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.ID),
		slog.String("stream_id", e.StreamID),
		e.Version.SlogAttr(),
		slog.String("type", e.Type),
		slog.Int("schema_version", e.SchemaVersion),
	)
}

// NewEvent wraps a domain value into an Event envelope for streamID. The
// type discriminator is taken from an EventType() string method when
// present, otherwise from the value's fully qualified type name. The schema
// version defaults to 1 unless the value implements EventSchemaVersion()
// int. Version is left for the backend to stamp.
func NewEvent(streamID string, value any) (Event, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	schemaVersion := 1
	if sv, ok := value.(interface{ EventSchemaVersion() int }); ok {
		schemaVersion = sv.EventSchemaVersion()
	}
	return Event{
		ID:            gonanoid.Must(),
		StreamID:      streamID,
		Type:          EventTypeOf(value),
		SchemaVersion: schemaVersion,
		Payload:       payload,
		OccurredAt:    time.Now(),
	}, nil
}

// EventTypeOf returns the type discriminator for a domain event value.
func EventTypeOf(value any) string {
	if t, ok := value.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(value).Name
}
