package cqrs

import (
	"context"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// AppendResult reports the outcome of a successful append.
type AppendResult struct {
	// NewVersion is the stream's current version after the append.
	NewVersion Version
}

// Stats reports backend counters. Counts may be approximate for backends
// where exact counts require unbounded scans.
type Stats struct {
	Events    uint64
	Streams   uint64
	Snapshots uint64
	// Extra carries backend-specific details, e.g. "backend" or the flush
	// watermark.
	Extra map[string]string
}

// Snapshot is a materialized aggregate state captured at a stream version.
// Snapshots bound replay cost; correctness must hold without them. Newer
// snapshots supersede older ones.
type Snapshot struct {
	ID        string    `json:"id"`
	StreamID  string    `json:"stream_id"`
	Version   Version   `json:"version"`
	Encoding  string    `json:"encoding"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// NewSnapshot captures data as the state of streamID at version. Encoding
// defaults to "json".
func NewSnapshot(streamID string, version Version, data []byte) (*Snapshot, error) {
	s := &Snapshot{
		ID:        gonanoid.Must(),
		StreamID:  streamID,
		Version:   version,
		Encoding:  "json",
		Data:      data,
		CreatedAt: time.Now(),
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Snapshot) Validate() error {
	if s.StreamID == "" {
		return fmt.Errorf("snapshot stream id is empty")
	}
	if s.Version == 0 {
		return fmt.Errorf("snapshot version is zero")
	}
	return nil
}

// Backend is the physical storage contract for event streams.
//
// Append stamps per-stream versions onto the given events and persists them
// atomically: when expected is not VersionAny and does not match the
// stream's current version, the call fails with ErrConcurrencyConflict and
// no partial write occurs. Concurrent appends to one stream are serialized
// so that exactly one of two racing appends with the same stale expected
// version wins.
//
// Read and ReadFrom return events in stream order. ReadAll returns the
// entire history in original append order across streams (used for
// projection rebuild). Flush forces durability of buffered writes and is
// idempotent.
type Backend interface {
	Append(ctx context.Context, streamID string, expected Version, events []Event) (*AppendResult, error)
	Read(ctx context.Context, streamID string) ([]Event, error)
	ReadFrom(ctx context.Context, streamID string, after Version) ([]Event, error)
	ReadAll(ctx context.Context) ([]Event, error)
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LatestSnapshot(ctx context.Context, streamID string) (*Snapshot, error)
	Flush(ctx context.Context) error
	Stats(ctx context.Context) (*Stats, error)
}
