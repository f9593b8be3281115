package cqrs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/cqrs-go/core/cache"
	"github.com/codewandler/cqrs-go/core/perkey"
)

// Store is the event store façade in front of a Backend. It serializes
// appends per stream, runs schema upcasters on every read, keeps a
// best-effort snapshot cache and delivers successfully appended events to a
// bound projection registry.
type Store struct {
	log         *slog.Logger
	metrics     Metrics
	backend     Backend
	versions    *VersionRegistry
	projections *ProjectionRegistry
	snapCache   cache.TypedCache[*Snapshot]
	sched       *perkey.Scheduler[string]
}

func NewStore(backend Backend, opts ...StoreOption) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is nil")
	}

	var options storeOptions
	for _, opt := range opts {
		opt.applyToStore(&options)
	}

	log := options.log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "store"))

	m := options.metrics
	if m == nil {
		m = NopMetrics()
	}

	if options.versions != nil {
		if err := options.versions.Validate(); err != nil {
			return nil, fmt.Errorf("version registry: %w", err)
		}
	}

	var snapCache cache.Cache = cache.NewNop()
	if options.snapshotCache > 0 {
		snapCache = cache.NewLRU(cache.LRUOpts{Size: options.snapshotCache})
	}

	s := &Store{
		log:         log,
		metrics:     m,
		backend:     backend,
		versions:    options.versions,
		projections: options.projections,
		snapCache:   cache.NewTyped[*Snapshot](snapCache),
		sched:       perkey.New[string](),
	}

	if s.projections != nil {
		s.projections.bindSource(s)
	}

	return s, nil
}

// Append appends events to a stream. When expected is VersionAny the append
// is unconditional; otherwise it fails with ErrConcurrencyConflict unless
// the stream is currently at exactly expected. Appends to the same stream
// are serialized, so of two concurrent conditional appends exactly one
// wins.
func (s *Store) Append(ctx context.Context, streamID string, expected Version, events ...Event) (*AppendResult, error) {
	if streamID == "" {
		return nil, fmt.Errorf("stream id is empty")
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	defer s.metrics.StoreAppendDuration().ObserveDuration()

	var res *AppendResult
	err := s.sched.DoContext(ctx, streamID, func() error {
		var err error
		res, err = s.backend.Append(ctx, streamID, expected, events)
		if err != nil {
			return err
		}

		// Delivery happens inside the per-stream slot so projections
		// observe the stream's events in version order even under
		// concurrent appenders.
		if s.projections != nil {
			stamped := make([]Event, len(events))
			base := res.NewVersion - Version(len(events))
			for i, ev := range events {
				ev.StreamID = streamID
				ev.Version = base + Version(i+1)
				stamped[i] = ev
			}
			s.projections.onAppended(ctx, stamped)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			s.metrics.ConcurrencyConflict().Inc()
			s.log.Debug("append rejected",
				slog.String("stream_id", streamID),
				expected.SlogAttrWithKey("expected_version"),
			)
			return nil, err
		}
		return nil, wrapStorage("append", err)
	}

	s.metrics.EventsAppended().Add(float64(len(events)))
	s.log.Debug("appended",
		slog.String("stream_id", streamID),
		slog.Int("events", len(events)),
		res.NewVersion.SlogAttrWithKey("new_version"),
	)

	return res, nil
}

// AppendValues wraps domain values into Event envelopes and appends them.
// The schema version of each envelope is taken from the store's version
// registry when one is configured. Default expectation is VersionAny; pass
// WithExpectedVersion for optimistic concurrency.
func (s *Store) AppendValues(ctx context.Context, streamID string, values []any, opts ...AppendOption) (*AppendResult, error) {
	options := appendOptions{expected: VersionAny}
	for _, opt := range opts {
		opt.applyToAppend(&options)
	}

	events := make([]Event, 0, len(values))
	for _, v := range values {
		ev, err := NewEvent(streamID, v)
		if err != nil {
			return nil, err
		}
		if s.versions != nil {
			ev.SchemaVersion = s.versions.CurrentVersion(ev.Type)
		}
		events = append(events, ev)
	}

	return s.Append(ctx, streamID, options.expected, events...)
}

// Read returns all events of a stream in version order, upcast to their
// current schema versions.
func (s *Store) Read(ctx context.Context, streamID string) ([]Event, error) {
	defer s.metrics.StoreReadDuration().ObserveDuration()

	events, err := s.backend.Read(ctx, streamID)
	if err != nil {
		return nil, wrapStorage("read", err)
	}
	return s.upcastAll(events)
}

// ReadFrom returns the events of a stream with version > after, upcast.
func (s *Store) ReadFrom(ctx context.Context, streamID string, after Version) ([]Event, error) {
	defer s.metrics.StoreReadDuration().ObserveDuration()

	events, err := s.backend.ReadFrom(ctx, streamID, after)
	if err != nil {
		return nil, wrapStorage("read_from", err)
	}
	return s.upcastAll(events)
}

// ReadAll returns every event across all streams in global append order,
// upcast. This is the history source for projection rebuilds.
func (s *Store) ReadAll(ctx context.Context) ([]Event, error) {
	defer s.metrics.StoreReadDuration().ObserveDuration()

	events, err := s.backend.ReadAll(ctx)
	if err != nil {
		return nil, wrapStorage("read_all", err)
	}
	return s.upcastAll(events)
}

// Version returns the current version of a stream, 0 when the stream has no
// events.
func (s *Store) Version(ctx context.Context, streamID string) (Version, error) {
	events, err := s.backend.Read(ctx, streamID)
	if err != nil {
		return 0, wrapStorage("read", err)
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Version, nil
}

// SaveSnapshot persists a snapshot and caches it as the stream's latest.
func (s *Store) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if err := snap.Validate(); err != nil {
		return err
	}
	if err := s.backend.SaveSnapshot(ctx, snap); err != nil {
		return wrapStorage("save_snapshot", err)
	}
	s.snapCache.Put(snap.StreamID, snap)
	return nil
}

// LatestSnapshot returns the newest snapshot of a stream, consulting the
// in-process cache first. ErrSnapshotNotFound when none exists.
func (s *Store) LatestSnapshot(ctx context.Context, streamID string) (*Snapshot, error) {
	if snap, ok := s.snapCache.Get(streamID); ok {
		s.metrics.SnapshotCacheHit().Inc()
		return snap, nil
	}
	s.metrics.SnapshotCacheMiss().Inc()

	snap, err := s.backend.LatestSnapshot(ctx, streamID)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return nil, err
		}
		return nil, wrapStorage("latest_snapshot", err)
	}
	s.snapCache.Put(streamID, snap)
	return snap, nil
}

// Flush asks the backend to persist any buffered writes.
func (s *Store) Flush(ctx context.Context) error {
	if err := s.backend.Flush(ctx); err != nil {
		return wrapStorage("flush", err)
	}
	return nil
}

// Stats reports backend counters.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats, err := s.backend.Stats(ctx)
	if err != nil {
		return nil, wrapStorage("stats", err)
	}
	return stats, nil
}

// Close shuts down the per-stream append scheduler. Appends enqueued before
// Close still complete.
func (s *Store) Close() {
	s.sched.Close()
}

func (s *Store) upcastAll(events []Event) ([]Event, error) {
	if s.versions == nil {
		return events, nil
	}
	out := make([]Event, len(events))
	for i, ev := range events {
		up, err := s.versions.Upcast(ev)
		if err != nil {
			return nil, err
		}
		out[i] = up
	}
	return out, nil
}
