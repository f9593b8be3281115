package cqrs

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	s, err := NewStore(NewMemoryBackend(), opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestStore_AppendRead(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	res, err := s.Append(ctx, "order-1", 0, testEvent(t, "order-1", orderPlaced{OrderID: "order-1"}))
	require.NoError(t, err)
	require.Equal(t, Version(1), res.NewVersion)

	events, err := s.Read(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, Version(1), events[0].Version)

	v, err := s.Version(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, Version(1), v)

	v, err = s.Version(ctx, "empty")
	require.NoError(t, err)
	require.Equal(t, Version(0), v)
}

func TestStore_StreamLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	res, err := s.Append(ctx, "order-1", VersionAny, testEvent(t, "order-1", orderPlaced{OrderID: "order-1"}))
	require.NoError(t, err)
	require.Equal(t, Version(1), res.NewVersion)

	res, err = s.Append(ctx, "order-1", 1, testEvent(t, "order-1", namedEvent{}))
	require.NoError(t, err)
	require.Equal(t, Version(2), res.NewVersion)

	// stale expectation after the second append
	_, err = s.Append(ctx, "order-1", 1, testEvent(t, "order-1", namedEvent{}))
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	events, err := s.Read(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, Version(1), events[0].Version)
	require.Equal(t, Version(2), events[1].Version)
}

func TestStore_AppendValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Append(t.Context(), "order-1", VersionAny)
	require.ErrorIs(t, err, ErrNoEvents)

	_, err = s.Append(t.Context(), "", VersionAny, testEvent(t, "s", orderPlaced{}))
	require.Error(t, err)
}

func TestStore_ConcurrentAppendOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.Append(ctx, "order-1", VersionAny, testEvent(t, "order-1", orderPlaced{OrderID: "a"}))
	require.NoError(t, err)

	// two writers both read version 1 and race a conditional append
	const writers = 2
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(ctx, "order-1", 1, testEvent(t, "order-1", orderPlaced{OrderID: "b"}))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var won, lost int
	for err := range errs {
		if err == nil {
			won++
		} else {
			require.ErrorIs(t, err, ErrConcurrencyConflict)
			lost++
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, 1, lost)

	v, err := s.Version(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, Version(2), v)
}

func TestStore_UpcastOnRead(t *testing.T) {
	versions := NewVersionRegistry()
	require.NoError(t, versions.RegisterType("github.com/codewandler/cqrs-go/core/cqrs.orderPlaced", 2))
	require.NoError(t, versions.RegisterUpcaster("github.com/codewandler/cqrs-go/core/cqrs.orderPlaced", 1, func(p json.RawMessage) (json.RawMessage, error) {
		var m map[string]any
		if err := json.Unmarshal(p, &m); err != nil {
			return nil, err
		}
		m["channel"] = "web"
		return json.Marshal(m)
	}))

	s := newTestStore(t, WithVersions(versions))
	ctx := t.Context()

	// stored at schema v1
	ev := testEvent(t, "order-1", orderPlaced{OrderID: "a"})
	ev.SchemaVersion = 1
	_, err := s.Append(ctx, "order-1", VersionAny, ev)
	require.NoError(t, err)

	events, err := s.Read(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, 2, events[0].SchemaVersion)
	var m map[string]any
	require.NoError(t, json.Unmarshal(events[0].Payload, &m))
	require.Equal(t, "web", m["channel"])
}

func TestStore_AppendValuesStampsSchemaVersion(t *testing.T) {
	versions := NewVersionRegistry()
	require.NoError(t, versions.RegisterType("github.com/codewandler/cqrs-go/core/cqrs.orderPlaced", 2))
	require.NoError(t, versions.RegisterUpcaster("github.com/codewandler/cqrs-go/core/cqrs.orderPlaced", 1, func(p json.RawMessage) (json.RawMessage, error) {
		return p, nil
	}))

	s := newTestStore(t, WithVersions(versions))
	ctx := t.Context()

	res, err := s.AppendValues(ctx, "order-1", []any{orderPlaced{OrderID: "a"}})
	require.NoError(t, err)
	require.Equal(t, Version(1), res.NewVersion)

	events, err := s.Read(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, 2, events[0].SchemaVersion)

	// conditional via option
	_, err = s.AppendValues(ctx, "order-1", []any{orderPlaced{OrderID: "b"}}, WithExpectedVersion(0))
	require.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestStore_InvalidVersionRegistry(t *testing.T) {
	versions := NewVersionRegistry()
	require.NoError(t, versions.RegisterType("a.B", 3))
	require.NoError(t, versions.RegisterUpcaster("a.B", 1, func(p json.RawMessage) (json.RawMessage, error) { return p, nil }))

	_, err := NewStore(NewMemoryBackend(), WithVersions(versions))
	require.ErrorContains(t, err, "missing upcaster")
}

type snapCountingBackend struct {
	Backend
	mu      sync.Mutex
	lookups int
}

func (b *snapCountingBackend) LatestSnapshot(ctx context.Context, streamID string) (*Snapshot, error) {
	b.mu.Lock()
	b.lookups++
	b.mu.Unlock()
	return b.Backend.LatestSnapshot(ctx, streamID)
}

func TestStore_SnapshotCache(t *testing.T) {
	backend := &snapCountingBackend{Backend: NewMemoryBackend()}
	s, err := NewStore(backend, WithSnapshotCache(16))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	ctx := t.Context()

	_, err = s.LatestSnapshot(ctx, "s1")
	require.ErrorIs(t, err, ErrSnapshotNotFound)
	require.Equal(t, 1, backend.lookups)

	snap, err := NewSnapshot("s1", 3, []byte(`{"n":1}`))
	require.NoError(t, err)
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	// SaveSnapshot primed the cache, no backend lookup
	got, err := s.LatestSnapshot(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, Version(3), got.Version)
	require.Equal(t, 1, backend.lookups)
}

type recordingProjection struct {
	mu     sync.Mutex
	name   string
	events []Event
}

func (p *recordingProjection) Name() string { return p.name }
func (p *recordingProjection) Apply(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingProjection) seen() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

func TestStore_NotifiesProjections(t *testing.T) {
	projections := NewProjectionRegistry()
	p := &recordingProjection{name: "orders"}
	require.NoError(t, projections.Register(p))

	s := newTestStore(t, WithProjections(projections))
	ctx := t.Context()

	_, err := s.Append(ctx, "order-1", VersionAny,
		testEvent(t, "order-1", orderPlaced{OrderID: "a"}),
		testEvent(t, "order-1", orderPlaced{OrderID: "b"}),
	)
	require.NoError(t, err)

	seen := p.seen()
	require.Len(t, seen, 2)
	require.Equal(t, Version(1), seen[0].Version)
	require.Equal(t, Version(2), seen[1].Version)
	require.Equal(t, "order-1", seen[0].StreamID)
}

func TestStore_ConcurrentAppendsDeliverInOrder(t *testing.T) {
	projections := NewProjectionRegistry()
	p := &recordingProjection{name: "orders"}
	require.NoError(t, projections.Register(p))

	s := newTestStore(t, WithProjections(projections))
	ctx := t.Context()

	// unconditional appends race on one stream; the projection must still
	// see every event, in version order
	const writers = 16
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(ctx, "order-1", VersionAny, testEvent(t, "order-1", orderPlaced{OrderID: "a"}))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	seen := p.seen()
	require.Len(t, seen, writers)
	for i, ev := range seen {
		require.Equal(t, Version(i+1), ev.Version)
	}
}
