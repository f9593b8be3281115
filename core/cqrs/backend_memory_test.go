package cqrs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testEvent(t *testing.T, streamID string, v any) Event {
	t.Helper()
	ev, err := NewEvent(streamID, v)
	require.NoError(t, err)
	return ev
}

func TestMemoryBackend_AppendRead(t *testing.T) {
	b := NewMemoryBackend()
	ctx := t.Context()

	res, err := b.Append(ctx, "s1", 0, []Event{
		testEvent(t, "s1", orderPlaced{OrderID: "a"}),
		testEvent(t, "s1", orderPlaced{OrderID: "b"}),
	})
	require.NoError(t, err)
	require.Equal(t, Version(2), res.NewVersion)

	events, err := b.Read(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, Version(1), events[0].Version)
	require.Equal(t, Version(2), events[1].Version)
	require.Equal(t, "s1", events[0].StreamID)

	// reading an unknown stream yields an empty slice, not an error
	events, err = b.Read(ctx, "nope")
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestMemoryBackend_ConcurrencyConflict(t *testing.T) {
	b := NewMemoryBackend()
	ctx := t.Context()

	_, err := b.Append(ctx, "s1", 0, []Event{testEvent(t, "s1", orderPlaced{})})
	require.NoError(t, err)

	_, err = b.Append(ctx, "s1", 0, []Event{testEvent(t, "s1", orderPlaced{})})
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	// VersionAny always passes
	res, err := b.Append(ctx, "s1", VersionAny, []Event{testEvent(t, "s1", orderPlaced{})})
	require.NoError(t, err)
	require.Equal(t, Version(2), res.NewVersion)
}

func TestMemoryBackend_AppendEmpty(t *testing.T) {
	b := NewMemoryBackend()
	_, err := b.Append(t.Context(), "s1", VersionAny, nil)
	require.ErrorIs(t, err, ErrNoEvents)
}

func TestMemoryBackend_ReadFrom(t *testing.T) {
	b := NewMemoryBackend()
	ctx := t.Context()

	_, err := b.Append(ctx, "s1", VersionAny, []Event{
		testEvent(t, "s1", orderPlaced{OrderID: "a"}),
		testEvent(t, "s1", orderPlaced{OrderID: "b"}),
		testEvent(t, "s1", orderPlaced{OrderID: "c"}),
	})
	require.NoError(t, err)

	events, err := b.ReadFrom(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, Version(2), events[0].Version)
}

func TestMemoryBackend_ReadAllGlobalOrder(t *testing.T) {
	b := NewMemoryBackend()
	ctx := t.Context()

	_, err := b.Append(ctx, "a", VersionAny, []Event{testEvent(t, "a", orderPlaced{OrderID: "1"})})
	require.NoError(t, err)
	_, err = b.Append(ctx, "b", VersionAny, []Event{testEvent(t, "b", orderPlaced{OrderID: "2"})})
	require.NoError(t, err)
	_, err = b.Append(ctx, "a", VersionAny, []Event{testEvent(t, "a", orderPlaced{OrderID: "3"})})
	require.NoError(t, err)

	all, err := b.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a", all[0].StreamID)
	require.Equal(t, "b", all[1].StreamID)
	require.Equal(t, "a", all[2].StreamID)
	require.Equal(t, Version(2), all[2].Version)
}

func TestMemoryBackend_Snapshots(t *testing.T) {
	b := NewMemoryBackend()
	ctx := t.Context()

	_, err := b.LatestSnapshot(ctx, "s1")
	require.ErrorIs(t, err, ErrSnapshotNotFound)

	require.NoError(t, b.SaveSnapshot(ctx, &Snapshot{
		ID: "snap-1", StreamID: "s1", Version: 3, Encoding: "json",
		Data: []byte(`{}`), CreatedAt: time.Now(),
	}))
	require.NoError(t, b.SaveSnapshot(ctx, &Snapshot{
		ID: "snap-2", StreamID: "s1", Version: 7, Encoding: "json",
		Data: []byte(`{}`), CreatedAt: time.Now(),
	}))

	snap, err := b.LatestSnapshot(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, Version(7), snap.Version)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), stats.Snapshots)
}
