package nats

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/cqrs-go/core/cqrs"
)

type testPayload struct {
	N int `json:"n"`
}

func newEvent(t *testing.T, streamID string, n int) cqrs.Event {
	t.Helper()
	ev, err := cqrs.NewEvent(streamID, testPayload{N: n})
	require.NoError(t, err)
	return ev
}

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	b, err := New(Config{Connect: NewTestContainer(t)})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	return b
}

func TestBackend_AppendReadConflict(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()

	res, err := b.Append(ctx, "order-1", 0, []cqrs.Event{newEvent(t, "order-1", 1), newEvent(t, "order-1", 2)})
	require.NoError(t, err)
	require.Equal(t, cqrs.Version(2), res.NewVersion)

	_, err = b.Append(ctx, "order-1", 0, []cqrs.Event{newEvent(t, "order-1", 3)})
	require.ErrorIs(t, err, cqrs.ErrConcurrencyConflict)

	events, err := b.Read(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, cqrs.Version(1), events[0].Version)
	require.Equal(t, cqrs.Version(2), events[1].Version)

	events, err = b.ReadFrom(ctx, "order-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, cqrs.Version(2), events[0].Version)

	// empty stream
	events, err = b.Read(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestBackend_ReadAll(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()

	_, err := b.Append(ctx, "a", cqrs.VersionAny, []cqrs.Event{newEvent(t, "a", 1)})
	require.NoError(t, err)
	_, err = b.Append(ctx, "b", cqrs.VersionAny, []cqrs.Event{newEvent(t, "b", 2)})
	require.NoError(t, err)
	_, err = b.Append(ctx, "a", cqrs.VersionAny, []cqrs.Event{newEvent(t, "a", 3)})
	require.NoError(t, err)

	all, err := b.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a", all[0].StreamID)
	require.Equal(t, "b", all[1].StreamID)
	require.Equal(t, "a", all[2].StreamID)
}

func TestBackend_Snapshots(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()

	_, err := b.LatestSnapshot(ctx, "s1")
	require.ErrorIs(t, err, cqrs.ErrSnapshotNotFound)

	snap, err := cqrs.NewSnapshot("s1", 3, []byte(`{"n":3}`))
	require.NoError(t, err)
	require.NoError(t, b.SaveSnapshot(ctx, snap))

	snap, err = cqrs.NewSnapshot("s1", 9, []byte(`{"n":9}`))
	require.NoError(t, err)
	require.NoError(t, b.SaveSnapshot(ctx, snap))

	latest, err := b.LatestSnapshot(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, cqrs.Version(9), latest.Version)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.Snapshots)
}

func TestSanitizeToken(t *testing.T) {
	require.Equal(t, "order_1", sanitizeToken("order.1"))
	require.Equal(t, "a_b_c", sanitizeToken("a b*c"))
	require.Equal(t, "plain-id", sanitizeToken("plain-id"))
}
