package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemStore_PutGetDelete(t *testing.T) {
	s := NewMemStore()
	ctx := t.Context()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "a", Entry{Data: []byte("x")}, PutOptions{}))
	e, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("x"), e.Data)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_IfNotExists(t *testing.T) {
	s := NewMemStore()
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, "a", Entry{Data: []byte("first")}, PutOptions{IfNotExists: true}))
	require.NoError(t, s.Put(ctx, "a", Entry{Data: []byte("second")}, PutOptions{IfNotExists: true}))

	e, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), e.Data)

	// an expired entry no longer blocks the put
	require.NoError(t, s.Put(ctx, "b", Entry{Data: []byte("first")}, PutOptions{TTL: time.Nanosecond, IfNotExists: true}))
	time.Sleep(time.Millisecond)
	require.NoError(t, s.Put(ctx, "b", Entry{Data: []byte("second")}, PutOptions{IfNotExists: true}))
	e, err = s.Get(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, []byte("second"), e.Data)
}

func TestMemStore_TTL(t *testing.T) {
	s := NewMemStore()
	ctx := t.Context()

	require.NoError(t, s.Put(ctx, "a", Entry{Data: []byte("x")}, PutOptions{TTL: 10 * time.Millisecond}))
	_, err := s.Get(ctx, "a")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = s.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTypedHelpers(t *testing.T) {
	s := NewMemStore()
	ctx := t.Context()

	type state struct {
		N int `json:"n"`
	}

	require.NoError(t, Put(ctx, s, "k", state{N: 42}, PutOptions{}))
	out, err := Get[state](ctx, s, "k")
	require.NoError(t, err)
	require.Equal(t, 42, out.N)
}
