// Package cqrstests runs the same store scenarios against every backend so
// that memory, bolt, postgres and nats stay behaviorally interchangeable.
package cqrstests

import (
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/cqrs-go/adapters/bolt"
	"github.com/codewandler/cqrs-go/adapters/nats"
	"github.com/codewandler/cqrs-go/adapters/postgres"
	"github.com/codewandler/cqrs-go/core/cqrs"
)

type testCase struct {
	name    string
	backend cqrs.Backend
}

func getBackendSUTs(t *testing.T) []testCase {
	suts := []testCase{
		{
			name:    "1. memory",
			backend: cqrs.NewMemoryBackend(),
		},
		func() testCase {
			b, err := bolt.New(bolt.Config{Path: t.TempDir() + "/events.db"})
			require.NoError(t, err)
			t.Cleanup(func() { require.NoError(t, b.Close()) })
			return testCase{name: "2. bolt", backend: b}
		}(),
	}

	if testing.Short() {
		t.Log("short mode: skipping container backends")
		return suts
	}

	suts = append(suts, func() testCase {
		url := postgres.NewTestContainer(t)
		b, err := postgres.New(t.Context(), postgres.Config{URL: url})
		require.NoError(t, err)
		t.Cleanup(b.Close)
		return testCase{name: "3. postgres", backend: b}
	}())

	suts = append(suts, func() testCase {
		b, err := nats.New(nats.Config{Connect: nats.NewTestContainer(t)})
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, b.Close()) })
		return testCase{name: "4. nats", backend: b}
	}())

	return suts
}

type TestFunc func(t *testing.T, backend cqrs.Backend)

func eachBackend(testFunc TestFunc) func(t *testing.T) {
	return func(t *testing.T) {
		for _, sut := range getBackendSUTs(t) {
			t.Run(sut.name, func(t *testing.T) {
				testFunc(t, sut.backend)
			})
		}
	}
}

func newStreamID(t *testing.T) string {
	id, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 12)
	require.NoError(t, err)
	return "order-" + id
}

func newEvent(t *testing.T, streamID string, value any) cqrs.Event {
	ev, err := cqrs.NewEvent(streamID, value)
	require.NoError(t, err)
	return ev
}
