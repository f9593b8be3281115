package cqrs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codewandler/cqrs-go/ports/kv"
)

// IdempotencyStore records the events produced by the first successful
// dispatch of an idempotency key. First write wins: once a key holds a
// result, later writes must not replace it.
type IdempotencyStore interface {
	// Get returns the recorded events for key. ok is false when the key
	// has not been seen.
	Get(ctx context.Context, key string) (events []Event, ok bool, err error)
	// Put records the result for key unless one exists already.
	Put(ctx context.Context, key string, events []Event) error
}

// MemoryIdempotencyStore keeps results in process memory. It is the bus
// default; dedup does not survive a restart.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	results map[string][]Event
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{results: map[string][]Event{}}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) ([]Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events, ok := s.results[key]
	return events, ok, nil
}

func (s *MemoryIdempotencyStore) Put(_ context.Context, key string, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[key]; ok {
		return nil
	}
	s.results[key] = events
	return nil
}

// KVIdempotencyStore persists results through a kv.Store, so dedup can be
// shared across processes and restarts (see adapters/redis). Keys are
// namespaced with a prefix and may carry a TTL.
type KVIdempotencyStore struct {
	store  kv.Store
	prefix string
	ttl    time.Duration
}

type KVIdempotencyOpts struct {
	// Prefix namespaces the keys, default "idem:".
	Prefix string
	// TTL bounds how long a result is retained, 0 keeps it forever.
	TTL time.Duration
}

func NewKVIdempotencyStore(store kv.Store, opts KVIdempotencyOpts) *KVIdempotencyStore {
	if opts.Prefix == "" {
		opts.Prefix = "idem:"
	}
	return &KVIdempotencyStore{store: store, prefix: opts.Prefix, ttl: opts.TTL}
}

func (s *KVIdempotencyStore) Get(ctx context.Context, key string) ([]Event, bool, error) {
	events, err := kv.Get[[]Event](ctx, s.store, s.prefix+key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("idempotency get: %w", err)
	}
	return events, true, nil
}

func (s *KVIdempotencyStore) Put(ctx context.Context, key string, events []Event) error {
	// Conditional put, so of two racing processes the first recorded
	// result sticks.
	opts := kv.PutOptions{TTL: s.ttl, IfNotExists: true}
	if err := kv.Put(ctx, s.store, s.prefix+key, events, opts); err != nil {
		return fmt.Errorf("idempotency put: %w", err)
	}
	return nil
}

var (
	_ IdempotencyStore = (*MemoryIdempotencyStore)(nil)
	_ IdempotencyStore = (*KVIdempotencyStore)(nil)
)
