package kv

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	entry     Entry
	expiresAt time.Time // zero = no expiry
}

// MemStore is an in-memory Store for tests and ephemeral state.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]memEntry
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]memEntry{}}
}

func (m *MemStore) Put(_ context.Context, key string, entry Entry, opts PutOptions) error {
	var expiresAt time.Time
	if opts.TTL > 0 {
		expiresAt = time.Now().Add(opts.TTL)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.IfNotExists {
		if e, ok := m.data[key]; ok && (e.expiresAt.IsZero() || time.Now().Before(e.expiresAt)) {
			return nil
		}
	}
	m.data[key] = memEntry{entry: entry, expiresAt: expiresAt}
	return nil
}

func (m *MemStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.data[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		return Entry{}, ErrNotFound
	}
	return e.entry, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

var _ Store = (*MemStore)(nil)
