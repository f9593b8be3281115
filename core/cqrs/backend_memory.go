package cqrs

import (
	"context"
	"sync"
)

// MemoryBackend is a simple, correct (optimistic) backend for tests/dev.
type MemoryBackend struct {
	mu        sync.Mutex
	streams   map[string][]Event
	all       []Event // global append order, for ReadAll
	snapshots map[string][]*Snapshot
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		streams:   map[string][]Event{},
		snapshots: map[string][]*Snapshot{},
	}
}

func (b *MemoryBackend) Append(_ context.Context, streamID string, expected Version, events []Event) (*AppendResult, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	stream := b.streams[streamID]
	cur := Version(len(stream))
	if expected != VersionAny && cur != expected {
		return nil, ErrConcurrencyConflict
	}

	stamped := make([]Event, 0, len(events))
	for i, e := range events {
		e.StreamID = streamID
		e.Version = cur + Version(i) + 1
		if err := e.Validate(); err != nil {
			return nil, err
		}
		stamped = append(stamped, e)
	}

	b.streams[streamID] = append(stream, stamped...)
	b.all = append(b.all, stamped...)

	return &AppendResult{NewVersion: cur + Version(len(stamped))}, nil
}

func (b *MemoryBackend) Read(_ context.Context, streamID string) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.streams[streamID]))
	copy(out, b.streams[streamID])
	return out, nil
}

func (b *MemoryBackend) ReadFrom(_ context.Context, streamID string, after Version) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, 0)
	for _, e := range b.streams[streamID] {
		if e.Version > after {
			out = append(out, e)
		}
	}
	return out, nil
}

func (b *MemoryBackend) ReadAll(_ context.Context) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.all))
	copy(out, b.all)
	return out, nil
}

func (b *MemoryBackend) SaveSnapshot(_ context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	// superseded, not deleted
	b.snapshots[snap.StreamID] = append(b.snapshots[snap.StreamID], snap)
	return nil
}

func (b *MemoryBackend) LatestSnapshot(_ context.Context, streamID string) (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snaps := b.snapshots[streamID]
	if len(snaps) == 0 {
		return nil, ErrSnapshotNotFound
	}
	latest := snaps[0]
	for _, s := range snaps[1:] {
		if s.Version >= latest.Version {
			latest = s
		}
	}
	return latest, nil
}

func (b *MemoryBackend) Flush(context.Context) error { return nil }

func (b *MemoryBackend) Stats(_ context.Context) (*Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var snapCount uint64
	for _, snaps := range b.snapshots {
		snapCount += uint64(len(snaps))
	}
	return &Stats{
		Events:    uint64(len(b.all)),
		Streams:   uint64(len(b.streams)),
		Snapshots: snapCount,
		Extra:     map[string]string{"backend": "memory"},
	}, nil
}

var _ Backend = (*MemoryBackend)(nil)
