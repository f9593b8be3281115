package cqrs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/codewandler/cqrs-go/core/sf"
)

// Projection derives a read model from events. Apply must be deterministic:
// replaying the same history always produces the same state, which is what
// makes Rebuild safe.
type Projection interface {
	Name() string
	Apply(ctx context.Context, ev Event) error
}

// TypedProjection optionally narrows the events a projection receives. A
// projection without it sees every event.
type TypedProjection interface {
	Projection
	EventTypes() []string
}

// ResettableProjection lets Rebuild clear the projection's internal state
// before replaying history. A projection holding state outside the events it
// has applied should implement it; without it a rebuild replays onto
// whatever state is already there.
type ResettableProjection interface {
	Projection
	Reset(ctx context.Context) error
}

// ProjectionStatus is a point-in-time view of one projection.
type ProjectionStatus struct {
	Name       string
	Applied    uint64
	Failed     uint64
	Rebuilding bool
	LastError  string
}

type projectionEntry struct {
	p     Projection
	types map[string]struct{} // nil means all types

	mu         sync.Mutex
	positions  map[string]Version // last applied version per stream
	applied    uint64
	failed     uint64
	rebuilding bool
	lastErr    error
	buffer     []Event // live events arriving during a rebuild
}

func (e *projectionEntry) matches(ev Event) bool {
	if e.types == nil {
		return true
	}
	_, ok := e.types[ev.Type]
	return ok
}

// applyLocked applies ev if it has not been applied yet. Caller holds e.mu.
func (e *projectionEntry) applyLocked(ctx context.Context, ev Event) error {
	if ev.Version <= e.positions[ev.StreamID] {
		return nil
	}
	if err := e.p.Apply(ctx, ev); err != nil {
		e.failed++
		e.lastErr = err
		return err
	}
	e.positions[ev.StreamID] = ev.Version
	e.applied++
	e.lastErr = nil
	return nil
}

// applyReplay applies ev during a rebuild. The lock is not held across
// Apply so live appends can reach the buffer meanwhile; no concurrent apply
// happens while rebuilding is set.
func (e *projectionEntry) applyReplay(ctx context.Context, ev Event) error {
	e.mu.Lock()
	if ev.Version <= e.positions[ev.StreamID] {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.p.Apply(ctx, ev); err != nil {
		e.mu.Lock()
		e.failed++
		e.lastErr = err
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	e.positions[ev.StreamID] = ev.Version
	e.applied++
	e.lastErr = nil
	e.mu.Unlock()
	return nil
}

type historySource interface {
	ReadAll(ctx context.Context) ([]Event, error)
}

// ProjectionRegistry fans appended events out to its projections and
// rebuilds them from history on demand.
//
// Delivery is at-least-once; per-stream position tracking makes the net
// effect exactly-once. A failing projection is isolated: its error is
// recorded and the remaining projections still receive the event.
type ProjectionRegistry struct {
	log     *slog.Logger
	metrics Metrics
	flight  sf.Singleflight[struct{}]

	mu      sync.RWMutex
	entries map[string]*projectionEntry
	source  historySource
}

func NewProjectionRegistry(opts ...ProjectionOption) *ProjectionRegistry {
	var options projectionOptions
	for _, opt := range opts {
		opt.applyToProjections(&options)
	}

	log := options.log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "projections"))

	m := options.metrics
	if m == nil {
		m = NopMetrics()
	}

	return &ProjectionRegistry{
		log:     log,
		metrics: m,
		entries: map[string]*projectionEntry{},
	}
}

// Register adds a projection. Names must be unique.
func (r *ProjectionRegistry) Register(p Projection) error {
	if p == nil {
		return fmt.Errorf("projection is nil")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("projection name is empty")
	}

	entry := &projectionEntry{
		p:         p,
		positions: map[string]Version{},
	}
	if tp, ok := p.(TypedProjection); ok {
		entry.types = map[string]struct{}{}
		for _, t := range tp.EventTypes() {
			entry.types[t] = struct{}{}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[name]; dup {
		return fmt.Errorf("projection %s already registered", name)
	}
	r.entries[name] = entry
	r.log.Debug("registered projection", slog.String("projection", name))
	return nil
}

// bindSource attaches the event history used by Rebuild. NewStore calls
// this when the registry is passed via WithProjections.
func (r *ProjectionRegistry) bindSource(s historySource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source = s
}

// onAppended delivers freshly appended events to every projection. Called
// by the store after a successful append.
func (r *ProjectionRegistry) onAppended(ctx context.Context, events []Event) {
	r.mu.RLock()
	entries := make(map[string]*projectionEntry, len(r.entries))
	for name, e := range r.entries {
		entries[name] = e
	}
	r.mu.RUnlock()

	for name, e := range entries {
		e.mu.Lock()
		for _, ev := range events {
			if !e.matches(ev) {
				continue
			}
			if e.rebuilding {
				e.buffer = append(e.buffer, ev)
				continue
			}
			if err := e.applyLocked(ctx, ev); err != nil {
				r.metrics.ProjectionFailed(name).Inc()
				r.log.Warn("projection apply failed",
					slog.String("projection", name),
					ev.SlogAttr(),
					slog.String("error", err.Error()),
				)
				continue
			}
			r.metrics.ProjectionApplied(name).Inc()
		}
		e.mu.Unlock()
	}
}

// Rebuild resets a projection (its position tracking, and its own state
// when it implements ResettableProjection) and replays the full history
// into it. Events appended while the rebuild runs are buffered and drained
// at the end, so nothing is lost and nothing is applied twice. Concurrent
// rebuilds of the same projection collapse into one.
func (r *ProjectionRegistry) Rebuild(ctx context.Context, name string) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	source := r.source
	r.mu.RUnlock()
	if !ok {
		return &NotFoundError{What: fmt.Sprintf("projection %s", name)}
	}
	if source == nil {
		return fmt.Errorf("projection registry has no event source")
	}

	_, err := r.flight.Do(name, func() (*struct{}, error) {
		return &struct{}{}, r.rebuild(ctx, name, e, source)
	})
	return err
}

func (r *ProjectionRegistry) rebuild(ctx context.Context, name string, e *projectionEntry, source historySource) error {
	defer r.metrics.ProjectionRebuildDuration(name).ObserveDuration()
	r.log.Info("rebuilding projection", slog.String("projection", name))

	e.mu.Lock()
	e.rebuilding = true
	e.positions = map[string]Version{}
	e.applied = 0
	e.failed = 0
	e.lastErr = nil
	e.buffer = nil
	e.mu.Unlock()

	finish := func(err error) error {
		e.mu.Lock()
		e.rebuilding = false
		e.buffer = nil
		e.mu.Unlock()
		return err
	}

	if rp, ok := e.p.(ResettableProjection); ok {
		if err := rp.Reset(ctx); err != nil {
			return finish(fmt.Errorf("rebuild %s: reset: %w", name, err))
		}
	}

	history, err := source.ReadAll(ctx)
	if err != nil {
		return finish(fmt.Errorf("rebuild %s: %w", name, err))
	}

	for _, ev := range history {
		if !e.matches(ev) {
			continue
		}
		if err := e.applyReplay(ctx, ev); err != nil {
			r.metrics.ProjectionFailed(name).Inc()
			return finish(fmt.Errorf("rebuild %s: apply %s v%d: %w", name, ev.StreamID, ev.Version, err))
		}
	}

	// drain events that arrived during the replay; position tracking skips
	// anything already covered by the history read
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.buffer {
		if err := e.applyLocked(ctx, ev); err != nil {
			r.metrics.ProjectionFailed(name).Inc()
			e.rebuilding = false
			e.buffer = nil
			return fmt.Errorf("rebuild %s: drain %s v%d: %w", name, ev.StreamID, ev.Version, err)
		}
	}
	e.rebuilding = false
	e.buffer = nil

	r.log.Info("projection rebuilt", slog.String("projection", name), slog.Uint64("applied", e.applied))
	return nil
}

// Status reports the state of a single projection.
func (r *ProjectionRegistry) Status(name string) (ProjectionStatus, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return ProjectionStatus{}, &NotFoundError{What: fmt.Sprintf("projection %s", name)}
	}
	return e.status(name), nil
}

// Statuses reports all projections, sorted by name.
func (r *ProjectionRegistry) Statuses() []ProjectionStatus {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	entries := make(map[string]*projectionEntry, len(r.entries))
	for name, e := range r.entries {
		entries[name] = e
	}
	r.mu.RUnlock()

	sort.Strings(names)
	out := make([]ProjectionStatus, 0, len(names))
	for _, name := range names {
		out = append(out, entries[name].status(name))
	}
	return out
}

func (e *projectionEntry) status(name string) ProjectionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := ProjectionStatus{
		Name:       name,
		Applied:    e.applied,
		Failed:     e.failed,
		Rebuilding: e.rebuilding,
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}
