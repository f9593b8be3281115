package cqrs

import (
	"encoding/json"
	"fmt"
	"sync"
)

// UpcastFunc transforms an event payload from one schema version to the
// next. It must be deterministic and pure (no I/O) so replays are
// reproducible.
type UpcastFunc func(payload json.RawMessage) (json.RawMessage, error)

// VersionRegistry holds per-event-type upcaster chains. Each chain migrates
// a stored representation step by step (N -> N+1) until the type's current
// version is reached. The Store applies the chain transparently on every
// read.
type VersionRegistry struct {
	mu        sync.RWMutex
	current   map[string]int
	upcasters map[string]map[int]UpcastFunc
}

func NewVersionRegistry() *VersionRegistry {
	return &VersionRegistry{
		current:   map[string]int{},
		upcasters: map[string]map[int]UpcastFunc{},
	}
}

// RegisterType declares the current schema version for an event type.
func (r *VersionRegistry) RegisterType(eventType string, currentVersion int) error {
	if eventType == "" {
		return fmt.Errorf("event type is empty")
	}
	if currentVersion < 1 {
		return fmt.Errorf("current version for %s must be >= 1", eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.current[eventType]; ok && v != currentVersion {
		return fmt.Errorf("event type %s already registered at version %d", eventType, v)
	}
	r.current[eventType] = currentVersion
	return nil
}

// RegisterUpcaster declares the migration step from -> from+1 for an event
// type. Registering the same step twice is an error.
func (r *VersionRegistry) RegisterUpcaster(eventType string, from int, fn UpcastFunc) error {
	if eventType == "" {
		return fmt.Errorf("event type is empty")
	}
	if from < 1 {
		return fmt.Errorf("upcaster source version for %s must be >= 1", eventType)
	}
	if fn == nil {
		return fmt.Errorf("upcaster for %s v%d is nil", eventType, from)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	steps, ok := r.upcasters[eventType]
	if !ok {
		steps = map[int]UpcastFunc{}
		r.upcasters[eventType] = steps
	}
	if _, dup := steps[from]; dup {
		return fmt.Errorf("upcaster %s v%d->v%d already registered", eventType, from, from+1)
	}
	steps[from] = fn
	return nil
}

// CurrentVersion returns the declared current schema version for an event
// type, defaulting to 1 for unregistered types.
func (r *VersionRegistry) CurrentVersion(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.current[eventType]; ok {
		return v
	}
	return 1
}

// Validate checks every registered chain for gaps: for each type at current
// version N, upcasters 1..N-1 must all be present, and no upcaster may
// start at or beyond N. Configuration errors surface here, not at read
// time. NewStore calls Validate when a registry is supplied.
func (r *VersionRegistry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for eventType, steps := range r.upcasters {
		cur, ok := r.current[eventType]
		if !ok {
			return fmt.Errorf("upcasters registered for %s but no current version declared", eventType)
		}
		for from := range steps {
			if from >= cur {
				return fmt.Errorf("upcaster %s v%d->v%d exceeds current version %d", eventType, from, from+1, cur)
			}
		}
	}
	for eventType, cur := range r.current {
		for from := 1; from < cur; from++ {
			if _, ok := r.upcasters[eventType][from]; !ok {
				return fmt.Errorf("missing upcaster %s v%d->v%d", eventType, from, from+1)
			}
		}
	}
	return nil
}

// Upcast migrates ev to its type's current schema version. Events of
// unregistered types pass through untouched.
func (r *VersionRegistry) Upcast(ev Event) (Event, error) {
	r.mu.RLock()
	cur, known := r.current[ev.Type]
	steps := r.upcasters[ev.Type]
	r.mu.RUnlock()

	if !known || ev.SchemaVersion >= cur {
		return ev, nil
	}

	payload := ev.Payload
	for v := ev.SchemaVersion; v < cur; v++ {
		fn, ok := steps[v]
		if !ok {
			return Event{}, fmt.Errorf("missing upcaster %s v%d->v%d", ev.Type, v, v+1)
		}
		next, err := fn(payload)
		if err != nil {
			return Event{}, fmt.Errorf("upcast %s v%d->v%d: %w", ev.Type, v, v+1, err)
		}
		payload = next
	}

	ev.Payload = payload
	ev.SchemaVersion = cur
	return ev, nil
}
