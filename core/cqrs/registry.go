package cqrs

import (
	"encoding/json"
	"fmt"
	"sync"
)

// EventRegistry maps event type names to constructors so persisted event
// payloads can be decoded back into domain values, e.g. by read-side
// consumers that need typed events instead of raw JSON.
type EventRegistry struct {
	mu   sync.RWMutex
	news map[string]func() any
}

func NewEventRegistry() *EventRegistry {
	return &EventRegistry{news: map[string]func() any{}}
}

func (r *EventRegistry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news[eventType] = ctor
}

// Decode reconstructs the domain value carried by ev.
func (r *EventRegistry) Decode(ev Event) (any, error) {
	return r.DecodeValue(ev.Type, ev.Payload)
}

// DecodeValue reconstructs a domain value from a type discriminator and its
// JSON payload.
func (r *EventRegistry) DecodeValue(eventType string, data []byte) (any, error) {
	r.mu.RLock()
	ctor, ok := r.news[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	v := ctor()
	if data != nil {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// EventCtor returns a reflection-free constructor for an event of type T.
func EventCtor[T any]() func() any { return func() any { return new(T) } }

// RegisterEvents registers event constructors. Each provided constructor is
// called once to derive the type name; future decodes produce fresh
// instances per call.
func RegisterEvents(r *EventRegistry, ctors ...func() any) {
	for _, ctor := range ctors {
		sample := ctor()
		r.Register(EventTypeOf(sample), ctor)
	}
}
