package cqrs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codewandler/cqrs-go/core/perkey"
	"github.com/codewandler/cqrs-go/internal/reflector"
)

// HandlerFunc handles a command of type C and returns the events it
// produced.
type HandlerFunc[C any] func(ctx context.Context, cmd C) ([]Event, error)

// Bus routes commands to their registered handlers. Exactly one handler per
// command type. DispatchIdempotent additionally deduplicates by caller
// supplied key: the first successful dispatch records its events and every
// later dispatch with the same key returns them without re-executing the
// handler.
type Bus struct {
	log         *slog.Logger
	metrics     Metrics
	idempotency IdempotencyStore
	sched       *perkey.Scheduler[string]

	mu       sync.RWMutex
	handlers map[string]func(ctx context.Context, cmd any) ([]Event, error)
}

func NewBus(opts ...BusOption) *Bus {
	var options busOptions
	for _, opt := range opts {
		opt.applyToBus(&options)
	}

	log := options.log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "bus"))

	m := options.metrics
	if m == nil {
		m = NopMetrics()
	}

	idem := options.idempotency
	if idem == nil {
		idem = NewMemoryIdempotencyStore()
	}

	return &Bus{
		log:         log,
		metrics:     m,
		idempotency: idem,
		sched:       perkey.New[string](),
		handlers:    map[string]func(ctx context.Context, cmd any) ([]Event, error){},
	}
}

// Register binds a handler to command type C. Registering a second handler
// for the same type is an error.
func Register[C any](b *Bus, h HandlerFunc[C]) error {
	if h == nil {
		return fmt.Errorf("handler is nil")
	}
	name := reflector.TypeInfoFor[C]().Name

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.handlers[name]; dup {
		return fmt.Errorf("handler for %s already registered", name)
	}
	b.handlers[name] = func(ctx context.Context, cmd any) ([]Event, error) {
		switch c := cmd.(type) {
		case C:
			return h(ctx, c)
		case *C:
			return h(ctx, *c)
		default:
			return nil, &InternalError{Message: fmt.Sprintf("command %T does not match handler for %s", cmd, name)}
		}
	}
	b.log.Debug("registered handler", slog.String("command", name))
	return nil
}

// Dispatch routes cmd to its handler and returns the produced events. A
// command type without a handler yields a NotFoundError.
func (b *Bus) Dispatch(ctx context.Context, cmd any) ([]Event, error) {
	name := reflector.TypeInfoOf(cmd).Name

	b.mu.RLock()
	h, ok := b.handlers[name]
	b.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{What: fmt.Sprintf("handler for command %s", name)}
	}

	defer b.metrics.CommandDuration(name).ObserveDuration()

	events, err := h(ctx, cmd)
	if err != nil {
		b.metrics.CommandFailed(name).Inc()
		b.log.Debug("command failed", slog.String("command", name), slog.String("error", err.Error()))
		return nil, err
	}
	return events, nil
}

// DispatchIdempotent dispatches cmd at most once per key. Dispatches with
// the same key are serialized; the first successful one records its events
// and later calls return that recording without invoking the handler.
// Failed dispatches record nothing, so a retry with the same key executes
// again.
func (b *Bus) DispatchIdempotent(ctx context.Context, key string, cmd any) ([]Event, error) {
	if key == "" {
		return nil, NewValidationError("idempotency_key", "must not be empty")
	}

	var events []Event
	err := b.sched.DoContext(ctx, key, func() error {
		cached, ok, err := b.idempotency.Get(ctx, key)
		if err != nil {
			return wrapStorage("idempotency_get", err)
		}
		if ok {
			b.metrics.IdempotencyHit().Inc()
			b.log.Debug("idempotent replay", slog.String("key", key))
			events = cached
			return nil
		}

		events, err = b.Dispatch(ctx, cmd)
		if err != nil {
			return err
		}
		if err := b.idempotency.Put(ctx, key, events); err != nil {
			return wrapStorage("idempotency_put", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Close shuts down the per-key dispatch scheduler.
func (b *Bus) Close() {
	b.sched.Close()
}
