// Package cqrs provides the core building blocks for command-query
// responsibility segregation with event sourcing.
//
// # Overview
//
// State changes are captured as immutable events appended to per-stream
// logs. Commands describe intent; handlers validate them and produce
// events; projections fold events into read models; sagas coordinate
// multi-step operations across streams with compensation on failure.
//
// # Core Components
//
// Backend: the physical storage contract. Appends are conditional on an
// expected stream version (optimistic concurrency) and atomic per call.
// Use [NewMemoryBackend] for tests/dev or one of the adapters (bolt,
// postgres, nats) for durable storage.
//
// Store: a façade over one Backend. It applies schema upcasting on every
// read through a [VersionRegistry], serializes appends per stream, and
// notifies a [ProjectionRegistry] of newly appended events:
//
//	store, err := cqrs.NewStore(backend,
//	    cqrs.WithVersions(versions),
//	    cqrs.WithProjections(projections),
//	)
//	res, err := store.Append(ctx, "order-1", 0, events...)
//
// Bus: routes a command to exactly one handler by its concrete type and
// returns the events the handler produced. Supports idempotency-key
// deduplication with first-write-wins semantics:
//
//	bus := cqrs.NewBus()
//	err := cqrs.Register(bus, placeOrder)
//	events, err := bus.DispatchIdempotent(ctx, "order-1/place", cmd)
//
// ProjectionRegistry: delivers appended events to subscribed projections
// in stream order, de-duplicated by position, and can rebuild a projection
// from the full history while buffering live events.
//
// Orchestrator: executes a saga [Definition] step by step through the Bus.
// A step failure (including timeout) triggers compensation of completed
// steps in reverse order; the saga then terminates as failed.
//
// Syncer: reconciles two stores, e.g. a device-local one and a shared
// remote one. Each round pushes and pulls missing events by ID and routes
// streams both sides appended to through a [ConflictResolver].
//
// # Schema Evolution
//
// Older stored event representations are migrated transparently on read.
// Upcasters are registered per (event type, source version) and chained
// until the current version is reached:
//
//	versions := cqrs.NewVersionRegistry()
//	versions.RegisterType("order.Created", 2)
//	versions.RegisterUpcaster("order.Created", 1, addCurrencyField)
package cqrs
