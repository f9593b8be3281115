package cqrs

import (
	"log/slog"
	"time"
)

type (
	valueOption[T any] struct{ v T }

	LogOption     struct{ l *slog.Logger }
	MetricsOption struct{ m Metrics }

	VersionsOption         valueOption[*VersionRegistry]
	ProjectionsOption      valueOption[*ProjectionRegistry]
	SnapshotCacheOption    valueOption[int]
	IdempotencyStoreOption valueOption[IdempotencyStore]
	StepTimeoutOption      valueOption[time.Duration]
	ExpectedVersionOption  valueOption[Version]
	ResolverOption         valueOption[ConflictResolver]
)

type (
	StoreOption        interface{ applyToStore(*storeOptions) }
	BusOption          interface{ applyToBus(*busOptions) }
	ProjectionOption   interface{ applyToProjections(*projectionOptions) }
	OrchestratorOption interface{ applyToOrchestrator(*orchestratorOptions) }
	AppendOption       interface{ applyToAppend(*appendOptions) }
	SyncerOption       interface{ applyToSyncer(*syncerOptions) }
)

func WithLog(l *slog.Logger) LogOption { return LogOption{l: l} }
func WithMetrics(m Metrics) MetricsOption {
	return MetricsOption{m: m}
}

// WithVersions attaches a schema version registry to the store. The registry
// is validated during NewStore and its upcasters run on every read.
func WithVersions(v *VersionRegistry) VersionsOption { return VersionsOption{v: v} }

// WithProjections binds a projection registry to the store: successful
// appends are delivered to it and rebuilds replay the store's history.
func WithProjections(p *ProjectionRegistry) ProjectionsOption { return ProjectionsOption{v: p} }

// WithSnapshotCache keeps the latest snapshot per stream in an in-process
// LRU of the given size.
func WithSnapshotCache(size int) SnapshotCacheOption { return SnapshotCacheOption{v: size} }

// WithIdempotencyStore replaces the bus's in-memory idempotency store, e.g.
// with one backed by a shared KV so dedup survives restarts.
func WithIdempotencyStore(s IdempotencyStore) IdempotencyStoreOption {
	return IdempotencyStoreOption{v: s}
}

// WithStepTimeout overrides the per-step timeout applied to every saga step
// and compensation dispatch.
func WithStepTimeout(d time.Duration) StepTimeoutOption { return StepTimeoutOption{v: d} }

// WithExpectedVersion makes an append conditional: it fails with
// ErrConcurrencyConflict unless the stream is at exactly v.
func WithExpectedVersion(v Version) ExpectedVersionOption { return ExpectedVersionOption{v: v} }

// WithResolver replaces the syncer's default LastWriteWins conflict
// resolver.
func WithResolver(r ConflictResolver) ResolverOption { return ResolverOption{v: r} }

type storeOptions struct {
	log           *slog.Logger
	metrics       Metrics
	versions      *VersionRegistry
	projections   *ProjectionRegistry
	snapshotCache int
}

type busOptions struct {
	log         *slog.Logger
	metrics     Metrics
	idempotency IdempotencyStore
}

type projectionOptions struct {
	log     *slog.Logger
	metrics Metrics
}

type orchestratorOptions struct {
	log         *slog.Logger
	metrics     Metrics
	stepTimeout time.Duration
}

type appendOptions struct {
	expected Version
}

type syncerOptions struct {
	log      *slog.Logger
	resolver ConflictResolver
}

func (o LogOption) applyToStore(s *storeOptions)             { s.log = o.l }
func (o LogOption) applyToBus(b *busOptions)                 { b.log = o.l }
func (o LogOption) applyToProjections(p *projectionOptions)  { p.log = o.l }
func (o LogOption) applyToOrchestrator(x *orchestratorOptions) {
	x.log = o.l
}
func (o LogOption) applyToSyncer(s *syncerOptions) { s.log = o.l }

func (o MetricsOption) applyToStore(s *storeOptions)            { s.metrics = o.m }
func (o MetricsOption) applyToBus(b *busOptions)                { b.metrics = o.m }
func (o MetricsOption) applyToProjections(p *projectionOptions) { p.metrics = o.m }
func (o MetricsOption) applyToOrchestrator(x *orchestratorOptions) {
	x.metrics = o.m
}

func (o VersionsOption) applyToStore(s *storeOptions)      { s.versions = o.v }
func (o ProjectionsOption) applyToStore(s *storeOptions)   { s.projections = o.v }
func (o SnapshotCacheOption) applyToStore(s *storeOptions) { s.snapshotCache = o.v }

func (o IdempotencyStoreOption) applyToBus(b *busOptions) { b.idempotency = o.v }

func (o StepTimeoutOption) applyToOrchestrator(x *orchestratorOptions) { x.stepTimeout = o.v }

func (o ExpectedVersionOption) applyToAppend(a *appendOptions) { a.expected = o.v }

func (o ResolverOption) applyToSyncer(s *syncerOptions) { s.resolver = o.v }
