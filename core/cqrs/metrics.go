package cqrs

import (
	"github.com/codewandler/cqrs-go/core/metrics"
)

// Metrics is the instrumentation surface of the package. Timer-returning
// methods start a timer; call ObserveDuration when the operation completes:
//
//	defer m.StoreAppendDuration().ObserveDuration()
//
// All components accept a Metrics through WithMetrics; the default is a
// no-op. See adapters/prometheus for a real implementation.
type Metrics interface {
	StoreAppendDuration() metrics.Timer
	StoreReadDuration() metrics.Timer
	EventsAppended() metrics.Counter
	ConcurrencyConflict() metrics.Counter
	SnapshotCacheHit() metrics.Counter
	SnapshotCacheMiss() metrics.Counter

	CommandDuration(commandType string) metrics.Timer
	CommandFailed(commandType string) metrics.Counter
	IdempotencyHit() metrics.Counter

	ProjectionApplied(projection string) metrics.Counter
	ProjectionFailed(projection string) metrics.Counter
	ProjectionRebuildDuration(projection string) metrics.Timer

	SagaStepDuration(saga, step string) metrics.Timer
	SagaFinished(saga, status string) metrics.Counter
}

type nopMetrics struct{}

// NopMetrics discards all measurements.
func NopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) StoreAppendDuration() metrics.Timer             { return metrics.NopTimer() }
func (nopMetrics) StoreReadDuration() metrics.Timer               { return metrics.NopTimer() }
func (nopMetrics) EventsAppended() metrics.Counter                { return metrics.NopCounter() }
func (nopMetrics) ConcurrencyConflict() metrics.Counter           { return metrics.NopCounter() }
func (nopMetrics) SnapshotCacheHit() metrics.Counter              { return metrics.NopCounter() }
func (nopMetrics) SnapshotCacheMiss() metrics.Counter             { return metrics.NopCounter() }
func (nopMetrics) CommandDuration(string) metrics.Timer           { return metrics.NopTimer() }
func (nopMetrics) CommandFailed(string) metrics.Counter           { return metrics.NopCounter() }
func (nopMetrics) IdempotencyHit() metrics.Counter                { return metrics.NopCounter() }
func (nopMetrics) ProjectionApplied(string) metrics.Counter       { return metrics.NopCounter() }
func (nopMetrics) ProjectionFailed(string) metrics.Counter        { return metrics.NopCounter() }
func (nopMetrics) ProjectionRebuildDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) SagaStepDuration(string, string) metrics.Timer  { return metrics.NopTimer() }
func (nopMetrics) SagaFinished(string, string) metrics.Counter    { return metrics.NopCounter() }
