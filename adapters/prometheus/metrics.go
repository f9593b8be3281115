package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/cqrs-go/core/cqrs"
	"github.com/codewandler/cqrs-go/core/metrics"
)

// cqrsMetrics implements cqrs.Metrics using Prometheus.
type cqrsMetrics struct {
	// Store metrics
	storeAppendDuration  prometheus.Histogram
	storeReadDuration    prometheus.Histogram
	eventsAppended       prometheus.Counter
	concurrencyConflicts prometheus.Counter
	snapshotCacheHits    prometheus.Counter
	snapshotCacheMisses  prometheus.Counter

	// Command bus metrics
	commandDuration *prometheus.HistogramVec
	commandsFailed  *prometheus.CounterVec
	idempotencyHits prometheus.Counter

	// Projection metrics
	projectionApplied         *prometheus.CounterVec
	projectionFailed          *prometheus.CounterVec
	projectionRebuildDuration *prometheus.HistogramVec

	// Saga metrics
	sagaStepDuration *prometheus.HistogramVec
	sagasFinished    *prometheus.CounterVec
}

// NewMetrics creates a Prometheus implementation of cqrs.Metrics and
// registers all collectors with reg.
func NewMetrics(reg prometheus.Registerer) cqrs.Metrics {
	m := &cqrsMetrics{
		storeAppendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cqrs_store_append_duration_seconds",
			Help:    "Event store append latency in seconds",
			Buckets: defaultBuckets,
		}),
		storeReadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cqrs_store_read_duration_seconds",
			Help:    "Event store read latency in seconds",
			Buckets: defaultBuckets,
		}),
		eventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cqrs_store_events_appended_total",
			Help: "Total number of events appended",
		}),
		concurrencyConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cqrs_store_concurrency_conflicts_total",
			Help: "Total number of optimistic lock failures",
		}),
		snapshotCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cqrs_store_snapshot_cache_hits_total",
			Help: "Total number of snapshot cache hits",
		}),
		snapshotCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cqrs_store_snapshot_cache_misses_total",
			Help: "Total number of snapshot cache misses",
		}),

		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cqrs_command_duration_seconds",
			Help:    "Command handling latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"command"}),
		commandsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_commands_failed_total",
			Help: "Total number of failed command dispatches",
		}, []string{"command"}),
		idempotencyHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cqrs_idempotency_hits_total",
			Help: "Total number of dispatches answered from the idempotency store",
		}),

		projectionApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_projection_events_applied_total",
			Help: "Total number of events applied per projection",
		}, []string{"projection"}),
		projectionFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_projection_events_failed_total",
			Help: "Total number of failed event applications per projection",
		}, []string{"projection"}),
		projectionRebuildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cqrs_projection_rebuild_duration_seconds",
			Help:    "Projection rebuild latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"projection"}),

		sagaStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cqrs_saga_step_duration_seconds",
			Help:    "Saga step dispatch latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"saga", "step"}),
		sagasFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqrs_sagas_finished_total",
			Help: "Total number of finished saga executions",
		}, []string{"saga", "status"}),
	}

	reg.MustRegister(
		m.storeAppendDuration,
		m.storeReadDuration,
		m.eventsAppended,
		m.concurrencyConflicts,
		m.snapshotCacheHits,
		m.snapshotCacheMisses,
		m.commandDuration,
		m.commandsFailed,
		m.idempotencyHits,
		m.projectionApplied,
		m.projectionFailed,
		m.projectionRebuildDuration,
		m.sagaStepDuration,
		m.sagasFinished,
	)

	return m
}

func (m *cqrsMetrics) StoreAppendDuration() metrics.Timer {
	return newTimer(m.storeAppendDuration)
}

func (m *cqrsMetrics) StoreReadDuration() metrics.Timer {
	return newTimer(m.storeReadDuration)
}

func (m *cqrsMetrics) EventsAppended() metrics.Counter {
	return counter{c: m.eventsAppended}
}

func (m *cqrsMetrics) ConcurrencyConflict() metrics.Counter {
	return counter{c: m.concurrencyConflicts}
}

func (m *cqrsMetrics) SnapshotCacheHit() metrics.Counter {
	return counter{c: m.snapshotCacheHits}
}

func (m *cqrsMetrics) SnapshotCacheMiss() metrics.Counter {
	return counter{c: m.snapshotCacheMisses}
}

func (m *cqrsMetrics) CommandDuration(commandType string) metrics.Timer {
	return newTimer(m.commandDuration.WithLabelValues(commandType))
}

func (m *cqrsMetrics) CommandFailed(commandType string) metrics.Counter {
	return counter{c: m.commandsFailed.WithLabelValues(commandType)}
}

func (m *cqrsMetrics) IdempotencyHit() metrics.Counter {
	return counter{c: m.idempotencyHits}
}

func (m *cqrsMetrics) ProjectionApplied(projection string) metrics.Counter {
	return counter{c: m.projectionApplied.WithLabelValues(projection)}
}

func (m *cqrsMetrics) ProjectionFailed(projection string) metrics.Counter {
	return counter{c: m.projectionFailed.WithLabelValues(projection)}
}

func (m *cqrsMetrics) ProjectionRebuildDuration(projection string) metrics.Timer {
	return newTimer(m.projectionRebuildDuration.WithLabelValues(projection))
}

func (m *cqrsMetrics) SagaStepDuration(saga, step string) metrics.Timer {
	return newTimer(m.sagaStepDuration.WithLabelValues(saga, step))
}

func (m *cqrsMetrics) SagaFinished(saga, status string) metrics.Counter {
	return counter{c: m.sagasFinished.WithLabelValues(saga, status)}
}

var _ cqrs.Metrics = (*cqrsMetrics)(nil)
