// Package prometheus provides a Prometheus implementation of cqrs.Metrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/cqrs-go/core/metrics"
)

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// counter adapts a Prometheus counter to the Counter interface.
type counter struct {
	c prometheus.Counter
}

func (c counter) Inc()          { c.c.Inc() }
func (c counter) Add(d float64) { c.c.Add(d) }

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}
