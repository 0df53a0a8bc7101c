// Package metrics exports dispatch activity to Prometheus and serves the
// admin HTTP endpoints.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/caio-sobreiro/dicomgateway/dispatch"
)

const namespace = "dicomgateway"

// Collector is a dispatch.Observer maintaining transfer and session metrics.
type Collector struct {
	outcomes      *prometheus.CounterVec
	bytesSent     *prometheus.CounterVec
	attempts      *prometheus.HistogramVec
	sessions      *prometheus.CounterVec
	subOperations *prometheus.HistogramVec
}

// NewCollector registers the gateway metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_outcomes_total",
			Help:      "Instance transfers by destination and result",
		}, []string{"destination", "status"}),
		bytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Data set bytes sent by destination",
		}, []string{"destination"}),
		attempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_attempts",
			Help:      "Attempts per transfer, zero when the destination was already given up",
			Buckets:   []float64{0, 1, 2, 3, 5},
		}, []string{"destination"}),
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished dispatch sessions by final status",
		}, []string{"status", "canceled"}),
		subOperations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_sub_operations",
			Help:      "Sub-operations per session",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"status"}),
	}
}

// OnOutcome implements dispatch.Observer.
func (c *Collector) OnOutcome(_ context.Context, o dispatch.Outcome) {
	c.outcomes.WithLabelValues(o.Destination, o.Status.String()).Inc()
	c.bytesSent.WithLabelValues(o.Destination).Add(float64(o.BytesSent))
	c.attempts.WithLabelValues(o.Destination).Observe(float64(o.Attempts))
}

// OnSessionFinished implements dispatch.Observer.
func (c *Collector) OnSessionFinished(_ context.Context, r dispatch.Result) {
	canceled := "false"
	if r.Canceled {
		canceled = "true"
	}
	c.sessions.WithLabelValues(r.Status.String(), canceled).Inc()

	total := r.Totals.Completed + r.Totals.Warning + r.Totals.Failed + r.Totals.Remaining
	c.subOperations.WithLabelValues(r.Status.String()).Observe(float64(total))
}
