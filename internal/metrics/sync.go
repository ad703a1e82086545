// Package metrics provides Prometheus metrics for progress synchronization.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels stay bounded: no owner IDs.
var (
	// SyncTotal counts resolved sync requests by resolver outcome.
	SyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jangji_progress_sync_total",
		Help: "Total number of resolved progress sync requests, by outcome.",
	}, []string{"outcome"})

	// SyncErrorsTotal counts failed sync requests by reason.
	SyncErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jangji_progress_sync_errors_total",
		Help: "Total number of failed progress sync requests, by reason.",
	}, []string{"reason"})

	// SyncDuration observes the time spent serving a sync request.
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jangji_progress_sync_duration_seconds",
		Help:    "Duration of progress sync requests.",
		Buckets: prometheus.DefBuckets,
	})
)

// Error reasons
const (
	ReasonUnauthorized = "unauthorized"
	ReasonInvalid      = "invalid"
	ReasonClockSkew    = "clock_skew"
	ReasonFetch        = "fetch"
	ReasonUpsert       = "upsert"
)

// RecordOutcome increments the outcome counter
func RecordOutcome(outcome string) {
	SyncTotal.WithLabelValues(outcome).Inc()
}

// RecordError increments the error counter
func RecordError(reason string) {
	SyncErrorsTotal.WithLabelValues(reason).Inc()
}
