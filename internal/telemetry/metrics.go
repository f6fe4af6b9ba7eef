// Package telemetry provides Prometheus collectors for the relay.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveRequests     prometheus.Gauge
	UpstreamDuration   *prometheus.HistogramVec
	UpstreamErrors     *prometheus.CounterVec
	ValidationRejects  *prometheus.CounterVec
	SchedulerExhausted *prometheus.CounterVec
	StickyHits         prometheus.Counter
	StickyMisses       prometheus.Counter
	TokensProcessed    *prometheus.CounterVec
	RetriesTotal       prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Total number of relay requests.",
		}, []string{"platform", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                      "relay",
			Name:                           "request_duration_seconds",
			Help:                           "End-to-end relay request duration in seconds.",
			NativeHistogramBucketFactor:    1.1,
			NativeHistogramMaxBucketNumber: 100,
		}, []string{"platform"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "active_requests",
			Help:      "Number of currently active relay requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                      "relay",
			Name:                           "upstream_duration_seconds",
			Help:                           "Upstream dispatch duration in seconds.",
			NativeHistogramBucketFactor:    1.1,
			NativeHistogramMaxBucketNumber: 100,
		}, []string{"platform", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "upstream_errors_total",
			Help:      "Total upstream error statuses by account state transition.",
		}, []string{"platform", "status"}),

		ValidationRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "validation_rejects_total",
			Help:      "Inbound requests rejected by client validation.",
		}, []string{"reason"}),

		SchedulerExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "scheduler_exhausted_total",
			Help:      "Requests that exhausted account selection.",
		}, []string{"platform"}),

		StickyHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "sticky_session_hits_total",
			Help:      "Selections served from an existing session mapping.",
		}),

		StickyMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "sticky_session_misses_total",
			Help:      "Selections that created a new session mapping.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "tokens_processed_total",
			Help:      "Total tokens relayed, by direction.",
		}, []string{"direction"}),

		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "dispatch_retries_total",
			Help:      "Upstream dispatch attempts beyond the first.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.ValidationRejects,
		m.SchedulerExhausted,
		m.StickyHits,
		m.StickyMisses,
		m.TokensProcessed,
		m.RetriesTotal,
	)
	return m
}
