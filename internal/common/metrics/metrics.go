// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_requests_total",
			Help: "Total number of orchestrated requests by outcome",
		},
		[]string{"status"},
	)

	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_admission_rejections_total",
			Help: "Requests rejected before processing, by reason",
		},
		[]string{"reason"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_request_duration_seconds",
			Help:    "End-to-end request processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"tier"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_stage_duration_seconds",
			Help:    "Per-stage pipeline duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"stage"},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_provider_calls_total",
			Help: "Provider call attempts by provider and result",
		},
		[]string{"provider", "result"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_provider_latency_seconds",
			Help:    "Provider call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"provider"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
		},
		[]string{"provider"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Queued requests per priority class",
		},
		[]string{"priority"},
	)

	ActiveDispatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_active_dispatches",
			Help: "Requests currently inside the dispatch pipeline",
		},
	)

	Regenerations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_regenerations_total",
			Help: "Synthesis regenerations triggered by failed validation",
		},
	)

	CacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_cache_events_total",
			Help: "Response cache hits and misses",
		},
		[]string{"event"},
	)
)
