package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "adgate"

var (
	// GateDecisions counts popunder gate evaluations by outcome reason.
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_decisions_total",
		Help:      "Popunder gate evaluations by reason.",
	}, []string{"reason"})

	// PopunderOpens counts window-open attempts after an allowed decision.
	PopunderOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "popunder_opens_total",
		Help:      "Window-open attempts after an allowed decision.",
	}, []string{"status"})

	// HistoryErrors counts swallowed history store failures.
	HistoryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "history_errors_total",
		Help:      "Swallowed history read, decode and write failures.",
	}, []string{"op"})

	// PremiumLookups counts premium flag lookups by result.
	PremiumLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "premium_lookups_total",
		Help:      "Premium flag lookups by result.",
	}, []string{"result"})

	// JobsEnqueued counts premium sync jobs placed into the worker channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs placed into worker channel.",
	}, []string{"kind"})

	// JobsDropped counts jobs discarded before processing.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Jobs discarded before processing.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"kind", "status"})

	// APIRequests counts HTTP API requests by route and status code.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "HTTP API requests by route and status code.",
	}, []string{"route", "code"})

	// APIDuration records HTTP API latency.
	APIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_duration_seconds",
		Help:      "HTTP API latency in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"route"})

	// APIRateLimited counts requests rejected by the per-IP API limiter.
	APIRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_rate_limited_total",
		Help:      "Requests rejected by the per-IP API limiter.",
	})

	// TrackedClients is a gauge for browser clients with stored history.
	TrackedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_clients",
		Help:      "Browser clients with stored history.",
	})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})
)
