// Package metrics declares the Prometheus collectors exported by the runtime
// client. Collectors register with the default registry on import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PendingRequests tracks requests awaiting a correlated reply.
	PendingRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nbruntime_pending_requests",
		Help: "Requests waiting for a correlated reply, by registry",
	}, []string{"registry"})

	// RequestOutcomes counts how correlated requests settled.
	RequestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nbruntime_request_outcomes_total",
		Help: "Correlated requests by registry and outcome",
	}, []string{"registry", "outcome"})

	// CacheLookups counts caching registry hits and misses.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nbruntime_cache_lookups_total",
		Help: "Caching registry lookups by result",
	}, []string{"result"})

	// HealthChecks counts backend health probes by result.
	HealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nbruntime_health_checks_total",
		Help: "Backend health probes by result",
	}, []string{"result"})

	// Reconnects counts websocket re-establishments.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nbruntime_reconnects_total",
		Help: "Websocket reconnections after the initial connect",
	})

	// DroppedRuns counts run requests discarded while disconnected.
	DroppedRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nbruntime_dropped_runs_total",
		Help: "Run requests dropped because the socket was not open",
	})

	// WorkerBufferDepth is the number of worker events waiting to be flushed.
	WorkerBufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nbruntime_worker_buffer_depth",
		Help: "Worker events waiting to be delivered to the host",
	})

	// WorkerFlushes tracks flushed batch sizes.
	WorkerFlushes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nbruntime_worker_flush_batch_size",
		Help:    "Number of worker events delivered per flush",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)
