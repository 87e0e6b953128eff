// Package metrics exposes Maestro's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal counts engine queries by mode and outcome.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_queries_total",
		Help: "Engine queries by mode and status.",
	}, []string{"mode", "status"})

	// QueryDuration observes end-to-end query latency.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maestro_query_duration_seconds",
		Help:    "End-to-end query latency by mode.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"mode"})

	// SupervisorRestarts counts unexpected server exits that led to a restart.
	SupervisorRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_supervisor_restarts_total",
		Help: "Inference server restarts after unexpected exit.",
	}, []string{"model_id"})

	// ServersReady gauges ready inference servers per tier.
	ServersReady = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "maestro_servers_ready",
		Help: "Ready inference servers per tier.",
	}, []string{"tier"})

	// InFlight gauges in-flight inference requests per model.
	InFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "maestro_inflight_requests",
		Help: "In-flight inference requests per model.",
	}, []string{"model_id"})

	// EventsDropped counts bus events lost to slow subscribers.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_events_dropped_total",
		Help: "Bus events dropped due to full subscriber buffers.",
	})

	// RetrievalChunks observes artifacts selected per retrieval.
	RetrievalChunks = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "maestro_retrieval_chunks",
		Help:    "Artifacts selected per CGRAG retrieval.",
		Buckets: prometheus.LinearBuckets(0, 2, 11),
	})
)
