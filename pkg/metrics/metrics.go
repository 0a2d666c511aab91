// Package metrics declares the Prometheus instruments shared across the
// fabric, the manager runtime, and the subagents. Instruments are registered
// at init via promauto; the API server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamAppends counts appends per stream kind (wb, in:*, control:*).
	StreamAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alfred_stream_appends_total",
		Help: "Entries appended to whiteboard, input, and control streams.",
	}, []string{"stream_kind"})

	// EventsNormalized counts successful normalizations per event type.
	EventsNormalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alfred_events_normalized_total",
		Help: "Whiteboard entries normalized into typed events.",
	}, []string{"type"})

	// EventsDropped counts entries dropped before reaching the graph.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alfred_events_dropped_total",
		Help: "Whiteboard entries dropped (unknown type, missing thread, router).",
	}, []string{"reason"})

	// PromptsEmitted counts manager.prompt events per originating source.
	PromptsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alfred_prompts_emitted_total",
		Help: "User-facing prompts appended to the whiteboard.",
	}, []string{"source"})

	// ExternalCalls counts collaborator calls by target and outcome.
	ExternalCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alfred_external_calls_total",
		Help: "Calls to external collaborators (planner, classifier, mail).",
	}, []string{"target", "outcome"})

	// GraphErrors counts manager graph runs that returned an error.
	GraphErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alfred_graph_errors_total",
		Help: "Manager graph runs that failed and will be retried.",
	})

	// SideEffectsSkipped counts idempotency-key hits (replays suppressed).
	SideEffectsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alfred_side_effects_skipped_total",
		Help: "Graph nodes skipped because their idempotency key was recorded.",
	})

	// StreamLag reports the age of the oldest unacknowledged entry per role.
	StreamLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alfred_stream_lag_seconds",
		Help: "Age of the oldest pending entry in a subagent's input stream.",
	}, []string{"role"})

	// Degraded is 1 while a worker is in degraded mode.
	Degraded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alfred_degraded",
		Help: "Whether a worker is currently degraded (1) or healthy (0).",
	}, []string{"role"})

	// WorkerUp is 1 while a worker loop is running.
	WorkerUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alfred_worker_up",
		Help: "Whether a per-user worker loop is running.",
	}, []string{"role"})

	// TailBatch observes how many events each runtime tail returned.
	TailBatch = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alfred_tail_batch_size",
		Help:    "Events returned per whiteboard tail call.",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
	})
)
