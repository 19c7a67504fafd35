package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay metrics
	MessagesLogged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "penny_messages_logged_total",
			Help: "Total messages appended to the durable log",
		},
		[]string{"kind"}, // "incoming", "outgoing", "error"
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "penny_events_dropped_total",
			Help: "Inbound events dropped before processing",
		},
		[]string{"reason"}, // "malformed", "duplicate", "storage", "overflow"
	)

	// Inference metrics
	InferenceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "penny_inference_requests_total",
			Help: "Total inference attempts",
		},
		[]string{"outcome"}, // "ok" or "error"
	)

	InferenceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "penny_inference_duration_seconds",
			Help:    "Inference call duration",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// Delivery metrics
	DeliveryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "penny_delivery_requests_total",
			Help: "Total delivery attempts",
		},
		[]string{"outcome"}, // "ok" or "error"
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "penny_delivery_duration_seconds",
			Help:    "Delivery call duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Stream metrics
	StreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "penny_stream_reconnects_total",
			Help: "Total inbound stream reconnect attempts",
		},
	)

	StreamConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "penny_stream_connected",
			Help: "1 while the inbound stream is connected",
		},
	)

	// Pipeline metrics
	ActivePipelines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "penny_active_pipelines",
			Help: "Number of live per-conversation pipelines",
		},
	)

	// Task runner metrics
	TaskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "penny_task_runs_total",
			Help: "Total periodic task executions",
		},
		[]string{"task", "outcome"}, // outcome: "ok", "error", "timeout"
	)
)
