// Package metrics provides Prometheus metrics for the gateway: request
// outcomes, provider latency, plugin phase timings, streaming activity,
// and pipeline reevaluations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gantry"

// LatencyBuckets defines histogram buckets for request latency in seconds.
var LatencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.0, 3.0, 5.0, 7.5, 10.0,
	15.0, 30.0, 60.0, 120.0, 300.0,
}

// PhaseBuckets defines histogram buckets for plugin hook latency in seconds.
var PhaseBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01,
	0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0,
}

var (
	// RequestsTotal counts gateway requests by outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of gateway requests",
		},
		[]string{"model", "provider", "status_code"},
	)

	// RequestLatency tracks end-to-end request latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"model", "provider"},
	)

	// ProviderLatency tracks upstream provider call latency.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Upstream provider call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider", "model"},
	)

	// ProviderFailures counts upstream provider failures by error code.
	ProviderFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_failures_total",
			Help:      "Total number of failed upstream provider calls",
		},
		[]string{"provider", "model", "code"},
	)

	// PluginHookLatency tracks individual plugin hook execution time.
	PluginHookLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plugin_hook_latency_seconds",
			Help:      "Plugin hook execution latency in seconds",
			Buckets:   PhaseBuckets,
		},
		[]string{"plugin", "phase"},
	)

	// PluginFailures counts plugin hook failures.
	PluginFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_failures_total",
			Help:      "Total number of failed plugin hook executions",
		},
		[]string{"plugin", "phase"},
	)

	// PhaseLatency tracks aggregate plugin phase duration.
	PhaseLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_latency_seconds",
			Help:      "Aggregate plugin phase latency in seconds",
			Buckets:   PhaseBuckets,
		},
		[]string{"phase"},
	)

	// ChunksEmitted counts stream chunks forwarded to clients.
	ChunksEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_emitted_total",
			Help:      "Total number of stream chunks emitted to clients",
		},
	)

	// ChunksBuffered counts stream chunks held back by plugins.
	ChunksBuffered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_buffered_total",
			Help:      "Total number of stream chunks held in plugin buffers",
		},
	)

	// Reevaluations counts pipeline reevaluation passes.
	Reevaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_reevaluations_total",
			Help:      "Total number of pipeline reevaluation passes",
		},
		[]string{"plugin"},
	)

	// InputTokens counts prompt tokens by model and provider.
	InputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_tokens_total",
			Help:      "Total prompt tokens processed",
		},
		[]string{"model", "provider"},
	)

	// OutputTokens counts completion tokens by model and provider.
	OutputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_tokens_total",
			Help:      "Total completion tokens produced",
		},
		[]string{"model", "provider"},
	)
)
