// Package metrics holds the Prometheus collectors for the chat API and worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LLMBuckets covers provider latencies from 100ms to two minutes.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "t3chat_http_requests_total",
			Help: "HTTP requests by method, route and status class",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "t3chat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "route"},
	)

	// ProviderRequestsTotal counts adapter outcomes: ok, missing_key, upstream_error, simulated.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "t3chat_provider_requests_total",
			Help: "Provider adapter calls by provider, mode and outcome",
		},
		[]string{"provider", "mode", "outcome"},
	)

	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "t3chat_provider_latency_seconds",
			Help:    "Upstream provider latency",
			Buckets: LLMBuckets,
		},
		[]string{"provider", "mode"},
	)

	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "t3chat_streaming_connections_active",
			Help: "Active SSE relays",
		},
	)

	TurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "t3chat_turns_total",
			Help: "Persisted chat turns by mode and result",
		},
		[]string{"mode", "result"},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "t3chat_jobs_total",
			Help: "Async chat jobs handled by the worker",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ProviderRequestsTotal,
		ProviderLatency,
		StreamingConnections,
		TurnsTotal,
		JobsTotal,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
