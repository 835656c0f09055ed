// Package metrics exposes Prometheus instrumentation for the voice relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the relay
type Metrics struct {
	// Session lifecycle
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionDuration prometheus.Histogram

	// Forwarding
	ChunksDownstream prometheus.Counter // client -> model
	ChunksUpstream   prometheus.Counter // model -> client
	MalformedChunks  prometheus.Counter

	// Setup
	HandshakeFailures    prometheus.Counter
	ContextFetches       prometheus.Counter
	ContextFetchFailures prometheus.Counter
	UpstreamErrors       prometheus.Counter
}

// New creates and registers all relay metrics with the given registerer
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Number of currently open relay sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Total number of relay sessions created",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_closed_total",
			Help: "Total number of relay sessions closed",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Duration of relay sessions from accept to close",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ChunksDownstream: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_chunks_downstream_total",
			Help: "Audio chunks forwarded from client to the speech model",
		}),
		ChunksUpstream: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_chunks_upstream_total",
			Help: "Audio chunks forwarded from the speech model to client",
		}),
		MalformedChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_malformed_chunks_total",
			Help: "Inbound chunks dropped due to bad base64 or unknown shape",
		}),
		HandshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_handshake_failures_total",
			Help: "Sessions rejected for a missing, malformed or late handshake",
		}),
		ContextFetches: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_context_fetches_total",
			Help: "Context Provider lookups at session setup",
		}),
		ContextFetchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_context_fetch_failures_total",
			Help: "Context Provider failures (session degrades, not aborted)",
		}),
		UpstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_upstream_errors_total",
			Help: "Speech model gateway open or stream failures",
		}),
	}
}
