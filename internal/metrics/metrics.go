// Package metrics provides Prometheus instrumentation for gm.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gm_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gm_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Business metrics.
var (
	// ActiveAgents counts agent.Runner processes currently executing a
	// session turn.
	ActiveAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gm_active_agents",
		Help: "Number of currently running agent processes.",
	})

	// WatchedConversations counts conversations with at least one live
	// synchub subscriber.
	WatchedConversations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gm_watched_conversations",
		Help: "Number of conversations with at least one active watcher.",
	})

	// SessionsByState is the gauge for live sessions per FSM state. It is
	// registered here, but no code in this module sets it, so it reports
	// no per-state values.
	SessionsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gm_sessions_by_state",
		Help: "Number of sessions currently in each FSM state.",
	}, []string{"state"})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gm_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gm_ws_messages_total",
		Help: "Total number of WebSocket messages sent.",
	})
)
