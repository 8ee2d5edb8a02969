// Package metrics provides Prometheus instrumentation for the limiter.
//
// Exposed at GET /metrics via Handler(). Standard Go/process metrics
// come free from prometheus/client_golang; the limiter-specific ones
// below are registered at package init time via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ── Gauges ──────────────────────────────────────────────────────────

// ActiveUsers is the number of users carried in the last evaluator
// snapshot (before it was cleared).
var ActiveUsers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iplimiter_active_users",
	Help: "Number of distinct users seen in the last evaluator cycle.",
})

// ActiveIPs is the number of distinct IPs across all users in the last
// evaluator snapshot.
var ActiveIPs = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iplimiter_active_ips",
	Help: "Number of distinct client IPs seen in the last evaluator cycle.",
})

// WarningsActive is the number of users currently inside a monitoring
// window.
var WarningsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iplimiter_warnings_active",
	Help: "Number of users currently under an active monitoring warning.",
})

// DisabledUsers is the number of users currently recorded in
// DisabledUserStore.
var DisabledUsers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iplimiter_disabled_users",
	Help: "Number of users currently disabled.",
})

// NodeStreamsActive is the number of live per-node SSE stream goroutines.
var NodeStreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iplimiter_node_streams_active",
	Help: "Number of currently connected node log streams.",
})

// ── Counters ────────────────────────────────────────────────────────

// Violations counts confirmed violations by the punishment step kind
// applied ("warning", "disable", "revoke").
var Violations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iplimiter_violations_total",
	Help: "Confirmed violations by punishment step kind.",
}, []string{"step"})

// PanelRequests counts panel API calls by operation and outcome.
var PanelRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iplimiter_panel_requests_total",
	Help: "Panel API calls by operation and status.",
}, []string{"op", "status"})

// ReenableResults counts re-enable attempts by outcome ("ok", "error").
var ReenableResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iplimiter_reenable_total",
	Help: "Re-enable attempts by outcome.",
}, []string{"result"})

// ── Histograms ──────────────────────────────────────────────────────

// PanelRequestDuration tracks panel API call latency by operation.
var PanelRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "iplimiter_panel_request_duration_seconds",
	Help:    "Panel API call latency in seconds.",
	Buckets: prometheus.DefBuckets,
}, []string{"op"})

// ── Handler ─────────────────────────────────────────────────────────

// Handler returns the Prometheus HTTP handler for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
