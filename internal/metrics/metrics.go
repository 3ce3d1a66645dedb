// Package metrics exposes Prometheus instrumentation for the sync core.
//
// Transport:
//   - chatsync_http_requests_total{method,outcome}
//   - chatsync_http_request_duration_seconds{method}
//   - chatsync_circuit_breaker_state (0=closed, 1=half-open, 2=open)
//
// Token refresh:
//   - chatsync_token_refreshes_total{outcome}
//   - chatsync_token_refresh_waiters
//
// Realtime:
//   - chatsync_realtime_state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)
//   - chatsync_realtime_reconnect_attempts_total
//   - chatsync_realtime_events_total{event}
//
// Cache and presence:
//   - chatsync_cache_inserts_total{source}
//   - chatsync_cache_duplicates_total
//   - chatsync_cache_optimistic_discards_total
//   - chatsync_typing_expirations_total
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "HTTP requests sent through the secure transport, by outcome",
		},
		[]string{"method", "outcome"}, // ok, network, http_4xx, http_5xx, decrypt
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "Latency of secure transport requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_circuit_breaker_state",
			Help: "Transport circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_token_refreshes_total",
			Help: "Token refresh calls, by outcome",
		},
		[]string{"outcome"}, // success, failure
	)

	TokenRefreshWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_token_refresh_waiters",
			Help: "Requests currently queued behind an in-flight refresh",
		},
	)

	RealtimeState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_realtime_state",
			Help: "Realtime connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
		},
	)

	RealtimeReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_realtime_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled after a dropped connection",
		},
	)

	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_realtime_events_total",
			Help: "Inbound realtime events, by event name",
		},
		[]string{"event"},
	)

	CacheInserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_cache_inserts_total",
			Help: "Messages added to the room cache, by source",
		},
		[]string{"source"}, // page, live, optimistic
	)

	CacheDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_cache_duplicates_total",
			Help: "Messages dropped because their id was already cached",
		},
	)

	OptimisticDiscards = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_cache_optimistic_discards_total",
			Help: "Provisional messages removed after a failed send",
		},
	)

	TypingExpirations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_typing_expirations_total",
			Help: "Typing indicators cleared by their timer",
		},
	)
)

// RecordHTTPRequest counts one transport request and its latency.
func RecordHTTPRequest(method, outcome string, d time.Duration) {
	HTTPRequests.WithLabelValues(method, outcome).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
