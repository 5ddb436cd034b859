// Package metrics holds the Prometheus collectors of the grid server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "world_grid_subscriptions_active",
			Help: "Live document subscriptions held by sessions (map, feed, clan chat)",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "world_grid_sessions_active",
			Help: "Viewer sessions currently open",
		},
	)

	SnapshotsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "world_grid_snapshots_total",
			Help: "Message window snapshots applied by sessions",
		},
	)

	ChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "world_grid_changes_total",
			Help: "Message changes applied by sessions",
		},
		[]string{"type"}, // added, modified, removed
	)

	StaleMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "world_grid_stale_messages_total",
			Help: "Messages skipped because they are older than the wipe age",
		},
	)

	ExpiredMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "world_grid_expired_messages_total",
			Help: "Plotted messages removed after aging past the wipe age",
		},
	)

	MalformedMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "world_grid_malformed_messages_total",
			Help: "Messages skipped because of missing or invalid fields",
		},
	)

	SubscriptionErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "world_grid_subscription_errors_total",
			Help: "Live query failures delivered to sessions",
		},
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "world_grid_commands_total",
			Help: "Commands dispatched to sessions",
		},
		[]string{"command", "result"}, // result: ok, error
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "world_grid_websocket_connections",
			Help: "Current number of active websocket connections",
		},
	)

	WebSocketMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "world_grid_websocket_messages_sent_total",
			Help: "Websocket messages written to clients",
		},
	)

	WebSocketMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "world_grid_websocket_messages_dropped_total",
			Help: "Websocket messages dropped because a client buffer was full",
		},
	)

	WebSocketResyncsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "world_grid_websocket_resyncs_total",
			Help: "Scene resets sent to clients that fell behind",
		},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "world_grid_api_requests_total",
			Help: "HTTP API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "world_grid_api_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func RecordAPIRequest(method, route, status string, d time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordCommand counts one dispatched command.
func RecordCommand(name string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	CommandsTotal.WithLabelValues(name, result).Inc()
}
