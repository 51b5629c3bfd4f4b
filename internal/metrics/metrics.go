// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for connections and locally joined rooms, counters for event
// and message throughput, and a histogram for history query latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fitmatch_relay_connections",
		Help: "Current number of active WebSocket connections",
	})

	// RoomsActive tracks the rooms with at least one local member.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fitmatch_relay_rooms",
		Help: "Current number of rooms with a member on this instance",
	})

	// EventsTotal counts frames handled, labeled by event type and direction
	// ("in" from clients, "out" to clients).
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fitmatch_relay_events_total",
		Help: "Total number of events handled",
	}, []string{"type", "direction"})

	// MessagesTotal counts send_message outcomes: "accepted", "rejected",
	// "rate_limited", "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fitmatch_relay_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// NotificationsTotal counts notifications published, labeled by whether
	// the user was online ("live"), offline ("stored") or presence could not
	// be read ("unknown").
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fitmatch_relay_notifications_total",
		Help: "Total number of notifications published",
	}, []string{"delivery"})

	// HistoryLatency records room history query latency in seconds.
	HistoryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fitmatch_relay_history_latency_seconds",
		Help:    "Room history query latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		RoomsActive,
		EventsTotal,
		MessagesTotal,
		NotificationsTotal,
		HistoryLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
