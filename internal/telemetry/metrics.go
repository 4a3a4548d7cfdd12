package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Heartbeats ----
	PingsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ringpeer",
			Name:      "pings_sent_total",
			Help:      "Ping requests sent, by successor slot.",
		},
		[]string{"slot"},
	)

	PingsAcked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ringpeer",
			Name:      "pings_acked_total",
			Help:      "Ping responses received, by successor slot.",
		},
		[]string{"slot"},
	)

	PingTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ringpeer",
			Name:      "ping_timeouts_total",
			Help:      "Pings that got no response within the timeout, by successor slot.",
		},
		[]string{"slot"},
	)

	SeqGap = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ringpeer",
			Name:      "heartbeat_seq_gap",
			Help:      "Current gap between the last acknowledged and the last sent sequence number.",
		},
		[]string{"slot"},
	)

	// ---- Ring maintenance ----
	Repairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ringpeer",
			Name:      "repairs_total",
			Help:      "Successor repairs run after a failure, by slot and result.",
		},
		[]string{"slot", "result"},
	)

	Departures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ringpeer",
			Name:      "departures_total",
			Help:      "Departure notices handled, by action taken.",
		},
		[]string{"action"},
	)

	// ---- Routing ----
	Lookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ringpeer",
			Name:      "lookups_total",
			Help:      "Lookups handled, by outcome.",
		},
		[]string{"outcome"},
	)

	// ---- Transport ----
	Messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ringpeer",
			Name:      "messages_received_total",
			Help:      "Valid messages received, by transport and type.",
		},
		[]string{"transport", "type"},
	)

	MalformedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ringpeer",
			Name:      "malformed_messages_total",
			Help:      "Messages dropped because they failed to decode, by transport.",
		},
		[]string{"transport"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "ringpeer",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		PingsSent, PingsAcked, PingTimeouts, SeqGap,
		Repairs, Departures, Lookups,
		Messages, MalformedMessages, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
