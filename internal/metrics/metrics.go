// Package metrics exposes the client runtime's state as Prometheus
// collectors, package-level vars registered at import time, the same
// convention the pack's WebSocket servers use for their own metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState is 0=disconnected 1=connecting 2=connected
	// 3=disconnecting, mirroring connection.ConnectionState's ordinals.
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moo_connection_state",
		Help: "Current connection state (0=disconnected 1=connecting 2=connected 3=disconnecting)",
	})

	ReconnectAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moo_reconnect_attempts_total",
		Help: "Total number of reconnect attempts made",
	})

	RegistrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moo_registrations_total",
		Help: "Total registration handshakes by outcome",
	}, []string{"outcome"})

	RegistrationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "moo_registration_duration_seconds",
		Help:    "Time from REQUEST send to registry response",
		Buckets: prometheus.DefBuckets,
	})

	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moo_requests_total",
		Help: "Total outbound requests by outcome (success or failure)",
	}, []string{"outcome"})

	RequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "moo_request_duration_seconds",
		Help:    "Time from REQUEST send to a terminal COMPLETE",
		Buckets: prometheus.DefBuckets,
	})

	EventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moo_events_dropped_total",
		Help: "Total events dropped because the public events sink was full",
	})

	ProvidedBroadcastsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moo_provided_broadcasts_dropped_total",
		Help: "Total provided-service broadcast fan-out tasks dropped due to a full worker queue",
	})

	PendingRequestsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moo_pending_requests",
		Help: "Current number of requests awaiting a terminal response",
	})

	ActiveSubscriptionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moo_active_subscriptions",
		Help: "Current number of open outbound subscriptions",
	})

	DiscoveryCoresFound = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moo_discovery_cores_found",
		Help: "Number of Core instances found by the most recent discovery sweep",
	})

	DiscoveryQueriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moo_discovery_queries_total",
		Help: "Total SOOD discovery queries broadcast",
	})

	SweptRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moo_swept_requests_total",
		Help: "Total pending requests removed by the stale-pending sweep",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectAttemptsTotal,
		RegistrationsTotal,
		RegistrationDuration,
		RequestsTotal,
		RequestDuration,
		EventsDroppedTotal,
		ProvidedBroadcastsDroppedTotal,
		PendingRequestsGauge,
		ActiveSubscriptionsGauge,
		DiscoveryCoresFound,
		DiscoveryQueriesTotal,
		SweptRequestsTotal,
	)
}

// Handler serves the Prometheus exposition format, wired into the demo
// binary's /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
