package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connections_active", Help: "Sessions currently registered on this process"})
	DriversOnline     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Drivers in the last presence snapshot"})

	MessagesInbound = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "messages_inbound_total", Help: "Inbound websocket messages by type"},
		[]string{"type"},
	)
	MessagesOutbound = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "messages_outbound_total", Help: "Outbound websocket messages delivered by type"},
		[]string{"type"},
	)
	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "protocol_errors_total", Help: "Errors reported to clients by kind"},
		[]string{"kind"},
	)

	TripsRequested  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_requested_total", Help: "Trips created"})
	TripsAccepted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_accepted_total", Help: "Trip acceptances that won the race"})
	TripConflicts   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trip_conflicts_total", Help: "Trip responses rejected as already handled"})
	OffersSent      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "new_trip_request offers sent to drivers"})
	ChatMessages    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "chat_messages_total", Help: "Chat entries appended"})
	MatchLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "trip_request_latency_seconds", Help: "Latency of trip_request handling"})
	StaleTerminated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "heartbeat_terminations_total", Help: "Sessions terminated for missing a pong"})
	StaleSwept      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sweep_removals_total", Help: "Registry entries removed by the stale sweep"})

	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bus_published_total", Help: "Envelopes published on the fan-out bus"},
		[]string{"type"},
	)
	BusReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bus_received_total", Help: "Envelopes received from the fan-out bus"},
		[]string{"type"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
