package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesCreated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Ride requests accepted into the store"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Applied ride status transitions"},
		[]string{"from", "to"},
	)
	TransitionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_rejected_total", Help: "Rejected ride status transitions by reason"},
		[]string{"reason"},
	)
	AcceptRaces = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_attempts_total", Help: "Accept attempts by outcome"},
		[]string{"outcome"},
	)

	DispatchRounds   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_rounds_total", Help: "Dispatch rounds started"})
	NoDriverRounds   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_no_drivers_total", Help: "Dispatch rounds that found no candidate"})
	OffersSent       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Per-driver offers pushed"})
	OffersExpired    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_expired_total", Help: "Offers that reached their deadline without an accept"})
	DispatchTimeouts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_timeouts_total", Help: "Rides cancelled after exhausting dispatch rounds"})
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from ride creation to accepted"})

	StaleLocations = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "stale_locations_total", Help: "Location updates dropped as older than stored"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Events published by type"},
		[]string{"type"},
	)
	DeliveryMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "event_delivery_misses_total", Help: "Events with no connected recipient, or dropped for a slow one"},
		[]string{"type"},
	)
	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "event_sink_errors_total", Help: "Failed writes to external event sinks"},
		[]string{"sink"},
	)
	Connections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "event_connections", Help: "Open event-channel connections"})

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
