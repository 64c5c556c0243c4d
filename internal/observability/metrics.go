package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleet_realtime"

var (
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Open gateway websocket connections"})
	Subscriptions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "trip_subscriptions", Help: "Live (trip, connection) subscriptions"})

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ws_messages_total", Help: "Inbound gateway messages by type and result"},
		[]string{"type", "result"},
	)
	FanoutDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "fanout_deliveries_total", Help: "Events pushed to subscribers"},
		[]string{"type", "result"},
	)
	TripTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_transitions_total", Help: "Trip transitions by target status and result"},
		[]string{"to", "result"},
	)
	RelayPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "relay_publishes_total", Help: "Status events published to the relay"},
		[]string{"result"},
	)
	RelayPublishLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "relay_publish_seconds", Help: "Relay publish latency seconds"})
	WebhookCallbacks    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "webhook_callbacks_total", Help: "Inbound relay callbacks by result"},
		[]string{"result"},
	)
	Reservations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "reservations_total", Help: "Reserve attempts by result"},
		[]string{"result"},
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
