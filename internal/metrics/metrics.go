// Package metrics provides Prometheus instrumentation for the room chat
// service. It exposes gauges for connections and room state, counters for
// event throughput across the bus and the synchronization fabric, and a
// histogram for delivery latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// UsersOnline tracks the number of joined users per room.
	UsersOnline = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roomchat_users_online",
		Help: "Current number of joined users per room",
	}, []string{"room"})

	// MessagesTotal counts chat messages, labeled by origin: "local" or "remote".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_messages_total",
		Help: "Total number of chat messages appended to room logs",
	}, []string{"origin"})

	// EventsPublished counts bus publishes by event kind and whether the event
	// was also forwarded to the fabric.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_events_published_total",
		Help: "Total number of events published on a room bus",
	}, []string{"kind", "rebroadcast"})

	// EventsDelivered counts handler invocations, labeled by outcome:
	// "delivered", "unsubscribed" or "panic".
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_events_delivered_total",
		Help: "Total number of event deliveries to local subscribers",
	}, []string{"kind", "outcome"})

	// DeliveryLatency records the time from publish to handler invocation.
	DeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roomchat_delivery_latency_seconds",
		Help:    "Time from publish to handler invocation in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// FabricEvents counts fabric traffic by transport and direction:
	// "sent", "received", "dropped" or "echo".
	FabricEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_fabric_events_total",
		Help: "Total number of events crossing the synchronization fabric",
	}, []string{"transport", "direction"})

	// Anomalies counts tolerated caller mistakes such as typing while
	// disconnected.
	Anomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_anomalies_total",
		Help: "Total number of tolerated operations by disconnected users",
	}, []string{"operation"})

	// MessagesBlocked counts messages rejected by moderation, labeled by
	// reason: "blocked_keyword" or "spam_pattern".
	MessagesBlocked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_messages_blocked_total",
		Help: "Total number of chat messages rejected by moderation",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		UsersOnline,
		MessagesTotal,
		EventsPublished,
		EventsDelivered,
		DeliveryLatency,
		FabricEvents,
		Anomalies,
		MessagesBlocked,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
