// Package metrics holds the gateway's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Currently open authenticated connections.",
	})

	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_rooms",
		Help: "Rooms with at least one member.",
	})

	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_total",
		Help: "Events accepted for delivery, by type.",
	}, []string{"type"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_events_dropped_total",
		Help: "Stale droppable events evicted from saturated outbound queues.",
	})

	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_duplicate_events_total",
		Help: "Inbound events discarded for a non-advancing sequence number.",
	})

	SlowConsumerDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_slow_consumer_disconnects_total",
		Help: "Connections dropped after their queue stayed full past the grace period.",
	})

	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_auth_failures_total",
		Help: "Handshakes rejected by credential verification.",
	})

	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_persist_failures_total",
		Help: "Chat persistence calls that failed; delivery is unaffected.",
	})

	BusFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_bus_failures_total",
		Help: "Cross-instance bus publishes that failed.",
	})
)
