package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Consumed outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeUnknown   = "unknown_order"
	OutcomeError     = "error"
)

var (
	EventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "choreography_events_consumed_total",
			Help: "Records handled by a service consumer loop",
		},
		[]string{"topic", "outcome"},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "choreography_events_published_total",
			Help: "Outbox publish attempts",
		},
		[]string{"topic", "result"},
	)

	OutboxFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "choreography_outbox_failed_total",
			Help: "Outbox entries that exhausted their retries",
		},
		[]string{"topic"},
	)

	Stock = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inventory_stock",
			Help: "Available units per item",
		},
		[]string{"item"},
	)

	OrdersByStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_status_transitions_total",
			Help: "Order status transitions by target status",
		},
		[]string{"status"},
	)
)

// Registry holds the collectors above plus Go runtime metrics. It is a
// private registry so tests can build several apps in one process.
var Registry = newRegistry()

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		EventsConsumed,
		EventsPublished,
		OutboxFailed,
		Stock,
		OrdersByStatus,
	)
	return r
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
