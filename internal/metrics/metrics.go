// Package metrics registers the router's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersCreated counts orders accepted by the gateway, by type.
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_orders_created_total",
		Help: "Orders accepted by the gateway.",
	}, []string{"type"})

	// OrderTransitions counts state machine transitions.
	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_order_transitions_total",
		Help: "Order status transitions applied by the engine.",
	}, []string{"type", "status"})

	// VenueErrors counts upstream venue failures by venue and operation.
	VenueErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_venue_errors_total",
		Help: "Venue adapter failures.",
	}, []string{"venue", "op"})

	// BridgeTransfers counts LiFi transfers by terminal outcome.
	BridgeTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_bridge_transfers_total",
		Help: "Bridge transfers by outcome.",
	}, []string{"outcome"})

	// TickDuration observes engine tick latency.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "router_engine_tick_seconds",
		Help:    "Duration of one engine poll tick.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// RequestDuration observes HTTP handler latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "router_http_request_seconds",
		Help:    "HTTP request duration by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)
