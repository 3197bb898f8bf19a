package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_created_total",
		Help: "Checkouts by gateway and resulting status.",
	}, []string{"gateway", "status"})

	CheckoutErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_errors_total",
		Help: "Checkout failures by error kind.",
	}, []string{"kind"})

	SettlementTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_transitions_total",
		Help: "Effective payment status transitions.",
	}, []string{"from_state", "to_state", "trigger"})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Webhook deliveries by provider and outcome.",
	}, []string{"provider", "outcome"})

	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Latency of outbound payment provider calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "method", "status"})
)
