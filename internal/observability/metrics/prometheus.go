// Package metrics provides Prometheus metrics for the billing engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	BillsCreated          prometheus.Counter
	LineItemsAdded        prometheus.Counter
	ModifiersApplied      *prometheus.CounterVec
	ClaimsAdjudicated     *prometheus.CounterVec
	AdjudicationDuration  prometheus.Histogram
	BillTransitions       *prometheus.CounterVec
	LockContention        prometheus.Counter
	DuplicateClaims       prometheus.Counter
	KafkaMessagesProduced *prometheus.CounterVec
	KafkaMessagesConsumed *prometheus.CounterVec
	OutboxPending         prometheus.Gauge
	OutboxPublished       prometheus.Counter
	OutboxFailed          prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg means the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		BillsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bills_created_total",
			Help: "Total bills created",
		}),
		LineItemsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bill_line_items_added_total",
			Help: "Total top-level charges attached to bills",
		}),
		ModifiersApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bill_modifiers_applied_total",
			Help: "Modifiers run against bills",
		}, []string{"kind"}),
		ClaimsAdjudicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claims_adjudicated_total",
			Help: "Claims adjudicated by deciding stage and outcome",
		}, []string{"stage", "outcome"}),
		AdjudicationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "claim_adjudication_duration_seconds",
			Help:    "Time to load, adjudicate and persist a claim",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		BillTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bill_status_transitions_total",
			Help: "Bill status changes by target status",
		}, []string{"status"}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bill_lock_contention_total",
			Help: "Operations refused because another writer held the bill",
		}),
		DuplicateClaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claims_duplicate_total",
			Help: "Claim submissions answered from the idempotency inbox",
		}),
		KafkaMessagesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}, []string{"topic"}),
		KafkaMessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}, []string{"topic"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox entries published to the broker",
		}),
		OutboxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Failed outbox publish attempts",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.BillsCreated,
		m.LineItemsAdded,
		m.ModifiersApplied,
		m.ClaimsAdjudicated,
		m.AdjudicationDuration,
		m.BillTransitions,
		m.LockContention,
		m.DuplicateClaims,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.OutboxPublished,
		m.OutboxFailed,
		m.CircuitBreakerState,
	)

	return m
}

// Outcome labels a claim result for ClaimsAdjudicated
func Outcome(approved bool) string {
	if approved {
		return "approved"
	}
	return "rejected"
}

// Handler serves the metrics gathered by g, or the default gatherer when g is nil
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
