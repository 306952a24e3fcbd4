package observability

import (
	"context"

	"payment-reliability-engine/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "payment_engine"

// MetricsSink turns events into Prometheus counters and gauges.
type MetricsSink struct {
	transitions   *prometheus.CounterVec
	retryAttempts *prometheus.CounterVec
	circuitState  *prometheus.GaugeVec
	circuitTrips  *prometheus.CounterVec
	deadLetters   *prometheus.CounterVec
	resolved      *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
	conflicts     prometheus.Counter
}

// NewMetricsSink registers the engine metrics with reg.
func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	f := promauto.With(reg)
	return &MetricsSink{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_transitions_total",
			Help:      "Applied payment state transitions",
		}, []string{"from", "to", "event"}),
		retryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_attempts_total",
			Help:      "Processor call attempts by outcome",
		}, []string{"target", "action", "outcome"}),
		circuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Breaker state per target (0 closed, 1 half-open, 2 open)",
		}, []string{"target"}),
		circuitTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Breaker state changes",
		}, []string{"target", "to"}),
		deadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_enqueued_total",
			Help:      "Operations moved to the dead letter queue",
		}, []string{"operation"}),
		resolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_resolved_total",
			Help:      "Dead letter entries replayed or discarded",
		}, []string{"operation", "status"}),
		webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Webhook deliveries accepted",
		}, []string{"event_type", "duplicate"}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_conflicts_total",
			Help:      "Idempotency keys reused with a different request",
		}),
	}
}

func (m *MetricsSink) Emit(_ context.Context, ev domain.Event) {
	a := ev.Attributes
	switch ev.Type {
	case domain.EventTypePaymentTransition:
		m.transitions.WithLabelValues(a["from"], a["to"], a["event"]).Inc()
	case domain.EventTypeRetryAttempt:
		m.retryAttempts.WithLabelValues(ev.Target, a["action"], a["outcome"]).Inc()
	case domain.EventTypeCircuitStateChanged:
		m.circuitState.WithLabelValues(ev.Target).Set(circuitGauge(domain.CircuitStatus(a["to"])))
		m.circuitTrips.WithLabelValues(ev.Target, a["to"]).Inc()
	case domain.EventTypeDeadLetterEnqueued:
		m.deadLetters.WithLabelValues(a["operation"]).Inc()
	case domain.EventTypeDeadLetterResolved:
		m.resolved.WithLabelValues(a["operation"], a["status"]).Inc()
	case domain.EventTypeWebhookReceived:
		m.webhooks.WithLabelValues(a["event_type"], a["duplicate"]).Inc()
	case domain.EventTypeIdempotencyConflict:
		m.conflicts.Inc()
	}
}

func circuitGauge(s domain.CircuitStatus) float64 {
	switch s {
	case domain.CircuitOpen:
		return 2
	case domain.CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}
