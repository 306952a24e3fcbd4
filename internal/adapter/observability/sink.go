// Package observability fans engine events out to logs, Prometheus and
// Kafka, and sets up OpenTelemetry tracing.
package observability

import (
	"context"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"
)

// MultiSink forwards every event to each sink in order.
type MultiSink []ports.EventSink

func NewMultiSink(sinks ...ports.EventSink) MultiSink {
	out := make(MultiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m MultiSink) Emit(ctx context.Context, ev domain.Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}
