package observability

import (
	"context"

	"payment-reliability-engine/internal/core/domain"

	"github.com/rs/zerolog"
)

// LogSink writes every event as one structured log line.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "events").Logger()}
}

func (s *LogSink) Emit(_ context.Context, ev domain.Event) {
	e := s.log.Info()
	switch ev.Type {
	case domain.EventTypeDeadLetterEnqueued, domain.EventTypeIdempotencyConflict:
		e = s.log.Warn()
	case domain.EventTypeRetryAttempt:
		e = s.log.Debug()
	}
	if ev.PaymentID != nil {
		e = e.Str("payment_id", ev.PaymentID.String())
	}
	if ev.CorrelationID != "" {
		e = e.Str("correlation_id", ev.CorrelationID)
	}
	if ev.Target != "" {
		e = e.Str("target", ev.Target)
	}
	e.Time("occurred_at", ev.OccurredAt).
		Fields(attrFields(ev.Attributes)).
		Msg(string(ev.Type))
}

func attrFields(attrs map[string]string) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
