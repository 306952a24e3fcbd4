package service

import (
	"context"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"
)

type nopSink struct{}

func (nopSink) Emit(context.Context, domain.Event) {}

func sinkOrNop(sink ports.EventSink) ports.EventSink {
	if sink == nil {
		return nopSink{}
	}
	return sink
}
