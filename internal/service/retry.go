package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"
	"payment-reliability-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "payment-reliability-engine/service"

// RetryConfig bounds the retry policy. MaxAttempts includes the first call.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// Call identifies one logical processor operation.
type Call struct {
	Target               string
	Request              domain.ProcessorRequest
	ClientIdempotencyKey string
}

// RetryExhaustedError is returned when every attempt failed transiently or
// the circuit refused a retry. The operation has been dead-lettered when
// DeadLetterID is set.
type RetryExhaustedError struct {
	Attempts     int
	History      []string
	Last         error
	DeadLetterID *uuid.UUID
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("processor call failed after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// RetryExecutor runs processor calls through the circuit breaker with
// bounded exponential backoff.
type RetryExecutor struct {
	cfg     RetryConfig
	breaker *CircuitBreaker
	dlq     ports.DeadLetterQueue
	sink    ports.EventSink
	tracer  trace.Tracer
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func() float64
}

// NewRetryExecutor creates an executor. dlq may be nil, in which case
// exhausted calls are only returned to the caller.
func NewRetryExecutor(cfg RetryConfig, breaker *CircuitBreaker, dlq ports.DeadLetterQueue, sink ports.EventSink, log zerolog.Logger) *RetryExecutor {
	cfg.MaxAttempts = min(max(cfg.MaxAttempts, 1), 5)
	return &RetryExecutor{
		cfg:     cfg,
		breaker: breaker,
		dlq:     dlq,
		sink:    sinkOrNop(sink),
		tracer:  otel.Tracer(tracerName),
		log:     log,
		sleep:   sleepContext,
		jitter:  rand.Float64,
	}
}

// Execute invokes fn with the same request (and so the same processor
// idempotency key) on every attempt. Only transient errors are retried.
func (e *RetryExecutor) Execute(ctx context.Context, call Call, fn func(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error)) (*domain.ProcessorResult, int, error) {
	ctx, span := e.tracer.Start(ctx, "processor."+string(call.Request.Action), trace.WithAttributes(
		attribute.String("payment.id", call.Request.PaymentID.String()),
		attribute.String("processor.target", call.Target),
		attribute.String("processor.idempotency_key", call.Request.IdempotencyKey),
	))
	defer span.End()

	var history []string
	for attempt := 1; ; attempt++ {
		res, err := e.breaker.Execute(ctx, call.Target, func(ctx context.Context) (*domain.ProcessorResult, error) {
			return fn(ctx, call.Request)
		})
		e.recordAttempt(ctx, span, call, attempt, err)

		if err == nil {
			span.SetAttributes(attribute.Int("processor.attempts", attempt))
			return res, attempt, nil
		}
		history = append(history, fmt.Sprintf("attempt %d: %v", attempt, err))

		if !apperror.IsTransient(err) && !apperror.IsKind(err, apperror.KindCircuitOpen) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "permanent failure")
			return nil, attempt, err
		}
		if apperror.IsKind(err, apperror.KindCircuitOpen) && attempt == 1 {
			// nothing reached the processor; the caller retries after the hint
			span.RecordError(err)
			span.SetStatus(codes.Error, "circuit open")
			return nil, attempt, err
		}
		if apperror.IsKind(err, apperror.KindCircuitOpen) || attempt >= e.cfg.MaxAttempts {
			return nil, attempt, e.exhausted(ctx, span, call, attempt, history, err)
		}
		if serr := e.sleep(ctx, e.backoff(attempt)); serr != nil {
			history = append(history, "backoff interrupted: "+serr.Error())
			return nil, attempt, e.exhausted(ctx, span, call, attempt, history, err)
		}
	}
}

// backoff returns base·2^(attempt-1) with ±jitter, capped at MaxDelay.
func (e *RetryExecutor) backoff(attempt int) time.Duration {
	d := float64(e.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if e.cfg.Jitter > 0 {
		d *= 1 + e.cfg.Jitter*(2*e.jitter()-1)
	}
	if ceiling := float64(e.cfg.MaxDelay); e.cfg.MaxDelay > 0 && d > ceiling {
		d = ceiling
	}
	return time.Duration(d)
}

func (e *RetryExecutor) exhausted(ctx context.Context, span trace.Span, call Call, attempts int, history []string, last error) error {
	span.RecordError(last)
	span.SetStatus(codes.Error, "retries exhausted")
	span.SetAttributes(attribute.Int("processor.attempts", attempts))

	exErr := &RetryExhaustedError{Attempts: attempts, History: history, Last: last}
	if e.dlq == nil {
		return exErr
	}

	entry, err := newProcessorDeadLetter(call, attempts, history, last)
	if err != nil {
		e.log.Error().Err(err).Str("payment_id", call.Request.PaymentID.String()).Msg("failed to build dead letter entry")
		return exErr
	}
	// Written even when the caller has gone away.
	if err := e.dlq.Enqueue(context.WithoutCancel(ctx), entry); err != nil {
		e.log.Error().Err(err).
			Str("payment_id", call.Request.PaymentID.String()).
			Str("action", string(call.Request.Action)).
			Msg("failed to dead-letter exhausted processor call")
		return exErr
	}
	exErr.DeadLetterID = &entry.ID
	return exErr
}

func (e *RetryExecutor) recordAttempt(ctx context.Context, span trace.Span, call Call, attempt int, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(apperror.KindOf(err))
	}
	span.AddEvent("attempt", trace.WithAttributes(
		attribute.Int("attempt", attempt),
		attribute.String("outcome", outcome),
	))

	ev := e.log.Debug()
	if err != nil {
		ev = e.log.Warn().Err(err)
	}
	ev.Str("payment_id", call.Request.PaymentID.String()).
		Str("action", string(call.Request.Action)).
		Int("attempt", attempt).
		Str("outcome", outcome).
		Msg("processor attempt")

	paymentID := call.Request.PaymentID
	e.sink.Emit(ctx, domain.Event{
		Type:          domain.EventTypeRetryAttempt,
		OccurredAt:    time.Now().UTC(),
		PaymentID:     &paymentID,
		CorrelationID: call.Request.CorrelationID,
		Target:        call.Target,
		Attributes: map[string]string{
			"action":  string(call.Request.Action),
			"attempt": strconv.Itoa(attempt),
			"outcome": outcome,
		},
	})
}

func newProcessorDeadLetter(call Call, attempts int, history []string, last error) (*domain.DeadLetterEntry, error) {
	payload, err := json.Marshal(domain.ProcessorCallPayload{
		Request:              call.Request,
		ClientIdempotencyKey: call.ClientIdempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal processor call payload: %w", err)
	}
	paymentID := call.Request.PaymentID
	return &domain.DeadLetterEntry{
		ID:                uuid.New(),
		OriginalOperation: domain.OperationProcessorCall,
		Action:            string(call.Request.Action),
		PaymentID:         &paymentID,
		Payload:           payload,
		FailureReason:     failureReason(last),
		ErrorHistory:      history,
		AttemptCount:      attempts,
	}, nil
}

func failureReason(err error) string {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		if appErr.Err != nil {
			return strings.TrimSpace(appErr.Message + ": " + appErr.Err.Error())
		}
		return appErr.Message
	}
	return err.Error()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
