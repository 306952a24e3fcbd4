package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentEvent is a processor-side outcome that moves a payment between states.
type PaymentEvent string

const (
	EventAuthorizeSucceeded   PaymentEvent = "authorize_succeeded"
	EventAuthorizeDeclined    PaymentEvent = "authorize_declined"
	EventAuthorizationExpired PaymentEvent = "authorization_expired"
	EventCaptureSucceeded     PaymentEvent = "capture_succeeded"
	EventVoidSucceeded        PaymentEvent = "void_succeeded"
	EventRefundSucceeded      PaymentEvent = "refund_succeeded"
	EventChargebackReceived   PaymentEvent = "chargeback_received"
)

// paymentTransitions is the complete edge set. Anything absent is invalid.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:           {PaymentStatusAuthorized, PaymentStatusFailed},
	PaymentStatusAuthorized:        {PaymentStatusCaptured, PaymentStatusVoided, PaymentStatusFailed},
	PaymentStatusCaptured:          {PaymentStatusPartiallyRefunded, PaymentStatusRefunded, PaymentStatusChargeback},
	PaymentStatusPartiallyRefunded: {PaymentStatusPartiallyRefunded, PaymentStatusRefunded, PaymentStatusChargeback},
}

// eventSources lists the states each event may legally be applied from.
var eventSources = map[PaymentEvent][]PaymentStatus{
	EventAuthorizeSucceeded:   {PaymentStatusPending},
	EventAuthorizeDeclined:    {PaymentStatusPending},
	EventAuthorizationExpired: {PaymentStatusAuthorized},
	EventCaptureSucceeded:     {PaymentStatusAuthorized},
	EventVoidSucceeded:        {PaymentStatusAuthorized},
	EventRefundSucceeded:      {PaymentStatusCaptured, PaymentStatusPartiallyRefunded},
	EventChargebackReceived:   {PaymentStatusCaptured, PaymentStatusPartiallyRefunded},
}

// CanTransition reports whether from→to is an edge of the lifecycle graph.
func CanTransition(from, to PaymentStatus) bool {
	return slices.Contains(paymentTransitions[from], to)
}

// SourceStates returns the states an event may be applied from.
func SourceStates(event PaymentEvent) []PaymentStatus {
	return slices.Clone(eventSources[event])
}

// Transition describes one requested state change.
type Transition struct {
	Event PaymentEvent
	// Amount applies to capture (nil = full authorized amount) and refund
	// (nil = everything still refundable).
	Amount *decimal.Decimal
	// SourceRef names the processor-side operation; defaults per event.
	SourceRef    string
	ProcessorRef string
	Reason       string
	// ReleaseReservation consumes a refund reservation made before the
	// processor call.
	ReleaseReservation bool
	// Retries is added to the payment's retry count.
	Retries int
}

// TransitionErrorKind classifies a rejected transition.
type TransitionErrorKind string

const (
	TransitionStale   TransitionErrorKind = "stale"
	TransitionInvalid TransitionErrorKind = "invalid"
	TransitionAmount  TransitionErrorKind = "amount"
)

// TransitionError is returned when a transition is rejected. Nothing is
// persisted when it is returned.
type TransitionError struct {
	Kind     TransitionErrorKind
	Event    PaymentEvent
	From     PaymentStatus
	To       PaymentStatus
	Expected []PaymentStatus
	Detail   string
}

func (e *TransitionError) Error() string {
	switch e.Kind {
	case TransitionStale:
		exp := make([]string, len(e.Expected))
		for i, s := range e.Expected {
			exp[i] = string(s)
		}
		return fmt.Sprintf("stale transition %s: payment is %s, expected one of [%s]",
			e.Event, e.From, strings.Join(exp, ", "))
	case TransitionAmount:
		return fmt.Sprintf("transition %s rejected: %s", e.Event, e.Detail)
	default:
		if e.Detail != "" {
			return fmt.Sprintf("invalid transition %s: %s", e.Event, e.Detail)
		}
		return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
	}
}

// AsTransitionError unwraps err into a *TransitionError.
func AsTransitionError(err error) (*TransitionError, bool) {
	var te *TransitionError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsStaleTransition reports whether err is a stale TransitionError.
func IsStaleTransition(err error) bool {
	te, ok := AsTransitionError(err)
	return ok && te.Kind == TransitionStale
}

// Apply computes the payment that results from t without mutating p.
// expected narrows the states t may apply from; when empty the event's own
// source states are used. The returned payment carries Version+1 and the
// record to persist alongside it.
func (p *Payment) Apply(t Transition, now time.Time, expected ...PaymentStatus) (*Payment, *TransitionRecord, error) {
	sources, ok := eventSources[t.Event]
	if !ok {
		return nil, nil, &TransitionError{Kind: TransitionInvalid, Event: t.Event, From: p.Status, Detail: "unknown event"}
	}
	if len(expected) == 0 {
		expected = sources
	}
	if !slices.Contains(expected, p.Status) {
		return nil, nil, &TransitionError{Kind: TransitionStale, Event: t.Event, From: p.Status, Expected: slices.Clone(expected)}
	}

	next := p.Clone()
	var (
		to     PaymentStatus
		amount *decimal.Decimal
	)

	switch t.Event {
	case EventAuthorizeSucceeded:
		to = PaymentStatusAuthorized
	case EventAuthorizeDeclined:
		to = PaymentStatusFailed
		reason := nonEmpty(t.Reason, "declined")
		next.DeclineReason = &reason
	case EventAuthorizationExpired:
		to = PaymentStatusFailed
		reason := nonEmpty(t.Reason, "authorization expired")
		next.FailureReason = &reason
	case EventCaptureSucceeded:
		to = PaymentStatusCaptured
		capture := p.Amount.Amount
		if t.Amount != nil {
			capture = *t.Amount
		}
		if !capture.IsPositive() {
			return nil, nil, amountError(t.Event, p.Status, to, "capture amount must be positive")
		}
		if capture.GreaterThan(p.Amount.Amount) {
			return nil, nil, amountError(t.Event, p.Status, to,
				fmt.Sprintf("capture %s exceeds authorized %s", capture, p.Amount.Amount))
		}
		next.CapturedAmount = capture
		amount = &capture
	case EventVoidSucceeded:
		to = PaymentStatusVoided
	case EventRefundSucceeded:
		refund := p.CapturedAmount.Sub(p.RefundedAmount)
		if t.Amount != nil {
			refund = *t.Amount
		}
		if !refund.IsPositive() {
			return nil, nil, amountError(t.Event, p.Status, "", "refund amount must be positive")
		}
		total := p.RefundedAmount.Add(refund)
		if total.GreaterThan(p.CapturedAmount) {
			return nil, nil, amountError(t.Event, p.Status, "",
				fmt.Sprintf("cumulative refunds %s exceed captured %s", total, p.CapturedAmount))
		}
		to = PaymentStatusPartiallyRefunded
		if total.Equal(p.CapturedAmount) {
			to = PaymentStatusRefunded
		}
		next.RefundedAmount = total
		if t.ReleaseReservation {
			next.RefundReserved = decimal.Max(decimal.Zero, p.RefundReserved.Sub(refund))
		}
		amount = &refund
	case EventChargebackReceived:
		to = PaymentStatusChargeback
		if t.Reason != "" {
			reason := t.Reason
			next.FailureReason = &reason
		}
	}

	if !CanTransition(p.Status, to) {
		return nil, nil, &TransitionError{Kind: TransitionInvalid, Event: t.Event, From: p.Status, To: to}
	}

	if t.ProcessorRef != "" && next.ProcessorReferenceID == nil {
		ref := t.ProcessorRef
		next.ProcessorReferenceID = &ref
	}
	next.Status = to
	next.RetryCount += t.Retries
	next.Version = p.Version + 1
	next.UpdatedAt = now
	processed := now
	next.ProcessedAt = &processed

	record := &TransitionRecord{
		ID:         uuid.New(),
		PaymentID:  p.ID,
		From:       p.Status,
		To:         to,
		Event:      t.Event,
		SourceRef:  nonEmpty(t.SourceRef, DefaultSourceRef(t)),
		Amount:     amount,
		OccurredAt: now,
	}
	return next, record, nil
}

// DefaultSourceRef derives the dedup reference for a transition that did not
// carry one. Single-shot operations share a fixed ref so the client path and
// the webhook path collapse onto the same record.
func DefaultSourceRef(t Transition) string {
	switch t.Event {
	case EventAuthorizeSucceeded, EventAuthorizeDeclined:
		return "authorize"
	case EventAuthorizationExpired:
		return "expire"
	case EventCaptureSucceeded:
		return "capture"
	case EventVoidSucceeded:
		return "void"
	case EventRefundSucceeded:
		if t.ProcessorRef != "" {
			return "refund:" + t.ProcessorRef
		}
		return "refund:" + uuid.NewString()
	case EventChargebackReceived:
		return "chargeback"
	}
	return string(t.Event)
}

func amountError(event PaymentEvent, from, to PaymentStatus, detail string) *TransitionError {
	return &TransitionError{Kind: TransitionAmount, Event: event, From: from, To: to, Detail: detail}
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
