// Package processor adapts the external payment processor to
// ports.ProcessorGateway. Every transport normalizes its replies through the
// same response code table, so the retry executor and circuit breaker see
// one error taxonomy regardless of how the processor was reached.
package processor

import (
	"fmt"
	"net/http"
	"strings"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/pkg/apperror"
)

// Class is the partition a processor response code falls into.
type Class int

const (
	// ClassTransient codes may succeed when retried with the same key.
	ClassTransient Class = iota
	ClassApproved
	// ClassDeclined codes are business declines reported as a result.
	ClassDeclined
	// ClassRejected codes mean the request itself can never succeed.
	ClassRejected
)

func (c Class) String() string {
	switch c {
	case ClassApproved:
		return "approved"
	case ClassDeclined:
		return "declined"
	case ClassRejected:
		return "rejected"
	default:
		return "transient"
	}
}

// codeTable enumerates every response code the processor documents.
// Codes missing from it are treated as transient: the retry reuses the
// idempotency key, so a second attempt cannot move money twice, and an
// exhausted call lands in the dead letter queue for an operator.
var codeTable = map[string]Class{
	"approved": ClassApproved,
	"success":  ClassApproved,

	"card_declined":      ClassDeclined,
	"do_not_honor":       ClassDeclined,
	"insufficient_funds": ClassDeclined,
	"expired_card":       ClassDeclined,
	"incorrect_cvc":      ClassDeclined,
	"lost_card":          ClassDeclined,
	"stolen_card":        ClassDeclined,
	"fraud_suspected":    ClassDeclined,
	"invalid_card":       ClassDeclined,

	"invalid_request":        ClassRejected,
	"invalid_amount":         ClassRejected,
	"currency_not_supported": ClassRejected,
	"authorization_expired":  ClassRejected,
	"already_captured":       ClassRejected,
	"already_voided":         ClassRejected,
	"refund_exceeds_capture": ClassRejected,
	"payment_not_found":      ClassRejected,

	"processor_error":     ClassTransient,
	"service_unavailable": ClassTransient,
	"issuer_unavailable":  ClassTransient,
	"timeout":             ClassTransient,
	"rate_limited":        ClassTransient,
	"try_again_later":     ClassTransient,
}

// Classify looks code up in the response code table.
func Classify(code string) Class {
	c, ok := codeTable[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return ClassTransient
	}
	return c
}

// classifyStatus partitions HTTP statuses that arrive without a usable code.
func classifyStatus(status int) Class {
	switch {
	case status >= 200 && status < 300:
		return ClassApproved
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status == http.StatusConflict,
		status >= 500:
		return ClassTransient
	default:
		return ClassRejected
	}
}

// reply is the response body shared by the HTTP and NATS transports.
type reply struct {
	Code         string `json:"code"`
	Message      string `json:"message,omitempty"`
	ProcessorRef string `json:"processor_ref,omitempty"`
}

// normalize turns a decoded reply into the uniform adapter result.
func normalize(action domain.ProcessorAction, r reply) (*domain.ProcessorResult, error) {
	switch Classify(r.Code) {
	case ClassApproved:
		if r.ProcessorRef == "" {
			return nil, apperror.ErrTransientProcessor(fmt.Errorf("%s approved without a processor reference", action))
		}
		return &domain.ProcessorResult{Status: domain.ProcessorApproved, ProcessorRef: r.ProcessorRef, Code: r.Code}, nil
	case ClassDeclined:
		reason := r.Message
		if reason == "" {
			reason = r.Code
		}
		return &domain.ProcessorResult{
			Status:        domain.ProcessorDeclined,
			ProcessorRef:  r.ProcessorRef,
			DeclineReason: reason,
			Code:          r.Code,
		}, nil
	case ClassRejected:
		return nil, apperror.ErrPermanentProcessor(r.Code, r.Message)
	default:
		return nil, apperror.ErrTransientProcessor(fmt.Errorf("%s: processor code %q: %s", action, r.Code, r.Message))
	}
}
