package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an AppError for retry, breaker and propagation decisions.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindTransientProcessor    Kind = "transient_processor"
	KindPermanentProcessor    Kind = "permanent_processor"
	KindIdempotencyConflict   Kind = "idempotency_conflict"
	KindIdempotencyInProgress Kind = "idempotency_in_progress"
	KindStaleTransition       Kind = "stale_transition"
	KindCircuitOpen           Kind = "circuit_open"
	KindNotFound              Kind = "not_found"
	KindTimeout               Kind = "timeout"
	KindUnauthorized          Kind = "unauthorized"
	KindRateLimited           Kind = "rate_limited"
	KindInternal              Kind = "internal"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string        `json:"error_code"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"-"`
	Kind       Kind          `json:"-"`
	RetryAfter time.Duration `json:"-"` // set on circuit-open errors
	Err        error         `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(kind Kind, code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Kind:       kind,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(kind Kind, code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Kind:       kind,
		Err:        err,
	}
}

// KindOf returns the Kind of the first AppError in err's chain.
// Errors that are not AppErrors are reported as KindInternal.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// IsTransient reports whether err is a retryable processor failure.
func IsTransient(err error) bool {
	return IsKind(err, KindTransientProcessor)
}

// ---- Payment Business Logic (PAY) ----

func ErrInvalidAmount() *AppError {
	return New(KindValidation, "PAY_002", "Invalid amount", http.StatusBadRequest)
}

func ErrNotFound(entity string) *AppError {
	return New(KindNotFound, "PAY_004", fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrInvalidRefund() *AppError {
	return New(KindValidation, "PAY_006", "Payment not eligible for refund", http.StatusBadRequest)
}

func ErrRefundAmountExceedsCaptured() *AppError {
	return New(KindValidation, "PAY_007", "Refund amount exceeds captured amount", http.StatusBadRequest)
}

func ErrCaptureAmountExceedsAuthorized() *AppError {
	return New(KindValidation, "PAY_008", "Capture amount exceeds authorized amount", http.StatusBadRequest)
}

// ---- Transitions (TXN) ----

func ErrStaleTransition(current string, expected []string) *AppError {
	return New(KindStaleTransition, "TXN_001",
		fmt.Sprintf("Payment is %s, expected one of %v", current, expected), http.StatusConflict)
}

func ErrInvalidTransition(from, to string) *AppError {
	return New(KindValidation, "TXN_002",
		fmt.Sprintf("Transition %s -> %s is not allowed", from, to), http.StatusBadRequest)
}

func ErrConcurrentUpdate() *AppError {
	return New(KindStaleTransition, "TXN_003",
		"Payment is being modified concurrently, retry the request", http.StatusConflict)
}

// ---- Idempotency (IDEM) ----

func ErrIdempotencyConflict() *AppError {
	return New(KindIdempotencyConflict, "IDEM_001",
		"Idempotency key was already used with a different request", http.StatusUnprocessableEntity)
}

func ErrIdempotencyInProgress() *AppError {
	return New(KindIdempotencyInProgress, "IDEM_002",
		"A request with this idempotency key is still in progress", http.StatusConflict)
}

// ---- Processor (PROC) ----

func ErrTransientProcessor(err error) *AppError {
	return Wrap(KindTransientProcessor, "PROC_001", "Payment processor temporarily unavailable", http.StatusServiceUnavailable, err)
}

func ErrPermanentProcessor(code, reason string) *AppError {
	msg := "Payment processor rejected the request"
	if reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, reason)
	}
	return Wrap(KindPermanentProcessor, "PROC_002", msg, http.StatusPaymentRequired, fmt.Errorf("processor code %q", code))
}

func ErrCircuitOpen(target string, retryAfter time.Duration) *AppError {
	e := New(KindCircuitOpen, "PROC_003",
		fmt.Sprintf("Circuit for %s is open", target), http.StatusServiceUnavailable)
	e.RetryAfter = retryAfter
	return e
}

// ---- Security (SEC) ----

func ErrInvalidSignature() *AppError {
	return New(KindUnauthorized, "SEC_002", "Invalid signature", http.StatusUnauthorized)
}

// ---- Rate Limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New(KindRateLimited, "RATE_001", "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap(KindInternal, "SYS_001", "Internal database error", http.StatusInternalServerError, err)
}

func ErrRequestTimeout(paymentID string) *AppError {
	return New(KindTimeout, "SYS_004",
		fmt.Sprintf("Timed out waiting for processor; payment %s will be reconciled", paymentID), http.StatusGatewayTimeout)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap(KindInternal, "SYS_001", "Internal server error", http.StatusInternalServerError, err)
}

// ErrPayloadTooLarge is returned when a request body exceeds the limit.
func ErrPayloadTooLarge() *AppError {
	return New(KindValidation, "REQ_001", "Request body too large", http.StatusRequestEntityTooLarge)
}

// Validation returns a PAY_002-style validation error.
func Validation(message string) *AppError {
	return New(KindValidation, "PAY_002", message, http.StatusBadRequest)
}
