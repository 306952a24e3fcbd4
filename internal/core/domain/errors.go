package domain

import "errors"

// Storage sentinels shared by every repository implementation.
var (
	// ErrVersionConflict means the row changed since it was read.
	ErrVersionConflict = errors.New("version conflict")
	// ErrTransitionAlreadyApplied means the (payment, source_ref) pair was already recorded.
	ErrTransitionAlreadyApplied = errors.New("transition already applied")
	// ErrDuplicateKey means a unique key (idempotency key, external event id) already exists.
	ErrDuplicateKey = errors.New("duplicate key")
)

// Validation sentinels.
var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrAmountPrecision     = errors.New("amount has too many decimal places")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
)
