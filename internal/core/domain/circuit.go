package domain

import "time"

// CircuitStatus is the breaker state for one target.
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half_open"
)

// CircuitState is the shared per-target breaker state. Version increments on
// every successful compare-and-swap.
type CircuitState struct {
	Target        string        `json:"target"`
	State         CircuitStatus `json:"state"`
	FailureCount  int           `json:"failure_count"`
	LastFailureAt *time.Time    `json:"last_failure_at,omitempty"`
	OpenedAt      *time.Time    `json:"opened_at,omitempty"`
	HalfOpenAt    *time.Time    `json:"half_open_at,omitempty"`
	Version       int64         `json:"version"`
}

// NewCircuitState returns the closed state a target starts in.
func NewCircuitState(target string) CircuitState {
	return CircuitState{Target: target, State: CircuitClosed}
}
