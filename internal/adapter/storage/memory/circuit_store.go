package memory

import (
	"context"
	"sync"

	"payment-reliability-engine/internal/core/domain"
)

// CircuitStore implements ports.CircuitStore for a single process.
// State resets on restart.
type CircuitStore struct {
	mu     sync.Mutex
	states map[string]domain.CircuitState
}

// NewCircuitStore creates an empty CircuitStore.
func NewCircuitStore() *CircuitStore {
	return &CircuitStore{states: make(map[string]domain.CircuitState)}
}

func (s *CircuitStore) Load(ctx context.Context, target string) (domain.CircuitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[target]
	if !ok {
		return domain.NewCircuitState(target), nil
	}
	return st, nil
}

func (s *CircuitStore) CompareAndSwap(ctx context.Context, target string, expectedVersion int64, next domain.CircuitState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[target].Version != expectedVersion {
		return false, nil
	}
	next.Target = target
	next.Version = expectedVersion + 1
	s.states[target] = next
	return true, nil
}
