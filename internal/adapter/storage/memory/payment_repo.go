// Package memory provides process-local implementations of the storage
// ports. State is lost on restart; they back the "memory" storage backend
// and the service-level concurrency tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"payment-reliability-engine/internal/core/domain"

	"github.com/google/uuid"
)

// PaymentRepo implements ports.PaymentRepository.
type PaymentRepo struct {
	mu          sync.RWMutex
	payments    map[uuid.UUID]*domain.Payment
	byKey       map[string]uuid.UUID
	transitions map[uuid.UUID][]domain.TransitionRecord
}

// NewPaymentRepo creates an empty PaymentRepo.
func NewPaymentRepo() *PaymentRepo {
	return &PaymentRepo{
		payments:    make(map[uuid.UUID]*domain.Payment),
		byKey:       make(map[string]uuid.UUID),
		transitions: make(map[uuid.UUID][]domain.TransitionRecord),
	}
}

func (r *PaymentRepo) Create(ctx context.Context, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[p.ID]; ok {
		return domain.ErrDuplicateKey
	}
	if p.IdempotencyKey != nil {
		if _, ok := r.byKey[*p.IdempotencyKey]; ok {
			return domain.ErrDuplicateKey
		}
		r.byKey[*p.IdempotencyKey] = p.ID
	}
	r.payments[p.ID] = p.Clone()
	return nil
}

func (r *PaymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (r *PaymentRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[key]
	if !ok {
		return nil, nil
	}
	return r.payments[id].Clone(), nil
}

func (r *PaymentRepo) ApplyTransition(ctx context.Context, next *domain.Payment, expectedVersion int64, record *domain.TransitionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.payments[next.ID]
	if !ok {
		return fmt.Errorf("payment not found: %s", next.ID)
	}
	for _, t := range r.transitions[next.ID] {
		if t.SourceRef == record.SourceRef {
			return domain.ErrTransitionAlreadyApplied
		}
	}
	if cur.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	r.payments[next.ID] = next.Clone()
	r.transitions[next.ID] = append(r.transitions[next.ID], *record)
	return nil
}

func (r *PaymentRepo) Update(ctx context.Context, next *domain.Payment, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.payments[next.ID]
	if !ok {
		return fmt.Errorf("payment not found: %s", next.ID)
	}
	if cur.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	r.payments[next.ID] = next.Clone()
	return nil
}

func (r *PaymentRepo) ListTransitions(ctx context.Context, paymentID uuid.UUID) ([]domain.TransitionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.transitions[paymentID]), nil
}

func (r *PaymentRepo) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Payment
	for _, p := range r.payments {
		if p.Status == domain.PaymentStatusPending && p.CreatedAt.Before(olderThan) {
			out = append(out, *p.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.Payment) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
