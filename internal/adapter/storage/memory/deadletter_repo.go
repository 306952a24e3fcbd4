package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"payment-reliability-engine/internal/core/domain"

	"github.com/google/uuid"
)

// DeadLetterRepo implements ports.DeadLetterRepository.
type DeadLetterRepo struct {
	mu      sync.Mutex
	entries map[uuid.UUID]domain.DeadLetterEntry
}

// NewDeadLetterRepo creates an empty DeadLetterRepo.
func NewDeadLetterRepo() *DeadLetterRepo {
	return &DeadLetterRepo{entries: make(map[uuid.UUID]domain.DeadLetterEntry)}
}

func (r *DeadLetterRepo) Create(ctx context.Context, e *domain.DeadLetterEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.ID]; ok {
		return domain.ErrDuplicateKey
	}
	r.entries[e.ID] = copyEntry(*e)
	return nil
}

func (r *DeadLetterRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.DeadLetterEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, nil
	}
	out := copyEntry(e)
	return &out, nil
}

func (r *DeadLetterRepo) List(ctx context.Context, status *domain.DeadLetterStatus, limit int) ([]domain.DeadLetterEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.DeadLetterEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if status != nil && e.Status != *status {
			continue
		}
		out = append(out, copyEntry(e))
	}
	slices.SortFunc(out, func(a, b domain.DeadLetterEntry) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DeadLetterRepo) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.DeadLetterEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []domain.DeadLetterEntry
	for _, e := range r.entries {
		if e.Status != domain.DeadLetterPending || e.NextAttemptAt.After(now) {
			continue
		}
		if e.LockedUntil != nil && e.LockedUntil.After(now) {
			continue
		}
		due = append(due, e)
	}
	slices.SortFunc(due, func(a, b domain.DeadLetterEntry) int { return a.NextAttemptAt.Compare(b.NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	lockedUntil := now.Add(lease)
	out := make([]domain.DeadLetterEntry, 0, len(due))
	for _, e := range due {
		e.LockedUntil = &lockedUntil
		r.entries[e.ID] = e
		out = append(out, copyEntry(e))
	}
	return out, nil
}

func (r *DeadLetterRepo) Update(ctx context.Context, e *domain.DeadLetterEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[e.ID]
	if !ok || cur.Status != domain.DeadLetterPending {
		return false, nil
	}
	r.entries[e.ID] = copyEntry(*e)
	return true, nil
}

func copyEntry(e domain.DeadLetterEntry) domain.DeadLetterEntry {
	e.Payload = append(json.RawMessage(nil), e.Payload...)
	e.ErrorHistory = slices.Clone(e.ErrorHistory)
	return e
}
