package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"payment-reliability-engine/internal/core/domain"

	"github.com/google/uuid"
)

// IdempotencyRepo implements ports.IdempotencyRepository.
type IdempotencyRepo struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
}

// NewIdempotencyRepo creates an empty IdempotencyRepo.
func NewIdempotencyRepo() *IdempotencyRepo {
	return &IdempotencyRepo{records: make(map[string]domain.IdempotencyRecord)}
}

func (r *IdempotencyRepo) Insert(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.Key]; ok {
		return false, nil
	}
	r.records[rec.Key] = copyRecord(*rec)
	return true, nil
}

func (r *IdempotencyRepo) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return nil, nil
	}
	out := copyRecord(rec)
	return &out, nil
}

func (r *IdempotencyRepo) Reclaim(ctx context.Context, rec *domain.IdempotencyRecord, expectedVersion int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.records[rec.Key]
	if !ok || cur.Version != expectedVersion {
		return false, nil
	}
	rec.Version = expectedVersion + 1
	r.records[rec.Key] = copyRecord(*rec)
	return true, nil
}

func (r *IdempotencyRepo) MarkCompleted(ctx context.Context, key string, token uuid.UUID, result json.RawMessage, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.records[key]
	if !ok || cur.Status != domain.IdempotencyStatusInProgress || cur.LeaseToken != token {
		return false, nil
	}
	cur.Status = domain.IdempotencyStatusCompleted
	cur.StoredResult = append(json.RawMessage(nil), result...)
	cur.FailureReason = nil
	cur.UpdatedAt = now
	cur.Version++
	r.records[key] = cur
	return true, nil
}

func (r *IdempotencyRepo) MarkFailed(ctx context.Context, key string, token uuid.UUID, reason string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.records[key]
	if !ok || cur.Status != domain.IdempotencyStatusInProgress || cur.LeaseToken != token {
		return false, nil
	}
	cur.Status = domain.IdempotencyStatusFailed
	cur.FailureReason = &reason
	cur.UpdatedAt = now
	cur.Version++
	r.records[key] = cur
	return true, nil
}

func (r *IdempotencyRepo) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, rec := range r.records {
		if int(n) >= limit {
			break
		}
		if rec.IsExpired(now) {
			delete(r.records, k)
			n++
		}
	}
	return n, nil
}

func copyRecord(rec domain.IdempotencyRecord) domain.IdempotencyRecord {
	rec.StoredResult = append(json.RawMessage(nil), rec.StoredResult...)
	if rec.FailureReason != nil {
		reason := *rec.FailureReason
		rec.FailureReason = &reason
	}
	return rec
}
