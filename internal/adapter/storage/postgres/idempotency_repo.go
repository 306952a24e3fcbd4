package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const idempotencyColumns = `key, request_fingerprint, status, stored_result, failure_reason,
	lease_token, locked_until, attempts, version, created_at, updated_at, expires_at`

type idempotencyRepo struct {
	pool Pool
}

// NewIdempotencyRepo creates a PostgreSQL-backed IdempotencyRepository.
// Every write is conditional so concurrent callers on different instances
// agree on a single owner per key.
func NewIdempotencyRepo(pool Pool) ports.IdempotencyRepository {
	return &idempotencyRepo{pool: pool}
}

func (r *idempotencyRepo) Insert(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO idempotency_records (`+idempotencyColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.RequestFingerprint, string(rec.Status), nullJSON(rec.StoredResult), rec.FailureReason,
		rec.LeaseToken, rec.LockedUntil, rec.Attempts, rec.Version, rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *idempotencyRepo) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	var status string
	var result []byte
	err := r.pool.QueryRow(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_records WHERE key = $1`, key,
	).Scan(
		&rec.Key, &rec.RequestFingerprint, &status, &result, &rec.FailureReason,
		&rec.LeaseToken, &rec.LockedUntil, &rec.Attempts, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.Status = domain.IdempotencyStatus(status)
	if len(result) > 0 {
		rec.StoredResult = json.RawMessage(result)
	}
	return &rec, nil
}

func (r *idempotencyRepo) Reclaim(ctx context.Context, rec *domain.IdempotencyRecord, expectedVersion int64) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE idempotency_records
		 SET request_fingerprint=$1, status=$2, stored_result=$3, failure_reason=$4, lease_token=$5,
		     locked_until=$6, attempts=$7, version=version+1, created_at=$8, updated_at=$9, expires_at=$10
		 WHERE key=$11 AND version=$12`,
		rec.RequestFingerprint, string(rec.Status), nullJSON(rec.StoredResult), rec.FailureReason, rec.LeaseToken,
		rec.LockedUntil, rec.Attempts, rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt,
		rec.Key, expectedVersion,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	rec.Version = expectedVersion + 1
	return true, nil
}

func (r *idempotencyRepo) MarkCompleted(ctx context.Context, key string, token uuid.UUID, result json.RawMessage, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE idempotency_records
		 SET status=$1, stored_result=$2, failure_reason=NULL, updated_at=$3, version=version+1
		 WHERE key=$4 AND status=$5 AND lease_token=$6`,
		string(domain.IdempotencyStatusCompleted), nullJSON(result), now,
		key, string(domain.IdempotencyStatusInProgress), token,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *idempotencyRepo) MarkFailed(ctx context.Context, key string, token uuid.UUID, reason string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE idempotency_records
		 SET status=$1, failure_reason=$2, updated_at=$3, version=version+1
		 WHERE key=$4 AND status=$5 AND lease_token=$6`,
		string(domain.IdempotencyStatusFailed), reason, now,
		key, string(domain.IdempotencyStatusInProgress), token,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteExpired removes at most limit expired rows per call so the sweep
// never holds long locks.
func (r *idempotencyRepo) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM idempotency_records
		 WHERE ctid IN (
		     SELECT ctid FROM idempotency_records
		     WHERE expires_at <= $1
		     LIMIT $2
		 )`, now, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// nullJSON maps an empty document to SQL NULL.
func nullJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
