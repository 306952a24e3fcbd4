package postgres

import (
	"context"
	"errors"
	"time"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deadLetterColumns = `id, original_operation, action, payment_id, payload, failure_reason,
	error_history, attempt_count, replay_count, status, discard_reason,
	next_attempt_at, locked_until, created_at, updated_at, resolved_at`

type deadLetterRepo struct {
	pool Pool
}

// NewDeadLetterRepository creates a PostgreSQL-backed DeadLetterRepository.
func NewDeadLetterRepository(pool Pool) ports.DeadLetterRepository {
	return &deadLetterRepo{pool: pool}
}

func (r *deadLetterRepo) Create(ctx context.Context, e *domain.DeadLetterEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO dead_letter_entries (`+deadLetterColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		e.ID, string(e.OriginalOperation), e.Action, e.PaymentID, []byte(e.Payload), e.FailureReason,
		e.ErrorHistory, e.AttemptCount, e.ReplayCount, string(e.Status), e.DiscardReason,
		e.NextAttemptAt, e.LockedUntil, e.CreatedAt, e.UpdatedAt, e.ResolvedAt,
	)
	if isUniqueViolation(err, "") {
		return domain.ErrDuplicateKey
	}
	return err
}

func (r *deadLetterRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.DeadLetterEntry, error) {
	e, err := scanDeadLetter(r.pool.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letter_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (r *deadLetterRepo) List(ctx context.Context, status *domain.DeadLetterStatus, limit int) ([]domain.DeadLetterEntry, error) {
	var filter *string
	if status != nil {
		s := string(*status)
		filter = &s
	}
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx,
		`SELECT `+deadLetterColumns+`
		 FROM dead_letter_entries
		 WHERE ($1::text IS NULL OR status = $1)
		 ORDER BY created_at DESC
		 LIMIT $2`, filter, limit)
}

// ClaimDue leases due rows in one statement. SKIP LOCKED keeps two recovery
// workers from claiming the same row.
func (r *deadLetterRepo) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.DeadLetterEntry, error) {
	return r.query(ctx,
		`UPDATE dead_letter_entries
		 SET locked_until = $1
		 WHERE id IN (
		     SELECT id FROM dead_letter_entries
		     WHERE status = $2 AND next_attempt_at <= $3
		       AND (locked_until IS NULL OR locked_until <= $3)
		     ORDER BY next_attempt_at
		     LIMIT $4
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+deadLetterColumns,
		now.Add(lease), string(domain.DeadLetterPending), now, limit)
}

func (r *deadLetterRepo) Update(ctx context.Context, e *domain.DeadLetterEntry) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE dead_letter_entries
		 SET failure_reason=$1, error_history=$2, attempt_count=$3, replay_count=$4, status=$5,
		     discard_reason=$6, next_attempt_at=$7, locked_until=$8, updated_at=$9, resolved_at=$10
		 WHERE id=$11 AND status=$12`,
		e.FailureReason, e.ErrorHistory, e.AttemptCount, e.ReplayCount, string(e.Status),
		e.DiscardReason, e.NextAttemptAt, e.LockedUntil, e.UpdatedAt, e.ResolvedAt,
		e.ID, string(domain.DeadLetterPending),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *deadLetterRepo) query(ctx context.Context, sql string, args ...any) ([]domain.DeadLetterEntry, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanDeadLetter(row pgx.Row) (*domain.DeadLetterEntry, error) {
	var e domain.DeadLetterEntry
	var op, status string
	var payload []byte
	err := row.Scan(
		&e.ID, &op, &e.Action, &e.PaymentID, &payload, &e.FailureReason,
		&e.ErrorHistory, &e.AttemptCount, &e.ReplayCount, &status, &e.DiscardReason,
		&e.NextAttemptAt, &e.LockedUntil, &e.CreatedAt, &e.UpdatedAt, &e.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	e.OriginalOperation = domain.DeadLetterOperation(op)
	e.Status = domain.DeadLetterStatus(status)
	e.Payload = payload
	return &e, nil
}
