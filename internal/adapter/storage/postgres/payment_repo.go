package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const paymentColumns = `id, amount, currency, captured_amount, refunded_amount, refund_reserved,
	status, payment_method, processor_reference_id, idempotency_key, correlation_id,
	retry_count, decline_reason, failure_reason, metadata, version,
	created_at, updated_at, processed_at`

type paymentRepo struct {
	pool Pool
	tx   *Transactor
}

// NewPaymentRepository creates a PostgreSQL-backed PaymentRepository.
func NewPaymentRepository(pool Pool) ports.PaymentRepository {
	return &paymentRepo{pool: pool, tx: NewTransactor(pool)}
}

func (r *paymentRepo) Create(ctx context.Context, p *domain.Payment) error {
	meta, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		p.ID, p.Amount.Amount, p.Amount.Currency, p.CapturedAmount, p.RefundedAmount, p.RefundReserved,
		string(p.Status), p.PaymentMethod, p.ProcessorReferenceID, p.IdempotencyKey, p.CorrelationID,
		p.RetryCount, p.DeclineReason, p.FailureReason, meta, p.Version,
		p.CreatedAt, p.UpdatedAt, p.ProcessedAt,
	)
	if isUniqueViolation(err, "") {
		return domain.ErrDuplicateKey
	}
	return err
}

func (r *paymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPaymentRow(row)
}

func (r *paymentRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key)
	return scanPaymentRow(row)
}

// ApplyTransition records the transition first so a repeated source_ref is
// reported before any version mismatch.
func (r *paymentRepo) ApplyTransition(ctx context.Context, next *domain.Payment, expectedVersion int64, rec *domain.TransitionRecord) error {
	return r.tx.WithinTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO payment_transitions (id, payment_id, from_status, to_status, event, source_ref, amount, occurred_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			 ON CONFLICT (payment_id, source_ref) DO NOTHING`,
			rec.ID, rec.PaymentID, string(rec.From), string(rec.To), string(rec.Event),
			rec.SourceRef, rec.Amount, rec.OccurredAt,
		)
		if err != nil {
			return fmt.Errorf("insert transition: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrTransitionAlreadyApplied
		}
		return updatePayment(ctx, tx, next, expectedVersion)
	})
}

func (r *paymentRepo) Update(ctx context.Context, next *domain.Payment, expectedVersion int64) error {
	return updatePayment(ctx, r.pool, next, expectedVersion)
}

func updatePayment(ctx context.Context, db execer, p *domain.Payment, expectedVersion int64) error {
	meta, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx,
		`UPDATE payments
		 SET captured_amount=$1, refunded_amount=$2, refund_reserved=$3, status=$4,
		     processor_reference_id=$5, retry_count=$6, decline_reason=$7, failure_reason=$8,
		     metadata=$9, version=$10, updated_at=$11, processed_at=$12
		 WHERE id=$13 AND version=$14`,
		p.CapturedAmount, p.RefundedAmount, p.RefundReserved, string(p.Status),
		p.ProcessorReferenceID, p.RetryCount, p.DeclineReason, p.FailureReason,
		meta, p.Version, p.UpdatedAt, p.ProcessedAt,
		p.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

func (r *paymentRepo) ListTransitions(ctx context.Context, paymentID uuid.UUID) ([]domain.TransitionRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, payment_id, from_status, to_status, event, source_ref, amount, occurred_at
		 FROM payment_transitions
		 WHERE payment_id = $1
		 ORDER BY occurred_at, id`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TransitionRecord
	for rows.Next() {
		var t domain.TransitionRecord
		var from, to, event string
		var amount decimal.NullDecimal
		if err := rows.Scan(&t.ID, &t.PaymentID, &from, &to, &event, &t.SourceRef, &amount, &t.OccurredAt); err != nil {
			return nil, err
		}
		t.From = domain.PaymentStatus(from)
		t.To = domain.PaymentStatus(to)
		t.Event = domain.PaymentEvent(event)
		if amount.Valid {
			t.Amount = &amount.Decimal
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *paymentRepo) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at
		 LIMIT $3`, string(domain.PaymentStatusPending), olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPaymentRow(row pgx.Row) (*domain.Payment, error) {
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	var status string
	var meta []byte
	err := row.Scan(
		&p.ID, &p.Amount.Amount, &p.Amount.Currency, &p.CapturedAmount, &p.RefundedAmount, &p.RefundReserved,
		&status, &p.PaymentMethod, &p.ProcessorReferenceID, &p.IdempotencyKey, &p.CorrelationID,
		&p.RetryCount, &p.DeclineReason, &p.FailureReason, &meta, &p.Version,
		&p.CreatedAt, &p.UpdatedAt, &p.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = domain.PaymentStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode payment metadata: %w", err)
		}
	}
	return &p, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode payment metadata: %w", err)
	}
	return b, nil
}
