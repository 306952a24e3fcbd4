package postgres

import (
	"context"
	"errors"
	"fmt"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const webhookColumns = `id, external_event_id, event_type, payload, signature_valid, processing_status,
	outcome, related_payment_id, delivery_count, replay_of, event_created_at, received_at, processed_at`

type webhookRepo struct {
	pool Pool
}

// NewWebhookRepository creates a PostgreSQL-backed WebhookRepository.
func NewWebhookRepository(pool Pool) ports.WebhookRepository {
	return &webhookRepo{pool: pool}
}

func (r *webhookRepo) Insert(ctx context.Context, ev *domain.WebhookEvent) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO webhook_events (`+webhookColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (external_event_id) DO NOTHING`,
		ev.ID, ev.ExternalEventID, ev.EventType, []byte(ev.Payload), ev.SignatureValid, string(ev.ProcessingStatus),
		ev.Outcome, ev.RelatedPaymentID, ev.DeliveryCount, ev.ReplayOf, ev.EventCreatedAt, ev.ReceivedAt, ev.ProcessedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *webhookRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	return scanWebhook(r.pool.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhook_events WHERE id = $1`, id))
}

func (r *webhookRepo) GetByExternalID(ctx context.Context, externalEventID string) (*domain.WebhookEvent, error) {
	return scanWebhook(r.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE external_event_id = $1`, externalEventID))
}

func (r *webhookRepo) UpdateStatus(ctx context.Context, ev *domain.WebhookEvent) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE webhook_events
		 SET processing_status=$1, outcome=$2, related_payment_id=$3, processed_at=$4
		 WHERE id=$5`,
		string(ev.ProcessingStatus), ev.Outcome, ev.RelatedPaymentID, ev.ProcessedAt, ev.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event not found: %s", ev.ID)
	}
	return nil
}

func (r *webhookRepo) IncrementDeliveryCount(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE webhook_events SET delivery_count = delivery_count + 1 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event not found: %s", id)
	}
	return nil
}

func scanWebhook(row pgx.Row) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	var status string
	var payload []byte
	err := row.Scan(
		&ev.ID, &ev.ExternalEventID, &ev.EventType, &payload, &ev.SignatureValid, &status,
		&ev.Outcome, &ev.RelatedPaymentID, &ev.DeliveryCount, &ev.ReplayOf, &ev.EventCreatedAt, &ev.ReceivedAt, &ev.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	ev.ProcessingStatus = domain.WebhookStatus(status)
	ev.Payload = payload
	return &ev, nil
}
