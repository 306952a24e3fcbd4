package postgres

import (
	"context"
	"testing"
	"time"

	"payment-reliability-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var webhookCols = []string{
	"id", "external_event_id", "event_type", "payload", "signature_valid", "processing_status",
	"outcome", "related_payment_id", "delivery_count", "replay_of", "event_created_at", "received_at", "processed_at",
}

func newWebhookEvent() *domain.WebhookEvent {
	return &domain.WebhookEvent{
		ID:               uuid.New(),
		ExternalEventID:  "evt_1",
		EventType:        "payment.captured",
		Payload:          []byte(`{"payment_id":"x"}`),
		SignatureValid:   true,
		ProcessingStatus: domain.WebhookStatusReceived,
		DeliveryCount:    1,
		ReceivedAt:       time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestWebhookRepo_Insert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWebhookRepository(mock)
	ev := newWebhookEvent()

	mock.ExpectExec("INSERT INTO webhook_events .+ ON CONFLICT \\(external_event_id\\) DO NOTHING").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO webhook_events").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := repo.Insert(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Insert(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookRepo_GetByExternalID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWebhookRepository(mock)
	ev := newWebhookEvent()
	paymentID := uuid.New()
	var noTime *time.Time
	var noReplay *uuid.UUID

	mock.ExpectQuery("SELECT .+ FROM webhook_events WHERE external_event_id").
		WithArgs("evt_1").
		WillReturnRows(pgxmock.NewRows(webhookCols).AddRow(
			ev.ID, "evt_1", "payment.captured", []byte(`{"payment_id":"x"}`), true, "processed",
			"applied", &paymentID, 3, noReplay, noTime, ev.ReceivedAt, &ev.ReceivedAt,
		))

	got, err := repo.GetByExternalID(context.Background(), "evt_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.WebhookStatusProcessed, got.ProcessingStatus)
	assert.Equal(t, "applied", got.Outcome)
	assert.Equal(t, paymentID, *got.RelatedPaymentID)
	assert.Equal(t, 3, got.DeliveryCount)
	assert.Nil(t, got.ReplayOf)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookRepo_GetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWebhookRepository(mock)
	id := uuid.New()

	mock.ExpectQuery("SELECT .+ FROM webhook_events WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(webhookCols))

	got, err := repo.GetByID(context.Background(), id)
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookRepo_UpdateStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWebhookRepository(mock)
	ev := newWebhookEvent()
	ev.ProcessingStatus = domain.WebhookStatusProcessed
	ev.Outcome = domain.OutcomeApplied

	mock.ExpectExec("UPDATE webhook_events").
		WithArgs("processed", "applied", ev.RelatedPaymentID, ev.ProcessedAt, ev.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE webhook_events").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.UpdateStatus(context.Background(), ev))
	assert.ErrorContains(t, repo.UpdateStatus(context.Background(), ev), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookRepo_IncrementDeliveryCount(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewWebhookRepository(mock)
	id := uuid.New()

	mock.ExpectExec("UPDATE webhook_events SET delivery_count = delivery_count \\+ 1").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	assert.NoError(t, repo.IncrementDeliveryCount(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==================== Audit Tests ====================

func TestAuditRepo_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewAuditRepository(mock)
	paymentID := uuid.New()
	log := &domain.AuditLog{
		ID:           uuid.New(),
		PaymentID:    &paymentID,
		Action:       domain.AuditActionStaleTransition,
		ResourceType: "webhook_event",
		ResourceID:   "evt_1",
		Details:      `{"current_status":"captured"}`,
		CreatedAt:    time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(log.ID, log.PaymentID, "STALE_TRANSITION", "webhook_event", "evt_1",
			[]byte(`{"current_status":"captured"}`), "", log.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	assert.NoError(t, repo.Create(context.Background(), log))
	assert.NoError(t, mock.ExpectationsWereMet())
}
