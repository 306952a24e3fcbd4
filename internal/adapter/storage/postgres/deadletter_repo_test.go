package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"payment-reliability-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var deadLetterCols = []string{
	"id", "original_operation", "action", "payment_id", "payload", "failure_reason",
	"error_history", "attempt_count", "replay_count", "status", "discard_reason",
	"next_attempt_at", "locked_until", "created_at", "updated_at", "resolved_at",
}

func deadLetterRow(rows *pgxmock.Rows, id uuid.UUID, status string, next time.Time, locked *time.Time) *pgxmock.Rows {
	var noPayment *uuid.UUID
	var noReason *string
	var noTime *time.Time
	return rows.AddRow(
		id, "processor_call", "capture", noPayment, []byte(`{"request":{}}`), "timeout",
		[]string{"timeout"}, 1, 0, status, noReason,
		next, locked, next, next, noTime,
	)
}

func TestDeadLetterRepo_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDeadLetterRepository(mock)
	now := time.Now().UTC()
	entry := &domain.DeadLetterEntry{
		ID:                uuid.New(),
		OriginalOperation: domain.OperationProcessorCall,
		Action:            "capture",
		Payload:           []byte(`{}`),
		FailureReason:     "timeout",
		ErrorHistory:      []string{"timeout"},
		Status:            domain.DeadLetterPending,
		NextAttemptAt:     now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	mock.ExpectExec("INSERT INTO dead_letter_entries").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	assert.NoError(t, repo.Create(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepo_GetByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDeadLetterRepository(mock)
	id := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)

	mock.ExpectQuery("SELECT .+ FROM dead_letter_entries WHERE id").
		WithArgs(id).
		WillReturnRows(deadLetterRow(pgxmock.NewRows(deadLetterCols), id, "pending", now, nil))

	got, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.OperationProcessorCall, got.OriginalOperation)
	assert.Equal(t, domain.DeadLetterPending, got.Status)
	assert.Equal(t, []string{"timeout"}, got.ErrorHistory)

	missing := uuid.New()
	mock.ExpectQuery("SELECT .+ FROM dead_letter_entries WHERE id").
		WithArgs(missing).
		WillReturnRows(pgxmock.NewRows(deadLetterCols))

	got, err = repo.GetByID(context.Background(), missing)
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepo_List(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDeadLetterRepository(mock)
	now := time.Now().UTC()
	pending := "pending"
	var all *string

	rows := pgxmock.NewRows(deadLetterCols)
	rows = deadLetterRow(rows, uuid.New(), "pending", now, nil)
	rows = deadLetterRow(rows, uuid.New(), "pending", now, nil)
	mock.ExpectQuery("SELECT .+ FROM dead_letter_entries").
		WithArgs(&pending, 10).
		WillReturnRows(rows)
	mock.ExpectQuery("SELECT .+ FROM dead_letter_entries").
		WithArgs(all, 100).
		WillReturnRows(pgxmock.NewRows(deadLetterCols))

	status := domain.DeadLetterPending
	got, err := repo.List(context.Background(), &status, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = repo.List(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepo_ClaimDue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDeadLetterRepository(mock)
	now := time.Now().UTC().Truncate(time.Microsecond)
	lease := 2 * time.Minute
	until := now.Add(lease)

	mock.ExpectQuery("UPDATE dead_letter_entries .+ FOR UPDATE SKIP LOCKED .+ RETURNING").
		WithArgs(until, "pending", now, 20).
		WillReturnRows(deadLetterRow(pgxmock.NewRows(deadLetterCols), uuid.New(), "pending", now, &until))

	got, err := repo.ClaimDue(context.Background(), now, 20, lease)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].LockedUntil)
	assert.Equal(t, until, *got[0].LockedUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepo_ClaimDue_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDeadLetterRepository(mock)
	mock.ExpectQuery("UPDATE dead_letter_entries").
		WillReturnError(errors.New("deadlock detected"))

	got, err := repo.ClaimDue(context.Background(), time.Now(), 20, time.Minute)
	assert.Error(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterRepo_Update_OnlyWhilePending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewDeadLetterRepository(mock)
	now := time.Now().UTC()
	entry := &domain.DeadLetterEntry{
		ID:            uuid.New(),
		Status:        domain.DeadLetterReplayed,
		ReplayCount:   1,
		NextAttemptAt: now,
		UpdatedAt:     now,
		ResolvedAt:    &now,
	}

	mock.ExpectExec("UPDATE dead_letter_entries .+ WHERE id=\\$11 AND status=\\$12").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), 0, 1, "replayed",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			entry.ID, "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE dead_letter_entries").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := repo.Update(context.Background(), entry)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Update(context.Background(), entry)
	require.NoError(t, err)
	assert.False(t, ok, "already resolved entries are not rewritten")
	assert.NoError(t, mock.ExpectationsWereMet())
}
