package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports/mocks"

	"github.com/google/uuid"
	"go.uber.org/mock/gomock"
)

func TestAuditService_Log_PersistsToRepo(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRepo := mocks.NewMockAuditRepository(ctrl)
	svc := NewAuditService(mockRepo, newTestLogger())

	done := make(chan struct{})
	mockRepo.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, log *domain.AuditLog) error {
			if log.Action != domain.AuditActionStaleTransition {
				t.Errorf("expected STALE_TRANSITION, got %s", log.Action)
			}
			close(done)
			return nil
		},
	)

	paymentID := uuid.New()
	svc.Log(context.Background(), newAuditEntry(domain.AuditActionStaleTransition, "webhook_event", uuid.NewString(), &paymentID, `{}`))

	select {
	case <-done:
		// OK
	case <-time.After(2 * time.Second):
		t.Fatal("audit log not persisted in time")
	}
}

func TestAuditService_Log_SurvivesCancelledContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRepo := mocks.NewMockAuditRepository(ctrl)
	svc := NewAuditService(mockRepo, newTestLogger())

	done := make(chan struct{})
	mockRepo.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, log *domain.AuditLog) error {
			defer close(done)
			if ctx.Err() != nil {
				t.Errorf("audit write saw cancelled context: %v", ctx.Err())
			}
			return errors.New("db down")
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.Log(ctx, newAuditEntry(domain.AuditActionDeadLetterDiscard, "dead_letter", uuid.NewString(), nil, ""))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("audit log not attempted in time")
	}
}

func TestAuditService_Log_NilRepo(t *testing.T) {
	svc := NewAuditService(nil, newTestLogger())

	// Should not panic
	svc.Log(context.Background(), newAuditEntry(domain.AuditActionWebhookReplay, "webhook_event", uuid.NewString(), nil, ""))

	time.Sleep(50 * time.Millisecond) // let goroutine run
}
