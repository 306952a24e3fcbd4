package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"payment-reliability-engine/internal/core/domain"

	"github.com/google/uuid"
)

// WebhookRepo implements ports.WebhookRepository.
type WebhookRepo struct {
	mu         sync.RWMutex
	events     map[uuid.UUID]domain.WebhookEvent
	byExternal map[string]uuid.UUID
}

// NewWebhookRepo creates an empty WebhookRepo.
func NewWebhookRepo() *WebhookRepo {
	return &WebhookRepo{
		events:     make(map[uuid.UUID]domain.WebhookEvent),
		byExternal: make(map[string]uuid.UUID),
	}
}

func (r *WebhookRepo) Insert(ctx context.Context, ev *domain.WebhookEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byExternal[ev.ExternalEventID]; ok {
		return false, nil
	}
	r.events[ev.ID] = copyEvent(*ev)
	r.byExternal[ev.ExternalEventID] = ev.ID
	return true, nil
}

func (r *WebhookRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.events[id]
	if !ok {
		return nil, nil
	}
	out := copyEvent(ev)
	return &out, nil
}

func (r *WebhookRepo) GetByExternalID(ctx context.Context, externalEventID string) (*domain.WebhookEvent, error) {
	r.mu.RLock()
	id, ok := r.byExternal[externalEventID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return r.GetByID(ctx, id)
}

func (r *WebhookRepo) UpdateStatus(ctx context.Context, ev *domain.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.events[ev.ID]
	if !ok {
		return fmt.Errorf("webhook event not found: %s", ev.ID)
	}
	cur.ProcessingStatus = ev.ProcessingStatus
	cur.Outcome = ev.Outcome
	cur.RelatedPaymentID = ev.RelatedPaymentID
	cur.ProcessedAt = ev.ProcessedAt
	r.events[ev.ID] = cur
	return nil
}

func (r *WebhookRepo) IncrementDeliveryCount(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.events[id]
	if !ok {
		return fmt.Errorf("webhook event not found: %s", id)
	}
	cur.DeliveryCount++
	r.events[id] = cur
	return nil
}

func copyEvent(ev domain.WebhookEvent) domain.WebhookEvent {
	ev.Payload = append(json.RawMessage(nil), ev.Payload...)
	return ev
}
