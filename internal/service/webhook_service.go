package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"
	"payment-reliability-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultDeliveryLockTTL = 30 * time.Second

// WebhookConfig configures the ingestion pipeline.
type WebhookConfig struct {
	Secret string
	// LockTTL bounds how long one delivery may hold an event exclusively.
	LockTTL time.Duration
}

// webhookRoute is what a kind does to a payment. Informational kinds are
// acknowledged without a transition.
type webhookRoute struct {
	event         domain.PaymentEvent
	expected      []domain.PaymentStatus
	informational bool
}

var webhookRoutes = map[domain.WebhookKind]webhookRoute{
	domain.WebhookKindAuthorized: {
		event:    domain.EventAuthorizeSucceeded,
		expected: []domain.PaymentStatus{domain.PaymentStatusPending},
	},
	domain.WebhookKindAuthorizationFailed: {
		event:    domain.EventAuthorizeDeclined,
		expected: []domain.PaymentStatus{domain.PaymentStatusPending},
	},
	domain.WebhookKindAuthorizationExpired: {
		event:    domain.EventAuthorizationExpired,
		expected: []domain.PaymentStatus{domain.PaymentStatusAuthorized},
	},
	domain.WebhookKindCaptured: {
		event:    domain.EventCaptureSucceeded,
		expected: []domain.PaymentStatus{domain.PaymentStatusAuthorized},
	},
	domain.WebhookKindVoided: {
		event:    domain.EventVoidSucceeded,
		expected: []domain.PaymentStatus{domain.PaymentStatusAuthorized},
	},
	domain.WebhookKindRefunded: {
		event:    domain.EventRefundSucceeded,
		expected: []domain.PaymentStatus{domain.PaymentStatusCaptured, domain.PaymentStatusPartiallyRefunded},
	},
	domain.WebhookKindChargeback: {
		event:    domain.EventChargebackReceived,
		expected: []domain.PaymentStatus{domain.PaymentStatusCaptured, domain.PaymentStatusPartiallyRefunded},
	},
	domain.WebhookKindSettled: {informational: true},
}

// validateRoutes fails unless every known kind has a usable route.
func validateRoutes(routes map[domain.WebhookKind]webhookRoute) error {
	var missing []string
	for _, kind := range domain.AllWebhookKinds() {
		r, ok := routes[kind]
		if !ok || (!r.informational && (r.event == "" || len(r.expected) == 0)) {
			missing = append(missing, kind.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("webhook kinds without a route: %s", strings.Join(missing, ", "))
	}
	return nil
}

// WebhookServiceImpl implements ports.WebhookService.
type WebhookServiceImpl struct {
	repo    ports.WebhookRepository
	machine *StateMachine
	sig     ports.SignatureService
	lock    ports.DeliveryLock
	dlq     ports.DeadLetterQueue
	audit   ports.AuditService
	sink    ports.EventSink
	routes  map[domain.WebhookKind]webhookRoute
	cfg     WebhookConfig
	log     zerolog.Logger
	now     func() time.Time
}

// NewWebhookService creates the pipeline. It fails if the routing table does
// not cover every webhook kind.
func NewWebhookService(
	repo ports.WebhookRepository,
	machine *StateMachine,
	sig ports.SignatureService,
	lock ports.DeliveryLock,
	dlq ports.DeadLetterQueue,
	audit ports.AuditService,
	sink ports.EventSink,
	cfg WebhookConfig,
	log zerolog.Logger,
) (*WebhookServiceImpl, error) {
	if err := validateRoutes(webhookRoutes); err != nil {
		return nil, err
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultDeliveryLockTTL
	}
	return &WebhookServiceImpl{
		repo:    repo,
		machine: machine,
		sig:     sig,
		lock:    lock,
		dlq:     dlq,
		audit:   audit,
		sink:    sinkOrNop(sink),
		routes:  webhookRoutes,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}, nil
}

// Ingest verifies, records and applies one delivery. The signature is
// checked before the body is parsed. Once the event is stored the call
// succeeds regardless of the business outcome.
func (s *WebhookServiceImpl) Ingest(ctx context.Context, rawBody []byte, signature string) (*ports.WebhookAck, error) {
	if !s.sig.Verify(s.cfg.Secret, rawBody, signature) {
		s.log.Warn().Int("body_bytes", len(rawBody)).Msg("webhook rejected: invalid signature")
		return nil, apperror.ErrInvalidSignature()
	}

	var env domain.WebhookEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, apperror.Validation("malformed webhook body")
	}
	if strings.TrimSpace(env.EventID) == "" || strings.TrimSpace(env.EventType) == "" {
		return nil, apperror.Validation("event_id and event_type are required")
	}

	now := s.now().UTC()
	ev := &domain.WebhookEvent{
		ID:               uuid.New(),
		ExternalEventID:  env.EventID,
		EventType:        env.EventType,
		Payload:          env.Payload,
		SignatureValid:   true,
		ProcessingStatus: domain.WebhookStatusReceived,
		DeliveryCount:    1,
		EventCreatedAt:   env.CreatedAt,
		ReceivedAt:       now,
	}
	inserted, err := s.repo.Insert(ctx, ev)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("insert webhook event: %w", err))
	}
	s.sink.Emit(ctx, domain.Event{
		Type:       domain.EventTypeWebhookReceived,
		OccurredAt: now,
		Attributes: map[string]string{
			"event_id":   env.EventID,
			"event_type": env.EventType,
			"duplicate":  fmt.Sprint(!inserted),
		},
	})

	if !inserted {
		stored, err := s.repo.GetByExternalID(ctx, env.EventID)
		if err != nil || stored == nil {
			return nil, apperror.ErrDatabaseError(fmt.Errorf("load webhook event %s: %w", env.EventID, err))
		}
		if err := s.repo.IncrementDeliveryCount(ctx, stored.ID); err != nil {
			s.log.Warn().Err(err).Str("event_id", env.EventID).Msg("failed to count webhook redelivery")
		}
		if stored.ProcessingStatus == domain.WebhookStatusProcessed {
			s.log.Info().Str("event_id", env.EventID).Str("outcome", stored.Outcome).Msg("duplicate webhook delivery")
			return duplicateAck(stored), nil
		}
		ev = stored
	}

	return s.processLocked(ctx, ev, true)
}

// Replay re-runs routing and application for a stored event as a new
// event row linked to the original. The original row is not modified.
func (s *WebhookServiceImpl) Replay(ctx context.Context, eventID uuid.UUID) (*domain.WebhookEvent, error) {
	orig, err := s.repo.GetByID(ctx, eventID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if orig == nil {
		return nil, apperror.ErrNotFound("Webhook event")
	}

	origID := orig.ID
	replay := &domain.WebhookEvent{
		ID:               uuid.New(),
		ExternalEventID:  domain.ReplayExternalEventID(orig.ExternalEventID),
		EventType:        orig.EventType,
		Payload:          orig.Payload,
		SignatureValid:   orig.SignatureValid,
		ProcessingStatus: domain.WebhookStatusReceived,
		DeliveryCount:    1,
		ReplayOf:         &origID,
		EventCreatedAt:   orig.EventCreatedAt,
		ReceivedAt:       s.now().UTC(),
	}
	if _, err := s.repo.Insert(ctx, replay); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("insert webhook replay: %w", err))
	}
	if s.audit != nil {
		s.audit.Log(ctx, newAuditEntry(domain.AuditActionWebhookReplay, "webhook_event", orig.ID.String(), orig.RelatedPaymentID,
			fmt.Sprintf(`{"replay_id":%q}`, replay.ID)))
	}

	if _, err := s.process(ctx, replay, false); err != nil {
		s.log.Warn().Err(err).Str("replay_id", replay.ID.String()).Msg("webhook replay did not apply")
	}
	return replay, nil
}

// Reprocess re-runs a stored event that has not been processed. A failure
// is returned so the caller can back off and retry.
func (s *WebhookServiceImpl) Reprocess(ctx context.Context, eventID uuid.UUID) error {
	ev, err := s.repo.GetByID(ctx, eventID)
	if err != nil {
		return apperror.ErrDatabaseError(err)
	}
	if ev == nil {
		return apperror.ErrNotFound("Webhook event")
	}
	if ev.ProcessingStatus == domain.WebhookStatusProcessed {
		return nil
	}

	acquired, release := s.acquire(ctx, ev)
	if !acquired {
		return apperror.ErrIdempotencyInProgress()
	}
	defer release()
	_, err = s.process(ctx, ev, false)
	return err
}

// ResumeDelivery is the dead letter handler for webhook deliveries.
func (s *WebhookServiceImpl) ResumeDelivery(ctx context.Context, entry *domain.DeadLetterEntry) error {
	var payload domain.WebhookDeliveryPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return apperror.Validation(fmt.Sprintf("undecodable webhook dead letter payload: %v", err))
	}
	return s.Reprocess(ctx, payload.WebhookEventID)
}

func (s *WebhookServiceImpl) processLocked(ctx context.Context, ev *domain.WebhookEvent, enqueue bool) (*ports.WebhookAck, error) {
	acquired, release := s.acquire(ctx, ev)
	if !acquired {
		// another delivery of the same event is being applied
		return ack(ev), nil
	}
	defer release()

	// a concurrent delivery may have finished before we took the lock
	if cur, err := s.repo.GetByID(ctx, ev.ID); err == nil && cur != nil {
		if cur.ProcessingStatus == domain.WebhookStatusProcessed {
			return duplicateAck(cur), nil
		}
		ev = cur
	}

	if _, err := s.process(ctx, ev, enqueue); err != nil {
		s.log.Warn().Err(err).Str("event_id", ev.ExternalEventID).Msg("webhook recorded but not applied")
	}
	return ack(ev), nil
}

// process routes ev into the state machine and persists the outcome on ev.
// The returned error is non-nil only for failures worth retrying.
func (s *WebhookServiceImpl) process(ctx context.Context, ev *domain.WebhookEvent, enqueue bool) (*domain.WebhookEvent, error) {
	kind := domain.ParseWebhookKind(ev.EventType)
	if kind == domain.WebhookKindUnknown {
		s.log.Warn().Str("event_id", ev.ExternalEventID).Str("event_type", ev.EventType).Msg("unknown webhook event type")
		ev.Outcome = domain.OutcomeUnknownEventType
		s.persist(ctx, ev, domain.WebhookStatusReceived)
		return ev, nil
	}

	var payload domain.WebhookPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		s.log.Warn().Err(err).Str("event_id", ev.ExternalEventID).Msg("undecodable webhook payload")
		ev.Outcome = domain.OutcomeInvalidPayload
		s.persist(ctx, ev, domain.WebhookStatusFailed)
		return ev, nil
	}
	paymentID, err := uuid.Parse(payload.PaymentID)
	if err != nil {
		s.log.Warn().Str("event_id", ev.ExternalEventID).Str("payment_id", payload.PaymentID).Msg("webhook references an invalid payment id")
		ev.Outcome = domain.OutcomeInvalidPayload
		s.persist(ctx, ev, domain.WebhookStatusFailed)
		return ev, nil
	}
	ev.RelatedPaymentID = &paymentID

	route := s.routes[kind]
	if route.informational {
		ev.Outcome = domain.OutcomeInformational
		s.persist(ctx, ev, domain.WebhookStatusProcessed)
		return ev, nil
	}

	t := domain.Transition{
		Event:        route.event,
		SourceRef:    webhookSourceRef(kind, payload, ev.ExternalEventID),
		ProcessorRef: payload.ProcessorRef,
		Reason:       payload.Reason,
	}
	if kind == domain.WebhookKindCaptured || kind == domain.WebhookKindRefunded {
		t.Amount = payload.Amount
	}

	res, err := s.machine.Transition(ctx, paymentID, t, route.expected...)
	switch {
	case err == nil && res.Applied:
		ev.Outcome = domain.OutcomeApplied
		s.persist(ctx, ev, domain.WebhookStatusProcessed)
		return ev, nil
	case err == nil:
		ev.Outcome = domain.OutcomeAlreadyApplied
		s.persist(ctx, ev, domain.WebhookStatusProcessed)
		return ev, nil
	case domain.IsStaleTransition(err):
		s.stale(ctx, ev, paymentID, err)
		ev.Outcome = domain.OutcomeStaleIgnored
		s.persist(ctx, ev, domain.WebhookStatusProcessed)
		return ev, nil
	case apperror.IsKind(err, apperror.KindNotFound):
		ev.Outcome = domain.OutcomePaymentNotFound
	case apperror.IsKind(err, apperror.KindValidation):
		s.log.Warn().Err(err).Str("event_id", ev.ExternalEventID).Msg("webhook transition rejected")
		ev.Outcome = domain.OutcomeRejected
		s.persist(ctx, ev, domain.WebhookStatusFailed)
		return ev, nil
	default:
		ev.Outcome = domain.OutcomeProcessingError
	}

	s.persist(ctx, ev, domain.WebhookStatusFailed)
	if enqueue {
		s.deadLetter(ctx, ev, err)
	}
	return ev, err
}

func (s *WebhookServiceImpl) persist(ctx context.Context, ev *domain.WebhookEvent, status domain.WebhookStatus) {
	ev.ProcessingStatus = status
	if status != domain.WebhookStatusReceived {
		now := s.now().UTC()
		ev.ProcessedAt = &now
	}
	if err := s.repo.UpdateStatus(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event_id", ev.ExternalEventID).Msg("failed to persist webhook status")
		return
	}
	s.log.Info().
		Str("event_id", ev.ExternalEventID).
		Str("event_type", ev.EventType).
		Str("status", string(status)).
		Str("outcome", ev.Outcome).
		Msg("webhook processed")
}

func (s *WebhookServiceImpl) stale(ctx context.Context, ev *domain.WebhookEvent, paymentID uuid.UUID, err error) {
	s.log.Info().Err(err).Str("event_id", ev.ExternalEventID).Str("payment_id", paymentID.String()).Msg("stale webhook transition ignored")
	if s.audit == nil {
		return
	}
	details := map[string]string{"event_type": ev.EventType}
	if te, ok := domain.AsTransitionError(err); ok {
		details["current_status"] = string(te.From)
	}
	raw, _ := json.Marshal(details)
	s.audit.Log(ctx, newAuditEntry(domain.AuditActionStaleTransition, "webhook_event", ev.ExternalEventID, &paymentID, string(raw)))
}

func (s *WebhookServiceImpl) deadLetter(ctx context.Context, ev *domain.WebhookEvent, cause error) {
	if s.dlq == nil {
		return
	}
	payload, err := json.Marshal(domain.WebhookDeliveryPayload{WebhookEventID: ev.ID})
	if err != nil {
		return
	}
	reason := failureReason(cause)
	entry := &domain.DeadLetterEntry{
		ID:                uuid.New(),
		OriginalOperation: domain.OperationWebhookDelivery,
		Action:            ev.EventType,
		PaymentID:         ev.RelatedPaymentID,
		Payload:           payload,
		FailureReason:     reason,
		ErrorHistory:      []string{reason},
		AttemptCount:      1,
	}
	if err := s.dlq.Enqueue(context.WithoutCancel(ctx), entry); err != nil {
		s.log.Error().Err(err).Str("event_id", ev.ExternalEventID).Msg("failed to dead-letter webhook delivery")
	}
}

// acquire takes the per-event delivery lock. A lock backend failure does
// not block processing; transitions stay safe under the version check.
func (s *WebhookServiceImpl) acquire(ctx context.Context, ev *domain.WebhookEvent) (bool, func()) {
	if s.lock == nil {
		return true, func() {}
	}
	key := "webhook:" + ev.ID.String()
	ok, err := s.lock.Acquire(ctx, key, s.cfg.LockTTL)
	if err != nil {
		s.log.Warn().Err(err).Str("event_id", ev.ExternalEventID).Msg("delivery lock unavailable, processing without it")
		return true, func() {}
	}
	if !ok {
		return false, nil
	}
	return true, func() {
		if err := s.lock.Release(context.WithoutCancel(ctx), key); err != nil {
			s.log.Warn().Err(err).Str("event_id", ev.ExternalEventID).Msg("failed to release delivery lock")
		}
	}
}

// webhookSourceRef names the processor-side operation an event reports, so
// the same operation seen through the client path or a redelivery under a
// different event id is applied once. A refund without a refund id is keyed
// by the processor's event id: processor_ref names the payment, which every
// partial refund shares.
func webhookSourceRef(kind domain.WebhookKind, p domain.WebhookPayload, externalEventID string) string {
	switch kind {
	case domain.WebhookKindRefunded:
		if p.RefundID != "" {
			return "refund:" + p.RefundID
		}
		return "refund:event:" + domain.OriginExternalEventID(externalEventID)
	case domain.WebhookKindChargeback:
		if p.DisputeID != "" {
			return "chargeback:" + p.DisputeID
		}
	}
	return ""
}

func ack(ev *domain.WebhookEvent) *ports.WebhookAck {
	return &ports.WebhookAck{
		EventID:         ev.ID,
		ExternalEventID: ev.ExternalEventID,
		Status:          ev.ProcessingStatus,
		Outcome:         ev.Outcome,
	}
}

func duplicateAck(ev *domain.WebhookEvent) *ports.WebhookAck {
	a := ack(ev)
	a.Status = domain.WebhookStatusDuplicate
	return a
}
