package handler

import (
	"errors"
	"io"
	"net/http"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"
	"payment-reliability-engine/pkg/apperror"
	"payment-reliability-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// WebhookHandler receives processor notifications.
type WebhookHandler struct {
	webhookSvc      ports.WebhookService
	signatureHeader string
}

// NewWebhookHandler creates a handler reading the signature from header.
func NewWebhookHandler(webhookSvc ports.WebhookService, signatureHeader string) *WebhookHandler {
	if signatureHeader == "" {
		signatureHeader = "X-Processor-Signature"
	}
	return &WebhookHandler{webhookSvc: webhookSvc, signatureHeader: signatureHeader}
}

// Receive handles POST /api/v1/webhooks/processor. The body is passed on
// byte for byte since the signature covers the raw bytes. Processed and
// duplicate deliveries answer 200; anything still in flight or parked for
// recovery answers 202 so the processor stops redelivering.
func (h *WebhookHandler) Receive(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, apperror.ErrPayloadTooLarge())
			return
		}
		response.Error(c, apperror.Validation("cannot read request body"))
		return
	}

	ack, err := h.webhookSvc.Ingest(c.Request.Context(), raw, c.GetHeader(h.signatureHeader))
	if err != nil {
		response.Error(c, err)
		return
	}

	switch ack.Status {
	case domain.WebhookStatusProcessed, domain.WebhookStatusDuplicate:
		response.OK(c, ack)
	default:
		response.Accepted(c, ack)
	}
}

// Replay handles POST /api/v1/admin/webhooks/:id/replay.
func (h *WebhookHandler) Replay(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.Validation("invalid webhook event id"))
		return
	}

	ev, err := h.webhookSvc.Replay(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, ev)
}
