package handler

import (
	"strconv"

	"payment-reliability-engine/internal/adapter/http/dto"
	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"
	"payment-reliability-engine/pkg/apperror"
	"payment-reliability-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// AdminHandler serves the operator endpoints for dead letters and circuits.
type AdminHandler struct {
	deadLetters ports.DeadLetterService
	circuits    ports.CircuitInspector
}

func NewAdminHandler(deadLetters ports.DeadLetterService, circuits ports.CircuitInspector) *AdminHandler {
	return &AdminHandler{deadLetters: deadLetters, circuits: circuits}
}

// ListDeadLetters handles GET /api/v1/admin/dead-letters?status=&limit=.
func (h *AdminHandler) ListDeadLetters(c *gin.Context) {
	var status *domain.DeadLetterStatus
	if s := c.Query("status"); s != "" {
		st := domain.DeadLetterStatus(s)
		switch st {
		case domain.DeadLetterPending, domain.DeadLetterReplayed, domain.DeadLetterDiscarded:
		default:
			response.Error(c, apperror.Validation("status must be pending, replayed or discarded"))
			return
		}
		status = &st
	}

	limit := defaultListLimit
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > maxListLimit {
			response.Error(c, apperror.Validation("limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	entries, err := h.deadLetters.List(c.Request.Context(), status, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	if entries == nil {
		entries = []domain.DeadLetterEntry{}
	}
	response.OK(c, dto.DeadLetterListResponse{Items: entries, Count: len(entries)})
}

// GetDeadLetter handles GET /api/v1/admin/dead-letters/:id.
func (h *AdminHandler) GetDeadLetter(c *gin.Context) {
	id, ok := deadLetterID(c)
	if !ok {
		return
	}
	e, err := h.deadLetters.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, e)
}

// ReplayDeadLetter handles POST /api/v1/admin/dead-letters/:id/replay.
func (h *AdminHandler) ReplayDeadLetter(c *gin.Context) {
	id, ok := deadLetterID(c)
	if !ok {
		return
	}
	e, err := h.deadLetters.Replay(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, e)
}

// DiscardDeadLetter handles POST /api/v1/admin/dead-letters/:id/discard.
func (h *AdminHandler) DiscardDeadLetter(c *gin.Context) {
	id, ok := deadLetterID(c)
	if !ok {
		return
	}

	var req dto.DiscardRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)
	if req.Reason == "" {
		response.Error(c, apperror.Validation("reason is required"))
		return
	}

	e, err := h.deadLetters.Discard(c.Request.Context(), id, req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, e)
}

// CircuitState handles GET /api/v1/admin/circuits/:target.
func (h *AdminHandler) CircuitState(c *gin.Context) {
	st, err := h.circuits.State(c.Request.Context(), c.Param("target"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, st)
}

func deadLetterID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.Validation("invalid dead letter id"))
		return uuid.Nil, false
	}
	return id, true
}
