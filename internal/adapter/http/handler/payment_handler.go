package handler

import (
	"errors"
	"io"
	"strings"

	"payment-reliability-engine/internal/adapter/http/dto"
	"payment-reliability-engine/internal/core/ports"
	"payment-reliability-engine/pkg/apperror"
	"payment-reliability-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentHandler handles the client payment endpoints.
type PaymentHandler struct {
	paymentSvc ports.PaymentService
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(paymentSvc ports.PaymentService) *PaymentHandler {
	return &PaymentHandler{paymentSvc: paymentSvc}
}

// CreatePayment handles POST /api/v1/payments. A request replayed under a
// completed key answers 200 with the stored payment instead of 201.
func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	var hdr dto.IdempotencyHeader
	if err := c.ShouldBindHeader(&hdr); err != nil {
		response.Error(c, apperror.Validation("Idempotency-Key header is required and must be a safe identifier"))
		return
	}

	var req dto.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		response.Error(c, apperror.ErrInvalidAmount())
		return
	}

	result, err := h.paymentSvc.CreatePayment(c.Request.Context(), ports.CreatePaymentRequest{
		Amount:        amount,
		Currency:      strings.ToUpper(req.Currency),
		PaymentMethod: req.PaymentMethod,
		Metadata:      req.Metadata,
	}, hdr.Key)
	if err != nil {
		response.Error(c, err)
		return
	}

	if result.Replayed {
		c.Header("Idempotent-Replayed", "true")
		response.OK(c, dto.NewPaymentResponse(result.Payment))
		return
	}
	response.Created(c, dto.NewPaymentResponse(result.Payment))
}

// GetPayment handles GET /api/v1/payments/:id.
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}

	p, err := h.paymentSvc.GetPayment(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewPaymentResponse(p))
}

// CapturePayment handles POST /api/v1/payments/:id/capture. An empty body
// captures the full authorized amount.
func (h *PaymentHandler) CapturePayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}

	var req dto.CaptureRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	amount, err := optionalAmount(req.Amount)
	if err != nil {
		response.Error(c, err)
		return
	}

	p, err := h.paymentSvc.CapturePayment(c.Request.Context(), id, amount)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewPaymentResponse(p))
}

// RefundPayment handles POST /api/v1/payments/:id/refund. Each distinct
// Idempotency-Key is one refund.
func (h *PaymentHandler) RefundPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}

	var hdr dto.IdempotencyHeader
	if err := c.ShouldBindHeader(&hdr); err != nil {
		response.Error(c, apperror.Validation("Idempotency-Key header is required and must be a safe identifier"))
		return
	}

	var req dto.RefundRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	amount, err := optionalAmount(req.Amount)
	if err != nil {
		response.Error(c, err)
		return
	}

	p, err := h.paymentSvc.RefundPayment(c.Request.Context(), ports.RefundRequest{
		PaymentID:      id,
		Amount:         amount,
		IdempotencyKey: hdr.Key,
		Reason:         req.Reason,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewPaymentResponse(p))
}

// CancelPayment handles POST /api/v1/payments/:id/cancel.
func (h *PaymentHandler) CancelPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}

	p, err := h.paymentSvc.CancelPayment(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewPaymentResponse(p))
}

func paymentID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.Validation("invalid payment id"))
		return uuid.Nil, false
	}
	return id, true
}

// bindOptionalJSON binds the body when there is one. An empty body leaves
// obj untouched.
func bindOptionalJSON(c *gin.Context, obj interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func optionalAmount(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(*s))
	if err != nil || !d.IsPositive() {
		return nil, apperror.ErrInvalidAmount()
	}
	return &d, nil
}
