package dto

import (
	"testing"
	"time"

	"payment-reliability-engine/internal/core/domain"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	RegisterValidators(v)
	return v
}

// --- SanitizeStruct tests ---

func TestSanitizeStruct_EscapesHTML(t *testing.T) {
	amount := "  5.00 "
	req := RefundRequest{
		Amount: &amount,
		Reason: "  customer <script>alert('x')</script> request ",
	}
	SanitizeStruct(&req)

	assert.Equal(t, "5.00", *req.Amount)
	assert.Contains(t, req.Reason, "&lt;script&gt;")
	assert.NotContains(t, req.Reason, "<script>")
}

func TestSanitizeStruct_NilPointerIsNoOp(t *testing.T) {
	req := CaptureRequest{}
	SanitizeStruct(&req)
	assert.Nil(t, req.Amount)
}

func TestSanitizeStruct_NonPointerIsNoOp(t *testing.T) {
	s := "hello"
	SanitizeStruct(s) // should not panic
}

// --- Custom Validator tests ---

func TestSafeID(t *testing.T) {
	valid := []string{"order-001", "REF_002", "a.b.c", "tok_visa", "client:42"}
	for _, tc := range valid {
		assert.True(t, safeStringRe.MatchString(tc), "expected valid: %s", tc)
	}

	invalid := []string{"ref 001", "ref<001>", "ref;DROP", "", "ref\n001"}
	for _, tc := range invalid {
		assert.False(t, safeStringRe.MatchString(tc), "expected invalid: %s", tc)
	}
}

func TestCreatePaymentRequest_Validation(t *testing.T) {
	v := newValidator()

	tests := []struct {
		name    string
		req     CreatePaymentRequest
		wantErr bool
	}{
		{"valid", CreatePaymentRequest{Amount: "10.00", Currency: "USD", PaymentMethod: "tok_visa"}, false},
		{"lowercase currency", CreatePaymentRequest{Amount: "10", Currency: "eur", PaymentMethod: "tok_visa"}, false},
		{"unknown currency", CreatePaymentRequest{Amount: "10", Currency: "XXX", PaymentMethod: "tok_visa"}, true},
		{"zero amount", CreatePaymentRequest{Amount: "0", Currency: "USD", PaymentMethod: "tok_visa"}, true},
		{"negative amount", CreatePaymentRequest{Amount: "-1", Currency: "USD", PaymentMethod: "tok_visa"}, true},
		{"garbage amount", CreatePaymentRequest{Amount: "ten", Currency: "USD", PaymentMethod: "tok_visa"}, true},
		{"missing method", CreatePaymentRequest{Amount: "10", Currency: "USD"}, true},
		{"unsafe method", CreatePaymentRequest{Amount: "10", Currency: "USD", PaymentMethod: "tok visa"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Struct(tt.req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCaptureRequest_OptionalAmount(t *testing.T) {
	v := newValidator()
	bad := "abc"
	good := "4.50"

	assert.NoError(t, v.Struct(CaptureRequest{}))
	assert.NoError(t, v.Struct(CaptureRequest{Amount: &good}))
	assert.Error(t, v.Struct(CaptureRequest{Amount: &bad}))
}

func TestIdempotencyHeader_Validation(t *testing.T) {
	v := newValidator()

	assert.NoError(t, v.Struct(IdempotencyHeader{Key: "order-42"}))
	assert.Error(t, v.Struct(IdempotencyHeader{}))
	assert.Error(t, v.Struct(IdempotencyHeader{Key: "order 42"}))
}

// --- Response mapping ---

func TestNewPaymentResponse(t *testing.T) {
	m, err := domain.ParseMoney("1000", "JPY")
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := domain.NewPayment(m, "tok_visa", nil, "corr-1", nil, now)
	p.ID = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	p.CapturedAmount = decimal.RequireFromString("400")
	ref := "pr_1"
	p.ProcessorReferenceID = &ref
	p.ProcessedAt = &now

	resp := NewPaymentResponse(p)
	assert.Equal(t, "22222222-2222-2222-2222-222222222222", resp.ID)
	assert.Equal(t, "1000", resp.Amount)
	assert.Equal(t, "400", resp.CapturedAmount)
	assert.Equal(t, "0", resp.RefundedAmount)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "pr_1", *resp.ProcessorReferenceID)
	assert.Equal(t, "2026-03-01T12:00:00Z", resp.CreatedAt)
	require.NotNil(t, resp.ProcessedAt)

	usd, err := domain.ParseMoney("10.5", "USD")
	require.NoError(t, err)
	assert.Equal(t, "10.50", NewPaymentResponse(domain.NewPayment(usd, "tok", nil, "c", nil, now)).Amount)
}
