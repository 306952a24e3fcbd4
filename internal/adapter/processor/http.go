package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/pkg/apperror"

	"github.com/rs/zerolog"
)

const maxReplyBytes = 64 << 10

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPGateway reaches the processor with JSON over HTTP. The processor key
// travels in the Idempotency-Key header so a retried call is recognized as
// the same operation.
type HTTPGateway struct {
	cfg    HTTPConfig
	client *http.Client
	log    zerolog.Logger
}

// NewHTTPGateway creates a gateway. A nil client gets one with cfg.Timeout.
func NewHTTPGateway(cfg HTTPConfig, client *http.Client, log zerolog.Logger) *HTTPGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPGateway{cfg: cfg, client: client, log: log.With().Str("processor", "http").Logger()}
}

func (g *HTTPGateway) Authorize(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	return g.do(ctx, req)
}

func (g *HTTPGateway) Capture(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	return g.do(ctx, req)
}

func (g *HTTPGateway) Refund(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	return g.do(ctx, req)
}

func (g *HTTPGateway) Void(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	return g.do(ctx, req)
}

func (g *HTTPGateway) do(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	body, err := json.Marshal(newRequest(req))
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("marshal processor request: %w", err))
	}

	url := fmt.Sprintf("%s/v1/payments/%s", g.cfg.BaseURL, req.Action)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("create processor request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
	httpReq.Header.Set(HeaderCorrelationID, req.CorrelationID)
	if g.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		// the request may have reached the processor; the key makes a retry safe
		return nil, apperror.ErrTransientProcessor(fmt.Errorf("%s: http request: %w", req.Action, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, apperror.ErrTransientProcessor(fmt.Errorf("%s: read response: %w", req.Action, err))
	}

	g.log.Debug().
		Str("action", string(req.Action)).
		Str("payment_id", req.PaymentID.String()).
		Str("idempotency_key", req.IdempotencyKey).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("processor responded")

	var r reply
	if err := json.Unmarshal(raw, &r); err != nil || r.Code == "" {
		return g.fromStatus(req.Action, resp.StatusCode, raw)
	}
	return normalize(req.Action, r)
}

// fromStatus classifies a response whose body carried no code.
func (g *HTTPGateway) fromStatus(action domain.ProcessorAction, status int, raw []byte) (*domain.ProcessorResult, error) {
	snippet := string(raw)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	switch classifyStatus(status) {
	case ClassApproved:
		return nil, apperror.ErrTransientProcessor(errors.New(string(action) + ": undecodable success response"))
	case ClassRejected:
		return nil, apperror.ErrPermanentProcessor(fmt.Sprintf("http_%d", status), snippet)
	default:
		return nil, apperror.ErrTransientProcessor(fmt.Errorf("%s: processor status %d: %s", action, status, snippet))
	}
}
