package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/pkg/apperror"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Requester is the part of *nats.Conn the gateway needs.
type Requester interface {
	RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
}

// Connect opens a NATS connection that logs disconnects and reconnects.
func Connect(cfg NATSConfig, log zerolog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	log.Info().Str("url", conn.ConnectedUrl()).Msg("NATS connection established")
	return conn, nil
}

// NATSGateway reaches the processor with request-reply on
// "<prefix>.<action>" subjects. The processor key is sent both as a header
// and as the JetStream message id.
type NATSGateway struct {
	conn    Requester
	prefix  string
	timeout time.Duration
	log     zerolog.Logger
}

func NewNATSGateway(conn Requester, cfg NATSConfig, log zerolog.Logger) *NATSGateway {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "processor"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &NATSGateway{
		conn:    conn,
		prefix:  cfg.SubjectPrefix,
		timeout: cfg.Timeout,
		log:     log.With().Str("processor", "nats").Logger(),
	}
}

func (g *NATSGateway) Authorize(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	return g.request(ctx, req)
}

func (g *NATSGateway) Capture(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	return g.request(ctx, req)
}

func (g *NATSGateway) Refund(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	return g.request(ctx, req)
}

func (g *NATSGateway) Void(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	return g.request(ctx, req)
}

// Subject returns the subject an action is sent on.
func (g *NATSGateway) Subject(action domain.ProcessorAction) string {
	return g.prefix + "." + string(action)
}

func (g *NATSGateway) request(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	data, err := json.Marshal(newRequest(req))
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("marshal processor request: %w", err))
	}

	msg := nats.NewMsg(g.Subject(req.Action))
	msg.Data = data
	msg.Header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
	msg.Header.Set(HeaderCorrelationID, req.CorrelationID)
	msg.Header.Set(nats.MsgIdHdr, req.IdempotencyKey)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, apperror.ErrTransientProcessor(fmt.Errorf("%s: no processor responders on %s: %w", req.Action, msg.Subject, err))
		}
		return nil, apperror.ErrTransientProcessor(fmt.Errorf("%s: nats request: %w", req.Action, err))
	}

	var r reply
	if err := json.Unmarshal(resp.Data, &r); err != nil {
		return nil, apperror.ErrTransientProcessor(fmt.Errorf("%s: unmarshal response: %w", req.Action, err))
	}

	g.log.Debug().
		Str("subject", msg.Subject).
		Str("payment_id", req.PaymentID.String()).
		Str("code", r.Code).
		Msg("processor responded")
	return normalize(req.Action, r)
}
