package handler

import (
	"time"

	"payment-reliability-engine/internal/adapter/http/middleware"
	redisStore "payment-reliability-engine/internal/adapter/storage/redis"
	"payment-reliability-engine/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const defaultMaxBodyBytes = 1 << 20

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	PaymentSvc      ports.PaymentService
	WebhookSvc      ports.WebhookService
	DeadLetterSvc   ports.DeadLetterService
	Circuits        ports.CircuitInspector
	AuditSvc        ports.AuditService         // nil = audit logging disabled
	RateLimitStore  *redisStore.RateLimitStore // nil = rate limiting disabled
	RateLimitRules  map[string]middleware.RateLimitRule
	HealthCheckers  []ports.HealthChecker
	Registry        *prometheus.Registry // nil = no /metrics and no HTTP metrics
	SignatureHeader string
	WebhookMaxBytes int64
	RequestTimeout  time.Duration
	Mode            string
	Logger          zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Mode == "" {
		deps.Mode = gin.ReleaseMode
	}
	gin.SetMode(deps.Mode)
	r := gin.New()

	// Global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.RequestTimeout(deps.RequestTimeout))
	if deps.Registry != nil {
		r.Use(middleware.HTTPMetrics(deps.Registry))
	}

	// Audit logging (after response)
	if deps.AuditSvc != nil {
		r.Use(middleware.AuditLog(deps.AuditSvc))
	}

	r.GET("/health", HealthCheck(deps.HealthCheckers...))
	if deps.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{Registry: deps.Registry})))
	}

	rl := func(group string) gin.HandlerFunc {
		if deps.RateLimitStore == nil {
			return func(c *gin.Context) { c.Next() }
		}
		rule, ok := deps.RateLimitRules[group]
		if !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	v1 := r.Group("/api/v1")

	// --- Client payment API ---
	paymentHandler := NewPaymentHandler(deps.PaymentSvc)
	payments := v1.Group("/payments", middleware.MaxBodySize(defaultMaxBodyBytes))
	{
		payments.POST("", rl("payments"), paymentHandler.CreatePayment)
		payments.GET("/:id", rl("payments"), paymentHandler.GetPayment)
		payments.POST("/:id/capture", rl("payments"), paymentHandler.CapturePayment)
		payments.POST("/:id/refund", rl("payments_refund"), paymentHandler.RefundPayment)
		payments.POST("/:id/cancel", rl("payments"), paymentHandler.CancelPayment)
	}

	// --- Processor notifications ---
	maxWebhook := deps.WebhookMaxBytes
	if maxWebhook <= 0 {
		maxWebhook = defaultMaxBodyBytes
	}
	webhookHandler := NewWebhookHandler(deps.WebhookSvc, deps.SignatureHeader)
	v1.POST("/webhooks/processor", middleware.MaxBodySize(maxWebhook), rl("webhooks"), webhookHandler.Receive)

	// --- Operator API ---
	adminHandler := NewAdminHandler(deps.DeadLetterSvc, deps.Circuits)
	admin := v1.Group("/admin", middleware.MaxBodySize(defaultMaxBodyBytes))
	{
		admin.POST("/webhooks/:id/replay", webhookHandler.Replay)
		admin.GET("/dead-letters", adminHandler.ListDeadLetters)
		admin.GET("/dead-letters/:id", adminHandler.GetDeadLetter)
		admin.POST("/dead-letters/:id/replay", adminHandler.ReplayDeadLetter)
		admin.POST("/dead-letters/:id/discard", adminHandler.DiscardDeadLetter)
		admin.GET("/circuits/:target", adminHandler.CircuitState)
	}

	return r
}
