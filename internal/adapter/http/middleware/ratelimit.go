package middleware

import (
	"fmt"
	"strconv"
	"time"

	redisStore "payment-reliability-engine/internal/adapter/storage/redis"
	"payment-reliability-engine/pkg/apperror"
	"payment-reliability-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RateLimitRule defines a rate limit for an endpoint group.
type RateLimitRule struct {
	Limit  int64
	Window time.Duration
}

// DefaultRateLimitRules derives the per-group limits from the base limit.
// Refunds get a third of it; webhooks get ten times as much since the
// processor delivers in bursts.
func DefaultRateLimitRules(limit int64, window time.Duration) map[string]RateLimitRule {
	refund := limit / 3
	if refund < 1 {
		refund = 1
	}
	return map[string]RateLimitRule{
		"payments":        {Limit: limit, Window: window},
		"payments_refund": {Limit: refund, Window: window},
		"webhooks":        {Limit: limit * 10, Window: window},
	}
}

// RateLimiter creates a rate-limiting middleware for a given endpoint group.
// Store failures let the request through.
func RateLimiter(store *redisStore.RateLimitStore, group string, rule RateLimitRule, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := extractIdentifier(c)
		key := fmt.Sprintf("%s:%s", identifier, group)

		result, err := store.Allow(c.Request.Context(), key, rule.Limit, rule.Window)
		if err != nil {
			log.Warn().Err(err).Str("group", group).Msg("rate limit check failed, allowing request (degraded mode)")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))

		if !result.Allowed {
			retryAfter := result.ResetAt - time.Now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			response.Error(c, apperror.ErrRateLimitExceeded())
			c.Abort()
			return
		}

		c.Next()
	}
}

// extractIdentifier keys the counter by API key when the client sends one,
// otherwise by client IP.
func extractIdentifier(c *gin.Context) string {
	if key := c.GetHeader(HeaderAPIKey); key != "" {
		return "key:" + key
	}
	return "ip:" + c.ClientIP()
}
