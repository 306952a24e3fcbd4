package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AuditLog creates an audit middleware. Successful payment writes are
// recorded, and so are webhook deliveries rejected for a bad signature.
// Actions are matched on the route pattern, not the raw path.
func AuditLog(auditSvc ports.AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Request.Method != http.MethodPost {
			return
		}
		action, resourceType := mapRouteToAction(c.FullPath(), c.Writer.Status())
		if action == "" {
			return
		}

		entry := &domain.AuditLog{
			ID:           uuid.New(),
			Action:       action,
			ResourceType: resourceType,
			IPAddress:    c.ClientIP(),
			CreatedAt:    time.Now().UTC(),
		}
		if id := c.Param("id"); id != "" {
			entry.ResourceID = id
			if pid, err := uuid.Parse(id); err == nil && resourceType == "payment" {
				entry.PaymentID = &pid
			}
		}

		details, _ := json.Marshal(map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"request_id": c.GetString(CtxRequestID),
		})
		entry.Details = string(details)

		auditSvc.Log(c.Request.Context(), entry)
	}
}

func mapRouteToAction(route string, status int) (domain.AuditAction, string) {
	ok := status >= 200 && status < 300
	switch {
	case route == "/api/v1/payments" && ok:
		return domain.AuditActionPaymentCreated, "payment"
	case route == "/api/v1/payments/:id/capture" && ok:
		return domain.AuditActionPaymentCaptured, "payment"
	case route == "/api/v1/payments/:id/refund" && ok:
		return domain.AuditActionRefundRequested, "payment"
	case route == "/api/v1/payments/:id/cancel" && ok:
		return domain.AuditActionPaymentCancelled, "payment"
	case route == "/api/v1/webhooks/processor" && status == http.StatusUnauthorized:
		return domain.AuditActionSignatureRejected, "webhook"
	}
	return "", ""
}
