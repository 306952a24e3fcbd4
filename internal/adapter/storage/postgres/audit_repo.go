package postgres

import (
	"context"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"
)

type auditRepo struct {
	pool Pool
}

// NewAuditRepository creates a PostgreSQL-backed AuditRepository.
func NewAuditRepository(pool Pool) ports.AuditRepository {
	return &auditRepo{pool: pool}
}

func (r *auditRepo) Create(ctx context.Context, log *domain.AuditLog) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, payment_id, action, resource_type, resource_id, details, ip_address, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		log.ID, log.PaymentID, string(log.Action), log.ResourceType,
		log.ResourceID, nullJSON([]byte(log.Details)), log.IPAddress, log.CreatedAt,
	)
	return err
}
