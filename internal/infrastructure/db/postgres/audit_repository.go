package postgres

import (
	"context"
	"fmt"

	"github.com/99minutos/identity-service/internal/core/domain"
)

// AuditRepository implements ports.AuditRepository on the auth_events table.
type AuditRepository struct {
	pool pool
}

func NewAuditRepository(p pool) *AuditRepository {
	return &AuditRepository{pool: p}
}

func (r *AuditRepository) InsertAuthEvent(ctx context.Context, event *domain.AuthEvent) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO auth_events (type, user_id, email, occurred_at) VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4)`,
		string(event.Type), event.UserID, event.Email, event.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("insert auth event: %w", err)
	}
	return nil
}
