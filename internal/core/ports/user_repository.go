package ports

import (
	"context"
	"time"

	"github.com/99minutos/identity-service/internal/core/domain"
)

// UserRepository is the identity store. Lookups report absence with
// domain.ErrUserNotFound. Every mutation is a single atomic statement so that
// concurrent requests on the same user never lose an update.
type UserRepository interface {
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	FindByID(ctx context.Context, id string) (*domain.User, error)
	// FindByRefreshToken looks a user up by the hash of their live refresh token.
	FindByRefreshToken(ctx context.Context, tokenHash string) (*domain.User, error)
	// List returns every user ordered by creation time.
	List(ctx context.Context) ([]*domain.User, error)

	// Create inserts user and returns it with its assigned ID.
	// A duplicate email yields domain.ErrEmailTaken.
	Create(ctx context.Context, user *domain.User) (*domain.User, error)

	// SetRefreshToken unconditionally replaces the user's session.
	SetRefreshToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error
	// RotateRefreshToken replaces the session only while the stored hash still
	// equals currentHash; otherwise it returns domain.ErrSessionConflict.
	RotateRefreshToken(ctx context.Context, id, currentHash, nextHash string, expiresAt time.Time) error
	// ClearRefreshToken ends the user's session.
	ClearRefreshToken(ctx context.Context, id string) error
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error

	Ping(ctx context.Context) error
}

// AuditRepository persists the auth event trail.
type AuditRepository interface {
	InsertAuthEvent(ctx context.Context, event *domain.AuthEvent) error
}

// RetiredTokenLedger remembers refresh tokens that were rotated out so that a
// replayed token can be told apart from a random guess.
type RetiredTokenLedger interface {
	Retire(ctx context.Context, tokenHash, userID string, ttl time.Duration) error
	// Owner returns the user a retired token belonged to, or "" if unknown.
	Owner(ctx context.Context, tokenHash string) (string, error)
}
