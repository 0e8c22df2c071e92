package ports

import (
	"context"
	"time"

	"github.com/99minutos/identity-service/internal/core/domain"
)

// RegisterInput carries a new account. Admin is only ever set by operator
// tooling; the public registration endpoint always leaves it false.
type RegisterInput struct {
	Email    string
	Password string
	Admin    bool
}

// TokenPair is returned by Login and Refresh.
type TokenPair struct {
	AccessToken     string
	RefreshToken    string
	TokenType       string
	AccessExpiresAt time.Time
}

// AuthService is the session flow: every operation that needs a caller
// identity takes the raw access token explicitly.
type AuthService interface {
	Register(ctx context.Context, in RegisterInput) (*domain.Identity, error)
	Login(ctx context.Context, email, password string) (*TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
	CurrentIdentity(ctx context.Context, accessToken string) (*domain.Identity, error)
	ListIdentities(ctx context.Context, accessToken string) ([]domain.Identity, error)
	Logout(ctx context.Context, accessToken string) error
}

// PasswordHasher is the one-way credential transform.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, digest string) bool
	NeedsUpgrade(digest string) bool
}

// TokenIssuer mints and validates access tokens and mints refresh tokens.
type TokenIssuer interface {
	IssueAccessToken(subjectID string) (string, time.Time, error)
	ValidateAccessToken(token string) (string, error)
	IssueRefreshToken() (string, error)
}

// AuthEventSink receives audit events. Implementations must not block.
type AuthEventSink interface {
	Record(event domain.AuthEvent)
}
