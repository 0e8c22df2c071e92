package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/99minutos/identity-service/internal/core/domain"
	"github.com/99minutos/identity-service/internal/core/ports"
)

// Guard resolves access tokens to users and enforces roles. It fails closed:
// anything short of a valid token for an existing user is ErrUnauthorized.
type Guard struct {
	tokens ports.TokenIssuer
	users  ports.UserRepository
}

func NewGuard(tokens ports.TokenIssuer, users ports.UserRepository) *Guard {
	return &Guard{tokens: tokens, users: users}
}

// CurrentUser returns the user the access token was issued to.
func (g *Guard) CurrentUser(ctx context.Context, accessToken string) (*domain.User, error) {
	if accessToken == "" {
		return nil, domain.ErrUnauthorized
	}

	subject, err := g.tokens.ValidateAccessToken(accessToken)
	if err != nil {
		return nil, domain.ErrUnauthorized
	}

	user, err := g.users.FindByID(ctx, subject)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrUnauthorized
		}
		return nil, fmt.Errorf("current user: %w", err)
	}
	return user, nil
}

// RequireAdmin returns ErrForbidden unless user is an administrator.
func (g *Guard) RequireAdmin(user *domain.User) error {
	if user == nil || !user.IsAdmin {
		return domain.ErrForbidden
	}
	return nil
}
