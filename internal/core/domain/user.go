package domain

import (
	"strings"
	"time"
)

// User models a registered account. PasswordHash and RefreshTokenHash are
// secrets and never leave the service.
type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	PasswordHash     string    `json:"-"`
	RefreshTokenHash string    `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
	IsAdmin          bool      `json:"is_admin"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// HasSession reports whether the user holds a live refresh token.
func (u *User) HasSession() bool {
	return u.RefreshTokenHash != ""
}

// RefreshExpiredAt reports whether the stored refresh token is past its expiry at t.
// A zero expiry never expires.
func (u *User) RefreshExpiredAt(t time.Time) bool {
	return !u.RefreshExpiresAt.IsZero() && !t.Before(u.RefreshExpiresAt)
}

// Identity returns the public view of the user.
func (u *User) Identity() Identity {
	return Identity{
		ID:        u.ID,
		Email:     u.Email,
		IsAdmin:   u.IsAdmin,
		CreatedAt: u.CreatedAt,
	}
}

// Identity is what callers are allowed to see about a user.
type Identity struct {
	ID        string
	Email     string
	IsAdmin   bool
	CreatedAt time.Time
}

// CanonicalEmail is the form emails are stored and looked up in.
// Matching is case-insensitive: "A@X.com" and "a@x.com" are the same account.
func CanonicalEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
