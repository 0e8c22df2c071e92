package domain

import "errors"

// Error categories. Every caller-facing error wraps exactly one of these, so
// transports can map a whole category with a single errors.Is check.
var (
	ErrValidation     = errors.New("validation error")
	ErrConflict       = errors.New("conflict")
	ErrAuthentication = errors.New("authentication error")
	ErrAuthorization  = errors.New("authorization error")
)

// Error is a caller-facing failure with a fixed message and a category.
type Error struct {
	kind error
	msg  string
}

func newError(kind error, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Unwrap exposes the category.
func (e *Error) Unwrap() error { return e.kind }

var (
	ErrInvalidEmail     = newError(ErrValidation, "invalid email")
	ErrWeakPassword     = newError(ErrValidation, "password does not meet policy")
	ErrPasswordEncoding = newError(ErrValidation, "password must be valid UTF-8 text")

	ErrEmailTaken = newError(ErrConflict, "email already registered")

	// Authentication messages are deliberately uniform per operation so that
	// responses never reveal whether an account exists.
	ErrInvalidCredentials  = newError(ErrAuthentication, "invalid credentials")
	ErrInvalidRefreshToken = newError(ErrAuthentication, "invalid refresh token")
	ErrUnauthorized        = newError(ErrAuthentication, "not authenticated")

	ErrForbidden = newError(ErrAuthorization, "access forbidden")
)

// Store-level conditions. These are never returned to callers of AuthService.
var (
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionConflict = errors.New("session changed concurrently")
)
