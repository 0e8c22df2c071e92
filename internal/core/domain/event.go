package domain

import "time"

// AuthEventType names a security-relevant step in a user's session lifecycle.
type AuthEventType string

const (
	EventRegistered     AuthEventType = "registered"
	EventLoginSucceeded AuthEventType = "login_succeeded"
	EventLoginFailed    AuthEventType = "login_failed"
	EventRefreshed      AuthEventType = "refreshed"
	EventRefreshReuse   AuthEventType = "refresh_reuse"
	EventLoggedOut      AuthEventType = "logged_out"
)

// AuthEvent is one entry of the audit trail.
type AuthEvent struct {
	Type       AuthEventType
	UserID     string // empty for failed logins against unknown emails
	Email      string // only set for login attempts
	OccurredAt time.Time
}
