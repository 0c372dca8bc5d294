package auth

import "time"

// SessionTTL is the fixed lifetime applied when a session row is materialized.
const SessionTTL = 24 * time.Hour

// Failure reasons recorded on login attempts.
const (
	ReasonUserNotFound    = "user_not_found"
	ReasonUserInactive    = "user_inactive"
	ReasonInvalidPassword = "invalid_password"
	ReasonSessionConflict = "session_conflict"
	ReasonSystemError     = "system_error"
)

// Termination reasons recorded when a session leaves the active state.
const (
	TerminationForcedLogin    = "forced login from new session"
	TerminationUserLogout     = "user logout"
	TerminationServiceRestart = "service restart"
)

// User represents a banking customer or staff account able to sign in.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Active       bool
	Roles        []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session binds a user to an issued credential for a bounded time window.
// TokenHash stores a one-way digest of the issued bearer token, never the
// token itself.
type Session struct {
	ID               string
	UserID           string
	TokenHash        string
	IP               string
	UserAgent        string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	Active           bool
	TerminatedReason string
	TerminatedAt     *time.Time
}

// Expired reports whether the session is past its expiry at the given
// instant. Expiry is a read-time check; the row is never rewritten for it.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Attempt is one append-only login attempt record. UserID is empty when the
// presented username did not resolve to a user.
type Attempt struct {
	ID            string
	UserID        string
	Username      string
	IP            string
	UserAgent     string
	Success       bool
	FailureReason string
	RequestID     string
	CreatedAt     time.Time
}
