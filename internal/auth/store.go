package auth

import "context"

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	Sessions(ctx context.Context) SessionStore
	Attempts(ctx context.Context) AttemptStore
	Ping(ctx context.Context) error
}

// UserStore reads user records. The credential store is external to this
// service; nothing here mutates users.
type UserStore interface {
	FindByUsername(ctx context.Context, username string) (*User, error)
}

// SessionStore is the authoritative table of sessions.
type SessionStore interface {
	// FindActive returns the active, non-expired session for the user, or
	// ErrNotFound. If the backing store violates the one-active-session
	// invariant and holds several, the most recently created wins and the
	// inconsistency is logged rather than fatal.
	FindActive(ctx context.Context, userID string) (*Session, error)
	// Create inserts a new active session. A conflicting active row for the
	// same user surfaces as ErrSessionExists.
	Create(ctx context.Context, s *Session) error
	// TerminateForUser deactivates every active session of the user and
	// returns the number of rows affected.
	TerminateForUser(ctx context.Context, userID, reason string) (int64, error)
	// Terminate deactivates a single session of the user.
	Terminate(ctx context.Context, userID, sessionID, reason string) (int64, error)
	// TerminateAll deactivates every active session in the store. Used only
	// by the startup sweep.
	TerminateAll(ctx context.Context, reason string) (int64, error)
	// Lookup fetches the session with the given identifier and token digest,
	// regardless of its active flag or expiry.
	Lookup(ctx context.Context, sessionID, tokenHash string) (*Session, error)
}

// AttemptStore appends immutable login attempt records.
type AttemptStore interface {
	Append(ctx context.Context, attempt *Attempt) error
}
