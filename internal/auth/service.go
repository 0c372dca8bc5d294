package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vubank.org/internal/obs"
)

// Validation reasons reported by ValidateSession, in precedence order:
// a missing (id, digest) pair wins over termination, termination wins over
// expiry.
const (
	ValidationSessionNotFound   = "session_not_found"
	ValidationSessionTerminated = "session_terminated"
	ValidationSessionExpired    = "session_expired"
)

// AttemptRecorder receives one record per verification attempt. Recording
// is fire-and-forget: implementations swallow storage faults, so the call
// can never fail the surrounding request.
type AttemptRecorder interface {
	Record(ctx context.Context, attempt Attempt)
}

// Service implements credential verification and the session lifecycle
// state machine on top of Store.
type Service struct {
	store    Store
	recorder AttemptRecorder

	now          func() time.Time
	newSessionID func() string

	sweepMu   sync.Mutex
	sweepDone bool
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithSessionIDGenerator overrides session identifier allocation.
func WithSessionIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.newSessionID = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, recorder AttemptRecorder, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if recorder == nil {
		return nil, errors.New("auth: attempt recorder is required")
	}
	svc := &Service{
		store:        store,
		recorder:     recorder,
		now:          time.Now,
		newSessionID: uuid.NewString,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// ClientInfo carries request metadata attached to attempts and sessions.
type ClientInfo struct {
	IP        string
	UserAgent string
	RequestID string
}

// VerifyRequest is a credential verification attempt.
type VerifyRequest struct {
	Username   string
	Password   string
	ForceLogin bool
	Client     ClientInfo
}

// ExistingSession describes the session blocking a login when no override
// was requested.
type ExistingSession struct {
	CreatedAt time.Time
	IP        string
	UserAgent string
}

// VerifyResult is the outcome of a verification attempt. All credential
// failures share one shape (OK=false, no conflict fields) so the response
// cannot be used for username enumeration.
type VerifyResult struct {
	OK              bool
	UserID          string
	Roles           []string
	SessionID       string
	SessionConflict bool
	Existing        *ExistingSession
}

// Verify checks the presented credentials and resolves session conflicts.
//
// Three gates run first and short-circuit with a plain failure: unknown
// username, inactive user, wrong password. Only then does the conflict
// table apply: no active session admits the login; an active session
// without ForceLogin reports the conflict and leaves the session untouched;
// with ForceLogin the existing sessions are terminated first.
//
// On admission a fresh session identifier is allocated but no row is
// persisted yet; RegisterSession materializes the session once the
// downstream issuer reports the credential it minted.
//
// Every call records exactly one attempt. Storage faults on the decision
// path are returned to the caller after a best-effort system_error record.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	username := strings.TrimSpace(req.Username)

	fail := func(userID, reason string) VerifyResult {
		s.record(ctx, userID, username, false, req.Client, reason)
		return VerifyResult{}
	}

	user, err := s.store.Users(ctx).FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fail("", ReasonUserNotFound), nil
		}
		s.record(ctx, "", username, false, req.Client, ReasonSystemError)
		return VerifyResult{}, err
	}
	if !user.Active {
		return fail(user.ID, ReasonUserInactive), nil
	}
	if !VerifyPassword(user.PasswordHash, req.Password) {
		return fail(user.ID, ReasonInvalidPassword), nil
	}

	sessions := s.store.Sessions(ctx)
	existing, err := sessions.FindActive(ctx, user.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.record(ctx, user.ID, username, false, req.Client, ReasonSystemError)
		return VerifyResult{}, err
	}

	if existing != nil && !req.ForceLogin {
		res := fail(user.ID, ReasonSessionConflict)
		res.SessionConflict = true
		res.Existing = &ExistingSession{
			CreatedAt: existing.CreatedAt,
			IP:        existing.IP,
			UserAgent: existing.UserAgent,
		}
		return res, nil
	}

	if existing != nil {
		terminated, err := sessions.TerminateForUser(ctx, user.ID, TerminationForcedLogin)
		if err != nil {
			s.record(ctx, user.ID, username, false, req.Client, ReasonSystemError)
			return VerifyResult{}, err
		}
		obs.ObserveSessionsTerminated(TerminationForcedLogin, terminated)
	}

	s.record(ctx, user.ID, username, true, req.Client, "")
	return VerifyResult{
		OK:        true,
		UserID:    user.ID,
		Roles:     user.Roles,
		SessionID: s.newSessionID(),
	}, nil
}

// RegisterSessionRequest materializes a session allocated by Verify once
// the downstream issuer has minted a credential for it.
type RegisterSessionRequest struct {
	UserID    string
	SessionID string
	Token     string
	IP        string
	UserAgent string
}

// RegisterSession stores the active session row with a one-way digest of
// the issued credential. A racing insert against an existing active
// session surfaces as ErrSessionExists.
func (s *Service) RegisterSession(ctx context.Context, req RegisterSessionRequest) error {
	if req.UserID == "" || req.SessionID == "" || req.Token == "" {
		return ErrInvalidInput
	}
	now := s.now().UTC()
	return s.store.Sessions(ctx).Create(ctx, &Session{
		ID:        req.SessionID,
		UserID:    req.UserID,
		TokenHash: HashToken(req.Token),
		IP:        req.IP,
		UserAgent: req.UserAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(SessionTTL),
	})
}

// Validation is the outcome of a session validation check.
type Validation struct {
	Valid  bool
	Reason string
	UserID string
}

// ValidateSession checks identifier+digest match, then the active flag,
// then expiry, in that order. Expiry is evaluated at read time; the row is
// not rewritten.
func (s *Service) ValidateSession(ctx context.Context, sessionID, token string) (Validation, error) {
	sess, err := s.store.Sessions(ctx).Lookup(ctx, sessionID, HashToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Validation{Reason: ValidationSessionNotFound}, nil
		}
		return Validation{}, err
	}
	if !sess.Active {
		return Validation{Reason: ValidationSessionTerminated}, nil
	}
	if sess.Expired(s.now()) {
		return Validation{Reason: ValidationSessionExpired}, nil
	}
	return Validation{Valid: true, UserID: sess.UserID}, nil
}

// LogoutRequest terminates sessions for a user. With TerminateAll set or no
// SessionID given, every active session of the user is terminated.
type LogoutRequest struct {
	UserID       string
	SessionID    string
	TerminateAll bool
}

// Logout deactivates the targeted sessions and returns the count affected.
func (s *Service) Logout(ctx context.Context, req LogoutRequest) (int64, error) {
	if req.UserID == "" {
		return 0, ErrInvalidInput
	}
	sessions := s.store.Sessions(ctx)
	var (
		count int64
		err   error
	)
	if req.TerminateAll || req.SessionID == "" {
		count, err = sessions.TerminateForUser(ctx, req.UserID, TerminationUserLogout)
	} else {
		count, err = sessions.Terminate(ctx, req.UserID, req.SessionID, TerminationUserLogout)
	}
	if err != nil {
		return 0, err
	}
	obs.ObserveSessionsTerminated(TerminationUserLogout, count)
	return count, nil
}

// EnsureStartupSweep terminates every active session left over from a prior
// process instance. The sweep runs at most once per process lifetime; it is
// retried on the next call if the store was unavailable, and a repeated run
// after success affects zero rows anyway.
func (s *Service) EnsureStartupSweep(ctx context.Context) (int64, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if s.sweepDone {
		return 0, nil
	}
	count, err := s.store.Sessions(ctx).TerminateAll(ctx, TerminationServiceRestart)
	if err != nil {
		return 0, err
	}
	s.sweepDone = true
	obs.ObserveSessionsTerminated(TerminationServiceRestart, count)
	return count, nil
}

// Health reports connectivity to the backing store.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) record(ctx context.Context, userID, username string, success bool, client ClientInfo, reason string) {
	s.recorder.Record(ctx, Attempt{
		UserID:        userID,
		Username:      username,
		IP:            client.IP,
		UserAgent:     client.UserAgent,
		Success:       success,
		FailureReason: reason,
		RequestID:     client.RequestID,
		CreatedAt:     s.now().UTC(),
	})
}
