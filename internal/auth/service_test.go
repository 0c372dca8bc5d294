package auth

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

// fakeStore is an in-memory Store for exercising the state machine without
// a database.
type fakeStore struct {
	users    map[string]*User
	sessions []*Session
	attempts []*Attempt

	now func() time.Time

	findUserErr     error
	findActiveErr   error
	createErr       error
	terminateErr    error
	terminateAllErr error
	appendErr       error
	pingErr         error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: make(map[string]*User),
		now:   time.Now,
	}
}

func (f *fakeStore) Users(context.Context) UserStore       { return f }
func (f *fakeStore) Sessions(context.Context) SessionStore { return f }
func (f *fakeStore) Attempts(context.Context) AttemptStore { return f }
func (f *fakeStore) Ping(context.Context) error            { return f.pingErr }

func (f *fakeStore) FindByUsername(_ context.Context, username string) (*User, error) {
	if f.findUserErr != nil {
		return nil, f.findUserErr
	}
	u, ok := f.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) FindActive(_ context.Context, userID string) (*Session, error) {
	if f.findActiveErr != nil {
		return nil, f.findActiveErr
	}
	var newest *Session
	for _, s := range f.sessions {
		if s.UserID != userID || !s.Active || s.Expired(f.now()) {
			continue
		}
		if newest == nil || s.CreatedAt.After(newest.CreatedAt) {
			newest = s
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return newest, nil
}

func (f *fakeStore) Create(_ context.Context, s *Session) error {
	if f.createErr != nil {
		return f.createErr
	}
	for _, existing := range f.sessions {
		if existing.UserID == s.UserID && existing.Active {
			return ErrSessionExists
		}
	}
	s.Active = true
	f.sessions = append(f.sessions, s)
	return nil
}

func (f *fakeStore) TerminateForUser(_ context.Context, userID, reason string) (int64, error) {
	if f.terminateErr != nil {
		return 0, f.terminateErr
	}
	var count int64
	for _, s := range f.sessions {
		if s.UserID == userID && s.Active {
			f.terminate(s, reason)
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) Terminate(_ context.Context, userID, sessionID, reason string) (int64, error) {
	if f.terminateErr != nil {
		return 0, f.terminateErr
	}
	for _, s := range f.sessions {
		if s.UserID == userID && s.ID == sessionID && s.Active {
			f.terminate(s, reason)
			return 1, nil
		}
	}
	return 0, nil
}

func (f *fakeStore) TerminateAll(_ context.Context, reason string) (int64, error) {
	if f.terminateAllErr != nil {
		return 0, f.terminateAllErr
	}
	var count int64
	for _, s := range f.sessions {
		if s.Active {
			f.terminate(s, reason)
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) terminate(s *Session, reason string) {
	s.Active = false
	s.TerminatedReason = reason
	t := f.now().UTC()
	s.TerminatedAt = &t
}

func (f *fakeStore) Lookup(_ context.Context, sessionID, tokenHash string) (*Session, error) {
	for _, s := range f.sessions {
		if s.ID == sessionID && s.TokenHash == tokenHash {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) Append(_ context.Context, a *Attempt) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.attempts = append(f.attempts, a)
	return nil
}

// captureRecorder keeps every recorded attempt in memory.
type captureRecorder struct {
	attempts []Attempt
}

func (c *captureRecorder) Record(_ context.Context, attempt Attempt) {
	c.attempts = append(c.attempts, attempt)
}

func (c *captureRecorder) last(t *testing.T) Attempt {
	t.Helper()
	if len(c.attempts) == 0 {
		t.Fatal("expected at least one recorded attempt")
	}
	return c.attempts[len(c.attempts)-1]
}

func newTestService(t *testing.T, store *fakeStore, opts ...ServiceOption) (*Service, *captureRecorder) {
	t.Helper()
	rec := &captureRecorder{}
	svc, err := NewService(store, rec, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, rec
}

func seedUser(store *fakeStore, username, password string, active bool, roles ...string) *User {
	hash, _ := HashPassword(password)
	u := &User{
		ID:           "user-" + username,
		Username:     username,
		PasswordHash: hash,
		Active:       active,
		Roles:        roles,
	}
	store.users[username] = u
	return u
}

func TestVerifyFailureGatesShareOneShape(t *testing.T) {
	store := newFakeStore()
	seedUser(store, "alice", "pw1", true, "retail")
	seedUser(store, "carol", "pw3", false, "retail")
	svc, rec := newTestService(t, store)

	cases := []struct {
		name     string
		username string
		password string
		reason   string
		userID   string
	}{
		{"unknown user", "ghost", "whatever", ReasonUserNotFound, ""},
		{"inactive user", "carol", "pw3", ReasonUserInactive, "user-carol"},
		{"inactive user wrong password", "carol", "nope", ReasonUserInactive, "user-carol"},
		{"wrong password", "alice", "nope", ReasonInvalidPassword, "user-alice"},
	}
	for _, tc := range cases {
		res, err := svc.Verify(context.Background(), VerifyRequest{Username: tc.username, Password: tc.password})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if !reflect.DeepEqual(res, VerifyResult{}) {
			t.Fatalf("%s: failure shapes must be indistinguishable, got %+v", tc.name, res)
		}
		attempt := rec.last(t)
		if attempt.Success || attempt.FailureReason != tc.reason {
			t.Fatalf("%s: attempt = %+v, want reason %s", tc.name, attempt, tc.reason)
		}
		if attempt.UserID != tc.userID {
			t.Fatalf("%s: attempt user = %q, want %q", tc.name, attempt.UserID, tc.userID)
		}
	}
	if len(rec.attempts) != len(cases) {
		t.Fatalf("expected %d attempts, got %d", len(cases), len(rec.attempts))
	}
	if len(store.sessions) != 0 {
		t.Fatalf("no session may be allocated on failure, got %d", len(store.sessions))
	}
}

func TestVerifyAdmitsWithFreshSessionID(t *testing.T) {
	store := newFakeStore()
	user := seedUser(store, "alice", "pw1", true, "retail", "corporate")
	svc, rec := newTestService(t, store)

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		res, err := svc.Verify(context.Background(), VerifyRequest{
			Username:   "alice",
			Password:   "pw1",
			ForceLogin: i%2 == 1,
		})
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !res.OK || res.SessionID == "" {
			t.Fatalf("expected admission, got %+v", res)
		}
		if res.UserID != user.ID || !reflect.DeepEqual(res.Roles, user.Roles) {
			t.Fatalf("unexpected identity: %+v", res)
		}
		if seen[res.SessionID] {
			t.Fatalf("session id %s reused", res.SessionID)
		}
		seen[res.SessionID] = true
	}
	for _, attempt := range rec.attempts {
		if !attempt.Success {
			t.Fatalf("expected success attempts, got %+v", attempt)
		}
	}
}

func TestVerifyConflictLeavesSessionUntouched(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	user := seedUser(store, "alice", "pw1", true, "retail")
	store.sessions = append(store.sessions, &Session{
		ID:        "S1",
		UserID:    user.ID,
		TokenHash: HashToken("tok"),
		IP:        "192.0.2.7",
		UserAgent: "test-browser",
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(23 * time.Hour),
		Active:    true,
	})
	svc, rec := newTestService(t, store)

	res, err := svc.Verify(context.Background(), VerifyRequest{Username: "alice", Password: "pw1"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.OK || !res.SessionConflict {
		t.Fatalf("expected conflict, got %+v", res)
	}
	if res.Existing == nil || res.Existing.IP != "192.0.2.7" || res.Existing.UserAgent != "test-browser" {
		t.Fatalf("expected existing session metadata, got %+v", res.Existing)
	}
	if !store.sessions[0].Active {
		t.Fatal("conflict must not touch the existing session")
	}
	if attempt := rec.last(t); attempt.FailureReason != ReasonSessionConflict {
		t.Fatalf("attempt reason = %q", attempt.FailureReason)
	}
}

func TestVerifyForceLoginReplacesSession(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	user := seedUser(store, "alice", "pw1", true, "retail")
	store.sessions = append(store.sessions, &Session{
		ID:        "S1",
		UserID:    user.ID,
		TokenHash: HashToken("tok"),
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(23 * time.Hour),
		Active:    true,
	})
	svc, _ := newTestService(t, store)

	res, err := svc.Verify(context.Background(), VerifyRequest{Username: "alice", Password: "pw1", ForceLogin: true})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.OK || res.SessionID == "" || res.SessionID == "S1" {
		t.Fatalf("expected fresh admission, got %+v", res)
	}
	old := store.sessions[0]
	if old.Active || old.TerminatedReason != TerminationForcedLogin || old.TerminatedAt == nil {
		t.Fatalf("existing session not terminated correctly: %+v", old)
	}

	// Materialize the replacement and check the invariant holds.
	if err := svc.RegisterSession(context.Background(), RegisterSessionRequest{
		UserID:    user.ID,
		SessionID: res.SessionID,
		Token:     "tok2",
	}); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	var active int
	for _, s := range store.sessions {
		if s.UserID == user.ID && s.Active {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active session, got %d", active)
	}
}

func TestVerifyExpiredSessionDoesNotConflict(t *testing.T) {
	base := time.Now()
	clock := func() time.Time { return base }
	store := newFakeStore()
	store.now = clock
	user := seedUser(store, "alice", "pw1", true)
	store.sessions = append(store.sessions, &Session{
		ID:        "S1",
		UserID:    user.ID,
		CreatedAt: base.Add(-25 * time.Hour),
		ExpiresAt: base.Add(-time.Hour),
		Active:    true,
	})
	svc, _ := newTestService(t, store, WithClock(clock))

	res, err := svc.Verify(context.Background(), VerifyRequest{Username: "alice", Password: "pw1"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.OK {
		t.Fatalf("an expired session must not block login, got %+v", res)
	}
}

func TestVerifyStorageFaultIsAuditedAndSurfaced(t *testing.T) {
	store := newFakeStore()
	store.findUserErr = errors.New("connection refused")
	svc, rec := newTestService(t, store)

	_, err := svc.Verify(context.Background(), VerifyRequest{Username: "alice", Password: "pw1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempt := rec.last(t); attempt.FailureReason != ReasonSystemError {
		t.Fatalf("attempt reason = %q, want %s", attempt.FailureReason, ReasonSystemError)
	}

	store2 := newFakeStore()
	seedUser(store2, "alice", "pw1", true)
	store2.findActiveErr = errors.New("query timeout")
	svc2, rec2 := newTestService(t, store2)
	if _, err := svc2.Verify(context.Background(), VerifyRequest{Username: "alice", Password: "pw1"}); err == nil {
		t.Fatal("expected error from session lookup fault")
	}
	if attempt := rec2.last(t); attempt.FailureReason != ReasonSystemError {
		t.Fatalf("attempt reason = %q", attempt.FailureReason)
	}
}

func TestVerifyRecordsExactlyOneAttemptPerCall(t *testing.T) {
	store := newFakeStore()
	seedUser(store, "alice", "pw1", true)
	svc, rec := newTestService(t, store)

	calls := []VerifyRequest{
		{Username: "alice", Password: "pw1"},
		{Username: "alice", Password: "bad"},
		{Username: "ghost", Password: "x"},
		{Username: "alice", Password: "pw1", ForceLogin: true},
	}
	for i, req := range calls {
		_, _ = svc.Verify(context.Background(), req)
		if len(rec.attempts) != i+1 {
			t.Fatalf("after call %d: %d attempts recorded", i+1, len(rec.attempts))
		}
	}
}

func TestRegisterSessionValidatesInput(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(t, store)

	for _, req := range []RegisterSessionRequest{
		{},
		{UserID: "u", SessionID: "s"},
		{UserID: "u", Token: "t"},
		{SessionID: "s", Token: "t"},
	} {
		if err := svc.RegisterSession(context.Background(), req); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("RegisterSession(%+v) = %v, want ErrInvalidInput", req, err)
		}
	}
}

func TestRegisterSessionStoresDigestNotToken(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(t, store)

	if err := svc.RegisterSession(context.Background(), RegisterSessionRequest{
		UserID:    "user-alice",
		SessionID: "S1",
		Token:     "raw-bearer-token",
	}); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	sess := store.sessions[0]
	if sess.TokenHash == "raw-bearer-token" || sess.TokenHash != HashToken("raw-bearer-token") {
		t.Fatalf("stored hash %q is wrong", sess.TokenHash)
	}
	if got := sess.ExpiresAt.Sub(sess.CreatedAt); got != SessionTTL {
		t.Fatalf("session TTL = %v, want %v", got, SessionTTL)
	}
}

func TestValidateSessionPrecedence(t *testing.T) {
	base := time.Now()
	clock := func() time.Time { return base }
	store := newFakeStore()
	store.now = clock
	svc, _ := newTestService(t, store, WithClock(clock))

	terminatedAt := base.Add(-2 * time.Hour)
	store.sessions = []*Session{
		{ID: "live", UserID: "u1", TokenHash: HashToken("t1"), CreatedAt: base.Add(-time.Hour), ExpiresAt: base.Add(time.Hour), Active: true},
		{ID: "dead", UserID: "u2", TokenHash: HashToken("t2"), CreatedAt: base.Add(-time.Hour), ExpiresAt: base.Add(time.Hour), Active: false, TerminatedAt: &terminatedAt},
		{ID: "stale", UserID: "u3", TokenHash: HashToken("t3"), CreatedAt: base.Add(-25 * time.Hour), ExpiresAt: base.Add(-time.Hour), Active: true},
		// Terminated AND expired: termination must win.
		{ID: "both", UserID: "u4", TokenHash: HashToken("t4"), CreatedAt: base.Add(-25 * time.Hour), ExpiresAt: base.Add(-time.Hour), Active: false},
	}

	cases := []struct {
		name      string
		sessionID string
		token     string
		valid     bool
		reason    string
		userID    string
	}{
		{"valid", "live", "t1", true, "", "u1"},
		{"wrong token", "live", "nope", false, ValidationSessionNotFound, ""},
		{"missing id", "nope", "t1", false, ValidationSessionNotFound, ""},
		{"terminated", "dead", "t2", false, ValidationSessionTerminated, ""},
		{"expired without write", "stale", "t3", false, ValidationSessionExpired, ""},
		{"terminated beats expired", "both", "t4", false, ValidationSessionTerminated, ""},
	}
	for _, tc := range cases {
		got, err := svc.ValidateSession(context.Background(), tc.sessionID, tc.token)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		want := Validation{Valid: tc.valid, Reason: tc.reason, UserID: tc.userID}
		if got != want {
			t.Fatalf("%s: got %+v, want %+v", tc.name, got, want)
		}
	}
}

func TestLogoutScopes(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	mkSession := func(id string) *Session {
		return &Session{ID: id, UserID: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour), Active: true}
	}
	svc, _ := newTestService(t, store)

	if _, err := svc.Logout(context.Background(), LogoutRequest{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	store.sessions = []*Session{mkSession("S1"), mkSession("S2")}
	count, err := svc.Logout(context.Background(), LogoutRequest{UserID: "u1", SessionID: "S1"})
	if err != nil || count != 1 {
		t.Fatalf("single logout: count=%d err=%v", count, err)
	}
	if store.sessions[0].Active || !store.sessions[1].Active {
		t.Fatal("single logout touched the wrong session")
	}
	if store.sessions[0].TerminatedReason != TerminationUserLogout {
		t.Fatalf("reason = %q", store.sessions[0].TerminatedReason)
	}

	store.sessions = []*Session{mkSession("S3"), mkSession("S4"), mkSession("S5")}
	count, err = svc.Logout(context.Background(), LogoutRequest{UserID: "u1", TerminateAll: true})
	if err != nil || count != 3 {
		t.Fatalf("terminate all: count=%d err=%v", count, err)
	}
	if _, err := store.FindActive(context.Background(), "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no active session after logout, got %v", err)
	}

	// Omitted session id behaves like terminate-all.
	store.sessions = []*Session{mkSession("S6"), mkSession("S7")}
	count, err = svc.Logout(context.Background(), LogoutRequest{UserID: "u1"})
	if err != nil || count != 2 {
		t.Fatalf("logout without session id: count=%d err=%v", count, err)
	}
}

func TestStartupSweepRunsOnceAndRetriesAfterFailure(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.sessions = []*Session{
		{ID: "S1", UserID: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour), Active: true},
		{ID: "S2", UserID: "u2", CreatedAt: now, ExpiresAt: now.Add(time.Hour), Active: true},
	}
	svc, _ := newTestService(t, store)

	store.terminateAllErr = errors.New("db down")
	if _, err := svc.EnsureStartupSweep(context.Background()); err == nil {
		t.Fatal("expected sweep failure")
	}

	// The failed run must not latch the done flag.
	store.terminateAllErr = nil
	count, err := svc.EnsureStartupSweep(context.Background())
	if err != nil || count != 2 {
		t.Fatalf("sweep: count=%d err=%v", count, err)
	}
	for _, s := range store.sessions {
		if s.Active || s.TerminatedReason != TerminationServiceRestart {
			t.Fatalf("session %s not swept: %+v", s.ID, s)
		}
	}

	count, err = svc.EnsureStartupSweep(context.Background())
	if err != nil || count != 0 {
		t.Fatalf("second sweep must be a no-op, count=%d err=%v", count, err)
	}
}
