package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"vubank.org/internal/ids"
	"vubank.org/internal/obs"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPGStore wraps an existing database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, now: time.Now}
}

// Open connects to PostgreSQL and applies pool defaults.
func Open(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGStore{db: db, now: time.Now}, nil
}

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) DB() *sql.DB { return s.db }

func (s *PGStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PGStore) Users(context.Context) UserStore { return &userStore{db: s.db} }

func (s *PGStore) Sessions(context.Context) SessionStore {
	return &sessionStore{db: s.db, now: s.now}
}

func (s *PGStore) Attempts(context.Context) AttemptStore { return &attemptStore{db: s.db} }

// User store ---------------------------------------------------------------

type userStore struct{ db *sql.DB }

func (s *userStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		select u.id, u.username, u.email, u.password_hash, u.is_active, u.created_at, u.updated_at,
		       coalesce(string_agg(distinct r.name, ','), '')
		from users u
		left join user_roles ur on ur.user_id = u.id
		left join roles r on r.id = ur.role_id
		where u.username = $1
		group by u.id, u.username, u.email, u.password_hash, u.is_active, u.created_at, u.updated_at
	`, username)

	var (
		u     User
		roles string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Active, &u.CreatedAt, &u.UpdatedAt, &roles); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if roles != "" {
		u.Roles = strings.Split(roles, ",")
	}
	return &u, nil
}

// Session store ------------------------------------------------------------

type sessionStore struct {
	db  *sql.DB
	now func() time.Time
}

const sessionColumns = `session_id, user_id, token_hash, ip_address, user_agent,
	created_at, expires_at, is_active, terminated_reason, terminated_at`

func (s *sessionStore) FindActive(ctx context.Context, userID string) (*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+`
		from active_sessions
		where user_id = $1 and is_active and expires_at > now()
		order by created_at desc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrNotFound
	}
	if len(sessions) > 1 {
		// Invariant violation: more than one active session for the user.
		// Keep serving with the newest and leave a trace for operators.
		obs.LogRequest(map[string]any{
			"ts":      time.Now().UTC().Format(time.RFC3339Nano),
			"level":   "error",
			"msg":     "single_active_session_invariant_violated",
			"user_id": userID,
			"count":   len(sessions),
		})
	}
	return sessions[0], nil
}

func (s *sessionStore) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" || sess.UserID == "" {
		return ErrInvalidInput
	}
	now := s.now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = now.Add(SessionTTL)
	}
	sess.Active = true

	_, err := s.db.ExecContext(ctx, `
		insert into active_sessions
			(session_id, user_id, token_hash, ip_address, user_agent, created_at, expires_at, is_active)
		values ($1, $2, $3, $4, $5, $6, $7, true)
	`, sess.ID, sess.UserID, sess.TokenHash,
		nullIfUnset(sess.IP), nullIfUnset(sess.UserAgent),
		sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSessionExists
		}
		return err
	}
	return nil
}

func (s *sessionStore) TerminateForUser(ctx context.Context, userID, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update active_sessions
		set is_active = false, terminated_reason = $1, terminated_at = now()
		where user_id = $2 and is_active
	`, reason, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sessionStore) Terminate(ctx context.Context, userID, sessionID, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update active_sessions
		set is_active = false, terminated_reason = $1, terminated_at = now()
		where user_id = $2 and session_id = $3 and is_active
	`, reason, userID, sessionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sessionStore) TerminateAll(ctx context.Context, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update active_sessions
		set is_active = false, terminated_reason = $1, terminated_at = now()
		where is_active
	`, reason)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sessionStore) Lookup(ctx context.Context, sessionID, tokenHash string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+sessionColumns+`
		from active_sessions
		where session_id = $1 and token_hash = $2
	`, sessionID, tokenHash)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess         Session
		ip, ua       sql.NullString
		reason       sql.NullString
		terminatedAt sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &ip, &ua,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.Active, &reason, &terminatedAt); err != nil {
		return nil, err
	}
	sess.IP = ip.String
	sess.UserAgent = ua.String
	sess.TerminatedReason = reason.String
	if terminatedAt.Valid {
		t := terminatedAt.Time
		sess.TerminatedAt = &t
	}
	return &sess, nil
}

// Attempt store ------------------------------------------------------------

type attemptStore struct{ db *sql.DB }

func (s *attemptStore) Append(ctx context.Context, attempt *Attempt) error {
	if attempt.ID == "" {
		attempt.ID = ids.New()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into login_attempts
			(id, user_id, username, ip_address, user_agent, success, failure_reason, request_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, attempt.ID, nullIfUnset(attempt.UserID), attempt.Username,
		nullIfUnset(attempt.IP), nullIfUnset(attempt.UserAgent),
		attempt.Success, nullIfUnset(attempt.FailureReason),
		nullIfUnset(attempt.RequestID), attempt.CreatedAt)
	return err
}

// nullIfUnset maps placeholder values to SQL NULL so typed columns (inet in
// particular) never receive literal "unknown" text.
func nullIfUnset(v string) sql.NullString {
	if v == "" || v == "unknown" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
