// Package audit records login attempts. Recording is best-effort by
// contract: a failure to persist an attempt is logged and discarded, never
// surfaced to the authentication path.
package audit

import (
	"context"
	"time"

	"vubank.org/internal/auth"
	"vubank.org/internal/ids"
	"vubank.org/internal/obs"
)

var _ auth.AttemptRecorder = (*Recorder)(nil)

// Recorder appends attempt records to the store and mirrors each attempt as
// a structured audit log line, so attempts stay observable even when the
// attempt table is unavailable.
type Recorder struct {
	store auth.Store
	now   func() time.Time
}

// NewRecorder constructs a Recorder over the given store.
func NewRecorder(store auth.Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Record persists one login attempt. It never returns an error and never
// panics across the storage boundary; the verification outcome must not
// depend on audit durability.
func (r *Recorder) Record(ctx context.Context, attempt auth.Attempt) {
	if attempt.ID == "" {
		attempt.ID = ids.New()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = r.now().UTC()
	}
	attempt.IP = normalize(attempt.IP)
	attempt.UserAgent = normalize(attempt.UserAgent)
	attempt.RequestID = normalize(attempt.RequestID)

	outcome := "success"
	if !attempt.Success {
		outcome = attempt.FailureReason
	}
	obs.ObserveAuthAttempt(outcome)
	logAttempt(attempt, outcome)

	if err := r.store.Attempts(ctx).Append(ctx, &attempt); err != nil {
		obs.LogRequest(map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "attempt_record_failed",
			"error": err.Error(),
		})
	}
}

func logAttempt(attempt auth.Attempt, outcome string) {
	entry := map[string]any{
		"ts":       attempt.CreatedAt.Format(time.RFC3339Nano),
		"type":     "audit",
		"event":    "auth.attempt",
		"username": attempt.Username,
		"success":  attempt.Success,
		"outcome":  outcome,
	}
	if attempt.UserID != "" {
		entry["user_id"] = attempt.UserID
	}
	if attempt.RequestID != "" {
		entry["request_id"] = attempt.RequestID
	}
	if attempt.IP != "" {
		entry["ip"] = attempt.IP
	}
	obs.LogRequest(entry)
}

// normalize drops placeholder values the transport layer substitutes for
// missing client metadata, so typed columns receive NULL instead.
func normalize(v string) string {
	if v == "unknown" {
		return ""
	}
	return v
}
