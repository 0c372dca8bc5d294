package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"vubank.org/internal/auth"
	"vubank.org/internal/obs"
)

type verifyRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	ForceLogin bool   `json:"force_login,omitempty"`
}

type existingSessionPayload struct {
	CreatedAt string `json:"created_at"`
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}

type verifyResponse struct {
	OK              bool                    `json:"ok"`
	UserID          string                  `json:"userId,omitempty"`
	Roles           []string                `json:"roles"`
	SessionConflict bool                    `json:"session_conflict,omitempty"`
	ExistingSession *existingSessionPayload `json:"existing_session,omitempty"`
	SessionID       string                  `json:"session_id,omitempty"`
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		writeError(w, r, http.StatusBadRequest, "username is required")
		return
	}

	result, err := a.svc.Verify(r.Context(), auth.VerifyRequest{
		Username:   req.Username,
		Password:   req.Password,
		ForceLogin: req.ForceLogin,
		Client:     clientInfo(r),
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal authentication error")
		return
	}

	resp := verifyResponse{
		OK:              result.OK,
		UserID:          result.UserID,
		Roles:           result.Roles,
		SessionConflict: result.SessionConflict,
		SessionID:       result.SessionID,
	}
	if resp.Roles == nil {
		resp.Roles = []string{}
	}
	if result.Existing != nil {
		resp.ExistingSession = &existingSessionPayload{
			CreatedAt: result.Existing.CreatedAt.UTC().Format(time.RFC3339),
			IPAddress: orUnknown(result.Existing.IP),
			UserAgent: orUnknown(result.Existing.UserAgent),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type createSessionRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	JWTToken  string `json:"jwt_token"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	err := a.svc.RegisterSession(r.Context(), auth.RegisterSessionRequest{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Token:     req.JWTToken,
		IP:        req.IPAddress,
		UserAgent: req.UserAgent,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Session created successfully",
		})
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "user_id, session_id and jwt_token are required")
	case errors.Is(err, auth.ErrSessionExists):
		writeError(w, r, http.StatusConflict, "an active session already exists for this user")
	default:
		writeError(w, r, http.StatusInternalServerError, "failed to create session")
	}
}

type validateSessionRequest struct {
	SessionID string `json:"session_id"`
	JWTToken  string `json:"jwt_token"`
}

type validateSessionResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

func (a *API) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req validateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionID == "" || req.JWTToken == "" {
		writeError(w, r, http.StatusBadRequest, "session_id and jwt_token are required")
		return
	}

	validation, err := a.svc.ValidateSession(r.Context(), req.SessionID, req.JWTToken)
	if err != nil {
		writeJSON(w, http.StatusOK, validateSessionResponse{
			Valid:  false,
			Reason: "validation_error",
		})
		return
	}
	writeJSON(w, http.StatusOK, validateSessionResponse{
		Valid:  validation.Valid,
		Reason: validation.Reason,
		UserID: validation.UserID,
	})
}

type logoutRequest struct {
	UserID       string `json:"user_id"`
	SessionID    string `json:"session_id,omitempty"`
	TerminateAll bool   `json:"terminate_all,omitempty"`
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	count, err := a.svc.Logout(r.Context(), auth.LogoutRequest{
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		TerminateAll: req.TerminateAll,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"success":             true,
			"sessions_terminated": count,
		})
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "user_id is required")
	default:
		writeError(w, r, http.StatusInternalServerError, "failed to terminate sessions")
	}
}

// handleHealth probes store connectivity. The first successful invocation
// also runs the startup sweep, clearing active rows left by a prior
// process instance.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if count, err := a.svc.EnsureStartupSweep(r.Context()); err != nil {
		obs.LogRequest(map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "startup_sweep_failed",
			"error": err.Error(),
		})
	} else if count > 0 {
		obs.LogRequest(map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": "info",
			"msg":   "startup_sweep_complete",
			"count": count,
		})
	}

	if err := a.svc.Health(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "unhealthy",
			"database": "disconnected",
			"error":    err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"database": "connected",
	})
}

func clientInfo(r *http.Request) auth.ClientInfo {
	return auth.ClientInfo{
		IP:        clientIP(r),
		UserAgent: r.Header.Get("User-Agent"),
		RequestID: RequestIDFromContext(r.Context()),
	}
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
