// Package httpapi exposes the credential-verification and session-lifecycle
// operations over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"vubank.org/internal/auth"
	"vubank.org/internal/obs"
)

// API is the HTTP layer over the auth service.
type API struct {
	mux     *http.ServeMux
	svc     *auth.Service
	version string

	loginBurst     int
	loginPerSecond int
}

// Option configures the API.
type Option func(*API)

// WithLoginRateLimit tunes the per-IP token bucket on the verify endpoint.
func WithLoginRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.loginBurst = burst
			a.loginPerSecond = perSecond
		}
	}
}

// New wires routes for the verification, session and health surfaces.
func New(svc *auth.Service, version string, opts ...Option) *API {
	a := &API{
		mux:            http.NewServeMux(),
		svc:            svc,
		version:        version,
		loginBurst:     10,
		loginPerSecond: 5,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.Handle("/verify", RateLimit(http.HandlerFunc(a.handleVerify), a.loginBurst, a.loginPerSecond))
	a.mux.HandleFunc("/create-session", a.handleCreateSession)
	a.mux.HandleFunc("/validate-session", a.handleValidateSession)
	a.mux.HandleFunc("/logout", a.handleLogout)

	a.mux.HandleFunc("/health", a.handleHealth)
	a.mux.HandleFunc("/healthz", a.handleHealthz)
	a.mux.HandleFunc("/readyz", a.handleReady)
	a.mux.HandleFunc("/v1/info", a.handleInfo)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = LoggingJSON(h)
	h = RequestID(h)
	h = CORS(h)
	h = SecurityHeaders(h)
	return obs.Instrument(h)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "vubank-auth",
		"version": a.version,
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Health(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "vubank-auth",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
