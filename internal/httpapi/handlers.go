package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"gestion.org/internal/audit"
	"gestion.org/internal/auth"
	"gestion.org/internal/obs"
)

const serviceName = "gestion-api"

// readinessChecker reports whether dependencies (the database) are reachable.
type readinessChecker interface {
	Check(ctx context.Context) error
}

// Services are the domain operations exposed over HTTP.
type Services struct {
	Tokens     *auth.TokenService
	Gateway    *auth.Gateway
	Access     *auth.AccessResolver
	Activation *auth.Activation
	Users      *auth.UserService
}

// Options tune the HTTP layer.
type Options struct {
	Version        string
	AdminRole      string
	RateBurst      int
	RatePerSec     int
	AllowedOrigins []string
}

// API is the HTTP boundary of the identity service.
type API struct {
	mux        *http.ServeMux
	ready      readinessChecker
	svc        Services
	version    string
	adminRole  string
	rateBurst  int
	ratePerSec int
	origins    []string
}

// New registers every route. A nil ready checker always reports ready.
func New(ready readinessChecker, svc Services, opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		ready:      ready,
		svc:        svc,
		version:    opts.Version,
		adminRole:  opts.AdminRole,
		rateBurst:  opts.RateBurst,
		ratePerSec: opts.RatePerSec,
		origins:    opts.AllowedOrigins,
	}
	if a.adminRole == "" {
		a.adminRole = "Admin"
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}

	// ops
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	// tokens
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh-token", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/revoke-token", a.handleRevoke)
	a.mux.HandleFunc("/v1/auth/revoke-all", a.handleRevokeAll)

	// account lifecycle
	a.mux.HandleFunc("/v1/account/register", a.handleRegister)
	a.mux.HandleFunc("/v1/account/activate", a.handleActivate)
	a.mux.HandleFunc("/v1/account/activate-with-code", a.handleActivateWithCode)
	a.mux.HandleFunc("/v1/account/resend-activation", a.handleResendActivation)
	a.mux.HandleFunc("/v1/account/change-password", a.handleChangePassword)

	// navigation and administration
	a.mux.HandleFunc("/v1/menu", a.handleMenu)
	a.mux.HandleFunc("/v1/routes", a.handleRoutes)
	a.mux.HandleFunc("/v1/menu/", a.handleMenuFor)
	a.mux.HandleFunc("/v1/users", a.handleUsers)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(a.origins)(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready.Check(r.Context()); err != nil {
			obs.SetReady(false)
			obs.Logger().WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Warn("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	audit.Record(ctx, event, fields)
}

// RequestIDFromContext returns the id assigned by the RequestID middleware.
func RequestIDFromContext(ctx context.Context) string {
	return audit.RequestIDFromContext(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// pathParts splits what follows prefix into non-empty segments.
func pathParts(path, prefix string) []string {
	path = strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// handleAuthError maps domain errors onto status codes. Unexpected errors are
// logged and answered with a generic message.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, auth.ErrTokenNotFound):
		writeError(w, r, http.StatusUnauthorized, "refresh token not found")
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, r, http.StatusUnauthorized, "refresh token expired")
	case errors.Is(err, auth.ErrTokenRevoked):
		writeError(w, r, http.StatusUnauthorized, "refresh token revoked")
	case errors.Is(err, auth.ErrDirectoryUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "directory unavailable")
	case errors.Is(err, auth.ErrTooManyAttempts):
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusTooManyRequests, "too many attempts")
	case errors.Is(err, auth.ErrDuplicateUsernameOrEmail),
		errors.Is(err, auth.ErrAlreadyActivated),
		errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, auth.ErrUnassignedRoleReference),
		errors.Is(err, auth.ErrInvalidOrExpiredActivation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, auth.ErrRoleNotFound),
		errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		obs.Logger().WithError(err).WithFields(logrus.Fields{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
