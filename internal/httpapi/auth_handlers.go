package httpapi

import (
	"net/http"
	"time"

	"gestion.org/internal/audit"
	"gestion.org/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken      string        `json:"access_token"`
	RefreshToken     string        `json:"refresh_token"`
	TokenType        string        `json:"token_type"`
	AccessExpiresAt  time.Time     `json:"access_expires_at"`
	RefreshExpiresAt time.Time     `json:"refresh_expires_at"`
	User             auth.Identity `json:"user"`
}

func newTokenResponse(pair auth.TokenPair, id auth.Identity) tokenResponse {
	if id.Roles == nil {
		id.Roles = []string{}
	}
	return tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "Bearer",
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		User:             id,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ip := clientIP(r)
	id, err := a.svc.Gateway.Authenticate(r.Context(), req.Username, req.Password, ip)
	if err != nil {
		a.audit(r.Context(), audit.EventLoginFailed, map[string]any{
			"username": req.Username,
			"ip":       ip,
		})
		handleAuthError(w, r, err)
		return
	}
	pair, err := a.svc.Tokens.IssueTokenPair(r.Context(), id, ip)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	ctx := auth.ContextWithIdentity(r.Context(), id)
	a.audit(ctx, audit.EventLoginSucceeded, map[string]any{
		"ip":             ip,
		"directory_user": id.IsDirectoryUser,
	})
	writeJSON(w, http.StatusOK, newTokenResponse(pair, id))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ip := clientIP(r)
	pair, id, err := a.svc.Tokens.Refresh(r.Context(), req.RefreshToken, ip)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(auth.ContextWithIdentity(r.Context(), id), audit.EventTokenRefreshed, map[string]any{
		"ip": ip,
	})
	writeJSON(w, http.StatusOK, newTokenResponse(pair, id))
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ip := clientIP(r)
	if err := a.svc.Tokens.Revoke(r.Context(), req.RefreshToken, ip); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventTokenRevoked, map[string]any{
		"ip": ip,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleRevokeAll signs the caller out of every session.
func (a *API) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	ip := clientIP(r)
	n, err := a.svc.Tokens.RevokeAll(r.Context(), userID, ip, auth.ReasonSignedOutAll)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventTokensRevokedAll, map[string]any{
		"ip":      ip,
		"revoked": n,
	})
	writeJSON(w, http.StatusOK, map[string]int64{"revoked": n})
}
