package httpapi

import (
	"net/http"
	"time"

	"gestion.org/internal/audit"
	"gestion.org/internal/auth"
)

type registerRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type activateRequest struct {
	Token string `json:"token"`
}

type activateWithCodeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type resendActivationRequest struct {
	Email string `json:"email"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

type userResponse struct {
	ID              string     `json:"id"`
	Username        string     `json:"username"`
	Email           string     `json:"email"`
	FirstName       string     `json:"first_name"`
	LastName        string     `json:"last_name"`
	Status          string     `json:"status"`
	IsDirectoryUser bool       `json:"is_directory_user"`
	EmailConfirmed  bool       `json:"email_confirmed"`
	IsActive        bool       `json:"is_active"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func newUserResponse(u *auth.User) userResponse {
	return userResponse{
		ID:              u.ID,
		Username:        u.Username,
		Email:           u.Email,
		FirstName:       u.FirstName,
		LastName:        u.LastName,
		Status:          u.Status,
		IsDirectoryUser: u.IsDirectoryUser,
		EmailConfirmed:  u.EmailConfirmed,
		IsActive:        u.IsActive,
		LastLoginAt:     u.LastLoginAt,
		CreatedAt:       u.CreatedAt,
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, tok, err := a.svc.Activation.Register(r.Context(), auth.RegisterInput{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventAccountRegistered, map[string]any{
		"registered_user_id": user.ID,
		"activation_expires": tok.ExpiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusCreated, newUserResponse(user))
}

func (a *API) handleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req activateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Activation.ActivateWithToken(r.Context(), req.Token); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventAccountActivated, map[string]any{"method": "token"})
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

func (a *API) handleActivateWithCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req activateWithCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Activation.ActivateWithCode(r.Context(), req.Email, req.Code); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventAccountActivated, map[string]any{
		"method": "code",
		"email":  req.Email,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

func (a *API) handleResendActivation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resendActivationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tok, err := a.svc.Activation.ResendActivation(r.Context(), req.Email)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventActivationReissued, map[string]any{"email": req.Email})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "sent",
		"expires_at": tok.ExpiresAt,
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Users.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword, req.ConfirmPassword, clientIP(r)); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventPasswordChanged, nil)
	w.WriteHeader(http.StatusNoContent)
}
