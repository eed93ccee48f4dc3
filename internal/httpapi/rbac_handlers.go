package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"gestion.org/internal/audit"
	"gestion.org/internal/auth"
)

type createUserRequest struct {
	Username        string   `json:"username"`
	Email           string   `json:"email"`
	Password        string   `json:"password"`
	FirstName       string   `json:"first_name"`
	LastName        string   `json:"last_name"`
	RoleIDs         []string `json:"role_ids"`
	IsDirectoryUser bool     `json:"is_directory_user"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

type grantRequest struct {
	ModuleID string `json:"module_id"`
	RouteID  string `json:"route_id"`
}

func (a *API) handleMenu(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	menu, err := a.svc.Access.MenuForUser(r.Context(), userID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, menu)
}

// handleRoutes lists the route paths the caller may open.
func (a *API) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	paths, err := a.svc.Access.RoutesForUser(r.Context(), userID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": paths})
}

// handleMenuFor serves /v1/menu/users/{id} and /v1/menu/roles/{id}.
func (a *API) handleMenuFor(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/menu/")
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}
	var (
		menu []auth.MenuEntry
		err  error
	)
	switch parts[0] {
	case "users":
		menu, err = a.svc.Access.MenuForUser(r.Context(), parts[1])
	case "roles":
		menu, err = a.svc.Access.MenuForRole(r.Context(), parts[1])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, menu)
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.Users.CreateUser(r.Context(), auth.CreateUserInput{
		Username:        req.Username,
		Email:           req.Email,
		Password:        req.Password,
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		RoleIDs:         req.RoleIDs,
		IsDirectoryUser: req.IsDirectoryUser,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventUserCreated, map[string]any{
		"created_user_id": user.ID,
		"roles":           len(req.RoleIDs),
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, newUserResponse(user))
}

// handleUserResource serves /v1/users/{id}/roles and /v1/users/{id}/activation-token.
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/users/")
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID := parts[0]
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}
	switch parts[1] {
	case "roles":
		var req assignRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.svc.Users.AssignRoleToUser(r.Context(), userID, req.RoleID); err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.audit(r.Context(), audit.EventRoleAssigned, map[string]any{
			"target_user_id": userID,
			"role_id":        strings.TrimSpace(req.RoleID),
		})
		w.WriteHeader(http.StatusNoContent)
	case "activation-token":
		tok, err := a.svc.Activation.IssueActivationToken(r.Context(), userID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.audit(r.Context(), audit.EventActivationReissued, map[string]any{"target_user_id": userID})
		writeJSON(w, http.StatusCreated, map[string]any{
			"user_id":    userID,
			"expires_at": tok.ExpiresAt,
		})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// handleRoleResource serves POST /v1/roles/{id}/{modules|routes} and
// DELETE /v1/roles/{id}/{modules|routes}/{targetId}.
func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/roles/")
	if len(parts) < 2 || len(parts) > 3 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	var kind auth.GrantKind
	switch parts[1] {
	case "modules":
		kind = auth.GrantModule
	case "routes":
		kind = auth.GrantRoute
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	roleID := parts[0]

	switch {
	case len(parts) == 2 && r.Method == http.MethodPost:
		if !a.requireAdmin(w, r) {
			return
		}
		var req grantRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		targetID := req.ModuleID
		if kind == auth.GrantRoute {
			targetID = req.RouteID
		}
		var err error
		if kind == auth.GrantModule {
			err = a.svc.Users.AssignModuleToRole(r.Context(), roleID, targetID)
		} else {
			err = a.svc.Users.AssignRouteToRole(r.Context(), roleID, targetID)
		}
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.auditGrant(r, "granted", kind, roleID, targetID)
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 3 && r.Method == http.MethodDelete:
		if !a.requireAdmin(w, r) {
			return
		}
		targetID := parts[2]
		var err error
		if kind == auth.GrantModule {
			err = a.svc.Users.RemoveModuleFromRole(r.Context(), roleID, targetID)
		} else {
			err = a.svc.Users.RemoveRouteFromRole(r.Context(), roleID, targetID)
		}
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		a.auditGrant(r, "removed", kind, roleID, targetID)
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2:
		methodNotAllowed(w, r, http.MethodPost)
	default:
		methodNotAllowed(w, r, http.MethodDelete)
	}
}

func (a *API) auditGrant(r *http.Request, action string, kind auth.GrantKind, roleID, targetID string) {
	a.audit(r.Context(), audit.EventGrantChanged, map[string]any{
		"action":    action,
		"kind":      string(kind),
		"role_id":   roleID,
		"target_id": targetID,
	})
}
