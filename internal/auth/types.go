package auth

import "time"

// User statuses. Status is independent of the activation state.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// User is a person able to sign in, either with a local password or through the directory.
type User struct {
	ID              string
	Username        string
	Email           string
	PasswordHash    string
	FirstName       string
	LastName        string
	Status          string
	IsDirectoryUser bool
	EmailConfirmed  bool
	IsActive        bool
	IsDeleted       bool
	LastLoginAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Usable reports whether the account may authenticate at all.
func (u *User) Usable() bool {
	return u != nil && !u.IsDeleted && u.Status == StatusActive && u.IsActive && u.EmailConfirmed
}

// Role groups permissions, modules and routes.
type Role struct {
	ID          string
	Name        string
	Description string
	IsActive    bool
	IsDeleted   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission is a fine-grained capability.
type Permission struct {
	ID          string
	Name        string
	Description string
	IsDeleted   bool
	CreatedAt   time.Time
}

// Module is a top-level navigation entry.
type Module struct {
	ID        string
	Name      string
	Icon      string
	Path      string
	Order     int
	IsActive  bool
	IsDeleted bool
}

// Route is a navigable page owned by exactly one module.
type Route struct {
	ID        string
	ModuleID  string
	Name      string
	Path      string
	Icon      string
	Order     int
	IsActive  bool
	IsDeleted bool
}

// UserRole assigns a role to a user.
type UserRole struct {
	ID        string
	UserID    string
	RoleID    string
	IsActive  bool
	IsDeleted bool
	CreatedAt time.Time
}

// RoleModule grants a module to a role.
type RoleModule struct {
	ID        string
	RoleID    string
	ModuleID  string
	IsActive  bool
	IsDeleted bool
}

// RoleRoute grants a route to a role.
type RoleRoute struct {
	ID        string
	RoleID    string
	RouteID   string
	IsActive  bool
	IsDeleted bool
}

// Refresh token revocation reasons.
const (
	ReasonRotated       = "rotated"
	ReasonRevokedByUser = "revoked by user"
	ReasonReuseDetected = "reuse detected"
	ReasonPasswordReset = "password changed"
	ReasonSignedOutAll  = "signed out everywhere"
)

// RefreshToken is a persisted, opaque refresh credential.
type RefreshToken struct {
	ID              string
	UserID          string
	Token           string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	CreatedByIP     string
	RevokedAt       *time.Time
	RevokedByIP     string
	ReplacedByToken string
	ReasonRevoked   string
}

// IsExpired reports whether now is at or past the expiry.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsRevoked reports whether a revocation time was recorded.
func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsActive is true while the token is neither revoked nor expired.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.IsRevoked() && !t.IsExpired(now)
}

// ActivationToken proves control of the email address used at registration.
type ActivationToken struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
	IsUsed    bool
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Valid reports whether the token can still activate an account.
func (t *ActivationToken) Valid(now time.Time) bool {
	return !t.IsUsed && now.Before(t.ExpiresAt)
}

// Identity is the outcome of a successful authentication.
type Identity struct {
	UserID          string   `json:"id"`
	Username        string   `json:"username"`
	Email           string   `json:"email"`
	FirstName       string   `json:"first_name"`
	LastName        string   `json:"last_name"`
	Roles           []string `json:"roles"`
	IsDirectoryUser bool     `json:"is_directory_user"`
}

// HasRole reports whether the identity carries the role (case-insensitive).
func (i Identity) HasRole(role string) bool {
	role = normalizeRole(role)
	for _, r := range i.Roles {
		if normalizeRole(r) == role {
			return true
		}
	}
	return false
}

// MenuEntry is a granted module together with its granted routes.
type MenuEntry struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Icon     string     `json:"icon"`
	Path     string     `json:"path"`
	Order    int        `json:"order"`
	IsActive bool       `json:"is_active"`
	Children []MenuItem `json:"children"`
}

// MenuItem is a granted route under a module.
type MenuItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Icon     string `json:"icon"`
	Path     string `json:"path"`
	Order    int    `json:"order"`
	IsActive bool   `json:"is_active"`
}
