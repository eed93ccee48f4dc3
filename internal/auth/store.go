package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the identity subsystem.
// Every read hides soft-deleted rows.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Access(ctx context.Context) AccessStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	ActivationTokens(ctx context.Context) ActivationTokenStore

	// WithTx runs fn against a Store bound to a single transaction.
	// The transaction commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// UserStore manages users.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UsernameOrEmailTaken(ctx context.Context, username, email string) (bool, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	MarkActivated(ctx context.Context, userID string, at time.Time) error
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
	// RoleNames lists the names of visible roles held through visible assignments.
	RoleNames(ctx context.Context, userID string) ([]string, error)
}

// RoleStore manages roles and user-role assignments.
type RoleStore interface {
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	// MissingIDs returns the ids in ids that do not name a non-deleted role.
	MissingIDs(ctx context.Context, ids []string) ([]string, error)
	Assignment(ctx context.Context, userID, roleID string) (*UserRole, error)
	Assign(ctx context.Context, ur *UserRole) error
	SetAssignmentActive(ctx context.Context, id string, active bool) error
}

// GrantKind names a role-to-resource join.
type GrantKind string

const (
	GrantModule GrantKind = "module"
	GrantRoute  GrantKind = "route"
)

// Grant is the common shape of RoleModule and RoleRoute rows.
type Grant struct {
	ID       string
	RoleID   string
	TargetID string
	IsActive bool
}

// AccessStore answers the role -> module -> route graph queries.
type AccessStore interface {
	RoleIDsForUser(ctx context.Context, userID string) ([]string, error)
	ModuleIDsForRoles(ctx context.Context, roleIDs []string) ([]string, error)
	RouteIDsForRoles(ctx context.Context, roleIDs []string) ([]string, error)
	// Modules and Routes return visible rows ordered by their display order.
	Modules(ctx context.Context, ids []string) ([]Module, error)
	Routes(ctx context.Context, ids []string) ([]Route, error)

	FindModule(ctx context.Context, id string) (*Module, error)
	FindRoute(ctx context.Context, id string) (*Route, error)
	FindGrant(ctx context.Context, kind GrantKind, roleID, targetID string) (*Grant, error)
	CreateGrant(ctx context.Context, kind GrantKind, g *Grant) error
	SetGrantActive(ctx context.Context, kind GrantKind, id string, active bool) error
	DeleteGrant(ctx context.Context, kind GrantKind, id string) error
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	FindByToken(ctx context.Context, token string) (*RefreshToken, error)
	// Lock loads the token and holds a row lock until the surrounding transaction ends.
	Lock(ctx context.Context, token string) (*RefreshToken, error)
	Revoke(ctx context.Context, tok *RefreshToken) error
	RevokeAllForUser(ctx context.Context, userID string, at time.Time, ip, reason string) (int64, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ActivationTokenStore manages activation tokens.
type ActivationTokenStore interface {
	Create(ctx context.Context, tok *ActivationToken) error
	FindByToken(ctx context.Context, token string) (*ActivationToken, error)
	// Outstanding lists unused, unexpired tokens of the user, newest first.
	Outstanding(ctx context.Context, userID string, now time.Time) ([]ActivationToken, error)
	MarkUsed(ctx context.Context, id string, at time.Time) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
