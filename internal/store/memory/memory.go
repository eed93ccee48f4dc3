// Package memory implements auth.Store in process memory. It backs tests and
// the database-less development mode of cmd/api.
package memory

import (
	"context"
	"errors"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"gestion.org/internal/auth"
)

type data struct {
	users      map[string]auth.User
	roles      map[string]auth.Role
	modules    map[string]auth.Module
	routes     map[string]auth.Route
	userRoles  map[string]auth.UserRole
	grants     map[auth.GrantKind]map[string]grant
	refresh    map[string]auth.RefreshToken // by token
	activation map[string]auth.ActivationToken
}

type grant struct {
	auth.Grant
	deleted bool
}

func (d *data) clone() *data {
	c := &data{
		users:      maps.Clone(d.users),
		roles:      maps.Clone(d.roles),
		modules:    maps.Clone(d.modules),
		routes:     maps.Clone(d.routes),
		userRoles:  maps.Clone(d.userRoles),
		grants:     make(map[auth.GrantKind]map[string]grant, len(d.grants)),
		refresh:    maps.Clone(d.refresh),
		activation: maps.Clone(d.activation),
	}
	for k, v := range d.grants {
		c.grants[k] = maps.Clone(v)
	}
	return c
}

// Store keeps every aggregate in maps guarded by one mutex. A Store handed to
// a WithTx callback already holds the lock.
type Store struct {
	mu   *sync.Mutex
	d    **data
	inTx bool
}

var _ auth.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	d := &data{
		users:     map[string]auth.User{},
		roles:     map[string]auth.Role{},
		modules:   map[string]auth.Module{},
		routes:    map[string]auth.Route{},
		userRoles: map[string]auth.UserRole{},
		grants: map[auth.GrantKind]map[string]grant{
			auth.GrantModule: {},
			auth.GrantRoute:  {},
		},
		refresh:    map[string]auth.RefreshToken{},
		activation: map[string]auth.ActivationToken{},
	}
	return &Store{mu: &sync.Mutex{}, d: &d}
}

func (s *Store) do(fn func(d *data) error) error {
	if !s.inTx {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn(*s.d)
}

// Check always succeeds; it satisfies the readiness probe.
func (s *Store) Check(context.Context) error { return nil }

func (s *Store) Users(context.Context) auth.UserStore { return userStore{s} }

func (s *Store) Roles(context.Context) auth.RoleStore { return roleStore{s} }

func (s *Store) Access(context.Context) auth.AccessStore { return accessStore{s} }

func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore { return refreshStore{s} }

func (s *Store) ActivationTokens(context.Context) auth.ActivationTokenStore {
	return activationStore{s}
}

// WithTx serializes fn against every other caller and restores the previous
// state when fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx auth.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := (*s.d).clone()
	if err := fn(ctx, &Store{mu: s.mu, d: s.d, inTx: true}); err != nil {
		*s.d = snapshot
		return err
	}
	return nil
}

// PutUser stores u as is, replacing a user with the same id.
func (s *Store) PutUser(u auth.User) {
	_ = s.do(func(d *data) error { d.users[u.ID] = u; return nil })
}

func (s *Store) PutRole(r auth.Role) {
	_ = s.do(func(d *data) error { d.roles[r.ID] = r; return nil })
}

func (s *Store) PutModule(m auth.Module) {
	_ = s.do(func(d *data) error { d.modules[m.ID] = m; return nil })
}

func (s *Store) PutRoute(r auth.Route) {
	_ = s.do(func(d *data) error { d.routes[r.ID] = r; return nil })
}

func (s *Store) PutUserRole(ur auth.UserRole) {
	_ = s.do(func(d *data) error { d.userRoles[ur.ID] = ur; return nil })
}

// PutGrant stores a role-module or role-route grant; deleted marks it soft-deleted.
func (s *Store) PutGrant(kind auth.GrantKind, g auth.Grant, deleted bool) {
	_ = s.do(func(d *data) error { d.grants[kind][g.ID] = grant{Grant: g, deleted: deleted}; return nil })
}

// RefreshTokensOf lists every refresh token of the user, oldest first.
func (s *Store) RefreshTokensOf(userID string) []auth.RefreshToken {
	var out []auth.RefreshToken
	_ = s.do(func(d *data) error {
		for _, t := range d.refresh {
			if t.UserID == userID {
				out = append(out, t)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Seed installs the default roles and navigation of a fresh deployment.
func (s *Store) Seed(now time.Time) {
	const (
		adminRole  = "00000000-0000-0000-0000-000000000001"
		userRole   = "00000000-0000-0000-0000-000000000002"
		adminMod   = "00000000-0000-0000-0000-000000000101"
		reportsMod = "00000000-0000-0000-0000-000000000102"
	)
	s.PutRole(auth.Role{ID: adminRole, Name: "Admin", Description: "Full administrative access", IsActive: true, CreatedAt: now, UpdatedAt: now})
	s.PutRole(auth.Role{ID: userRole, Name: "User", Description: "Default role for self-registered and directory users", IsActive: true, CreatedAt: now, UpdatedAt: now})
	s.PutModule(auth.Module{ID: adminMod, Name: "Administration", Icon: "settings", Path: "/admin", Order: 1, IsActive: true})
	s.PutModule(auth.Module{ID: reportsMod, Name: "Reports", Icon: "chart", Path: "/reports", Order: 2, IsActive: true})
	routes := []auth.Route{
		{ID: "00000000-0000-0000-0000-000000000201", ModuleID: adminMod, Name: "Users", Path: "/admin/users", Icon: "users", Order: 1, IsActive: true},
		{ID: "00000000-0000-0000-0000-000000000202", ModuleID: adminMod, Name: "Roles", Path: "/admin/roles", Icon: "shield", Order: 2, IsActive: true},
		{ID: "00000000-0000-0000-0000-000000000203", ModuleID: reportsMod, Name: "Sales", Path: "/reports/sales", Icon: "receipt", Order: 1, IsActive: true},
	}
	for _, r := range routes {
		s.PutRoute(r)
		s.PutGrant(auth.GrantRoute, auth.Grant{ID: "grant-" + r.ID, RoleID: adminRole, TargetID: r.ID, IsActive: true}, false)
	}
	s.PutGrant(auth.GrantModule, auth.Grant{ID: "grant-" + adminMod, RoleID: adminRole, TargetID: adminMod, IsActive: true}, false)
	s.PutGrant(auth.GrantModule, auth.Grant{ID: "grant-" + reportsMod, RoleID: adminRole, TargetID: reportsMod, IsActive: true}, false)
	s.PutGrant(auth.GrantModule, auth.Grant{ID: "grant-user-" + reportsMod, RoleID: userRole, TargetID: reportsMod, IsActive: true}, false)
	s.PutGrant(auth.GrantRoute, auth.Grant{ID: "grant-user-" + routes[2].ID, RoleID: userRole, TargetID: routes[2].ID, IsActive: true}, false)
}

func fold(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

type userStore struct{ s *Store }

func (u userStore) Create(_ context.Context, user *auth.User) error {
	return u.s.do(func(d *data) error {
		if _, ok := d.users[user.ID]; ok {
			return auth.ErrAlreadyExists
		}
		for _, other := range d.users {
			if other.IsDeleted {
				continue
			}
			if fold(other.Username) == fold(user.Username) || fold(other.Email) == fold(user.Email) {
				return auth.ErrAlreadyExists
			}
		}
		d.users[user.ID] = *user
		return nil
	})
}

func (u userStore) find(match func(auth.User) bool) (*auth.User, error) {
	var out *auth.User
	err := u.s.do(func(d *data) error {
		for _, user := range d.users {
			if !user.IsDeleted && match(user) {
				out = &user
				return nil
			}
		}
		return auth.ErrNotFound
	})
	return out, err
}

func (u userStore) Find(_ context.Context, id string) (*auth.User, error) {
	return u.find(func(user auth.User) bool { return user.ID == id })
}

func (u userStore) FindByUsername(_ context.Context, username string) (*auth.User, error) {
	return u.find(func(user auth.User) bool { return fold(user.Username) == fold(username) })
}

func (u userStore) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	return u.find(func(user auth.User) bool { return fold(user.Email) == fold(email) })
}

func (u userStore) UsernameOrEmailTaken(_ context.Context, username, email string) (bool, error) {
	_, err := u.find(func(user auth.User) bool {
		return fold(user.Username) == fold(username) || fold(user.Email) == fold(email)
	})
	if errors.Is(err, auth.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (u userStore) update(id string, fn func(*auth.User)) error {
	return u.s.do(func(d *data) error {
		user, ok := d.users[id]
		if !ok || user.IsDeleted {
			return auth.ErrNotFound
		}
		fn(&user)
		d.users[id] = user
		return nil
	})
}

func (u userStore) UpdatePassword(_ context.Context, userID, hash string) error {
	return u.update(userID, func(user *auth.User) {
		user.PasswordHash = hash
		user.UpdatedAt = time.Now().UTC()
	})
}

func (u userStore) MarkActivated(_ context.Context, userID string, at time.Time) error {
	return u.update(userID, func(user *auth.User) {
		user.EmailConfirmed = true
		user.IsActive = true
		user.UpdatedAt = at
	})
}

func (u userStore) TouchLastLogin(_ context.Context, userID string, at time.Time) error {
	return u.update(userID, func(user *auth.User) { user.LastLoginAt = &at })
}

func (u userStore) RoleNames(_ context.Context, userID string) ([]string, error) {
	var names []string
	err := u.s.do(func(d *data) error {
		for _, id := range visibleRoleIDs(d, userID) {
			names = append(names, d.roles[id].Name)
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

func visibleRoleIDs(d *data, userID string) []string {
	seen := map[string]bool{}
	var ids []string
	for _, ur := range d.userRoles {
		if ur.UserID != userID || !ur.IsActive || ur.IsDeleted || seen[ur.RoleID] {
			continue
		}
		role, ok := d.roles[ur.RoleID]
		if !ok || !role.IsActive || role.IsDeleted {
			continue
		}
		seen[ur.RoleID] = true
		ids = append(ids, ur.RoleID)
	}
	return ids
}

type roleStore struct{ s *Store }

func (r roleStore) find(match func(auth.Role) bool) (*auth.Role, error) {
	var out *auth.Role
	err := r.s.do(func(d *data) error {
		for _, role := range d.roles {
			if !role.IsDeleted && match(role) {
				out = &role
				return nil
			}
		}
		return auth.ErrNotFound
	})
	return out, err
}

func (r roleStore) Find(_ context.Context, id string) (*auth.Role, error) {
	return r.find(func(role auth.Role) bool { return role.ID == id })
}

func (r roleStore) FindByName(_ context.Context, name string) (*auth.Role, error) {
	return r.find(func(role auth.Role) bool { return fold(role.Name) == fold(name) })
}

func (r roleStore) MissingIDs(_ context.Context, ids []string) ([]string, error) {
	var missing []string
	err := r.s.do(func(d *data) error {
		for _, id := range ids {
			if role, ok := d.roles[id]; !ok || role.IsDeleted {
				missing = append(missing, id)
			}
		}
		return nil
	})
	return missing, err
}

func (r roleStore) Assignment(_ context.Context, userID, roleID string) (*auth.UserRole, error) {
	var out *auth.UserRole
	err := r.s.do(func(d *data) error {
		for _, ur := range d.userRoles {
			if ur.UserID == userID && ur.RoleID == roleID && !ur.IsDeleted {
				out = &ur
				return nil
			}
		}
		return auth.ErrNotFound
	})
	return out, err
}

func (r roleStore) Assign(_ context.Context, ur *auth.UserRole) error {
	return r.s.do(func(d *data) error {
		if _, ok := d.users[ur.UserID]; !ok {
			return auth.ErrNotFound
		}
		if _, ok := d.roles[ur.RoleID]; !ok {
			return auth.ErrNotFound
		}
		for _, other := range d.userRoles {
			if other.UserID == ur.UserID && other.RoleID == ur.RoleID && !other.IsDeleted {
				return auth.ErrAlreadyExists
			}
		}
		d.userRoles[ur.ID] = *ur
		return nil
	})
}

func (r roleStore) SetAssignmentActive(_ context.Context, id string, active bool) error {
	return r.s.do(func(d *data) error {
		ur, ok := d.userRoles[id]
		if !ok || ur.IsDeleted {
			return auth.ErrNotFound
		}
		ur.IsActive = active
		d.userRoles[id] = ur
		return nil
	})
}

type accessStore struct{ s *Store }

func (a accessStore) RoleIDsForUser(_ context.Context, userID string) ([]string, error) {
	var ids []string
	err := a.s.do(func(d *data) error {
		ids = visibleRoleIDs(d, userID)
		return nil
	})
	return ids, err
}

func (a accessStore) ModuleIDsForRoles(_ context.Context, roleIDs []string) ([]string, error) {
	return a.granted(auth.GrantModule, roleIDs)
}

func (a accessStore) RouteIDsForRoles(_ context.Context, roleIDs []string) ([]string, error) {
	return a.granted(auth.GrantRoute, roleIDs)
}

func (a accessStore) granted(kind auth.GrantKind, roleIDs []string) ([]string, error) {
	want := make(map[string]bool, len(roleIDs))
	for _, id := range roleIDs {
		want[id] = true
	}
	var ids []string
	err := a.s.do(func(d *data) error {
		seen := map[string]bool{}
		for _, g := range d.grants[kind] {
			if !want[g.RoleID] || !g.IsActive || g.deleted || seen[g.TargetID] {
				continue
			}
			seen[g.TargetID] = true
			ids = append(ids, g.TargetID)
		}
		return nil
	})
	return ids, err
}

func (a accessStore) Modules(_ context.Context, ids []string) ([]auth.Module, error) {
	var out []auth.Module
	err := a.s.do(func(d *data) error {
		for _, id := range ids {
			if m, ok := d.modules[id]; ok && m.IsActive && !m.IsDeleted {
				out = append(out, m)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out, err
}

func (a accessStore) Routes(_ context.Context, ids []string) ([]auth.Route, error) {
	var out []auth.Route
	err := a.s.do(func(d *data) error {
		for _, id := range ids {
			if r, ok := d.routes[id]; ok && r.IsActive && !r.IsDeleted {
				out = append(out, r)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out, err
}

func (a accessStore) FindModule(_ context.Context, id string) (*auth.Module, error) {
	var out *auth.Module
	err := a.s.do(func(d *data) error {
		m, ok := d.modules[id]
		if !ok || m.IsDeleted {
			return auth.ErrNotFound
		}
		out = &m
		return nil
	})
	return out, err
}

func (a accessStore) FindRoute(_ context.Context, id string) (*auth.Route, error) {
	var out *auth.Route
	err := a.s.do(func(d *data) error {
		r, ok := d.routes[id]
		if !ok || r.IsDeleted {
			return auth.ErrNotFound
		}
		out = &r
		return nil
	})
	return out, err
}

func (a accessStore) FindGrant(_ context.Context, kind auth.GrantKind, roleID, targetID string) (*auth.Grant, error) {
	var out *auth.Grant
	err := a.s.do(func(d *data) error {
		for _, g := range d.grants[kind] {
			if g.RoleID == roleID && g.TargetID == targetID && !g.deleted {
				out = &g.Grant
				return nil
			}
		}
		return auth.ErrNotFound
	})
	return out, err
}

func (a accessStore) CreateGrant(_ context.Context, kind auth.GrantKind, g *auth.Grant) error {
	return a.s.do(func(d *data) error {
		table, ok := d.grants[kind]
		if !ok {
			return auth.ErrInvalidInput
		}
		for _, other := range table {
			if other.RoleID == g.RoleID && other.TargetID == g.TargetID && !other.deleted {
				return auth.ErrAlreadyExists
			}
		}
		table[g.ID] = grant{Grant: *g}
		return nil
	})
}

func (a accessStore) setGrant(kind auth.GrantKind, id string, fn func(*grant)) error {
	return a.s.do(func(d *data) error {
		g, ok := d.grants[kind][id]
		if !ok || g.deleted {
			return auth.ErrNotFound
		}
		fn(&g)
		d.grants[kind][id] = g
		return nil
	})
}

func (a accessStore) SetGrantActive(_ context.Context, kind auth.GrantKind, id string, active bool) error {
	return a.setGrant(kind, id, func(g *grant) { g.IsActive = active })
}

func (a accessStore) DeleteGrant(_ context.Context, kind auth.GrantKind, id string) error {
	return a.setGrant(kind, id, func(g *grant) { g.deleted = true })
}

type refreshStore struct{ s *Store }

func (r refreshStore) Create(_ context.Context, tok *auth.RefreshToken) error {
	return r.s.do(func(d *data) error {
		if _, ok := d.refresh[tok.Token]; ok {
			return auth.ErrAlreadyExists
		}
		d.refresh[tok.Token] = *tok
		return nil
	})
}

func (r refreshStore) FindByToken(_ context.Context, token string) (*auth.RefreshToken, error) {
	var out *auth.RefreshToken
	err := r.s.do(func(d *data) error {
		tok, ok := d.refresh[token]
		if !ok {
			return auth.ErrNotFound
		}
		out = &tok
		return nil
	})
	return out, err
}

func (r refreshStore) Lock(ctx context.Context, token string) (*auth.RefreshToken, error) {
	return r.FindByToken(ctx, token)
}

func (r refreshStore) Revoke(_ context.Context, tok *auth.RefreshToken) error {
	return r.s.do(func(d *data) error {
		cur, ok := d.refresh[tok.Token]
		if !ok || cur.ID != tok.ID {
			return auth.ErrNotFound
		}
		cur.RevokedAt = tok.RevokedAt
		cur.RevokedByIP = tok.RevokedByIP
		cur.ReplacedByToken = tok.ReplacedByToken
		cur.ReasonRevoked = tok.ReasonRevoked
		d.refresh[tok.Token] = cur
		return nil
	})
}

func (r refreshStore) RevokeAllForUser(_ context.Context, userID string, at time.Time, ip, reason string) (int64, error) {
	var n int64
	err := r.s.do(func(d *data) error {
		for key, tok := range d.refresh {
			if tok.UserID != userID || tok.RevokedAt != nil || !tok.ExpiresAt.After(at) {
				continue
			}
			revokedAt := at
			tok.RevokedAt = &revokedAt
			tok.RevokedByIP = ip
			tok.ReasonRevoked = reason
			d.refresh[key] = tok
			n++
		}
		return nil
	})
	return n, err
}

func (r refreshStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.s.do(func(d *data) error {
		for key, tok := range d.refresh {
			if tok.ExpiresAt.Before(cutoff) || (tok.RevokedAt != nil && tok.RevokedAt.Before(cutoff)) {
				delete(d.refresh, key)
				n++
			}
		}
		return nil
	})
	return n, err
}

type activationStore struct{ s *Store }

func (a activationStore) Create(_ context.Context, tok *auth.ActivationToken) error {
	return a.s.do(func(d *data) error {
		for _, other := range d.activation {
			if other.Token == tok.Token {
				return auth.ErrAlreadyExists
			}
		}
		d.activation[tok.ID] = *tok
		return nil
	})
}

func (a activationStore) FindByToken(_ context.Context, token string) (*auth.ActivationToken, error) {
	var out *auth.ActivationToken
	err := a.s.do(func(d *data) error {
		for _, tok := range d.activation {
			if tok.Token == token {
				out = &tok
				return nil
			}
		}
		return auth.ErrNotFound
	})
	return out, err
}

func (a activationStore) Outstanding(_ context.Context, userID string, now time.Time) ([]auth.ActivationToken, error) {
	var out []auth.ActivationToken
	err := a.s.do(func(d *data) error {
		for _, tok := range d.activation {
			if tok.UserID == userID && tok.Valid(now) {
				out = append(out, tok)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

func (a activationStore) MarkUsed(_ context.Context, id string, at time.Time) error {
	return a.s.do(func(d *data) error {
		tok, ok := d.activation[id]
		if !ok || tok.IsUsed {
			return auth.ErrNotFound
		}
		tok.IsUsed = true
		tok.UsedAt = &at
		d.activation[id] = tok
		return nil
	})
}

func (a activationStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := a.s.do(func(d *data) error {
		for id, tok := range d.activation {
			if tok.ExpiresAt.Before(cutoff) || (tok.IsUsed && tok.UsedAt != nil && tok.UsedAt.Before(cutoff)) {
				delete(d.activation, id)
				n++
			}
		}
		return nil
	})
	return n, err
}
