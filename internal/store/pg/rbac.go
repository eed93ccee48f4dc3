package pg

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"gestion.org/internal/auth"
)

type roleStore struct {
	q DBTX
}

const roleColumns = `r.id, r.name, r.description, r.is_active, r.is_deleted, r.created_at, r.updated_at`

func scanRole(row rowScanner) (*auth.Role, error) {
	var r auth.Role
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.IsActive, &r.IsDeleted, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (s roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	return scanRole(s.q.QueryRowContext(ctx,
		`select `+roleColumns+` from roles r where r.id = $1 and `+live("r"), id))
}

func (s roleStore) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	return scanRole(s.q.QueryRowContext(ctx,
		`select `+roleColumns+` from roles r where lower(r.name) = lower($1) and `+live("r"), name))
}

func (s roleStore) MissingIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	// malformed ids cannot name a row; they are reported missing without a query
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	var found []string
	if len(valid) > 0 {
		var err error
		found, err = collectStrings(s.q.QueryContext(ctx,
			`select r.id::text from roles r where r.id = any($1) and `+live("r"), valid))
		if err != nil {
			return nil, mapErr(err)
		}
	}
	have := make(map[string]struct{}, len(found))
	for _, id := range found {
		have[id] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (s roleStore) Assignment(ctx context.Context, userID, roleID string) (*auth.UserRole, error) {
	var ur auth.UserRole
	err := s.q.QueryRowContext(ctx, `
		select ur.id, ur.user_id, ur.role_id, ur.is_active, ur.is_deleted, ur.created_at
		from user_roles ur
		where ur.user_id = $1 and ur.role_id = $2 and `+live("ur"), userID, roleID).
		Scan(&ur.ID, &ur.UserID, &ur.RoleID, &ur.IsActive, &ur.IsDeleted, &ur.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &ur, nil
}

func (s roleStore) Assign(ctx context.Context, ur *auth.UserRole) error {
	_, err := s.q.ExecContext(ctx, `
		insert into user_roles (id, user_id, role_id, is_active, is_deleted, created_at)
		values ($1, $2, $3, $4, false, $5)
	`, ur.ID, ur.UserID, ur.RoleID, ur.IsActive, ur.CreatedAt)
	return mapErr(err)
}

func (s roleStore) SetAssignmentActive(ctx context.Context, id string, active bool) error {
	return expectOne(s.q.ExecContext(ctx,
		`update user_roles ur set is_active = $2 where ur.id = $1 and `+live("ur"), id, active))
}

type accessStore struct {
	q DBTX
}

func (s accessStore) RoleIDsForUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := collectStrings(s.q.QueryContext(ctx, `
		select distinct ur.role_id::text
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1 and `+visible("ur")+` and `+visible("r"), userID))
	return ids, mapErr(err)
}

func (s accessStore) ModuleIDsForRoles(ctx context.Context, roleIDs []string) ([]string, error) {
	return s.grantedIDs(ctx, auth.GrantModule, roleIDs)
}

func (s accessStore) RouteIDsForRoles(ctx context.Context, roleIDs []string) ([]string, error) {
	return s.grantedIDs(ctx, auth.GrantRoute, roleIDs)
}

func (s accessStore) grantedIDs(ctx context.Context, kind auth.GrantKind, roleIDs []string) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	table, column, err := grantTable(kind)
	if err != nil {
		return nil, err
	}
	ids, err := collectStrings(s.q.QueryContext(ctx, fmt.Sprintf(`
		select distinct g.%s::text
		from %s g
		where g.role_id = any($1) and %s`, column, table, visible("g")), roleIDs))
	return ids, mapErr(err)
}

func (s accessStore) Modules(ctx context.Context, ids []string) ([]auth.Module, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx, `
		select m.id, m.name, m.icon, m.path, m.display_order, m.is_active, m.is_deleted
		from modules m
		where m.id = any($1) and `+visible("m")+`
		order by m.display_order, m.name`, ids)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []auth.Module
	for rows.Next() {
		var m auth.Module
		if err := rows.Scan(&m.ID, &m.Name, &m.Icon, &m.Path, &m.Order, &m.IsActive, &m.IsDeleted); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s accessStore) Routes(ctx context.Context, ids []string) ([]auth.Route, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx, `
		select rt.id, rt.module_id, rt.name, rt.path, rt.icon, rt.display_order, rt.is_active, rt.is_deleted
		from routes rt
		where rt.id = any($1) and `+visible("rt")+`
		order by rt.display_order, rt.name`, ids)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []auth.Route
	for rows.Next() {
		var r auth.Route
		if err := rows.Scan(&r.ID, &r.ModuleID, &r.Name, &r.Path, &r.Icon, &r.Order, &r.IsActive, &r.IsDeleted); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s accessStore) FindModule(ctx context.Context, id string) (*auth.Module, error) {
	var m auth.Module
	err := s.q.QueryRowContext(ctx, `
		select m.id, m.name, m.icon, m.path, m.display_order, m.is_active, m.is_deleted
		from modules m where m.id = $1 and `+live("m"), id).
		Scan(&m.ID, &m.Name, &m.Icon, &m.Path, &m.Order, &m.IsActive, &m.IsDeleted)
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (s accessStore) FindRoute(ctx context.Context, id string) (*auth.Route, error) {
	var r auth.Route
	err := s.q.QueryRowContext(ctx, `
		select rt.id, rt.module_id, rt.name, rt.path, rt.icon, rt.display_order, rt.is_active, rt.is_deleted
		from routes rt where rt.id = $1 and `+live("rt"), id).
		Scan(&r.ID, &r.ModuleID, &r.Name, &r.Path, &r.Icon, &r.Order, &r.IsActive, &r.IsDeleted)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (s accessStore) FindGrant(ctx context.Context, kind auth.GrantKind, roleID, targetID string) (*auth.Grant, error) {
	table, column, err := grantTable(kind)
	if err != nil {
		return nil, err
	}
	var g auth.Grant
	err = s.q.QueryRowContext(ctx, fmt.Sprintf(`
		select g.id, g.role_id, g.%s, g.is_active
		from %s g
		where g.role_id = $1 and g.%s = $2 and %s`, column, table, column, live("g")), roleID, targetID).
		Scan(&g.ID, &g.RoleID, &g.TargetID, &g.IsActive)
	if err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

func (s accessStore) CreateGrant(ctx context.Context, kind auth.GrantKind, g *auth.Grant) error {
	table, column, err := grantTable(kind)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, fmt.Sprintf(`
		insert into %s (id, role_id, %s, is_active, is_deleted)
		values ($1, $2, $3, $4, false)`, table, column), g.ID, g.RoleID, g.TargetID, g.IsActive)
	return mapErr(err)
}

func (s accessStore) SetGrantActive(ctx context.Context, kind auth.GrantKind, id string, active bool) error {
	table, _, err := grantTable(kind)
	if err != nil {
		return err
	}
	return expectOne(s.q.ExecContext(ctx,
		fmt.Sprintf(`update %s g set is_active = $2 where g.id = $1 and %s`, table, live("g")), id, active))
}

// DeleteGrant soft-deletes the grant.
func (s accessStore) DeleteGrant(ctx context.Context, kind auth.GrantKind, id string) error {
	table, _, err := grantTable(kind)
	if err != nil {
		return err
	}
	return expectOne(s.q.ExecContext(ctx,
		fmt.Sprintf(`update %s g set is_deleted = true where g.id = $1 and %s`, table, live("g")), id))
}

func grantTable(kind auth.GrantKind) (table, column string, err error) {
	switch kind {
	case auth.GrantModule:
		return "role_modules", "module_id", nil
	case auth.GrantRoute:
		return "role_routes", "route_id", nil
	default:
		return "", "", fmt.Errorf("%w: unknown grant kind %q", auth.ErrInvalidInput, kind)
	}
}
