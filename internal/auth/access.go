package auth

import (
	"context"
	"errors"
	"sort"
)

// AccessResolver turns role -> module -> route grants into a navigation menu.
type AccessResolver struct {
	store Store
}

// NewAccessResolver constructs an AccessResolver.
func NewAccessResolver(store Store) *AccessResolver {
	return &AccessResolver{store: store}
}

// MenuForUser resolves the menu granted through the user's roles. A user without
// roles gets an empty menu, not an error.
func (r *AccessResolver) MenuForUser(ctx context.Context, userID string) ([]MenuEntry, error) {
	if _, err := r.store.Users(ctx).Find(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	roleIDs, err := r.store.Access(ctx).RoleIDsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return r.resolve(ctx, roleIDs)
}

// MenuForRole resolves the menu granted to a single role.
func (r *AccessResolver) MenuForRole(ctx context.Context, roleID string) ([]MenuEntry, error) {
	if _, err := r.store.Roles(ctx).Find(ctx, roleID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, err
	}
	return r.resolve(ctx, []string{roleID})
}

// RoutesForUser lists the paths of every route granted to the user.
func (r *AccessResolver) RoutesForUser(ctx context.Context, userID string) ([]string, error) {
	menu, err := r.MenuForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, m := range menu {
		for _, c := range m.Children {
			if c.Path != "" {
				paths = append(paths, c.Path)
			}
		}
	}
	return paths, nil
}

func (r *AccessResolver) resolve(ctx context.Context, roleIDs []string) ([]MenuEntry, error) {
	menu := []MenuEntry{}
	roleIDs = dedupeStrings(roleIDs)
	if len(roleIDs) == 0 {
		return menu, nil
	}

	access := r.store.Access(ctx)
	moduleIDs, err := access.ModuleIDsForRoles(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	if len(moduleIDs) == 0 {
		return menu, nil
	}
	routeIDs, err := access.RouteIDsForRoles(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	modules, err := access.Modules(ctx, dedupeStrings(moduleIDs))
	if err != nil {
		return nil, err
	}
	var routes []Route
	if len(routeIDs) > 0 {
		routes, err = access.Routes(ctx, dedupeStrings(routeIDs))
		if err != nil {
			return nil, err
		}
	}
	return buildMenu(modules, routes), nil
}

// buildMenu attaches routes to their modules. Modules keep their display order
// and routes are ordered within each module; routes whose module was not granted
// are dropped.
func buildMenu(modules []Module, routes []Route) []MenuEntry {
	sort.SliceStable(modules, func(i, j int) bool { return modules[i].Order < modules[j].Order })
	sort.SliceStable(routes, func(i, j int) bool { return routes[i].Order < routes[j].Order })

	byModule := make(map[string][]MenuItem, len(modules))
	for _, rt := range routes {
		byModule[rt.ModuleID] = append(byModule[rt.ModuleID], MenuItem{
			ID:       rt.ID,
			Name:     rt.Name,
			Icon:     rt.Icon,
			Path:     rt.Path,
			Order:    rt.Order,
			IsActive: rt.IsActive,
		})
	}

	menu := make([]MenuEntry, 0, len(modules))
	for _, m := range modules {
		children := byModule[m.ID]
		if children == nil {
			children = []MenuItem{}
		}
		menu = append(menu, MenuEntry{
			ID:       m.ID,
			Name:     m.Name,
			Icon:     m.Icon,
			Path:     m.Path,
			Order:    m.Order,
			IsActive: m.IsActive,
			Children: children,
		})
	}
	return menu
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
