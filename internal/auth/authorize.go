package auth

import "context"

// RequireRole ensures the identity in ctx holds at least one of roles.
func RequireRole(ctx context.Context, roles ...string) (Identity, error) {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return Identity{}, ErrUnauthorized
	}
	for _, role := range roles {
		if id.HasRole(role) {
			return id, nil
		}
	}
	return Identity{}, ErrUnauthorized
}
