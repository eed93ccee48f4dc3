package pg

import (
	"context"
	"database/sql"
	"time"

	"gestion.org/internal/auth"
)

const userColumns = `u.id, u.username, u.email, u.password_hash, u.first_name, u.last_name, u.status,
	u.is_directory_user, u.email_confirmed, u.is_active, u.is_deleted, u.last_login_at,
	u.created_at, u.updated_at`

type userStore struct {
	q DBTX
}

func scanUser(row rowScanner) (*auth.User, error) {
	var (
		u         auth.User
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Status,
		&u.IsDirectoryUser, &u.EmailConfirmed, &u.IsActive, &u.IsDeleted, &lastLogin,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	u.LastLoginAt = timePtr(lastLogin)
	return &u, nil
}

func (s userStore) Create(ctx context.Context, u *auth.User) error {
	_, err := s.q.ExecContext(ctx, `
		insert into users (id, username, email, password_hash, first_name, last_name, status,
			is_directory_user, email_confirmed, is_active, is_deleted, last_login_at, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, $11, $12, $13)
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Status,
		u.IsDirectoryUser, u.EmailConfirmed, u.IsActive, nullTime(u.LastLoginAt), u.CreatedAt, u.UpdatedAt)
	return mapErr(err)
}

func (s userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return scanUser(s.q.QueryRowContext(ctx,
		`select `+userColumns+` from users u where u.id = $1 and `+live("u"), id))
}

func (s userStore) FindByUsername(ctx context.Context, username string) (*auth.User, error) {
	return scanUser(s.q.QueryRowContext(ctx,
		`select `+userColumns+` from users u where lower(u.username) = lower($1) and `+live("u"), username))
}

func (s userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return scanUser(s.q.QueryRowContext(ctx,
		`select `+userColumns+` from users u where lower(u.email) = lower($1) and `+live("u"), email))
}

func (s userStore) UsernameOrEmailTaken(ctx context.Context, username, email string) (bool, error) {
	var taken bool
	err := s.q.QueryRowContext(ctx, `
		select exists (
			select 1 from users u
			where (lower(u.username) = lower($1) or lower(u.email) = lower($2)) and `+live("u")+`
		)`, username, email).Scan(&taken)
	return taken, mapErr(err)
}

func (s userStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	return expectOne(s.q.ExecContext(ctx, `
		update users u set password_hash = $2, updated_at = now()
		where u.id = $1 and `+live("u"), userID, passwordHash))
}

func (s userStore) MarkActivated(ctx context.Context, userID string, at time.Time) error {
	return expectOne(s.q.ExecContext(ctx, `
		update users u set email_confirmed = true, is_active = true, updated_at = $2
		where u.id = $1 and `+live("u"), userID, at))
}

func (s userStore) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	return expectOne(s.q.ExecContext(ctx, `
		update users u set last_login_at = $2
		where u.id = $1 and `+live("u"), userID, at))
}

func (s userStore) RoleNames(ctx context.Context, userID string) ([]string, error) {
	names, err := collectStrings(s.q.QueryContext(ctx, `
		select r.name
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1 and `+visible("ur")+` and `+visible("r")+`
		order by r.name`, userID))
	return names, mapErr(err)
}
