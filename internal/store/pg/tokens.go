package pg

import (
	"context"
	"database/sql"
	"time"

	"gestion.org/internal/auth"
)

const refreshColumns = `id, user_id, token, created_at, expires_at, created_by_ip,
	revoked_at, revoked_by_ip, replaced_by_token, reason_revoked`

type refreshTokenStore struct {
	q DBTX
}

func scanRefresh(row rowScanner) (*auth.RefreshToken, error) {
	var (
		t       auth.RefreshToken
		revoked sql.NullTime
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Token, &t.CreatedAt, &t.ExpiresAt, &t.CreatedByIP,
		&revoked, &t.RevokedByIP, &t.ReplacedByToken, &t.ReasonRevoked)
	if err != nil {
		return nil, mapErr(err)
	}
	t.RevokedAt = timePtr(revoked)
	return &t, nil
}

func (s refreshTokenStore) Create(ctx context.Context, t *auth.RefreshToken) error {
	_, err := s.q.ExecContext(ctx, `
		insert into refresh_tokens (`+refreshColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.UserID, t.Token, t.CreatedAt, t.ExpiresAt, t.CreatedByIP,
		nullTime(t.RevokedAt), t.RevokedByIP, t.ReplacedByToken, t.ReasonRevoked)
	return mapErr(err)
}

func (s refreshTokenStore) FindByToken(ctx context.Context, token string) (*auth.RefreshToken, error) {
	return scanRefresh(s.q.QueryRowContext(ctx,
		`select `+refreshColumns+` from refresh_tokens where token = $1`, token))
}

func (s refreshTokenStore) Lock(ctx context.Context, token string) (*auth.RefreshToken, error) {
	return scanRefresh(s.q.QueryRowContext(ctx,
		`select `+refreshColumns+` from refresh_tokens where token = $1 for update`, token))
}

func (s refreshTokenStore) Revoke(ctx context.Context, t *auth.RefreshToken) error {
	return expectOne(s.q.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2, revoked_by_ip = $3, replaced_by_token = $4, reason_revoked = $5
		where id = $1
	`, t.ID, nullTime(t.RevokedAt), t.RevokedByIP, t.ReplacedByToken, t.ReasonRevoked))
}

func (s refreshTokenStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time, ip, reason string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2, revoked_by_ip = $3, reason_revoked = $4
		where user_id = $1 and revoked_at is null and expires_at > $2
	`, userID, at, ip, reason)
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

// PurgeBefore deletes tokens that expired or were revoked before cutoff.
func (s refreshTokenStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		delete from refresh_tokens
		where expires_at < $1 or (revoked_at is not null and revoked_at < $1)
	`, cutoff)
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

const activationColumns = `id, user_id, token, expires_at, is_used, used_at, created_at`

type activationTokenStore struct {
	q DBTX
}

func scanActivation(row rowScanner) (*auth.ActivationToken, error) {
	var (
		t    auth.ActivationToken
		used sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Token, &t.ExpiresAt, &t.IsUsed, &used, &t.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	t.UsedAt = timePtr(used)
	return &t, nil
}

func (s activationTokenStore) Create(ctx context.Context, t *auth.ActivationToken) error {
	_, err := s.q.ExecContext(ctx, `
		insert into activation_tokens (`+activationColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.UserID, t.Token, t.ExpiresAt, t.IsUsed, nullTime(t.UsedAt), t.CreatedAt)
	return mapErr(err)
}

func (s activationTokenStore) FindByToken(ctx context.Context, token string) (*auth.ActivationToken, error) {
	return scanActivation(s.q.QueryRowContext(ctx,
		`select `+activationColumns+` from activation_tokens where token = $1`, token))
}

func (s activationTokenStore) Outstanding(ctx context.Context, userID string, now time.Time) ([]auth.ActivationToken, error) {
	rows, err := s.q.QueryContext(ctx, `
		select `+activationColumns+`
		from activation_tokens
		where user_id = $1 and not is_used and expires_at > $2
		order by created_at desc
	`, userID, now)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []auth.ActivationToken
	for rows.Next() {
		t, err := scanActivation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// MarkUsed flips an unused token; a token already used reports auth.ErrNotFound.
func (s activationTokenStore) MarkUsed(ctx context.Context, id string, at time.Time) error {
	return expectOne(s.q.ExecContext(ctx,
		`update activation_tokens set is_used = true, used_at = $2 where id = $1 and not is_used`, id, at))
}

// PurgeBefore deletes tokens that expired or were used before cutoff.
func (s activationTokenStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		delete from activation_tokens
		where expires_at < $1 or (is_used and used_at < $1)
	`, cutoff)
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}
