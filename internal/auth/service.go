package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gestion.org/internal/obs"
)

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenService issues, rotates and revokes token pairs.
type TokenService struct {
	store  Store
	signer *Signer
	opts   options
}

// NewTokenService constructs a TokenService.
func NewTokenService(store Store, signer *Signer, opts ...Option) *TokenService {
	return &TokenService{store: store, signer: signer, opts: buildOptions(opts)}
}

// IssueTokenPair signs an access token for id and persists a fresh refresh token bound to ip.
func (s *TokenService) IssueTokenPair(ctx context.Context, id Identity, ip string) (TokenPair, error) {
	now := s.opts.now().UTC()
	access, accessExp, err := s.signer.Sign(id)
	if err != nil {
		return TokenPair{}, err
	}
	rec, err := s.newRefreshRecord(id.UserID, ip, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     rec.Token,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// Refresh exchanges a refresh token for a new pair. The old token is revoked and
// linked to its replacement in the same transaction, under a row lock.
func (s *TokenService) Refresh(ctx context.Context, raw, ip string) (TokenPair, Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return TokenPair{}, Identity{}, ErrTokenNotFound
	}

	var (
		pair   TokenPair
		ident  Identity
		reused *RefreshToken
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		now := s.opts.now().UTC()
		tokens := tx.RefreshTokens(ctx)
		old, err := tokens.Lock(ctx, raw)
		if errors.Is(err, ErrNotFound) {
			return ErrTokenNotFound
		}
		if err != nil {
			return err
		}
		if old.IsRevoked() {
			reused = old
			return ErrTokenRevoked
		}
		if old.IsExpired(now) {
			return ErrTokenExpired
		}

		ident, err = loadIdentity(ctx, tx, old.UserID)
		if err != nil {
			return err
		}
		access, accessExp, err := s.signer.Sign(ident)
		if err != nil {
			return err
		}
		next, err := s.newRefreshRecord(old.UserID, ip, now)
		if err != nil {
			return err
		}
		if err := tokens.Create(ctx, next); err != nil {
			return err
		}
		old.RevokedAt = &now
		old.RevokedByIP = ip
		old.ReasonRevoked = ReasonRotated
		old.ReplacedByToken = next.Token
		if err := tokens.Revoke(ctx, old); err != nil {
			return err
		}
		pair = TokenPair{
			AccessToken:      access,
			RefreshToken:     next.Token,
			AccessExpiresAt:  accessExp,
			RefreshExpiresAt: next.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		if reused != nil {
			s.handleReuse(ctx, reused, ip)
		}
		obs.ObserveRefresh(refreshOutcome(err))
		return TokenPair{}, Identity{}, err
	}
	obs.ObserveRefresh("rotated")
	return pair, ident, nil
}

// handleReuse reacts to a rotated token being presented again: somebody holds a
// copy of a credential that was already exchanged, so the whole chain is cut.
func (s *TokenService) handleReuse(ctx context.Context, tok *RefreshToken, ip string) {
	log := s.opts.logger.WithFields(logrus.Fields{
		"user_id":    tok.UserID,
		"token_id":   tok.ID,
		"ip":         ip,
		"revoked_as": tok.ReasonRevoked,
	})
	if !s.opts.chainRevoke || tok.ReasonRevoked != ReasonRotated {
		log.Warn("revoked refresh token presented")
		return
	}
	n, err := s.RevokeAll(ctx, tok.UserID, ip, ReasonReuseDetected)
	if err != nil {
		log.WithError(err).Error("revoke refresh chain after reuse")
		return
	}
	log.WithField("revoked", n).Warn("rotated refresh token reused, active chain revoked")
}

// Revoke explicitly revokes a refresh token (logout).
func (s *TokenService) Revoke(ctx context.Context, raw, ip string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrTokenNotFound
	}
	return s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		tokens := tx.RefreshTokens(ctx)
		tok, err := tokens.Lock(ctx, raw)
		if errors.Is(err, ErrNotFound) {
			return ErrTokenNotFound
		}
		if err != nil {
			return err
		}
		if tok.IsRevoked() {
			return ErrTokenRevoked
		}
		now := s.opts.now().UTC()
		tok.RevokedAt = &now
		tok.RevokedByIP = ip
		tok.ReasonRevoked = ReasonRevokedByUser
		return tokens.Revoke(ctx, tok)
	})
}

// RevokeAll revokes every active refresh token of the user and reports how
// many were cut.
func (s *TokenService) RevokeAll(ctx context.Context, userID, ip, reason string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, ErrInvalidToken
	}
	return s.store.RefreshTokens(ctx).RevokeAllForUser(ctx, userID, s.opts.now().UTC(), ip, reason)
}

// Authenticate validates an access token and returns the identity it carries.
func (s *TokenService) Authenticate(_ context.Context, accessToken string) (Identity, error) {
	claims, err := s.signer.Parse(accessToken)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	return claims.Identity(), nil
}

func (s *TokenService) newRefreshRecord(userID, ip string, now time.Time) (*RefreshToken, error) {
	token, err := NewRefreshToken()
	if err != nil {
		return nil, err
	}
	return &RefreshToken{
		ID:          uuid.NewString(),
		UserID:      userID,
		Token:       token,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opts.refreshTTL),
		CreatedByIP: ip,
	}, nil
}

// loadIdentity reads a usable user and its role names.
func loadIdentity(ctx context.Context, store Store, userID string) (Identity, error) {
	user, err := store.Users(ctx).Find(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return Identity{}, err
	}
	if !user.Usable() {
		return Identity{}, ErrInvalidCredentials
	}
	return identityOf(ctx, store, user)
}

func identityOf(ctx context.Context, store Store, user *User) (Identity, error) {
	roles, err := store.Users(ctx).RoleNames(ctx, user.ID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		UserID:          user.ID,
		Username:        user.Username,
		Email:           user.Email,
		FirstName:       user.FirstName,
		LastName:        user.LastName,
		Roles:           roles,
		IsDirectoryUser: user.IsDirectoryUser,
	}, nil
}

func refreshOutcome(err error) string {
	switch {
	case errors.Is(err, ErrTokenNotFound):
		return "not_found"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, ErrInvalidCredentials):
		return "user_unusable"
	default:
		return "error"
	}
}
