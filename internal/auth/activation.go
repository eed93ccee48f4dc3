package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	activationTokenSize = 32
	minPasswordLength   = 8
	// bcrypt only reads the first 72 bytes.
	maxPasswordLength = 72
)

// ActivationEmail is what the mailer needs to let a user activate an account.
type ActivationEmail struct {
	To       string
	Username string
	Token    string
	Code     string
}

// Mailer dispatches account emails. Delivery failures never fail the caller.
type Mailer interface {
	SendActivation(ctx context.Context, msg ActivationEmail) error
	SendRegistrationConfirmation(ctx context.Context, email, username string) error
}

// RegisterInput carries self-registration data.
type RegisterInput struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Activation drives accounts from pending activation to active.
type Activation struct {
	store  Store
	hasher PasswordHasher
	mailer Mailer
	opts   options
}

// NewActivation constructs the activation state machine.
func NewActivation(store Store, hasher PasswordHasher, mailer Mailer, opts ...Option) *Activation {
	return &Activation{store: store, hasher: hasher, mailer: mailer, opts: buildOptions(opts)}
}

// Register creates a pending account holding the configured default role and
// sends its activation email.
func (a *Activation) Register(ctx context.Context, in RegisterInput) (*User, *ActivationToken, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = normalizeEmail(in.Email)
	if err := validateAccount(in.Username, in.Email, in.Password); err != nil {
		return nil, nil, err
	}
	if err := checkAvailable(ctx, a.store, in.Username, in.Email, nil); err != nil {
		return nil, nil, err
	}
	hash, err := a.hasher.Hash(in.Password)
	if err != nil {
		return nil, nil, err
	}

	now := a.opts.now().UTC()
	user := &User{
		ID:           uuid.NewString(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tok, err := a.newToken(user.ID, now)
	if err != nil {
		return nil, nil, err
	}
	err = a.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if err := createWithRoles(ctx, tx, user, nil, now); err != nil {
			return err
		}
		log := a.opts.logger.WithField("user_id", user.ID)
		if err := assignNamedRole(ctx, tx, user.ID, a.opts.defaultRole, now, log); err != nil {
			return err
		}
		return tx.ActivationTokens(ctx).Create(ctx, tok)
	})
	if err != nil {
		return nil, nil, err
	}
	a.sendActivation(ctx, user, tok)
	return user, tok, nil
}

// ActivateWithToken consumes a single-use activation token.
func (a *Activation) ActivateWithToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidOrExpiredActivation
	}
	return a.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		now := a.opts.now().UTC()
		tok, err := tx.ActivationTokens(ctx).FindByToken(ctx, token)
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidOrExpiredActivation
		}
		if err != nil {
			return err
		}
		if !tok.Valid(now) {
			return ErrInvalidOrExpiredActivation
		}
		user, err := tx.Users(ctx).Find(ctx, tok.UserID)
		if errors.Is(err, ErrNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}
		return consume(ctx, tx, user, tok, now)
	})
}

// ActivateWithCode activates the account of email using the six-digit code
// derived from one of its outstanding tokens. Attempts are throttled per email.
func (a *Activation) ActivateWithCode(ctx context.Context, email, code string) error {
	email = normalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" {
		return ErrInvalidOrExpiredActivation
	}

	key := "activation-code:" + email
	allowed, err := a.opts.limiter.Allow(ctx, key)
	if err != nil {
		a.opts.logger.WithError(err).Error("activation limiter unavailable")
		return ErrTooManyAttempts
	}
	if !allowed {
		a.opts.logger.WithField("email", email).Warn("activation code attempts exhausted")
		return ErrTooManyAttempts
	}
	if !isCode(code) {
		return ErrInvalidOrExpiredActivation
	}

	err = a.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		now := a.opts.now().UTC()
		user, err := tx.Users(ctx).FindByEmail(ctx, email)
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidOrExpiredActivation
		}
		if err != nil {
			return err
		}
		if user.EmailConfirmed {
			return ErrAlreadyActivated
		}
		pending, err := tx.ActivationTokens(ctx).Outstanding(ctx, user.ID, now)
		if err != nil {
			return err
		}
		for i := range pending {
			tok := &pending[i]
			if subtle.ConstantTimeCompare([]byte(DeriveCode(tok.Token)), []byte(code)) == 1 {
				return consume(ctx, tx, user, tok, now)
			}
		}
		return ErrInvalidOrExpiredActivation
	})
	if err == nil {
		if rerr := a.opts.limiter.Reset(ctx, key); rerr != nil {
			a.opts.logger.WithError(rerr).Warn("reset activation limiter")
		}
	}
	return err
}

// ResendActivation invalidates outstanding tokens of the account and mails a new one.
func (a *Activation) ResendActivation(ctx context.Context, email string) (*ActivationToken, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, ErrUserNotFound
	}
	user, err := a.store.Users(ctx).FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return a.reissue(ctx, user)
}

// IssueActivationToken mints a fresh token for a pending account on behalf of an administrator.
func (a *Activation) IssueActivationToken(ctx context.Context, userID string) (*ActivationToken, error) {
	user, err := a.store.Users(ctx).Find(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return a.reissue(ctx, user)
}

func (a *Activation) reissue(ctx context.Context, user *User) (*ActivationToken, error) {
	if user.EmailConfirmed {
		return nil, ErrAlreadyActivated
	}
	now := a.opts.now().UTC()
	tok, err := a.newToken(user.ID, now)
	if err != nil {
		return nil, err
	}
	err = a.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		tokens := tx.ActivationTokens(ctx)
		pending, err := tokens.Outstanding(ctx, user.ID, now)
		if err != nil {
			return err
		}
		for _, old := range pending {
			if err := tokens.MarkUsed(ctx, old.ID, now); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		return tokens.Create(ctx, tok)
	})
	if err != nil {
		return nil, err
	}
	a.sendActivation(ctx, user, tok)
	return tok, nil
}

func (a *Activation) newToken(userID string, now time.Time) (*ActivationToken, error) {
	buf := make([]byte, activationTokenSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return &ActivationToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     base64.RawURLEncoding.EncodeToString(buf),
		ExpiresAt: now.Add(a.opts.tokenTTL),
		CreatedAt: now,
	}, nil
}

func (a *Activation) sendActivation(ctx context.Context, user *User, tok *ActivationToken) {
	if a.mailer == nil {
		return
	}
	err := a.mailer.SendActivation(ctx, ActivationEmail{
		To:       user.Email,
		Username: user.Username,
		Token:    tok.Token,
		Code:     DeriveCode(tok.Token),
	})
	if err != nil {
		a.opts.logger.WithFields(logrus.Fields{
			"user_id": user.ID,
			"email":   user.Email,
		}).WithError(err).Error("send activation email")
	}
}

// consume marks the account confirmed and the token used in the caller's transaction.
func consume(ctx context.Context, tx Store, user *User, tok *ActivationToken, now time.Time) error {
	if user.EmailConfirmed {
		return ErrAlreadyActivated
	}
	if err := tx.ActivationTokens(ctx).MarkUsed(ctx, tok.ID, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidOrExpiredActivation
		}
		return err
	}
	return tx.Users(ctx).MarkActivated(ctx, user.ID, now)
}

// DeriveCode maps an activation token to its six-digit code: the first four bytes
// of SHA-256(token), read as a little-endian int32, made non-negative, reduced
// modulo 900000 and shifted into [100000, 999999].
func DeriveCode(token string) string {
	if token == "" {
		return "000000"
	}
	sum := sha256.Sum256([]byte(token))
	v := int64(int32(binary.LittleEndian.Uint32(sum[:4])))
	if v < 0 {
		v = -v
	}
	return fmt.Sprintf("%06d", v%900000+100000)
}

func isCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateAccount(username, email, password string) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if email == "" || !strings.Contains(email, "@") {
		return fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	return checkPasswordLength(password)
}

func checkPasswordLength(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, maxPasswordLength)
	}
	return nil
}
