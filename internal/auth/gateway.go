package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gestion.org/internal/obs"
)

// Gateway decides where credentials are checked and produces an Identity.
type Gateway struct {
	store     Store
	hasher    PasswordHasher
	directory DirectoryClient
	local     CredentialVerifier
	remote    CredentialVerifier
	opts      options

	decoyOnce sync.Once
	decoyHash string
}

// NewGateway wires the authentication sources. A nil directory disables delegation.
func NewGateway(store Store, hasher PasswordHasher, directory DirectoryClient, opts ...Option) *Gateway {
	if directory == nil {
		directory = noDirectory{}
	}
	return &Gateway{
		store:     store,
		hasher:    hasher,
		directory: directory,
		local:     LocalVerifier{Hasher: hasher},
		remote:    DirectoryVerifier{Directory: directory},
		opts:      buildOptions(opts),
	}
}

// Authenticate checks username and password. Every expected failure is reported
// as ErrInvalidCredentials; the cause is only logged.
func (g *Gateway) Authenticate(ctx context.Context, username, password, ip string) (Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		obs.ObserveLogin("invalid_credentials")
		return Identity{}, ErrInvalidCredentials
	}

	key := "login:" + strings.ToLower(username) + "|" + ip
	allowed, err := g.opts.limiter.Allow(ctx, key)
	if err != nil {
		g.opts.logger.WithError(err).Warn("login limiter unavailable")
	} else if !allowed {
		obs.ObserveLogin("throttled")
		return Identity{}, ErrTooManyAttempts
	}

	id, err := g.authenticate(ctx, username, password)
	if err != nil {
		outcome := loginOutcome(err)
		obs.ObserveLogin(outcome)
		log := g.opts.logger.WithFields(logrus.Fields{
			"username": username,
			"ip":       ip,
			"outcome":  outcome,
		}).WithError(err)
		if outcome == "error" {
			log.Error("login failed")
			return Identity{}, err
		}
		log.Info("login rejected")
		return Identity{}, ErrInvalidCredentials
	}
	if err := g.opts.limiter.Reset(ctx, key); err != nil {
		g.opts.logger.WithError(err).Warn("reset login limiter")
	}
	obs.ObserveLogin("success")
	return id, nil
}

func (g *Gateway) authenticate(ctx context.Context, username, password string) (Identity, error) {
	users := g.store.Users(ctx)
	user, err := users.FindByUsername(ctx, username)
	switch {
	case errors.Is(err, ErrNotFound):
		if !g.directory.Enabled() {
			g.decoyVerify(password)
			return Identity{}, fmt.Errorf("%w: unknown user", ErrInvalidCredentials)
		}
		if err := g.remote.Verify(ctx, &User{Username: username}, password); err != nil {
			return Identity{}, err
		}
		user, err = g.provision(ctx, username)
		if err != nil {
			return Identity{}, err
		}
	case err != nil:
		return Identity{}, err
	default:
		if err := g.verifierFor(user).Verify(ctx, user, password); err != nil {
			return Identity{}, err
		}
	}

	if !user.Usable() {
		return Identity{}, fmt.Errorf("%w: status=%s active=%t confirmed=%t",
			ErrAccountInactive, user.Status, user.IsActive, user.EmailConfirmed)
	}
	if err := users.TouchLastLogin(ctx, user.ID, g.opts.now().UTC()); err != nil {
		return Identity{}, err
	}
	return identityOf(ctx, g.store, user)
}

func (g *Gateway) verifierFor(user *User) CredentialVerifier {
	if user.IsDirectoryUser {
		return g.remote
	}
	return g.local
}

// placeholderEmailDomain is reserved and never routable.
const placeholderEmailDomain = "invalid"

// forgetter is implemented by directory clients that cache lookups.
type forgetter interface {
	Forget(username string)
}

// provision creates the local record of a directory user on first sign-in.
// Directory lookups run before the transaction is opened.
func (g *Gateway) provision(ctx context.Context, username string) (*User, error) {
	log := g.opts.logger.WithField("username", username)
	email, err := g.directory.Email(ctx, username)
	if err != nil {
		log.WithError(err).Warn("directory email lookup failed")
	}
	display, err := g.directory.DisplayName(ctx, username)
	if err != nil {
		log.WithError(err).Warn("directory display name lookup failed")
	}
	email = strings.TrimSpace(email)
	if email == "" {
		email = strings.ToLower(username) + "@" + placeholderEmailDomain
		log.WithField("email", email).Warn("directory has no email for user, using placeholder")
	}
	hash, err := RandomHash(g.hasher)
	if err != nil {
		return nil, err
	}

	now := g.opts.now().UTC()
	first, last := splitDisplayName(display)
	user := &User{
		ID:              uuid.NewString(),
		Username:        username,
		Email:           email,
		PasswordHash:    hash,
		FirstName:       first,
		LastName:        last,
		Status:          StatusActive,
		IsDirectoryUser: true,
		EmailConfirmed:  true,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = g.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.Users(ctx).Create(ctx, user); err != nil {
			return err
		}
		return assignNamedRole(ctx, tx, user.ID, g.directory.DefaultRoleName(), now, log)
	})
	if errors.Is(err, ErrAlreadyExists) {
		if f, ok := g.directory.(forgetter); ok {
			f.Forget(username)
		}
		existing, ferr := g.store.Users(ctx).FindByUsername(ctx, username)
		if ferr == nil && existing.IsDirectoryUser {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: provisioning conflict for directory user", ErrInvalidCredentials)
	}
	if err != nil {
		return nil, err
	}
	log.WithField("user_id", user.ID).Info("directory user provisioned")
	return user, nil
}

// assignNamedRole gives userID the role called name. A missing role is logged
// and skipped so the account is still created.
func assignNamedRole(ctx context.Context, tx Store, userID, name string, now time.Time, log logrus.FieldLogger) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	role, err := tx.Roles(ctx).FindByName(ctx, name)
	if errors.Is(err, ErrNotFound) {
		log.WithField("role", name).Warn("default role missing, account created without role")
		return nil
	}
	if err != nil {
		return err
	}
	return tx.Roles(ctx).Assign(ctx, &UserRole{
		ID:        uuid.NewString(),
		UserID:    userID,
		RoleID:    role.ID,
		IsActive:  true,
		CreatedAt: now,
	})
}

// decoyVerify spends the same bcrypt work as a real check so unknown usernames
// are not distinguishable by response time.
func (g *Gateway) decoyVerify(password string) {
	g.decoyOnce.Do(func() {
		g.decoyHash, _ = RandomHash(g.hasher)
	})
	if g.decoyHash != "" {
		_ = g.hasher.Verify(g.decoyHash, password)
	}
}

func splitDisplayName(display string) (first, last string) {
	fields := strings.Fields(display)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}

func loginOutcome(err error) string {
	switch {
	case errors.Is(err, ErrDirectoryUnavailable):
		return "directory_unavailable"
	case errors.Is(err, ErrAccountInactive):
		return "inactive"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	default:
		return "error"
	}
}
