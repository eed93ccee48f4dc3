package auth

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"gestion.org/internal/obs"
)

const (
	defaultAccessTTL     = 15 * time.Minute
	defaultRefreshTTL    = 7 * 24 * time.Hour
	defaultActivationTTL = 7 * 24 * time.Hour
)

// AttemptLimiter bounds how often a key may be tried within a window.
type AttemptLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

type unlimited struct{}

func (unlimited) Allow(context.Context, string) (bool, error) { return true, nil }
func (unlimited) Reset(context.Context, string) error         { return nil }

// Option configures the services in this package.
type Option func(*options)

type options struct {
	now         func() time.Time
	logger      logrus.FieldLogger
	limiter     AttemptLimiter
	refreshTTL  time.Duration
	tokenTTL    time.Duration
	chainRevoke bool
	defaultRole string
}

func buildOptions(opts []Option) options {
	o := options{
		now:         time.Now,
		logger:      obs.Logger(),
		limiter:     unlimited{},
		refreshTTL:  defaultRefreshTTL,
		tokenTTL:    defaultActivationTTL,
		chainRevoke: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(o *options) {
		if fn != nil {
			o.now = fn
		}
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLimiter throttles attempts (logins, activation codes).
func WithLimiter(l AttemptLimiter) Option {
	return func(o *options) {
		if l != nil {
			o.limiter = l
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.refreshTTL = ttl
		}
	}
}

// WithActivationTTL configures activation token lifetime.
func WithActivationTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.tokenTTL = ttl
		}
	}
}

// WithChainRevocation controls whether presenting an already rotated refresh
// token revokes every active refresh token of its owner.
func WithChainRevocation(enabled bool) Option {
	return func(o *options) {
		o.chainRevoke = enabled
	}
}

// WithDefaultRole names the role given to self-registered accounts. Empty
// leaves them without roles.
func WithDefaultRole(name string) Option {
	return func(o *options) {
		o.defaultRole = strings.TrimSpace(name)
	}
}
