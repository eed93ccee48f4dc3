package directory

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"gestion.org/internal/auth"
	"gestion.org/internal/obs"
)

const (
	DefaultExistsTTL     = 30 * time.Minute
	DefaultAttributesTTL = 2 * time.Hour
	defaultCacheSize     = 4096
)

var _ auth.DirectoryClient = (*Cached)(nil)

// Cached reduces repeated directory lookups. Existence and attribute answers are
// kept with a sliding expiry; a hit extends the entry's lifetime. Authenticate
// is never cached and primes the existence cache on success.
type Cached struct {
	next   auth.DirectoryClient
	exists *lru.LRU[string, bool]
	email  *lru.LRU[string, string]
	names  *lru.LRU[string, string]
}

// CacheConfig sizes the caches. Zero values select the defaults.
type CacheConfig struct {
	Size          int
	ExistsTTL     time.Duration
	AttributesTTL time.Duration
}

// NewCached wraps next with in-memory caches.
func NewCached(next auth.DirectoryClient, cfg CacheConfig) *Cached {
	if cfg.Size <= 0 {
		cfg.Size = defaultCacheSize
	}
	if cfg.ExistsTTL <= 0 {
		cfg.ExistsTTL = DefaultExistsTTL
	}
	if cfg.AttributesTTL <= 0 {
		cfg.AttributesTTL = DefaultAttributesTTL
	}
	return &Cached{
		next:   next,
		exists: lru.NewLRU[string, bool](cfg.Size, nil, cfg.ExistsTTL),
		email:  lru.NewLRU[string, string](cfg.Size, nil, cfg.AttributesTTL),
		names:  lru.NewLRU[string, string](cfg.Size, nil, cfg.AttributesTTL),
	}
}

func (c *Cached) Enabled() bool { return c.next.Enabled() }

func (c *Cached) DefaultRoleName() string { return c.next.DefaultRoleName() }

func (c *Cached) Authenticate(ctx context.Context, username, password string) (bool, error) {
	ok, err := c.next.Authenticate(ctx, username, password)
	if err == nil && ok {
		c.exists.Add(cacheKey(username), true)
	}
	return ok, err
}

func (c *Cached) UserExists(ctx context.Context, username string) (bool, error) {
	if !c.next.Enabled() {
		return false, nil
	}
	key := cacheKey(username)
	if v, ok := c.exists.Get(key); ok {
		c.exists.Add(key, v)
		obs.ObserveCache("exists", true)
		return v, nil
	}
	obs.ObserveCache("exists", false)
	v, err := c.next.UserExists(ctx, username)
	if err != nil {
		return false, err
	}
	c.exists.Add(key, v)
	return v, nil
}

func (c *Cached) Email(ctx context.Context, username string) (string, error) {
	return c.attribute(ctx, "email", c.email, username, c.next.Email)
}

func (c *Cached) DisplayName(ctx context.Context, username string) (string, error) {
	return c.attribute(ctx, "display_name", c.names, username, c.next.DisplayName)
}

func (c *Cached) attribute(
	ctx context.Context,
	name string,
	cache *lru.LRU[string, string],
	username string,
	load func(context.Context, string) (string, error),
) (string, error) {
	if !c.next.Enabled() {
		return "", nil
	}
	key := cacheKey(username)
	if v, ok := cache.Get(key); ok {
		cache.Add(key, v)
		obs.ObserveCache(name, true)
		return v, nil
	}
	obs.ObserveCache(name, false)
	v, err := load(ctx, username)
	if err != nil {
		return "", err
	}
	if v != "" {
		cache.Add(key, v)
	}
	return v, nil
}

// Forget drops everything cached about username.
func (c *Cached) Forget(username string) {
	key := cacheKey(username)
	c.exists.Remove(key)
	c.email.Remove(key)
	c.names.Remove(key)
}

func cacheKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
