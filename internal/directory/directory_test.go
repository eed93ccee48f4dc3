package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gestion.org/internal/auth"
)

const (
	serviceDN = "cn=svc,dc=corp,dc=local"
	servicePW = "svc-secret"
)

type fakeConn struct {
	dir      *fakeDirectory
	searches []string
}

type fakeDirectory struct {
	passwords map[string]string
	entries   map[string]*ldap.Entry
	extra     map[string][]*ldap.Entry
	searchErr error
	dials     int
	closed    int
}

func (d *fakeDirectory) dial(context.Context) (conn, error) {
	d.dials++
	return &fakeConn{dir: d}, nil
}

func (c *fakeConn) Bind(dn, password string) error {
	if dn == serviceDN && password == servicePW {
		return nil
	}
	if pw, ok := c.dir.passwords[dn]; ok && pw == password {
		return nil
	}
	return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
}

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.searches = append(c.searches, req.Filter)
	if c.dir.searchErr != nil {
		return nil, c.dir.searchErr
	}
	res := &ldap.SearchResult{}
	if e, ok := c.dir.entries[req.Filter]; ok {
		res.Entries = append(res.Entries, e)
	}
	res.Entries = append(res.Entries, c.dir.extra[req.Filter]...)
	return res, nil
}

func (c *fakeConn) Close() error {
	c.dir.closed++
	return nil
}

func newTestLDAP(t *testing.T, cfg Settings) (*LDAP, *fakeDirectory) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	dir := &fakeDirectory{
		passwords: map[string]string{"uid=ann,dc=corp,dc=local": "ann-pass"},
		entries: map[string]*ldap.Entry{
			"(uid=ann)": ldap.NewEntry("uid=ann,dc=corp,dc=local", map[string][]string{
				"mail":        {"ann@corp.local"},
				"displayName": {"Ann Lee"},
			}),
			"(uid=carl)": ldap.NewEntry("uid=carl,dc=corp,dc=local", map[string][]string{}),
		},
	}
	cfg.BindDN = serviceDN
	cfg.BindPassword = servicePW
	if cfg.SearchFilter == "" {
		cfg.SearchFilter = "(uid={username})"
	}
	cfg.EmailAttribute = "mail"
	cfg.DisplayNameAttribute = "displayName"
	l := NewLDAP(cfg, logger)
	l.dial = dir.dial
	return l, dir
}

func TestLDAPAuthenticate(t *testing.T) {
	ctx := context.Background()
	l, dir := newTestLDAP(t, Settings{Enabled: true})

	ok, err := l.Authenticate(ctx, "ann", "ann-pass")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Authenticate(ctx, "ann", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Authenticate(ctx, "nobody", "x")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, dir.dials, dir.closed, "every connection is closed")
}

func TestLDAPAmbiguousMatchIsNotFound(t *testing.T) {
	ctx := context.Background()
	l, dir := newTestLDAP(t, Settings{Enabled: true})
	dir.passwords["uid=ann,ou=other,dc=corp,dc=local"] = "ann-pass"
	dir.extra = map[string][]*ldap.Entry{
		"(uid=ann)": {ldap.NewEntry("uid=ann,ou=other,dc=corp,dc=local", map[string][]string{"mail": {"ann2@corp.local"}})},
	}

	ok, err := l.Authenticate(ctx, "ann", "ann-pass")
	require.NoError(t, err)
	assert.False(t, ok, "two matching entries must not authenticate")

	exists, err := l.UserExists(ctx, "ann")
	require.NoError(t, err)
	assert.False(t, exists)

	email, err := l.Email(ctx, "ann")
	require.NoError(t, err)
	assert.Empty(t, email)
}

func TestLDAPAuthenticateRejectsEmptyPasswordWithoutDialing(t *testing.T) {
	l, dir := newTestLDAP(t, Settings{Enabled: true})

	ok, err := l.Authenticate(context.Background(), "ann", "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, dir.dials)
}

func TestLDAPDisabledNeverDials(t *testing.T) {
	ctx := context.Background()
	l, dir := newTestLDAP(t, Settings{Enabled: false, DefaultRole: "Staff"})

	ok, err := l.Authenticate(ctx, "ann", "ann-pass")
	assert.NoError(t, err)
	assert.False(t, ok)
	email, err := l.Email(ctx, "ann")
	assert.NoError(t, err)
	assert.Empty(t, email)
	exists, err := l.UserExists(ctx, "ann")
	assert.NoError(t, err)
	assert.False(t, exists)
	assert.False(t, l.Enabled())
	assert.Equal(t, "Staff", l.DefaultRoleName())
	assert.Zero(t, dir.dials)
}

func TestLDAPAttributes(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLDAP(t, Settings{Enabled: true, UsernameSuffix: "@corp.local"})

	email, err := l.Email(ctx, "ann")
	require.NoError(t, err)
	assert.Equal(t, "ann@corp.local", email)

	name, err := l.DisplayName(ctx, "ann")
	require.NoError(t, err)
	assert.Equal(t, "Ann Lee", name)

	email, err = l.Email(ctx, "carl")
	require.NoError(t, err)
	assert.Equal(t, "carl@corp.local", email, "suffix fallback")

	exists, err := l.UserExists(ctx, "carl")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLDAPTransportFailureIsUnavailable(t *testing.T) {
	l, dir := newTestLDAP(t, Settings{Enabled: true})
	dir.searchErr = ldap.NewError(ldap.ErrorNetwork, errors.New("connection reset"))

	_, err := l.Authenticate(context.Background(), "ann", "ann-pass")
	assert.ErrorIs(t, err, auth.ErrDirectoryUnavailable)
}

func TestFilterEscapesUsername(t *testing.T) {
	got := Filter("(&(objectClass=user)(sAMAccountName={username}))", "a*)(uid=*")
	assert.Equal(t, `(&(objectClass=user)(sAMAccountName=a\2a\29\28uid=\2a))`, got)
}

type countingClient struct {
	enabled bool
	calls   map[string]int
	exists  bool
	email   string
	authOK  bool
	err     error
}

func newCounting() *countingClient {
	return &countingClient{enabled: true, calls: map[string]int{}, email: "ann@corp.local", authOK: true}
}

func (c *countingClient) Enabled() bool           { return c.enabled }
func (c *countingClient) DefaultRoleName() string { return "Staff" }
func (c *countingClient) Authenticate(context.Context, string, string) (bool, error) {
	c.calls["auth"]++
	return c.authOK, c.err
}
func (c *countingClient) Email(context.Context, string) (string, error) {
	c.calls["email"]++
	return c.email, c.err
}
func (c *countingClient) DisplayName(context.Context, string) (string, error) {
	c.calls["name"]++
	return "", c.err
}
func (c *countingClient) UserExists(context.Context, string) (bool, error) {
	c.calls["exists"]++
	return c.exists, c.err
}

func TestCachedAttributes(t *testing.T) {
	ctx := context.Background()
	next := newCounting()
	c := NewCached(next, CacheConfig{})

	for i := 0; i < 3; i++ {
		email, err := c.Email(ctx, "Ann")
		require.NoError(t, err)
		assert.Equal(t, "ann@corp.local", email)
	}
	assert.Equal(t, 1, next.calls["email"])

	for i := 0; i < 2; i++ {
		_, _ = c.DisplayName(ctx, "ann")
	}
	assert.Equal(t, 2, next.calls["name"], "empty values are not cached")

	c.Forget("ann")
	_, _ = c.Email(ctx, "ann")
	assert.Equal(t, 2, next.calls["email"])
}

func TestCachedAuthenticatePrimesExistence(t *testing.T) {
	ctx := context.Background()
	next := newCounting()
	c := NewCached(next, CacheConfig{})

	ok, err := c.Authenticate(ctx, "ann", "pw")
	require.NoError(t, err)
	require.True(t, ok)
	_, _ = c.Authenticate(ctx, "ann", "pw")
	assert.Equal(t, 2, next.calls["auth"], "authentication is never cached")

	exists, err := c.UserExists(ctx, "ann")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Zero(t, next.calls["exists"])
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	next := newCounting()
	next.err = auth.ErrDirectoryUnavailable
	c := NewCached(next, CacheConfig{ExistsTTL: time.Minute})

	_, err := c.UserExists(ctx, "ann")
	require.Error(t, err)
	next.err = nil
	next.exists = true
	exists, err := c.UserExists(ctx, "ann")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 2, next.calls["exists"])
}

func TestCachedDisabled(t *testing.T) {
	next := newCounting()
	next.enabled = false
	c := NewCached(next, CacheConfig{})

	email, err := c.Email(context.Background(), "ann")
	require.NoError(t, err)
	assert.Empty(t, email)
	assert.Zero(t, next.calls["email"])
}
