// Package directory authenticates users against an LDAP directory and looks up
// their attributes.
package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/sirupsen/logrus"

	"gestion.org/internal/auth"
	"gestion.org/internal/obs"
)

const usernamePlaceholder = "{username}"

// Settings configures the LDAP client.
type Settings struct {
	Enabled              bool
	Server               string
	Port                 int
	UseSSL               bool
	BindDN               string
	BindPassword         string
	SearchBase           string
	SearchFilter         string
	EmailAttribute       string
	DisplayNameAttribute string
	UsernameSuffix       string
	DefaultRole          string
	Timeout              time.Duration
}

// conn is the part of *ldap.Conn the client uses.
type conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

var _ auth.DirectoryClient = (*LDAP)(nil)

// LDAP is a DirectoryClient that opens one connection per operation. Every
// lookup binds with the service account first.
type LDAP struct {
	cfg  Settings
	log  logrus.FieldLogger
	dial func(ctx context.Context) (conn, error)
}

// NewLDAP returns a client for cfg. A disabled client answers every call with
// false or empty values and never dials.
func NewLDAP(cfg Settings, log logrus.FieldLogger) *LDAP {
	if log == nil {
		log = obs.Logger()
	}
	if cfg.Port == 0 {
		cfg.Port = 389
		if cfg.UseSSL {
			cfg.Port = 636
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	l := &LDAP{cfg: cfg, log: log.WithField("component", "directory")}
	l.dial = l.dialLDAP
	return l
}

func (l *LDAP) Enabled() bool { return l.cfg.Enabled }

func (l *LDAP) DefaultRoleName() string { return l.cfg.DefaultRole }

// Authenticate resolves the user's DN with the service account and binds as
// the user. A wrong password or unknown user is (false, nil); transport
// failures wrap auth.ErrDirectoryUnavailable.
func (l *LDAP) Authenticate(ctx context.Context, username, password string) (bool, error) {
	if !l.cfg.Enabled || username == "" || password == "" {
		return false, nil
	}
	started := time.Now()
	ok, err := l.authenticate(ctx, username, password)
	obs.ObserveDirectory("authenticate", resultLabel(ok, err), started)
	return ok, err
}

func (l *LDAP) authenticate(ctx context.Context, username, password string) (bool, error) {
	c, err := l.serviceConn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()

	entry, err := l.find(c, username, []string{"dn"})
	if err != nil {
		return false, err
	}
	if entry == nil {
		l.log.WithField("username", username).Warn("user not found in directory")
		return false, nil
	}
	if err := c.Bind(entry.DN, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			l.log.WithField("username", username).Info("directory rejected credentials")
			return false, nil
		}
		return false, unavailable("user bind", err)
	}
	return true, nil
}

// Email returns the mail attribute, falling back to username plus the
// configured suffix when the directory has none.
func (l *LDAP) Email(ctx context.Context, username string) (string, error) {
	if !l.cfg.Enabled {
		return "", nil
	}
	email, err := l.attribute(ctx, "email", username, l.cfg.EmailAttribute)
	if err != nil {
		return "", err
	}
	if email == "" && l.cfg.UsernameSuffix != "" {
		email = username + l.cfg.UsernameSuffix
	}
	return email, nil
}

func (l *LDAP) DisplayName(ctx context.Context, username string) (string, error) {
	if !l.cfg.Enabled {
		return "", nil
	}
	return l.attribute(ctx, "display_name", username, l.cfg.DisplayNameAttribute)
}

func (l *LDAP) UserExists(ctx context.Context, username string) (bool, error) {
	if !l.cfg.Enabled || username == "" {
		return false, nil
	}
	started := time.Now()
	ok, err := l.exists(ctx, username)
	obs.ObserveDirectory("exists", resultLabel(ok, err), started)
	return ok, err
}

func (l *LDAP) exists(ctx context.Context, username string) (bool, error) {
	c, err := l.serviceConn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()
	entry, err := l.find(c, username, []string{"dn"})
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

func (l *LDAP) attribute(ctx context.Context, op, username, attr string) (string, error) {
	if username == "" || attr == "" {
		return "", nil
	}
	started := time.Now()
	c, err := l.serviceConn(ctx)
	if err != nil {
		obs.ObserveDirectory(op, "error", started)
		return "", err
	}
	defer c.Close()

	entry, err := l.find(c, username, []string{attr})
	if err != nil {
		obs.ObserveDirectory(op, "error", started)
		return "", err
	}
	if entry == nil {
		obs.ObserveDirectory(op, "miss", started)
		return "", nil
	}
	obs.ObserveDirectory(op, "ok", started)
	return entry.GetAttributeValue(attr), nil
}

func (l *LDAP) serviceConn(ctx context.Context) (conn, error) {
	c, err := l.dial(ctx)
	if err != nil {
		return nil, unavailable("dial", err)
	}
	if err := c.Bind(l.cfg.BindDN, l.cfg.BindPassword); err != nil {
		_ = c.Close()
		return nil, unavailable("service bind", err)
	}
	return c, nil
}

// find returns the single entry matching the search filter for username. No
// match and an ambiguous match both yield nil.
func (l *LDAP) find(c conn, username string, attrs []string) (*ldap.Entry, error) {
	req := ldap.NewSearchRequest(
		l.cfg.SearchBase,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, int(l.cfg.Timeout/time.Second), false,
		Filter(l.cfg.SearchFilter, username),
		attrs,
		nil,
	)
	res, err := c.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, unavailable("search", err)
	}
	if len(res.Entries) != 1 {
		if len(res.Entries) > 1 {
			l.log.WithFields(logrus.Fields{
				"username": username,
				"matches":  len(res.Entries),
			}).Warn("ambiguous directory search, treated as not found")
		}
		return nil, nil
	}
	return res.Entries[0], nil
}

func (l *LDAP) dialLDAP(ctx context.Context) (conn, error) {
	scheme := "ldap"
	if l.cfg.UseSSL {
		scheme = "ldaps"
	}
	addr := scheme + "://" + net.JoinHostPort(l.cfg.Server, strconv.Itoa(l.cfg.Port))
	dialer := &net.Dialer{Timeout: l.cfg.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	c, err := ldap.DialURL(addr,
		ldap.DialWithDialer(dialer),
		ldap.DialWithTLSConfig(&tls.Config{ServerName: l.cfg.Server, MinVersion: tls.VersionTLS12}),
	)
	if err != nil {
		return nil, err
	}
	c.SetTimeout(l.cfg.Timeout)
	return c, nil
}

// Filter substitutes the escaped username into a search filter template.
func Filter(template, username string) string {
	return strings.ReplaceAll(template, usernamePlaceholder, ldap.EscapeFilter(username))
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", auth.ErrDirectoryUnavailable, op, err)
}

func resultLabel(ok bool, err error) string {
	switch {
	case err != nil && errors.Is(err, auth.ErrDirectoryUnavailable):
		return "unavailable"
	case err != nil:
		return "error"
	case ok:
		return "ok"
	default:
		return "miss"
	}
}
