package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/crypto/bcrypt"

	"gestion.org/internal/auth"
	"gestion.org/internal/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newHasher(t *testing.T) *auth.BcryptHasher {
	t.Helper()
	h, err := auth.NewBcryptHasher(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewBcryptHasher: %v", err)
	}
	return h
}

func newSigner(t *testing.T, c *clock) *auth.Signer {
	t.Helper()
	s, err := auth.NewSigner(auth.SignerConfig{Secret: testSecret, Issuer: "gestion-test", AccessTTL: 15 * time.Minute, Now: c.Now})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func quietLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

// seedUser stores an active local user with the given password and roles.
func seedUser(t *testing.T, store *memory.Store, h auth.PasswordHasher, id, username, password string, roleIDs ...string) auth.User {
	t.Helper()
	hash, err := h.Hash(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	u := auth.User{
		ID:             id,
		Username:       username,
		Email:          username + "@corp.local",
		PasswordHash:   hash,
		Status:         auth.StatusActive,
		EmailConfirmed: true,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	store.PutUser(u)
	for _, roleID := range roleIDs {
		store.PutUserRole(auth.UserRole{ID: id + "-" + roleID, UserID: id, RoleID: roleID, IsActive: true, CreatedAt: now})
	}
	return u
}

func seedRole(store *memory.Store, id, name string) {
	store.PutRole(auth.Role{ID: id, Name: name, IsActive: true})
}

type fakeDirectory struct {
	enabled     bool
	defaultRole string
	users       map[string]string
	emails      map[string]string
	names       map[string]string
	err         error
	calls       int
	forgotten   []string
}

func (d *fakeDirectory) Enabled() bool           { return d.enabled }
func (d *fakeDirectory) DefaultRoleName() string { return d.defaultRole }

func (d *fakeDirectory) Authenticate(_ context.Context, username, password string) (bool, error) {
	d.calls++
	if d.err != nil {
		return false, d.err
	}
	want, ok := d.users[username]
	return ok && want == password, nil
}

func (d *fakeDirectory) Email(_ context.Context, username string) (string, error) {
	return d.emails[username], nil
}

func (d *fakeDirectory) DisplayName(_ context.Context, username string) (string, error) {
	return d.names[username], nil
}

func (d *fakeDirectory) UserExists(_ context.Context, username string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	_, ok := d.users[username]
	return ok, nil
}

func (d *fakeDirectory) Forget(username string) {
	d.forgotten = append(d.forgotten, username)
}

type recordingMailer struct {
	mu            sync.Mutex
	activations   []auth.ActivationEmail
	confirmations []string
}

func (m *recordingMailer) SendActivation(_ context.Context, msg auth.ActivationEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activations = append(m.activations, msg)
	return nil
}

func (m *recordingMailer) SendRegistrationConfirmation(_ context.Context, email, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmations = append(m.confirmations, email)
	return nil
}

func (m *recordingMailer) last(t *testing.T) auth.ActivationEmail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.activations) == 0 {
		t.Fatalf("no activation email sent")
	}
	return m.activations[len(m.activations)-1]
}
