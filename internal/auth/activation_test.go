package auth_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gestion.org/internal/auth"
	"gestion.org/internal/store/memory"
	"gestion.org/internal/throttle"
)

type activationFixture struct {
	store  *memory.Store
	clock  *clock
	mailer *recordingMailer
	act    *auth.Activation
}

func newActivationFixture(t *testing.T, opts ...auth.Option) *activationFixture {
	t.Helper()
	store := memory.New()
	seedRole(store, "r-user", "User")
	c := newClock()
	mailer := &recordingMailer{}
	opts = append([]auth.Option{auth.WithClock(c.Now), auth.WithLogger(quietLogger()), auth.WithDefaultRole("User")}, opts...)
	return &activationFixture{
		store:  store,
		clock:  c,
		mailer: mailer,
		act:    auth.NewActivation(store, newHasher(t), mailer, opts...),
	}
}

func (f *activationFixture) register(t *testing.T, username, email string) (*auth.User, *auth.ActivationToken) {
	t.Helper()
	u, tok, err := f.act.Register(context.Background(), auth.RegisterInput{
		Username: username,
		Email:    email,
		Password: "password-1",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return u, tok
}

func TestDeriveCode(t *testing.T) {
	if got := auth.DeriveCode(""); got != "000000" {
		t.Fatalf("empty token code = %s", got)
	}
	a := auth.DeriveCode("token-a")
	if a != auth.DeriveCode("token-a") {
		t.Fatalf("code is not deterministic")
	}
	for _, tok := range []string{"token-a", "token-b", "x", "a much longer activation token value"} {
		code := auth.DeriveCode(tok)
		if len(code) != 6 || code < "100000" || code > "999999" {
			t.Fatalf("code %q for %q out of range", code, tok)
		}
	}
}

func TestBobActivatesWithCodeOnce(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	bob, tok := f.register(t, "bob", "bob@x.com")

	if bob.EmailConfirmed || bob.IsActive || bob.Status != auth.StatusActive {
		t.Fatalf("new registration must be pending: %+v", bob)
	}
	if !tok.ExpiresAt.Equal(f.clock.Now().Add(7 * 24 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", tok.ExpiresAt)
	}
	sent := f.mailer.last(t)
	if sent.To != "bob@x.com" || sent.Token != tok.Token || sent.Code != auth.DeriveCode(tok.Token) {
		t.Fatalf("unexpected activation email: %+v", sent)
	}

	if err := f.act.ActivateWithCode(ctx, "Bob@X.com", auth.DeriveCode(tok.Token)); err != nil {
		t.Fatalf("ActivateWithCode: %v", err)
	}
	if err := f.act.ActivateWithCode(ctx, "bob@x.com", auth.DeriveCode(tok.Token)); !errors.Is(err, auth.ErrAlreadyActivated) {
		t.Fatalf("expected ErrAlreadyActivated, got %v", err)
	}
	u, _ := f.store.Users(ctx).Find(ctx, bob.ID)
	if !u.Usable() {
		t.Fatalf("activated user must be usable: %+v", u)
	}
}

func TestActivateWithTokenSingleUse(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	_, tok := f.register(t, "dana", "dana@x.com")

	if err := f.act.ActivateWithToken(ctx, tok.Token); err != nil {
		t.Fatalf("ActivateWithToken: %v", err)
	}
	if err := f.act.ActivateWithToken(ctx, tok.Token); !errors.Is(err, auth.ErrInvalidOrExpiredActivation) {
		t.Fatalf("expected ErrInvalidOrExpiredActivation on reuse, got %v", err)
	}
	if err := f.act.ActivateWithToken(ctx, "nope"); !errors.Is(err, auth.ErrInvalidOrExpiredActivation) {
		t.Fatalf("expected ErrInvalidOrExpiredActivation, got %v", err)
	}
}

func TestActivationExpires(t *testing.T) {
	f := newActivationFixture(t, auth.WithActivationTTL(time.Hour))
	ctx := context.Background()
	_, tok := f.register(t, "eve", "eve@x.com")

	f.clock.Advance(time.Hour)
	if err := f.act.ActivateWithToken(ctx, tok.Token); !errors.Is(err, auth.ErrInvalidOrExpiredActivation) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if err := f.act.ActivateWithCode(ctx, "eve@x.com", auth.DeriveCode(tok.Token)); !errors.Is(err, auth.ErrInvalidOrExpiredActivation) {
		t.Fatalf("expected expiry for code, got %v", err)
	}
}

func TestResendInvalidatesOutstanding(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	_, first := f.register(t, "fay", "fay@x.com")

	second, err := f.act.ResendActivation(ctx, "FAY@x.com")
	if err != nil {
		t.Fatalf("ResendActivation: %v", err)
	}
	if second.Token == first.Token {
		t.Fatalf("expected a new token")
	}
	if err := f.act.ActivateWithToken(ctx, first.Token); !errors.Is(err, auth.ErrInvalidOrExpiredActivation) {
		t.Fatalf("old token must be invalidated, got %v", err)
	}
	if err := f.act.ActivateWithToken(ctx, second.Token); err != nil {
		t.Fatalf("ActivateWithToken: %v", err)
	}
	if _, err := f.act.ResendActivation(ctx, "fay@x.com"); !errors.Is(err, auth.ErrAlreadyActivated) {
		t.Fatalf("expected ErrAlreadyActivated, got %v", err)
	}
	if _, err := f.act.ResendActivation(ctx, "ghost@x.com"); !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestActivationCodeThrottled(t *testing.T) {
	f := newActivationFixture(t, auth.WithLimiter(throttle.NewLocal(3, time.Hour)))
	ctx := context.Background()
	_, tok := f.register(t, "gus", "gus@x.com")
	code := auth.DeriveCode(tok.Token)
	wrong := "100000"
	if wrong == code {
		wrong = "100001"
	}

	for i := 0; i < 3; i++ {
		if err := f.act.ActivateWithCode(ctx, "gus@x.com", wrong); !errors.Is(err, auth.ErrInvalidOrExpiredActivation) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if err := f.act.ActivateWithCode(ctx, "gus@x.com", code); !errors.Is(err, auth.ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	f := newActivationFixture(t)
	ctx := context.Background()
	f.register(t, "hal", "hal@x.com")

	cases := []struct {
		name string
		in   auth.RegisterInput
		want error
	}{
		{"duplicate username", auth.RegisterInput{Username: "HAL", Email: "other@x.com", Password: "password-1"}, auth.ErrDuplicateUsernameOrEmail},
		{"duplicate email", auth.RegisterInput{Username: "hal2", Email: "Hal@X.com", Password: "password-1"}, auth.ErrDuplicateUsernameOrEmail},
		{"short password", auth.RegisterInput{Username: "ivy", Email: "ivy@x.com", Password: "short"}, auth.ErrInvalidInput},
		{"password over 72 bytes", auth.RegisterInput{Username: "ivy", Email: "ivy@x.com", Password: strings.Repeat("p", 80)}, auth.ErrInvalidInput},
		{"bad email", auth.RegisterInput{Username: "ivy", Email: "ivy", Password: "password-1"}, auth.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := f.act.Register(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestRegisterAssignsDefaultRoleOnly(t *testing.T) {
	f := newActivationFixture(t)
	seedRole(f.store, "r-admin", "Admin")
	ctx := context.Background()

	u, _ := f.register(t, "jan", "jan@x.com")
	ids, err := f.store.Access(ctx).RoleIDsForUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("RoleIDsForUser: %v", err)
	}
	if len(ids) != 1 || ids[0] != "r-user" {
		t.Fatalf("expected only the default role, got %v", ids)
	}
}

func TestRegisterWithoutDefaultRole(t *testing.T) {
	f := newActivationFixture(t, auth.WithDefaultRole("Missing"))
	ctx := context.Background()

	u, _ := f.register(t, "kim", "kim@x.com")
	ids, err := f.store.Access(ctx).RoleIDsForUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("RoleIDsForUser: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no roles, got %v", ids)
	}
}
