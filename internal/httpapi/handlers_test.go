package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/crypto/bcrypt"

	"gestion.org/internal/auth"
	"gestion.org/internal/store/memory"
)

const (
	adminRoleID = "00000000-0000-0000-0000-000000000001"
	userRoleID  = "00000000-0000-0000-0000-000000000002"
)

type captureMailer struct {
	mu   sync.Mutex
	sent []auth.ActivationEmail
}

func (m *captureMailer) SendActivation(_ context.Context, msg auth.ActivationEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *captureMailer) SendRegistrationConfirmation(context.Context, string, string) error {
	return nil
}

func (m *captureMailer) last() auth.ActivationEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return auth.ActivationEmail{}
	}
	return m.sent[len(m.sent)-1]
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	store   *memory.Store
	mailer  *captureMailer
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	store := memory.New()
	store.Seed(time.Now().UTC())
	hasher, err := auth.NewBcryptHasher(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewBcryptHasher: %v", err)
	}
	signer, err := auth.NewSigner(auth.SignerConfig{Secret: "0123456789abcdef0123456789abcdef", Issuer: "gestion-test"})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	log, _ := test.NewNullLogger()
	mailer := &captureMailer{}
	opts := []auth.Option{auth.WithLogger(log)}
	svc := Services{
		Tokens:     auth.NewTokenService(store, signer, opts...),
		Gateway:    auth.NewGateway(store, hasher, nil, opts...),
		Access:     auth.NewAccessResolver(store),
		Activation: auth.NewActivation(store, hasher, mailer, append(opts, auth.WithDefaultRole("User"))...),
		Users:      auth.NewUserService(store, hasher, nil, mailer, opts...),
	}

	hash, err := hasher.Hash("root-password")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	store.PutUser(auth.User{
		ID: "u-root", Username: "root", Email: "root@corp.local", PasswordHash: hash,
		Status: auth.StatusActive, EmailConfirmed: true, IsActive: true,
	})
	store.PutUserRole(auth.UserRole{ID: "ur-root", UserID: "u-root", RoleID: adminRoleID, IsActive: true})

	api := New(store, svc, Options{Version: "test", RateBurst: 1000, RatePerSec: 1000})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		store:   store,
		mailer:  mailer,
	}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) expect(resp *http.Response, code int) {
	c.t.Helper()
	if resp.StatusCode != code {
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		c.t.Fatalf("expected status %d, got %d (%v)", code, resp.StatusCode, body)
	}
}

func (c *apiClient) login(username, password string) tokenResponse {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/login", map[string]string{"username": username, "password": password}, "")
	c.expect(resp, http.StatusOK)
	payload := decode[tokenResponse](c.t, resp)
	if payload.AccessToken == "" || payload.RefreshToken == "" {
		c.t.Fatalf("empty tokens issued")
	}
	return payload
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestLoginRefreshRevokeFlow(t *testing.T) {
	c := newTestAPI(t)

	tokens := c.login("root", "root-password")
	if tokens.User.UserID != "u-root" || tokens.TokenType != "Bearer" {
		t.Fatalf("unexpected login payload: %+v", tokens)
	}

	resp := c.do(http.MethodPost, "/v1/auth/refresh-token", map[string]string{"refresh_token": tokens.RefreshToken}, "")
	c.expect(resp, http.StatusOK)
	rotated := decode[tokenResponse](t, resp)
	if rotated.RefreshToken == tokens.RefreshToken {
		t.Fatalf("refresh token not rotated")
	}

	resp = c.do(http.MethodPost, "/v1/auth/refresh-token", map[string]string{"refresh_token": tokens.RefreshToken}, "")
	c.expect(resp, http.StatusUnauthorized)
	body := decode[map[string]any](t, resp)
	if body["error"] != "refresh token revoked" || body["request_id"] == "" {
		t.Fatalf("unexpected reuse body: %v", body)
	}

	resp = c.do(http.MethodPost, "/v1/auth/revoke-token", map[string]string{"refresh_token": rotated.RefreshToken}, "")
	c.expect(resp, http.StatusUnauthorized)
	resp.Body.Close()

	fresh := c.login("root", "root-password")
	resp = c.do(http.MethodPost, "/v1/auth/revoke-token", map[string]string{"refresh_token": fresh.RefreshToken}, fresh.AccessToken)
	c.expect(resp, http.StatusNoContent)
	resp.Body.Close()
	resp = c.do(http.MethodPost, "/v1/auth/revoke-token", map[string]string{"refresh_token": fresh.RefreshToken}, fresh.AccessToken)
	c.expect(resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestLoginFailuresLookAlike(t *testing.T) {
	c := newTestAPI(t)

	var bodies []map[string]any
	for _, creds := range []map[string]string{
		{"username": "nonexistent", "password": "x"},
		{"username": "root", "password": "wrongpass"},
	} {
		resp := c.do(http.MethodPost, "/v1/auth/login", creds, "")
		c.expect(resp, http.StatusUnauthorized)
		body := decode[map[string]any](t, resp)
		delete(body, "request_id")
		bodies = append(bodies, body)
	}
	if bodies[0]["error"] != bodies[1]["error"] || len(bodies[0]) != len(bodies[1]) {
		t.Fatalf("login failures differ: %v vs %v", bodies[0], bodies[1])
	}

	resp := c.do(http.MethodPost, "/v1/auth/login", map[string]any{"username": "root", "extra": true}, "")
	c.expect(resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestRegisterActivateWithCode(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/v1/account/register", map[string]any{
		"username": "bob",
		"email":    "bob@x.com",
		"password": "password-1",
	}, "")
	c.expect(resp, http.StatusCreated)
	user := decode[userResponse](t, resp)
	if user.EmailConfirmed || user.IsActive {
		t.Fatalf("registration must be pending: %+v", user)
	}

	resp = c.do(http.MethodPost, "/v1/auth/login", map[string]string{"username": "bob", "password": "password-1"}, "")
	c.expect(resp, http.StatusUnauthorized)
	resp.Body.Close()

	code := c.mailer.last().Code
	resp = c.do(http.MethodPost, "/v1/account/activate-with-code", map[string]string{"email": "bob@x.com", "code": code}, "")
	c.expect(resp, http.StatusOK)
	resp.Body.Close()
	resp = c.do(http.MethodPost, "/v1/account/activate-with-code", map[string]string{"email": "bob@x.com", "code": code}, "")
	c.expect(resp, http.StatusConflict)
	resp.Body.Close()

	tokens := c.login("bob", "password-1")
	resp = c.do(http.MethodGet, "/v1/menu", nil, tokens.AccessToken)
	c.expect(resp, http.StatusOK)
	menu := decode[[]auth.MenuEntry](t, resp)
	if len(menu) != 1 || menu[0].Name != "Reports" || len(menu[0].Children) != 1 {
		t.Fatalf("unexpected menu for User role: %+v", menu)
	}
	resp = c.do(http.MethodGet, "/v1/routes", nil, tokens.AccessToken)
	c.expect(resp, http.StatusOK)
	routes := decode[map[string][]string](t, resp)
	if len(routes["routes"]) != 1 || routes["routes"][0] != "/reports/sales" {
		t.Fatalf("unexpected routes: %v", routes)
	}

	resp = c.do(http.MethodPost, "/v1/account/register", map[string]any{
		"username": "BOB", "email": "other@x.com", "password": "password-1",
	}, "")
	c.expect(resp, http.StatusConflict)
	resp.Body.Close()
}

func TestRegisterCannotChooseRoles(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/v1/account/register", map[string]any{
		"username": "mallory",
		"email":    "mallory@x.com",
		"password": "password-1",
		"role_ids": []string{adminRoleID},
	}, "")
	c.expect(resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/account/register", map[string]any{
		"username": "mallory", "email": "mallory@x.com", "password": "password-1",
	}, "")
	c.expect(resp, http.StatusCreated)
	resp.Body.Close()
	resp = c.do(http.MethodPost, "/v1/account/activate", map[string]string{"token": c.mailer.last().Token}, "")
	c.expect(resp, http.StatusOK)
	resp.Body.Close()

	tokens := c.login("mallory", "password-1")
	if len(tokens.User.Roles) != 1 || tokens.User.Roles[0] != "User" {
		t.Fatalf("self-registered account must hold only the default role: %v", tokens.User.Roles)
	}
	resp = c.do(http.MethodPost, "/v1/users", map[string]any{
		"username": "eve", "email": "eve@x.com", "password": "password-1",
	}, tokens.AccessToken)
	c.expect(resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestRegisterRejectsOverlongPassword(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/v1/account/register", map[string]any{
		"username": "long", "email": "long@x.com", "password": strings.Repeat("p", 80),
	}, "")
	c.expect(resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestRevokeAllSessions(t *testing.T) {
	c := newTestAPI(t)
	first := c.login("root", "root-password")
	second := c.login("root", "root-password")

	resp := c.do(http.MethodPost, "/v1/auth/revoke-all", nil, "")
	c.expect(resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/auth/revoke-all", nil, second.AccessToken)
	c.expect(resp, http.StatusOK)
	if body := decode[map[string]int64](t, resp); body["revoked"] != 2 {
		t.Fatalf("expected both sessions revoked, got %v", body)
	}
	for _, rt := range []string{first.RefreshToken, second.RefreshToken} {
		resp = c.do(http.MethodPost, "/v1/auth/refresh-token", map[string]string{"refresh_token": rt}, "")
		c.expect(resp, http.StatusUnauthorized)
		resp.Body.Close()
	}
}

func TestActivateWithTokenAndResend(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/v1/account/register", map[string]any{
		"username": "dana", "email": "dana@x.com", "password": "password-1",
	}, "")
	c.expect(resp, http.StatusCreated)
	resp.Body.Close()
	first := c.mailer.last().Token

	resp = c.do(http.MethodPost, "/v1/account/resend-activation", map[string]string{"email": "dana@x.com"}, "")
	c.expect(resp, http.StatusAccepted)
	resp.Body.Close()
	second := c.mailer.last().Token

	resp = c.do(http.MethodPost, "/v1/account/activate", map[string]string{"token": first}, "")
	c.expect(resp, http.StatusBadRequest)
	resp.Body.Close()
	resp = c.do(http.MethodPost, "/v1/account/activate", map[string]string{"token": second}, "")
	c.expect(resp, http.StatusOK)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/account/resend-activation", map[string]string{"email": "ghost@x.com"}, "")
	c.expect(resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestChangePassword(t *testing.T) {
	c := newTestAPI(t)
	tokens := c.login("root", "root-password")

	resp := c.do(http.MethodPost, "/v1/account/change-password", map[string]string{
		"current_password": "root-password",
		"new_password":     "new-root-password",
		"confirm_password": "new-root-password",
	}, tokens.AccessToken)
	c.expect(resp, http.StatusNoContent)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/auth/refresh-token", map[string]string{"refresh_token": tokens.RefreshToken}, "")
	c.expect(resp, http.StatusUnauthorized)
	resp.Body.Close()
	c.login("root", "new-root-password")
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodGet, "/v1/menu", nil, "")
	c.expect(resp, http.StatusUnauthorized)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate challenge")
	}
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/v1/menu", nil, "not-a-token")
	c.expect(resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestHealthAndReady(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodGet, "/healthz", nil, "")
	c.expect(resp, http.StatusOK)
	body := decode[map[string]any](t, resp)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected health body: %v", body)
	}
	resp = c.do(http.MethodGet, "/readyz", nil, "")
	c.expect(resp, http.StatusOK)
	resp.Body.Close()

	api := New(failingReadiness{}, Services{}, Options{})
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
