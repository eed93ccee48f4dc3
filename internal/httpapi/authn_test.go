package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"gestion.org/internal/auth"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def", "abc.def", true},
		{"bearer   abc.def  ", "abc.def", true},
		{"", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bearer ", "", false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("extractBearerToken(%q) = %q, %v", tc.header, got, err)
		}
	}
}

func TestRequireAdmin(t *testing.T) {
	api := &API{adminRole: "Admin"}

	cases := []struct {
		name  string
		roles []string
		anon  bool
		code  int
	}{
		{"admin", []string{"admin"}, false, http.StatusOK},
		{"plain user", []string{"User"}, false, http.StatusForbidden},
		{"anonymous", nil, true, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
			if !tc.anon {
				req = req.WithContext(auth.ContextWithIdentity(req.Context(), auth.Identity{UserID: "u-1", Roles: tc.roles}))
			}
			rr := httptest.NewRecorder()
			if api.requireAdmin(rr, req) {
				rr.WriteHeader(http.StatusOK)
			}
			if rr.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rr.Code)
			}
		})
	}
}

func TestPublicPaths(t *testing.T) {
	for _, p := range []string{"/v1/auth/login", "/healthz", "/v1/account/activate-with-code"} {
		if !isPublicPath(p) {
			t.Fatalf("%s should be public", p)
		}
	}
	for _, p := range []string{"/v1/menu", "/v1/auth/revoke-token", "/v1/account/change-password", "/v1/users"} {
		if isPublicPath(p) {
			t.Fatalf("%s should require a token", p)
		}
	}
}
