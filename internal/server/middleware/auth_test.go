package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type authFailures struct {
	status  int
	message string
}

func (f *authFailures) write(w http.ResponseWriter, _ *http.Request, forbidden bool, message string) {
	f.status = http.StatusUnauthorized
	if forbidden {
		f.status = http.StatusForbidden
	}
	f.message = message
	w.WriteHeader(f.status)
}

func protected(creds []Credential, role string, fail *authFailures) (http.Handler, *Principal) {
	seen := &Principal{}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFromContext(r.Context())
		*seen = p
		w.WriteHeader(http.StatusOK)
	})
	var h http.Handler = inner
	if role != "" {
		h = RequireRole(role, fail.write)(h)
	}
	return AdminAuth(creds, fail.write)(h), seen
}

func TestAdminAuth(t *testing.T) {
	creds := []Credential{
		{Token: "t-admin", Principal: Principal{Subject: "alice", Role: RoleAdmin}},
		{Token: "t-ops", Principal: Principal{Subject: "bob", Role: RoleOperator}},
	}

	tests := []struct {
		name    string
		header  string
		role    string
		status  int
		subject string
	}{
		{name: "missing header", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic t-admin", status: http.StatusUnauthorized},
		{name: "unknown token", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "operator allowed", header: "Bearer t-ops", status: http.StatusOK, subject: "bob"},
		{name: "scheme case insensitive", header: "bearer t-admin", status: http.StatusOK, subject: "alice"},
		{name: "operator lacks admin role", header: "Bearer t-ops", role: RoleAdmin, status: http.StatusForbidden},
		{name: "admin has admin role", header: "Bearer t-admin", role: RoleAdmin, status: http.StatusOK, subject: "alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fail := &authFailures{}
			handler, seen := protected(creds, tt.role, fail)

			req := httptest.NewRequest(http.MethodGet, "/admin/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.subject, seen.Subject)
			if tt.status == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}

func TestAdminAuthIgnoresEmptyTokens(t *testing.T) {
	fail := &authFailures{}
	handler, _ := protected([]Credential{{Token: "", Principal: Principal{Subject: "x", Role: RoleAdmin}}}, "", fail)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRoleWithoutPrincipal(t *testing.T) {
	fail := &authFailures{}
	handler := RequireRole(RoleAdmin, fail.write)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "authentication required", fail.message)
}

func TestRequireAnyRoleKeepsServicePrincipalsOut(t *testing.T) {
	creds := []Credential{
		{Token: "t-ops", Principal: Principal{Subject: "bob", Role: RoleOperator}},
		{Token: "t-svc", Principal: Principal{Subject: "auth-api", Role: RoleService}},
	}
	fail := &authFailures{}
	handler := AdminAuth(creds, fail.write)(RequireAnyRole(fail.write, RoleAdmin, RoleOperator)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })))

	for token, status := range map[string]int{"t-ops": http.StatusOK, "t-svc": http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodGet, "/admin/sync-status", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, status, rec.Code, token)
	}
	assert.Equal(t, "role admin or operator required", fail.message)
}
