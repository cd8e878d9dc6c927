package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"
)

// Roles. Service principals are backend collaborators reporting login
// outcomes; they are not admitted to /admin.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleService  = "service"
)

// Principal is the authenticated admin caller.
type Principal struct {
	Subject string
	Role    string
}

type principalContextKey struct{}

// PrincipalFromContext returns the caller set by AdminAuth.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}

// Credential maps a bearer token to a principal.
type Credential struct {
	Token string
	Principal
}

// AuthFailure writes a 401 or 403.
type AuthFailure func(w http.ResponseWriter, r *http.Request, forbidden bool, message string)

// AdminAuth requires a bearer token matching one of creds.
func AdminAuth(creds []Credential, fail AuthFailure) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				fail(w, r, false, "bearer token required")
				return
			}
			for _, cred := range creds {
				if cred.Token != "" && subtle.ConstantTimeCompare([]byte(cred.Token), []byte(token)) == 1 {
					ctx := context.WithValue(r.Context(), principalContextKey{}, cred.Principal)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="admin", error="invalid_token"`)
			fail(w, r, false, "invalid bearer token")
		})
	}
}

// RequireRole rejects principals without role.
func RequireRole(role string, fail AuthFailure) func(http.Handler) http.Handler {
	return RequireAnyRole(fail, role)
}

// RequireAnyRole rejects principals holding none of roles.
func RequireAnyRole(fail AuthFailure, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				fail(w, r, false, "authentication required")
				return
			}
			if !slices.Contains(roles, p.Role) {
				fail(w, r, true, "role "+strings.Join(roles, " or ")+" required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
