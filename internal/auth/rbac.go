package auth

import (
	"net/http"
	"slices"
)

// Supabase token roles.
const (
	RoleAuthenticated = "authenticated"
	RoleService       = "service_role"
)

// RequireRole allows the request through only when the token role is one
// of roles. It must run after Authenticate.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeError(w, http.StatusForbidden, "no user in context")
				return
			}
			if !slices.Contains(roles, claims.Role) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
