package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/itskum47/fleetgate/control_plane/auth"
)

// Context keys
const (
	RoleContextKey   TenantContextKey = "role"
	ClaimsContextKey TenantContextKey = "claims"
)

// AuthMiddleware enforces JWT authentication. The token is read from the
// Authorization header, or from the access_token query parameter for
// WebSocket upgrades where browsers cannot set headers.
func AuthMiddleware(tokens *auth.Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearer(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header, expected 'Bearer <token>'")
				return
			}

			claims, err := tokens.Validate(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized: "+err.Error())
				return
			}

			ctx := WithTenant(r.Context(), claims.TenantID)
			ctx = context.WithValue(ctx, RoleContextKey, claims.Role)
			ctx = context.WithValue(ctx, ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if t := r.URL.Query().Get("access_token"); t != "" && websocketUpgrade(r) {
			return t, true
		}
		return "", false
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// RequireRole rejects callers whose role is not in roles. Requests without
// a role (header auth in dev) pass.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, err := GetRoleFromContext(r.Context())
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "role "+role+" may not call this endpoint")
		})
	}
}

// GetRoleFromContext retrieves the role from the context.
func GetRoleFromContext(ctx context.Context) (string, error) {
	role, ok := ctx.Value(RoleContextKey).(string)
	if !ok {
		return "", ErrNoRole
	}
	return role, nil
}
