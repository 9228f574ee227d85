package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

// TenantContextKey is a strict type for context keys to prevent collisions.
type TenantContextKey string

const (
	// TenantKey is the context key for the TenantID.
	TenantKey TenantContextKey = "tenant_id"
	// TenantHeader is the HTTP header expected to contain the TenantID.
	TenantHeader = "X-Tenant-ID"
)

var (
	ErrNoTenant = errors.New("tenant_id not found in context")
	ErrNoRole   = errors.New("role not found in context")
)

// TenantMiddleware trusts the X-Tenant-ID header. It is meant for local
// development; production deployments authenticate with AuthMiddleware.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantHeader)
		if tenantID == "" {
			tenantID = r.URL.Query().Get("tenant_id")
		}
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "missing required header "+TenantHeader)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
	})
}

// WithTenant returns ctx carrying tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantKey, tenantID)
}

// GetTenantFromContext safely retrieves the TenantID from the context.
func GetTenantFromContext(ctx context.Context) (string, error) {
	tenantID, ok := ctx.Value(TenantKey).(string)
	if !ok || tenantID == "" {
		return "", ErrNoTenant
	}
	return tenantID, nil
}

// TenantFromRequest adapts GetTenantFromContext to request-based callers.
func TenantFromRequest(r *http.Request) (string, error) {
	return GetTenantFromContext(r.Context())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
