package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/fleetgate/control_plane/auth"
)

func echoTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, err := GetTenantFromContext(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Write([]byte(tenantID))
}

func TestTenantMiddleware(t *testing.T) {
	h := TenantMiddleware(http.HandlerFunc(echoTenant))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantHeader, "t1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "t1", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)
}

func TestAuthMiddleware(t *testing.T) {
	tokens, err := auth.NewTokens(strings.Repeat("k", 32), time.Hour)
	require.NoError(t, err)
	tok, err := tokens.Generate("t9", auth.RoleAgent, "agent-1")
	require.NoError(t, err)

	h := AuthMiddleware(tokens)(RequireRole(auth.RoleAgent)(http.HandlerFunc(echoTenant)))

	t.Run("bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/agent/heartbeat", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "t9", rec.Body.String())
	})

	t.Run("missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/agent/heartbeat", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("query token only on upgrade", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+tok, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		req.Header.Set("Upgrade", "websocket")
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong role", func(t *testing.T) {
		op, err := tokens.Generate("t9", auth.RoleOperator, "bob")
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/agent/heartbeat", nil)
		req.Header.Set("Authorization", "Bearer "+op)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestCORSPreflight(t *testing.T) {
	h := CORSMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight must not reach the handler")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/functions/router", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
