package idempotency

import (
	"net/http"
)

// Header carries the client-chosen idempotency key.
const Header = "Idempotency-Key"

// TenantFunc resolves the tenant a key is scoped to.
type TenantFunc func(r *http.Request) (string, error)

// responseRecorder captures the response for replay.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// Middleware replays the first response for a repeated key. Server errors
// and rate limiting are not stored so the client may retry them.
func Middleware(store Store, tenant TenantFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(Header)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			tenantID, err := tenant(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			scoped := tenantID + ":" + r.URL.Path + ":" + key

			if resp, found := store.Get(r.Context(), scoped); found {
				for k, v := range resp.Headers {
					for _, val := range v {
						w.Header().Add(k, val)
					}
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(resp.StatusCode)
				w.Write(resp.Body)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode >= 500 || rec.statusCode == http.StatusTooManyRequests {
				return
			}
			store.Set(r.Context(), scoped, Response{
				StatusCode: rec.statusCode,
				Body:       rec.body,
				Headers:    rec.Header().Clone(),
			})
		})
	}
}
