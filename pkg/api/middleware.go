package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/starpay/pkg/crypto"
)

type requestIDKey struct{}

// RequestIDMiddleware injects a unique X-Request-ID into every request
// context and response header. A client-supplied X-Request-ID is reused.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext extracts the request ID, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// AdminTokenHeader gates the internal surface.
const AdminTokenHeader = "X-Admin-Token"

// AdminTokenMiddleware rejects requests whose X-Admin-Token header does not
// match the configured token: 401 when the header is missing, 403 on
// mismatch. Comparison is constant-time.
func AdminTokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AdminTokenHeader)
			if got == "" {
				WriteUnauthorized(w, r)
				return
			}
			if !crypto.EqualConstantTime(got, token) {
				WriteForbidden(w, r, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
