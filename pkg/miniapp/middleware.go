package miniapp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/starpay/pkg/api"
)

// InitDataHeader carries the raw initData blob when the client does not
// use the Authorization scheme.
const InitDataHeader = "X-Telegram-Init-Data"

// authScheme is the Authorization prefix Telegram's SDKs use for initData.
const authScheme = "tma "

type identityKey struct{}

// IdentityFromContext extracts the verified caller identity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// WithIdentity attaches a verified identity to the context. Exposed for
// handler tests.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// Middleware verifies the initData blob on every request and attaches the
// caller identity to the context. Requests without a valid signature get
// 403 and never reach the wrapped handler.
func Middleware(botToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := initDataFromRequest(r)
			if raw == "" {
				api.WriteForbidden(w, r, "signature")
				return
			}
			id, err := Verify(raw, botToken)
			if err != nil {
				logger.WarnContext(r.Context(), "init data rejected",
					"path", r.URL.Path, "error", err)
				api.WriteForbidden(w, r, "signature")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func initDataFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, authScheme) {
		return strings.TrimPrefix(auth, authScheme)
	}
	return r.Header.Get(InitDataHeader)
}
