package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/oidc"
)

type ctxKey struct{}

// IdentityFrom returns the identity attached by Authenticate.
func IdentityFrom(ctx context.Context) (oidc.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(oidc.Identity)
	return id, ok
}

func withIdentity(ctx context.Context, id oidc.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// accessToken reads the bearer header, falling back to the access cookie.
func accessToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if c, err := r.Cookie(AccessCookie); err == nil {
		return c.Value
	}
	return ""
}

// Authenticate rejects requests without a valid access token and stores the
// caller's identity in the request context.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.svc.Me(accessToken(r))
		if err != nil {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// RequireRole must run after Authenticate.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok || !id.HasRole(role) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
