package router

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/oidc"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

const RequestIDHeader = "X-Request-ID"

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// LoggingMiddleware tags every request with an id and logs it at debug level.
// An incoming X-Request-ID is kept.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" {
				reqID = utilities.NewKSUID()
			}
			w.Header().Set(RequestIDHeader, reqID)

			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debugw("http request",
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware sets common HTTP security headers. Responses
// carry credentials, so nothing is cacheable unless a handler says otherwise.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Cache-Control", "no-store")
			if h.Get("Content-Security-Policy") == "" {
				h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")
			}
			// HSTS only makes sense over TLS
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RegisterRoutes mounts the discovery, session, OAuth2 and admin endpoints on
// a http.ServeMux and wraps them with the security and logging middleware.
func RegisterRoutes(logger *zap.SugaredLogger, oidcHandler *oidc.Handler, authHandler *auth.Handler, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /.well-known/jwks.json", oidcHandler.JWKS)
	mux.HandleFunc("GET /.well-known/openid-configuration", oidcHandler.Discovery)

	mux.HandleFunc("POST /api/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/auth/login", authHandler.Login)
	mux.HandleFunc("POST /api/auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /api/auth/logout", authHandler.Logout)
	mux.HandleFunc("POST /api/auth/logout-all", authHandler.LogoutAll)
	mux.Handle("GET /api/auth/me", authHandler.Authenticate(http.HandlerFunc(authHandler.Me)))
	mux.HandleFunc("GET /api/auth/sessions", authHandler.Sessions)

	mux.HandleFunc("POST /oauth/token", authHandler.Token)
	mux.HandleFunc("POST /oauth/revoke", authHandler.Revoke)
	mux.HandleFunc("POST /oauth/introspect", authHandler.Introspect)

	mux.HandleFunc("GET /oauth2/authorization/{provider}", authHandler.FederatedStart)
	mux.HandleFunc("GET /login/oauth2/code/{provider}", authHandler.FederatedCallback)

	admin := func(h http.HandlerFunc) http.Handler {
		return authHandler.Authenticate(auth.RequireRole("ADMIN")(h))
	}
	mux.Handle("POST /internal/keys/rotate", admin(authHandler.RotateKeys))
	mux.Handle("POST /internal/users/{id}/disable", admin(authHandler.DisableUser))
	mux.Handle("POST /internal/users/{id}/enable", admin(authHandler.EnableUser))

	return LoggingMiddleware(logger)(SecurityHeadersMiddleware()(mux))
}
