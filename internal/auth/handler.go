package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/refresh"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user"
)

// Handler exposes the cookie based session API and the OAuth2 token endpoints.
type Handler struct {
	svc       *Service
	cookies   CookieConfig
	logger    *zap.SugaredLogger
	providers map[string]federation
}

type federation struct {
	provider        IdentityProvider
	successRedirect string
}

const (
	stateCookie    = "oauth_state"
	verifierCookie = "oauth_verifier"
	federationPath = "/login/oauth2/"
)

func NewHandler(svc *Service, cookies CookieConfig, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, cookies: cookies, logger: logger, providers: map[string]federation{}}
}

// AddProvider enables sign-in through p. Completed sign-ins redirect to successRedirect.
func (h *Handler) AddProvider(p IdentityProvider, successRedirect string) {
	h.providers[p.Name()] = federation{provider: p, successRedirect: successRedirect}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req Credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	id, err := h.svc.Register(r.Context(), req.Email, req.Password)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	case errors.Is(err, user.ErrEmailTaken):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "email already registered"})
	case errors.Is(err, user.ErrInvalidSignup):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid email or password"})
	default:
		h.fail(w, r, err)
	}
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req Credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	pair, err := h.svc.Login(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.setSession(w, pair)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(pair.AccessExpiresIn.Seconds()),
	})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := refreshSecret(r)
	if raw == "" {
		unauthorized(w)
		return
	}
	pair, err := h.svc.Refresh(r.Context(), raw)
	if err != nil {
		h.clearSession(w)
		h.fail(w, r, err)
		return
	}
	h.setSession(w, pair)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(pair.AccessExpiresIn.Seconds()),
	})
}

// Logout always clears the cookies. A replayed secret still triggers reuse
// handling and is reported as unauthorized.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Logout(r.Context(), refreshSecret(r))
	h.clearSession(w)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll revokes every session of the caller and clears the cookies.
func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	raw := refreshSecret(r)
	if raw == "" {
		unauthorized(w)
		return
	}
	err := h.svc.LogoutAll(r.Context(), raw)
	h.clearSession(w)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DisableUser(w http.ResponseWriter, r *http.Request) {
	h.setUserStatus(w, r, h.svc.DisableUser)
}

func (h *Handler) EnableUser(w http.ResponseWriter, r *http.Request) {
	h.setUserStatus(w, r, h.svc.EnableUser)
}

func (h *Handler) setUserStatus(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	err := apply(r.Context(), id)
	switch {
	case err == nil:
		admin, _ := IdentityFrom(r.Context())
		h.logger.Infow("user status changed", "user_id", id, "path", r.URL.Path, "by", admin.UserID)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
	default:
		h.fail(w, r, err)
	}
}

// FederatedStart redirects the browser to the provider named in the path.
func (h *Handler) FederatedStart(w http.ResponseWriter, r *http.Request) {
	f, ok := h.providers[r.PathValue("provider")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	state, verifier := oauth2.GenerateVerifier(), oauth2.GenerateVerifier()
	h.setFlowCookie(w, stateCookie, state, 600)
	h.setFlowCookie(w, verifierCookie, verifier, 600)
	http.Redirect(w, r, f.provider.AuthCodeURL(state, verifier), http.StatusFound)
}

// FederatedCallback completes the authorization code flow and opens a session.
func (h *Handler) FederatedCallback(w http.ResponseWriter, r *http.Request) {
	f, ok := h.providers[r.PathValue("provider")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	state, serr := r.Cookie(stateCookie)
	verifier, verr := r.Cookie(verifierCookie)
	h.setFlowCookie(w, stateCookie, "", -1)
	h.setFlowCookie(w, verifierCookie, "", -1)

	q := r.URL.Query()
	if serr != nil || verr != nil || q.Get("error") != "" || q.Get("code") == "" ||
		subtle.ConstantTimeCompare([]byte(state.Value), []byte(q.Get("state"))) != 1 {
		h.logger.Debugw("federated callback rejected", "provider", f.provider.Name(), "provider_error", q.Get("error"))
		unauthorized(w)
		return
	}
	ext, err := f.provider.Exchange(r.Context(), q.Get("code"), verifier.Value)
	if err != nil {
		h.logger.Warnw("federated exchange failed", "provider", f.provider.Name(), "err", err)
		unauthorized(w)
		return
	}
	pair, err := h.svc.LoginFederated(r.Context(), ext)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.setSession(w, pair)
	http.Redirect(w, r, f.successRedirect, http.StatusFound)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		var err error
		if id, err = h.svc.Me(accessToken(r)); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, id)
}

func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.Sessions(r.Context(), refreshSecret(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) RotateKeys(w http.ResponseWriter, r *http.Request) {
	kid, err := h.svc.RotateSigningKey()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"kid": kid})
}

// Token implements the OAuth2 password and refresh_token grants.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	var (
		pair TokenPair
		err  error
	)
	switch r.Form.Get("grant_type") {
	case "password":
		pair, err = h.svc.Login(r.Context(), Credentials{Email: r.Form.Get("username"), Password: r.Form.Get("password")})
	case "refresh_token":
		rt := r.Form.Get("refresh_token")
		if rt == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
			return
		}
		pair, err = h.svc.Refresh(r.Context(), rt)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(pair.AccessExpiresIn.Seconds()),
	})
}

// Revoke implements RFC 7009 token revocation. It answers 200 even when the
// token is unknown or already revoked.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	token := r.Form.Get("token")
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if err := h.svc.Revoke(r.Context(), token); err != nil {
		h.logger.Warnw("token revocation", "err", err)
	}
	w.WriteHeader(http.StatusOK)
}

// Introspect implements RFC 7662 introspection for refresh and access tokens.
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	token := r.Form.Get("token")
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Introspect(r.Context(), token))
}

// fail maps service errors to responses. Authentication failures never say which check failed.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, refresh.ErrInvalidRefreshToken),
		errors.Is(err, refresh.ErrExpiredToken),
		errors.Is(err, refresh.ErrReuseDetected):
		h.logger.Debugw("request unauthorized", "path", r.URL.Path, "err", err)
		unauthorized(w)
	default:
		h.logger.Errorw("request failed", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func refreshSecret(r *http.Request) string {
	if c, err := r.Cookie(RefreshCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if r.Method == http.MethodPost {
		return r.PostFormValue(RefreshCookie)
	}
	return ""
}

func (h *Handler) setSession(w http.ResponseWriter, pair TokenPair) {
	h.setCookie(w, AccessCookie, pair.AccessToken, int(pair.AccessExpiresIn.Seconds()))
	h.setCookie(w, RefreshCookie, pair.RefreshToken, int(time.Until(pair.RefreshExpiresAt).Seconds()))
}

func (h *Handler) clearSession(w http.ResponseWriter) {
	h.setCookie(w, AccessCookie, "", -1)
	h.setCookie(w, RefreshCookie, "", -1)
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.cookies.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: h.cookies.SameSite,
	})
}

// setFlowCookie holds short-lived authorization flow state. It must survive
// the top-level redirect back from the provider, hence SameSite=Lax.
func (h *Handler) setFlowCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     federationPath,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
