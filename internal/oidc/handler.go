package oidc

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Handler serves the discovery document and the public key set.
type Handler struct {
	svc    *OIDCService
	logger *zap.SugaredLogger
}

func NewHandler(svc *OIDCService, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Discovery(w http.ResponseWriter, r *http.Request) {
	issuer := h.svc.Issuer()
	out := map[string]any{
		"issuer":                                issuer,
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"token_endpoint":                        issuer + "/oauth/token",
		"userinfo_endpoint":                     issuer + "/api/auth/me",
		"revocation_endpoint":                   issuer + "/oauth/revoke",
		"introspection_endpoint":                issuer + "/oauth/introspect",
		"grant_types_supported":                 []string{"password", "refresh_token"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	set := h.svc.JWKS()
	h.logger.Debugw("jwks served", "keys", len(set.Keys), "active_kid", h.svc.ActiveKid())
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, set)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
