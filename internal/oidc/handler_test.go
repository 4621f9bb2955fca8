package oidc

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/metrics"
)

func newTestService(t *testing.T) (*OIDCService, *KeyRing) {
	t.Helper()
	ring := newTestRing(t)
	cfg := Config{Issuer: testIssuer, AccessTTL: time.Minute, KeyBits: 2048}
	return NewOIDCService(cfg, ring, nil, metrics.New(prometheus.NewRegistry())), ring
}

func TestHandlerJWKS(t *testing.T) {
	svc, ring := newTestService(t)
	h := NewHandler(svc, nil)

	rec := httptest.NewRecorder()
	h.JWKS(rec, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var set JWKS
	if err := json.NewDecoder(rec.Body).Decode(&set); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(set.Keys) != 1 || set.Keys[0].Kid != ring.Active().Kid {
		t.Fatalf("unexpected key set: %+v", set)
	}
}

func TestHandlerDiscovery(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc, nil)

	rec := httptest.NewRecorder()
	h.Discovery(rec, httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	var doc map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["issuer"] != testIssuer {
		t.Fatalf("issuer = %v", doc["issuer"])
	}
	if doc["jwks_uri"] != testIssuer+"/.well-known/jwks.json" {
		t.Fatalf("jwks_uri = %v", doc["jwks_uri"])
	}
}

func TestServiceRotateKeys(t *testing.T) {
	svc, ring := newTestService(t)
	h := NewHandler(svc, nil)
	before, err := svc.GenerateToken("u-1", "a@example.com", []string{"USER"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	prev := ring.Active().Kid

	kid, err := svc.RotateKeys()
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if kid == "" || kid == prev || kid != svc.ActiveKid() {
		t.Fatalf("unexpected kid %q (prev %q)", kid, prev)
	}
	if !svc.ValidateToken(before) {
		t.Fatal("token issued before rotation rejected")
	}

	rec := httptest.NewRecorder()
	h.JWKS(rec, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	var set JWKS
	if err := json.NewDecoder(rec.Body).Decode(&set); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(set.Keys) != 2 {
		t.Fatalf("expected 2 published keys, got %d", len(set.Keys))
	}
}

func TestServiceIdentity(t *testing.T) {
	svc, _ := newTestService(t)
	tok, err := svc.GenerateToken("u-9", "z@example.com", []string{"USER", "ADMIN"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	id, err := svc.Identity(tok)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if id.UserID != "u-9" || id.Email != "z@example.com" || !id.HasRole("ADMIN") || id.HasRole("OWNER") {
		t.Fatalf("unexpected identity %+v", id)
	}
	if _, err := svc.Identity(tok + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestServiceMetrics(t *testing.T) {
	ring := newTestRing(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc := NewOIDCService(Config{Issuer: testIssuer, AccessTTL: time.Minute}, ring, nil, m)

	if _, err := svc.RotateKeys(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	svc.ValidateToken("garbage")

	expected := `
# HELP pitchfork_auth_signing_keys Known signing keys, active and retired.
# TYPE pitchfork_auth_signing_keys gauge
pitchfork_auth_signing_keys 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "pitchfork_auth_signing_keys"); err != nil {
		t.Fatal(err)
	}
}
