package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"golang.org/x/oauth2"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

// fakeGoogle serves the token and userinfo endpoints of an OAuth2 provider.
type fakeGoogle struct {
	srv *httptest.Server

	mu       sync.Mutex
	verified bool
	verifier string
}

func (g *fakeGoogle) setVerified(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verified = v
}

func (g *fakeGoogle) lastVerifier() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.verifier
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	g := &fakeGoogle{verified: true}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		g.mu.Lock()
		g.verifier = r.Form.Get("code_verifier")
		g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("GET /userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		g.mu.Lock()
		verified := g.verified
		g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"sub":            "g-42",
			"email":          "g@example.com",
			"email_verified": verified,
		})
	})
	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGoogle) provider() *GoogleProvider {
	return NewGoogleProvider(GoogleConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://auth.test/login/oauth2/code/google",
		Endpoint: oauth2.Endpoint{
			AuthURL:   g.srv.URL + "/auth",
			TokenURL:  g.srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		UserinfoURL: g.srv.URL + "/userinfo",
	})
}

func noRedirect(t *testing.T, target string, cookies []*http.Cookie) *http.Response {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", target, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// startFlow begins a Google sign-in and returns the flow cookies and state.
func startFlow(t *testing.T, srv *httptest.Server) ([]*http.Cookie, string) {
	t.Helper()
	resp := noRedirect(t, srv.URL+"/oauth2/authorization/google", nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	q := loc.Query()
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" || q.Get("client_id") != "client" {
		t.Fatalf("authorization url missing parameters: %s", loc)
	}
	state := cookie(t, resp, stateCookie)
	if state.Value != q.Get("state") || state.Path != federationPath || !state.HttpOnly {
		t.Fatalf("state cookie %+v does not match %q", state, q.Get("state"))
	}
	return []*http.Cookie{state, cookie(t, resp, verifierCookie)}, state.Value
}

func TestFederatedSignIn(t *testing.T) {
	google := newFakeGoogle(t)
	srv, f := newTestServer(t, google.provider())

	flow, state := startFlow(t, srv)
	resp := noRedirect(t, srv.URL+"/login/oauth2/code/google?code=good-code&state="+url.QueryEscape(state), flow)
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/app" {
		t.Fatalf("callback status = %d, location %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	if v := google.lastVerifier(); v != flow[1].Value {
		t.Fatalf("token request carried verifier %q, want %q", v, flow[1].Value)
	}
	access := cookie(t, resp, AccessCookie)
	rt := cookie(t, resp, RefreshCookie)
	me, err := f.svc.Me(access.Value)
	if err != nil || me.Email != "g@example.com" {
		t.Fatalf("me = %+v, %v", me, err)
	}
	if n := f.live(t, me.UserID); n != 1 {
		t.Fatalf("%d live sessions after federated sign-in", n)
	}
	if r := do(t, http.MethodPost, srv.URL+"/api/auth/refresh", "", []*http.Cookie{rt}, nil); r.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d", r.StatusCode)
	}

	// a second sign-in reuses the linked account
	flow, state = startFlow(t, srv)
	resp = noRedirect(t, srv.URL+"/login/oauth2/code/google?code=good-code&state="+url.QueryEscape(state), flow)
	again, err := f.svc.Me(cookie(t, resp, AccessCookie).Value)
	if err != nil || again.UserID != me.UserID {
		t.Fatalf("second sign-in user %q, want %q (%v)", again.UserID, me.UserID, err)
	}
}

func TestFederatedCallbackRejections(t *testing.T) {
	google := newFakeGoogle(t)
	srv, f := newTestServer(t, google.provider())
	callback := srv.URL + "/login/oauth2/code/google"

	flow, state := startFlow(t, srv)
	expectUnauthorized(t, noRedirect(t, callback+"?code=good-code&state=forged", flow))
	expectUnauthorized(t, noRedirect(t, callback+"?code=good-code&state="+url.QueryEscape(state), nil))
	expectUnauthorized(t, noRedirect(t, callback+"?error=access_denied&state="+url.QueryEscape(state), flow))
	expectUnauthorized(t, noRedirect(t, callback+"?code=bad-code&state="+url.QueryEscape(state), flow))

	google.setVerified(false)
	expectUnauthorized(t, noRedirect(t, callback+"?code=good-code&state="+url.QueryEscape(state), flow))

	f.users.mu.Lock()
	n := len(f.users.users)
	f.users.mu.Unlock()
	if n != 0 {
		t.Fatalf("rejected callbacks created %d accounts", n)
	}

	if resp := noRedirect(t, srv.URL+"/oauth2/authorization/github", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown provider status = %d", resp.StatusCode)
	}
}

func TestGoogleExchange(t *testing.T) {
	google := newFakeGoogle(t)
	p := google.provider()

	if !strings.HasPrefix(p.AuthCodeURL("s", oauth2.GenerateVerifier()), google.srv.URL+"/auth?") {
		t.Fatal("authorization url does not use the configured endpoint")
	}
	ext, err := p.Exchange(context.Background(), "good-code", "v")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	want := ExternalIdentity{Provider: entity.ProviderGoogle, Subject: "g-42", Email: "g@example.com", EmailVerified: true}
	if ext != want {
		t.Fatalf("identity = %+v", ext)
	}
	if _, err := p.Exchange(context.Background(), "bad-code", "v"); !errors.Is(err, ErrFederation) {
		t.Fatalf("expected ErrFederation, got %v", err)
	}
}

func TestGoogleConfigFromEnv(t *testing.T) {
	t.Setenv("GOOGLE_CLIENT_ID", "")
	t.Setenv("GOOGLE_CLIENT_SECRET", "")
	t.Setenv("GOOGLE_REDIRECT_URL", "")
	t.Setenv("OAUTH_SUCCESS_REDIRECT", "")
	if _, ok, err := GoogleConfigFromEnv("https://auth.test"); ok || err != nil {
		t.Fatalf("unconfigured: ok=%v err=%v", ok, err)
	}

	t.Setenv("GOOGLE_CLIENT_ID", "client")
	if _, _, err := GoogleConfigFromEnv("https://auth.test"); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig without secret, got %v", err)
	}

	t.Setenv("GOOGLE_CLIENT_SECRET", "secret")
	cfg, ok, err := GoogleConfigFromEnv("https://auth.test")
	if err != nil || !ok {
		t.Fatalf("configured: ok=%v err=%v", ok, err)
	}
	if cfg.RedirectURL != "https://auth.test/login/oauth2/code/google" || cfg.SuccessRedirect != "/" {
		t.Fatalf("defaults = %+v", cfg)
	}
}
