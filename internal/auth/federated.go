package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

const googleUserinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

var ErrFederation = errors.New("federated sign-in failed")

// ExternalIdentity is what a provider asserts about the signed-in account.
type ExternalIdentity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
}

// IdentityProvider runs the authorization code flow against one provider.
// verifier is the PKCE code verifier bound to the browser by cookie.
type IdentityProvider interface {
	Name() string
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (ExternalIdentity, error)
}

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// SuccessRedirect is where the browser lands after a completed sign-in.
	SuccessRedirect string
	// Endpoint and UserinfoURL default to Google's.
	Endpoint    oauth2.Endpoint
	UserinfoURL string
}

// GoogleConfigFromEnv reads GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET,
// GOOGLE_REDIRECT_URL and OAUTH_SUCCESS_REDIRECT. ok is false when Google
// sign-in is not configured.
func GoogleConfigFromEnv(issuer string) (cfg GoogleConfig, ok bool, err error) {
	cfg = GoogleConfig{
		ClientID:        os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret:    os.Getenv("GOOGLE_CLIENT_SECRET"),
		RedirectURL:     os.Getenv("GOOGLE_REDIRECT_URL"),
		SuccessRedirect: os.Getenv("OAUTH_SUCCESS_REDIRECT"),
	}
	if cfg.ClientID == "" {
		return GoogleConfig{}, false, nil
	}
	if cfg.ClientSecret == "" {
		return GoogleConfig{}, false, fmt.Errorf("%w: GOOGLE_CLIENT_SECRET is required with GOOGLE_CLIENT_ID", ErrConfig)
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = issuer + "/login/oauth2/code/" + entity.ProviderGoogle
	}
	if cfg.SuccessRedirect == "" {
		cfg.SuccessRedirect = "/"
	}
	return cfg, true, nil
}

// GoogleProvider signs users in with Google's OpenID Connect userinfo.
type GoogleProvider struct {
	oauth       *oauth2.Config
	userinfoURL string
}

func NewGoogleProvider(cfg GoogleConfig) *GoogleProvider {
	ep := cfg.Endpoint
	if ep.AuthURL == "" {
		ep = endpoints.Google
	}
	info := cfg.UserinfoURL
	if info == "" {
		info = googleUserinfoURL
	}
	return &GoogleProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     ep,
			Scopes:       []string{"openid", "email"},
		},
		userinfoURL: info,
	}
}

func (g *GoogleProvider) Name() string { return entity.ProviderGoogle }

func (g *GoogleProvider) AuthCodeURL(state, verifier string) string {
	return g.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

func (g *GoogleProvider) Exchange(ctx context.Context, code, verifier string) (ExternalIdentity, error) {
	tok, err := g.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return ExternalIdentity{}, fmt.Errorf("%w: exchange code: %w", ErrFederation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userinfoURL, nil)
	if err != nil {
		return ExternalIdentity{}, err
	}
	resp, err := g.oauth.Client(ctx, tok).Do(req)
	if err != nil {
		return ExternalIdentity{}, fmt.Errorf("%w: userinfo: %w", ErrFederation, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ExternalIdentity{}, fmt.Errorf("%w: userinfo status %d", ErrFederation, resp.StatusCode)
	}
	var info struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ExternalIdentity{}, fmt.Errorf("%w: decode userinfo: %w", ErrFederation, err)
	}
	if info.Sub == "" || info.Email == "" {
		return ExternalIdentity{}, fmt.Errorf("%w: userinfo without sub or email", ErrFederation)
	}
	return ExternalIdentity{
		Provider:      entity.ProviderGoogle,
		Subject:       info.Sub,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
	}, nil
}
