package auth

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
)

const (
	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"
)

// CookieConfig controls the session cookies. Both cookies are always HttpOnly.
type CookieConfig struct {
	Secure   bool
	SameSite http.SameSite
	Domain   string
}

// ConfigFromEnv reads COOKIE_SECURE, COOKIE_SAMESITE and COOKIE_DOMAIN.
func ConfigFromEnv() (CookieConfig, error) {
	cfg := CookieConfig{Secure: true, SameSite: http.SameSiteNoneMode, Domain: os.Getenv("COOKIE_DOMAIN")}
	if v := os.Getenv("COOKIE_SECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return CookieConfig{}, fmt.Errorf("%w: COOKIE_SECURE=%q", ErrConfig, v)
		}
		cfg.Secure = b
	}
	switch strings.ToLower(os.Getenv("COOKIE_SAMESITE")) {
	case "":
	case "none":
		cfg.SameSite = http.SameSiteNoneMode
	case "lax":
		cfg.SameSite = http.SameSiteLaxMode
	case "strict":
		cfg.SameSite = http.SameSiteStrictMode
	default:
		return CookieConfig{}, fmt.Errorf("%w: COOKIE_SAMESITE=%q", ErrConfig, os.Getenv("COOKIE_SAMESITE"))
	}
	if cfg.SameSite == http.SameSiteNoneMode && !cfg.Secure {
		// browsers drop SameSite=None cookies without Secure
		cfg.SameSite = http.SameSiteLaxMode
	}
	return cfg, nil
}
