package oidc

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Issuer    string
	AccessTTL time.Duration
	KeyBits   int
	// PrivateKeyFile optionally seeds the ring with a PEM encoded RSA key.
	PrivateKeyFile string
	KeyID          string
}

// ConfigFromEnv reads OIDC_ISSUER, ACCESS_TOKEN_TTL, RSA_KEY_BITS,
// RSA_PRIVATE_KEY_FILE and RSA_KEY_ID.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Issuer:         os.Getenv("OIDC_ISSUER"),
		AccessTTL:      15 * time.Minute,
		KeyBits:        DefaultKeyBits,
		PrivateKeyFile: os.Getenv("RSA_PRIVATE_KEY_FILE"),
		KeyID:          os.Getenv("RSA_KEY_ID"),
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "http://localhost:8431"
	}
	if v := os.Getenv("ACCESS_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%w: ACCESS_TOKEN_TTL=%q", ErrConfig, v)
		}
		cfg.AccessTTL = d
	}
	if v := os.Getenv("RSA_KEY_BITS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 2048 {
			return Config{}, fmt.Errorf("%w: RSA_KEY_BITS=%q", ErrConfig, v)
		}
		cfg.KeyBits = n
	}
	return cfg, nil
}

// NewKeyRingFromConfig loads the configured PEM key, or generates one.
func NewKeyRingFromConfig(cfg Config) (*KeyRing, error) {
	if cfg.PrivateKeyFile == "" {
		return NewKeyRing(cfg.KeyBits)
	}
	b, err := os.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return NewKeyRingFromPEM(cfg.KeyID, b, cfg.KeyBits)
}
