package refresh

import (
	"fmt"
	"os"
	"time"
)

const (
	DefaultTTL       = 14 * 24 * time.Hour
	DefaultRetention = 7 * 24 * time.Hour
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

type Config struct {
	TTL     time.Duration
	HMACKey []byte
	Backend string
	// Retention keeps rotated and revoked rows around after expiry so a late
	// replay is still recognised as reuse.
	Retention time.Duration
}

// ConfigFromEnv reads REFRESH_TOKEN_TTL, REFRESH_TOKEN_HMAC_KEY, REFRESH_STORE
// and REFRESH_RETENTION.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		TTL:       DefaultTTL,
		Backend:   BackendPostgres,
		Retention: DefaultRetention,
	}
	if v := os.Getenv("REFRESH_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%w: REFRESH_TOKEN_TTL=%q", ErrConfig, v)
		}
		cfg.TTL = d
	}
	if v := os.Getenv("REFRESH_TOKEN_HMAC_KEY"); v != "" {
		cfg.HMACKey = []byte(v)
	}
	if v := os.Getenv("REFRESH_STORE"); v != "" {
		switch v {
		case BackendPostgres, BackendRedis, BackendMemory:
			cfg.Backend = v
		default:
			return Config{}, fmt.Errorf("%w: REFRESH_STORE=%q", ErrConfig, v)
		}
	}
	if v := os.Getenv("REFRESH_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("%w: REFRESH_RETENTION=%q", ErrConfig, v)
		}
		cfg.Retention = d
	}
	return cfg, nil
}
