package database

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestQuoteLiteral(t *testing.T) {
	if got := quoteLiteral("Asia/Shanghai"); got != "'Asia/Shanghai'" {
		t.Fatalf("unexpected literal %s", got)
	}
	if got := quoteLiteral("it's"); got != "'it''s'" {
		t.Fatalf("expected quote to be doubled, got %s", got)
	}
}

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_MAX_CONNS", "")
	cfg := ConfigFromEnv()
	if cfg.DSN == "" || cfg.MaxConns != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestConnectRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	defer mr.Close()

	t.Setenv("REDIS_ADDR", mr.Addr())
	rdb, err := ConnectRedis(RedisConfigFromEnv())
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	defer rdb.Close()
	if err := rdb.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
}
