package database

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// RedisConfigFromEnv reads REDIS_ADDR, REDIS_PASSWORD and REDIS_DB.
func RedisConfigFromEnv() RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	db, err := strconv.Atoi(os.Getenv("REDIS_DB"))
	if err != nil || db < 0 {
		db = 0
	}
	return RedisConfig{Addr: addr, Password: os.Getenv("REDIS_PASSWORD"), DB: db, Timeout: 5 * time.Second}
}

// ConnectRedis builds a client and verifies connectivity with a PING.
func ConnectRedis(cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
