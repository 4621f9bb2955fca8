package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/refresh"
)

const defaultRedisPrefix = "auth:refresh:"

const (
	casNotFound int64 = 0
	casRevoked  int64 = 1
	casApplied  int64 = 2
)

// The user index only holds live ids. Its expiry never shrinks, so it
// outlives every member it lists.

// KEYS: current token, next token, next hash index, user index
// ARGV: next id, user id, next hash, created_at, expires_at, ttl ms, current id
const rotateScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "revoked") ~= "0" then
  return 1
end
redis.call("HSET", KEYS[1], "revoked", "1", "replaced_by", ARGV[1])
redis.call("HSET", KEYS[2], "id", ARGV[1], "user_id", ARGV[2], "token_hash", ARGV[3],
  "created_at", ARGV[4], "expires_at", ARGV[5], "revoked", "0")
redis.call("PEXPIRE", KEYS[2], ARGV[6])
redis.call("SET", KEYS[3], ARGV[1], "PX", ARGV[6])
redis.call("SREM", KEYS[4], ARGV[7])
redis.call("SADD", KEYS[4], ARGV[1])
if redis.call("PTTL", KEYS[4]) < tonumber(ARGV[6]) then
  redis.call("PEXPIRE", KEYS[4], ARGV[6])
end
return 2
`

// KEYS: user index
// ARGV: ttl ms
const extendIndexScript = `
if redis.call("PTTL", KEYS[1]) < tonumber(ARGV[1]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return 0
`

// KEYS: token, user index
// ARGV: token id
const revokeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("SREM", KEYS[2], ARGV[1])
  return 0
end
if redis.call("HGET", KEYS[1], "revoked") ~= "0" then
  return 1
end
redis.call("HSET", KEYS[1], "revoked", "1")
redis.call("SREM", KEYS[2], ARGV[1])
return 2
`

// KEYS: user index
// ARGV: token key prefix
const revokeAllScript = `
local n = 0
for _, id in ipairs(redis.call("SMEMBERS", KEYS[1])) do
  local key = ARGV[1] .. id
  if redis.call("HGET", key, "revoked") == "0" then
    redis.call("HSET", key, "revoked", "1")
    n = n + 1
  end
  redis.call("SREM", KEYS[1], id)
end
return n
`

var (
	rotateLua      = redis.NewScript(rotateScript)
	extendIndexLua = redis.NewScript(extendIndexScript)
	revokeLua      = redis.NewScript(revokeScript)
	revokeAllLua   = redis.NewScript(revokeAllScript)
)

// RedisStore keeps each token in a hash with a secondary key from token hash to
// id and a per-user set of ids. State transitions run as Lua scripts so the
// live check and the write are atomic. Keys expire Retention after the token.
type RedisStore struct {
	rdb       redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

func NewRedisStore(rdb redis.UniversalClient, retention time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: defaultRedisPrefix, retention: retention, now: time.Now}
}

func (s *RedisStore) tokenPrefix() string       { return s.prefix + "token:" }
func (s *RedisStore) tokenKey(id string) string { return s.tokenPrefix() + id }
func (s *RedisStore) hashKey(h string) string   { return s.prefix + "hash:" + h }
func (s *RedisStore) userKey(u string) string   { return s.prefix + "user:" + u }

func (s *RedisStore) keyTTL(t *refresh.Token) time.Duration {
	ttl := t.ExpiresAt.Add(s.retention).Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *RedisStore) Create(ctx context.Context, t *refresh.Token) error {
	ttl := s.keyTTL(t)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.tokenKey(t.ID), encodeToken(t))
		p.PExpire(ctx, s.tokenKey(t.ID), ttl)
		p.Set(ctx, s.hashKey(t.TokenHash), t.ID, ttl)
		p.SAdd(ctx, s.userKey(t.UserID), t.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	if err := extendIndexLua.Run(ctx, s.rdb, []string{s.userKey(t.UserID)}, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("extend user index: %w", err)
	}
	return nil
}

func (s *RedisStore) GetByHash(ctx context.Context, hash string) (*refresh.Token, error) {
	id, err := s.rdb.Get(ctx, s.hashKey(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, refresh.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.get(ctx, id)
}

func (s *RedisStore) get(ctx context.Context, id string) (*refresh.Token, error) {
	fields, err := s.rdb.HGetAll(ctx, s.tokenKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, refresh.ErrTokenNotFound
	}
	return decodeToken(fields)
}

func (s *RedisStore) Rotate(ctx context.Context, current, next *refresh.Token) error {
	keys := []string{s.tokenKey(current.ID), s.tokenKey(next.ID), s.hashKey(next.TokenHash), s.userKey(next.UserID)}
	code, err := rotateLua.Run(ctx, s.rdb, keys,
		next.ID,
		next.UserID,
		next.TokenHash,
		next.CreatedAt.UnixNano(),
		next.ExpiresAt.UnixNano(),
		s.keyTTL(next).Milliseconds(),
		current.ID,
	).Int64()
	if err != nil {
		return fmt.Errorf("rotate script: %w", err)
	}
	switch code {
	case casNotFound:
		return refresh.ErrTokenNotFound
	case casRevoked:
		return refresh.ErrTokenAlreadyRevoked
	case casApplied:
		id := next.ID
		current.Revoked = true
		current.ReplacedBy = &id
		return nil
	default:
		return fmt.Errorf("rotate script: unknown status %d", code)
	}
}

func (s *RedisStore) Revoke(ctx context.Context, t *refresh.Token) (bool, error) {
	code, err := revokeLua.Run(ctx, s.rdb, []string{s.tokenKey(t.ID), s.userKey(t.UserID)}, t.ID).Int64()
	if err != nil {
		return false, fmt.Errorf("revoke script: %w", err)
	}
	switch code {
	case casNotFound:
		return false, refresh.ErrTokenNotFound
	case casRevoked:
		return false, nil
	case casApplied:
		t.Revoked = true
		return true, nil
	default:
		return false, fmt.Errorf("revoke script: unknown status %d", code)
	}
}

func (s *RedisStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	n, err := revokeAllLua.Run(ctx, s.rdb, []string{s.userKey(userID)}, s.tokenPrefix()).Int64()
	if err != nil {
		return 0, fmt.Errorf("revoke all script: %w", err)
	}
	return n, nil
}

func (s *RedisStore) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]refresh.Token, error) {
	ids, err := s.rdb.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.tokenKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := []refresh.Token{}
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		t, err := decodeToken(fields)
		if err != nil {
			return nil, err
		}
		if t.Live() && !t.Expired(now) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func encodeToken(t *refresh.Token) map[string]any {
	revoked := "0"
	if t.Revoked {
		revoked = "1"
	}
	m := map[string]any{
		"id":         t.ID,
		"user_id":    t.UserID,
		"token_hash": t.TokenHash,
		"created_at": strconv.FormatInt(t.CreatedAt.UnixNano(), 10),
		"expires_at": strconv.FormatInt(t.ExpiresAt.UnixNano(), 10),
		"revoked":    revoked,
	}
	if t.ReplacedBy != nil {
		m["replaced_by"] = *t.ReplacedBy
	}
	return m
}

func decodeToken(f map[string]string) (*refresh.Token, error) {
	created, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode refresh token: created_at: %w", err)
	}
	expires, err := strconv.ParseInt(f["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode refresh token: expires_at: %w", err)
	}
	t := &refresh.Token{
		ID:        f["id"],
		UserID:    f["user_id"],
		TokenHash: f["token_hash"],
		CreatedAt: time.Unix(0, created),
		ExpiresAt: time.Unix(0, expires),
		Revoked:   f["revoked"] != "0",
	}
	if v, ok := f["replaced_by"]; ok && v != "" {
		t.ReplacedBy = &v
	}
	return t, nil
}
