package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/metrics"
)

// Rotator runs the single-use refresh protocol on top of a Store.
//
// A secret may be exchanged exactly once. Presenting a secret that was already
// rotated or revoked is treated as theft: every token of the owner is revoked
// and ErrReuseDetected is returned. Presenting an expired secret revokes the
// owner's tokens the same way and returns ErrExpiredToken.
type Rotator struct {
	store   Store
	ttl     time.Duration
	hasher  Hasher
	now     func() time.Time
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewRotator(store Store, cfg Config, logger *zap.SugaredLogger, m *metrics.Metrics) *Rotator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Rotator{
		store:   store,
		ttl:     ttl,
		hasher:  NewHasher(cfg.HMACKey),
		now:     time.Now,
		logger:  logger,
		metrics: m,
	}
}

func (r *Rotator) TTL() time.Duration { return r.ttl }

// Create issues a fresh refresh token for userID and returns its raw secret.
func (r *Rotator) Create(ctx context.Context, userID string) (string, *Token, error) {
	raw, t, err := r.newToken(userID)
	if err != nil {
		return "", nil, err
	}
	if err := r.store.Create(ctx, t); err != nil {
		return "", nil, fmt.Errorf("create refresh token: %w", err)
	}
	r.logger.Debugw("refresh token created", "user_id", userID, "token_id", t.ID)
	return raw, t, nil
}

func (r *Rotator) newToken(userID string) (string, *Token, error) {
	raw, err := newSecret()
	if err != nil {
		return "", nil, err
	}
	now := r.now()
	return raw, &Token{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: r.hasher.Hash(raw),
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}, nil
}

func (r *Rotator) lookup(ctx context.Context, raw string) (*Token, error) {
	if raw == "" {
		return nil, ErrInvalidRefreshToken
	}
	t, err := r.store.GetByHash(ctx, r.hasher.Hash(raw))
	if errors.Is(err, ErrTokenNotFound) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, fmt.Errorf("lookup refresh token: %w", err)
	}
	return t, nil
}

// Validate returns the live token for raw without consuming it.
func (r *Rotator) Validate(ctx context.Context, raw string) (*Token, error) {
	t, err := r.lookup(ctx, raw)
	if err != nil {
		return nil, err
	}
	if !t.Live() || t.Expired(r.now()) {
		return nil, ErrInvalidRefreshToken
	}
	return t, nil
}

// Rotate consumes raw and issues its successor.
func (r *Rotator) Rotate(ctx context.Context, raw string) (Rotation, error) {
	cur, err := r.consumable(ctx, raw)
	if err != nil {
		r.metrics.Refresh(resultOf(err))
		return Rotation{}, err
	}

	nextRaw, next, err := r.newToken(cur.UserID)
	if err != nil {
		r.metrics.Refresh("error")
		return Rotation{}, err
	}
	if err := r.store.Rotate(ctx, cur, next); err != nil {
		switch {
		case errors.Is(err, ErrTokenAlreadyRevoked):
			// lost the race against another rotation or a logout
			err = r.reuse(ctx, cur)
			r.metrics.Refresh(resultOf(err))
			return Rotation{}, err
		case errors.Is(err, ErrTokenNotFound):
			// the row expired out of the store after lookup
			r.metrics.Refresh("invalid")
			return Rotation{}, ErrInvalidRefreshToken
		}
		r.metrics.Refresh("error")
		return Rotation{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	r.metrics.Refresh("success")
	r.logger.Debugw("refresh token rotated", "user_id", cur.UserID, "token_id", cur.ID, "next_id", next.ID)
	return Rotation{UserID: cur.UserID, TokenID: next.ID, RefreshToken: nextRaw, ExpiresAt: next.ExpiresAt}, nil
}

// Discard revokes raw without a successor. It applies the same expiry and
// reuse checks as Rotate.
func (r *Rotator) Discard(ctx context.Context, raw string) error {
	cur, err := r.consumable(ctx, raw)
	if err != nil {
		r.metrics.Logout(resultOf(err))
		return err
	}
	ok, err := r.store.Revoke(ctx, cur)
	if errors.Is(err, ErrTokenNotFound) {
		r.metrics.Logout("invalid")
		return ErrInvalidRefreshToken
	}
	if err != nil {
		r.metrics.Logout("error")
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	if !ok {
		err = r.reuse(ctx, cur)
		r.metrics.Logout(resultOf(err))
		return err
	}
	r.metrics.Logout("success")
	r.logger.Debugw("refresh token discarded", "user_id", cur.UserID, "token_id", cur.ID)
	return nil
}

// consumable resolves raw to a live unexpired token, running the expiry and
// reuse responses otherwise.
func (r *Rotator) consumable(ctx context.Context, raw string) (*Token, error) {
	cur, err := r.lookup(ctx, raw)
	if err != nil {
		return nil, err
	}
	if cur.Expired(r.now()) {
		n, rerr := r.store.RevokeAllForUser(ctx, cur.UserID)
		r.metrics.TokensRevoked(n)
		r.logger.Infow("expired refresh token presented", "user_id", cur.UserID, "token_id", cur.ID, "revoked", n)
		if rerr != nil {
			return nil, errors.Join(ErrExpiredToken, fmt.Errorf("revoke tokens: %w", rerr))
		}
		return nil, ErrExpiredToken
	}
	if !cur.Live() {
		return nil, r.reuse(ctx, cur)
	}
	return cur, nil
}

func (r *Rotator) reuse(ctx context.Context, t *Token) error {
	n, err := r.store.RevokeAllForUser(ctx, t.UserID)
	r.metrics.ReuseDetected(n)
	r.logger.Warnw("refresh token reuse detected", "user_id", t.UserID, "token_id", t.ID, "revoked", n)
	if err != nil {
		return errors.Join(ErrReuseDetected, fmt.Errorf("revoke tokens: %w", err))
	}
	return ErrReuseDetected
}

// RevokeAll revokes every live token of userID.
func (r *Rotator) RevokeAll(ctx context.Context, userID string) error {
	n, err := r.store.RevokeAllForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("revoke tokens: %w", err)
	}
	r.metrics.TokensRevoked(n)
	r.logger.Infow("refresh tokens revoked", "user_id", userID, "revoked", n)
	return nil
}

// ListActiveSessions lists the live sessions of userID, flagging currentID.
func (r *Rotator) ListActiveSessions(ctx context.Context, userID, currentID string) ([]SessionView, error) {
	rows, err := r.store.ListActiveByUser(ctx, userID, r.now())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]SessionView, 0, len(rows))
	for _, t := range rows {
		out = append(out, SessionView{
			ID:        t.ID,
			CreatedAt: t.CreatedAt,
			ExpiresAt: t.ExpiresAt,
			Current:   t.ID == currentID,
		})
	}
	return out, nil
}

func resultOf(err error) string {
	switch {
	case errors.Is(err, ErrReuseDetected):
		return "reuse"
	case errors.Is(err, ErrExpiredToken):
		return "expired"
	case errors.Is(err, ErrInvalidRefreshToken):
		return "invalid"
	default:
		return "error"
	}
}
