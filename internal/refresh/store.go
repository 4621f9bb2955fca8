package refresh

import (
	"context"
	"time"
)

// Store persists refresh tokens. Rotate and Revoke are compare-and-set on the
// live state: of two concurrent callers on the same token exactly one wins and
// the other gets ErrTokenAlreadyRevoked or false.
type Store interface {
	Create(ctx context.Context, t *Token) error
	GetByHash(ctx context.Context, hash string) (*Token, error)
	// Rotate marks current as replaced by next and inserts next in one step.
	Rotate(ctx context.Context, current, next *Token) error
	Revoke(ctx context.Context, t *Token) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
	// ListActiveByUser returns live tokens of userID expiring after now, oldest first.
	ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]Token, error)
}
