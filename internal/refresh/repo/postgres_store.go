package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/refresh"
)

// PostgresStore keeps refresh tokens in the auth_refresh_tokens table.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureTable creates the refresh token table if not exists (idempotent).
func (s *PostgresStore) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS auth_refresh_tokens (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  token_hash TEXT NOT NULL UNIQUE,
  created_at TIMESTAMPTZ NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  revoked BOOLEAN NOT NULL DEFAULT false,
  replaced_by TEXT REFERENCES auth_refresh_tokens(id)
);
CREATE INDEX IF NOT EXISTS idx_auth_refresh_tokens_user ON auth_refresh_tokens(user_id) WHERE revoked = false;
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

const insertToken = `INSERT INTO auth_refresh_tokens (id, user_id, token_hash, created_at, expires_at, revoked, replaced_by)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

const selectToken = `SELECT id, user_id, token_hash, created_at, expires_at, revoked, replaced_by FROM auth_refresh_tokens`

func (s *PostgresStore) Create(ctx context.Context, t *refresh.Token) error {
	_, err := s.db.ExecContext(ctx, insertToken, t.ID, t.UserID, t.TokenHash, t.CreatedAt, t.ExpiresAt, t.Revoked, t.ReplacedBy)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByHash(ctx context.Context, hash string) (*refresh.Token, error) {
	var t refresh.Token
	if err := s.db.GetContext(ctx, &t, selectToken+` WHERE token_hash=$1`, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, refresh.ErrTokenNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Rotate inserts next and flips current from live to rotated in one transaction.
// The update only matches a live row, so a concurrent rotation or logout makes
// it affect nothing and the whole transaction is rolled back.
func (s *PostgresStore) Rotate(ctx context.Context, current, next *refresh.Token) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, insertToken, next.ID, next.UserID, next.TokenHash, next.CreatedAt, next.ExpiresAt, false, nil); err != nil {
		return fmt.Errorf("insert successor: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE auth_refresh_tokens SET revoked=true, replaced_by=$2 WHERE id=$1 AND revoked=false`, current.ID, next.ID)
	if err != nil {
		return fmt.Errorf("mark rotated: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return refresh.ErrTokenAlreadyRevoked
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	id := next.ID
	current.Revoked = true
	current.ReplacedBy = &id
	return nil
}

func (s *PostgresStore) Revoke(ctx context.Context, t *refresh.Token) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE auth_refresh_tokens SET revoked=true WHERE id=$1 AND revoked=false`, t.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		t.Revoked = true
	}
	return n == 1, nil
}

func (s *PostgresStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE auth_refresh_tokens SET revoked=true WHERE user_id=$1 AND revoked=false`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]refresh.Token, error) {
	out := []refresh.Token{}
	q := selectToken + ` WHERE user_id=$1 AND revoked=false AND expires_at > $2 ORDER BY created_at, id`
	if err := s.db.SelectContext(ctx, &out, q, userID, now); err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeExpired deletes rows that expired before cutoff. Successor links into
// the deleted rows are cleared first.
func (s *PostgresStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE auth_refresh_tokens SET replaced_by=NULL
		WHERE replaced_by IN (SELECT id FROM auth_refresh_tokens WHERE expires_at < $1)`, cutoff); err != nil {
		return 0, fmt.Errorf("unlink expired: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM auth_refresh_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}
