package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

// ErrDuplicateEmail is returned by Create when the email is already registered.
var ErrDuplicateEmail = errors.New("duplicate email")

// UserRepo provides data access for users table using sqlx.
type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo { return &UserRepo{db: db} }

// EnsureTable creates the users table if not exists (idempotent).
// This is a convenience for early development; prefer migrations in production.
func (r *UserRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE EXTENSION IF NOT EXISTS citext;
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  email CITEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL DEFAULT '',
  password_algo TEXT NOT NULL DEFAULT '',
  roles TEXT[] NOT NULL DEFAULT '{}',
  status TEXT NOT NULL DEFAULT 'active',
  provider TEXT NOT NULL DEFAULT 'local',
  login_failed_attempts INT NOT NULL DEFAULT 0,
  locked_until TIMESTAMPTZ,
  last_login_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  deactivated_at TIMESTAMPTZ
);
ALTER TABLE users ADD COLUMN IF NOT EXISTS provider TEXT NOT NULL DEFAULT 'local';
ALTER TABLE users ADD COLUMN IF NOT EXISTS deactivated_at TIMESTAMPTZ;
CREATE TABLE IF NOT EXISTS auth_accounts (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  provider TEXT NOT NULL,
  provider_user_id TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  UNIQUE (provider, provider_user_id)
);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

const userColumns = `id, email, password_hash, password_algo, roles, status, provider,
	login_failed_attempts, locked_until, last_login_at, created_at, updated_at, deactivated_at`

const insertUser = `INSERT INTO users (id, email, password_hash, password_algo, roles, status, provider)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, u *entity.User) error {
	_, err := r.db.ExecContext(ctx, insertUser, u.ID, u.Email, u.PasswordHash, u.PasswordAlgo, u.Roles, u.Status, providerOf(u))
	return duplicate(err)
}

// CreateWithAccount inserts a federated user and its provider link in one transaction.
func (r *UserRepo) CreateWithAccount(ctx context.Context, u *entity.User, a *entity.AuthAccount) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertUser, u.ID, u.Email, u.PasswordHash, u.PasswordAlgo, u.Roles, u.Status, providerOf(u)); err != nil {
		return duplicate(err)
	}
	const q = `INSERT INTO auth_accounts (id, user_id, provider, provider_user_id) VALUES ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, q, a.ID, a.UserID, a.Provider, a.ProviderUserID); err != nil {
		return duplicate(err)
	}
	return tx.Commit()
}

// GetByAccount returns the user linked to a provider account, or sql.ErrNoRows.
func (r *UserRepo) GetByAccount(ctx context.Context, provider, providerUserID string) (*entity.User, error) {
	const q = `SELECT u.id, u.email, u.password_hash, u.password_algo, u.roles, u.status, u.provider,
		u.login_failed_attempts, u.locked_until, u.last_login_at, u.created_at, u.updated_at, u.deactivated_at
		FROM users u JOIN auth_accounts a ON a.user_id = u.id
		WHERE a.provider=$1 AND a.provider_user_id=$2`
	var u entity.User
	if err := r.db.GetContext(ctx, &u, q, provider, providerUserID); err != nil {
		return nil, err
	}
	return &u, nil
}

func providerOf(u *entity.User) string {
	if u.Provider == "" {
		return entity.ProviderLocal
	}
	return u.Provider
}

// duplicate maps unique violations to ErrDuplicateEmail.
func duplicate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateEmail
	}
	return err
}

// GetByEmail returns a user matched by email (case-insensitive due to citext) or sql.ErrNoRows.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	var u entity.User
	if err := r.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE email=$1`, email); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByID fetches a full user row or sql.ErrNoRows.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*entity.User, error) {
	var u entity.User
	if err := r.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id=$1`, id); err != nil {
		return nil, err
	}
	return &u, nil
}

// IncrementFailedLogin increments the failure counter atomically and returns new value.
func (r *UserRepo) IncrementFailedLogin(ctx context.Context, id string) (int, error) {
	const q = `UPDATE users SET login_failed_attempts = login_failed_attempts + 1, updated_at=NOW() WHERE id=$1 RETURNING login_failed_attempts`
	var v int
	if err := r.db.GetContext(ctx, &v, q, id); err != nil {
		return 0, err
	}
	return v, nil
}

// LockIfThreshold locks the user if attempts >= threshold and currently active.
func (r *UserRepo) LockIfThreshold(ctx context.Context, id string, threshold int, lockMinutes int) (bool, error) {
	const q = `UPDATE users SET status='locked', locked_until = NOW() + ($2 || ' minutes')::interval, updated_at=NOW()
              WHERE id=$1 AND status='active' AND login_failed_attempts >= $3 RETURNING 1`
	return r.updatedOne(ctx, q, id, lockMinutes, threshold)
}

// ResetLoginSuccess resets failure metrics on successful authentication.
func (r *UserRepo) ResetLoginSuccess(ctx context.Context, id string) error {
	const q = `UPDATE users SET login_failed_attempts=0, last_login_at=NOW(), locked_until=NULL, updated_at=NOW() WHERE id=$1`
	_, err := r.db.ExecContext(ctx, q, id)
	return err
}

// UnlockIfExpired sets status back to active if locked_until passed.
func (r *UserRepo) UnlockIfExpired(ctx context.Context, id string) (bool, error) {
	const q = `UPDATE users SET status='active', locked_until=NULL, updated_at=NOW()
               WHERE id=$1 AND status='locked' AND locked_until IS NOT NULL AND locked_until < NOW() RETURNING 1`
	return r.updatedOne(ctx, q, id)
}

// UpdatePassword replaces the password hash, e.g. after a cost upgrade.
func (r *UserRepo) UpdatePassword(ctx context.Context, id, hash, algo string) error {
	const q = `UPDATE users SET password_hash=$2, password_algo=$3, updated_at=NOW() WHERE id=$1`
	_, err := r.db.ExecContext(ctx, q, id, hash, algo)
	return err
}

// Deactivate marks a user as disabled. It reports false when no user has id.
func (r *UserRepo) Deactivate(ctx context.Context, id string) (bool, error) {
	const q = `UPDATE users SET status='disabled', deactivated_at=NOW(), updated_at=NOW() WHERE id=$1 RETURNING 1`
	return r.updatedOne(ctx, q, id)
}

// Reactivate resets a disabled or locked user to active.
func (r *UserRepo) Reactivate(ctx context.Context, id string) (bool, error) {
	const q = `UPDATE users SET status='active', deactivated_at=NULL, locked_until=NULL, login_failed_attempts=0, updated_at=NOW()
		WHERE id=$1 RETURNING 1`
	return r.updatedOne(ctx, q, id)
}

func (r *UserRepo) updatedOne(ctx context.Context, q string, args ...any) (bool, error) {
	var one int
	err := r.db.GetContext(ctx, &one, q, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
