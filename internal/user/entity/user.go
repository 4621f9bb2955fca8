package entity

import (
	"time"

	"github.com/lib/pq"
)

const (
	StatusActive   = "active"
	StatusLocked   = "locked"
	StatusDisabled = "disabled"
)

// Sign-in providers. A user belongs to the provider it registered with.
const (
	ProviderLocal  = "local"
	ProviderGoogle = "google"
)

// User is an account row in the `users` table. Roles are copied into access
// tokens at issue time and re-read on every refresh.
type User struct {
	ID                  string         `db:"id"`
	Email               string         `db:"email"`
	PasswordHash        string         `db:"password_hash"`
	PasswordAlgo        string         `db:"password_algo"`
	Roles               pq.StringArray `db:"roles"`
	Status              string         `db:"status"` // active / locked / disabled
	Provider            string         `db:"provider"`
	LoginFailedAttempts int            `db:"login_failed_attempts"`
	LockedUntil         *time.Time     `db:"locked_until"`
	LastLoginAt         *time.Time     `db:"last_login_at"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
	DeactivatedAt       *time.Time     `db:"deactivated_at"`
}

// CanSignIn reports whether the account may hold sessions at now. A lock
// whose locked_until has passed no longer counts.
func (u *User) CanSignIn(now time.Time) bool {
	switch u.Status {
	case StatusActive:
		return true
	case StatusLocked:
		return u.LockedUntil != nil && u.LockedUntil.Before(now)
	default:
		return false
	}
}

// RoleList returns a plain copy of the user's roles.
func (u *User) RoleList() []string {
	return append([]string(nil), u.Roles...)
}

// AuthAccount links a user to an external identity provider account.
type AuthAccount struct {
	ID             string    `db:"id"`
	UserID         string    `db:"user_id"`
	Provider       string    `db:"provider"`
	ProviderUserID string    `db:"provider_user_id"`
	CreatedAt      time.Time `db:"created_at"`
}
