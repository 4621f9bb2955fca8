package refresh

import "time"

// Token is a stored refresh token. Only the hash of the secret is kept.
type Token struct {
	ID         string    `db:"id"`
	UserID     string    `db:"user_id"`
	TokenHash  string    `db:"token_hash"`
	CreatedAt  time.Time `db:"created_at"`
	ExpiresAt  time.Time `db:"expires_at"`
	Revoked    bool      `db:"revoked"`
	ReplacedBy *string   `db:"replaced_by"`
}

// Live reports whether the token has been neither rotated nor revoked.
func (t *Token) Live() bool {
	return !t.Revoked
}

// Expired reports whether the token is past its expiry at now.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

func (t *Token) clone() *Token {
	c := *t
	if t.ReplacedBy != nil {
		s := *t.ReplacedBy
		c.ReplacedBy = &s
	}
	return &c
}

// SessionView is a live session as shown to its owner.
type SessionView struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Current   bool      `json:"current"`
}

// Rotation is the outcome of a successful refresh: the owner, the id of the
// successor token and its raw secret.
type Rotation struct {
	UserID       string
	TokenID      string
	RefreshToken string
	ExpiresAt    time.Time
}
