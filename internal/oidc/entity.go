package oidc

import (
	"crypto/rsa"
	"time"
)

// SigningKeyPair is an RSA key identified by kid. It is never mutated after creation.
type SigningKeyPair struct {
	Kid        string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	CreatedAt  time.Time
}

// Identity is the verified subject of an access token.
type Identity struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles"`
}

// HasRole reports whether role is among the identity's roles.
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}
