package oidc

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeySource is the part of the key ring the codec needs.
type KeySource interface {
	Active() SigningKeyPair
	PublicKey(kid string) (*rsa.PublicKey, error)
}

// Claims is the access token payload.
type Claims struct {
	Email string   `json:"email"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Codec signs and verifies RS256 access tokens. The signing key's kid is
// written to the header so tokens stay verifiable after rotation.
type Codec struct {
	keys   KeySource
	issuer string
	now    func() time.Time
}

func NewCodec(keys KeySource, issuer string) *Codec {
	return &Codec{keys: keys, issuer: issuer, now: time.Now}
}

// Issue signs a token for subject with the active key.
func (c *Codec) Issue(subject, email string, roles []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("%w: non-positive ttl", ErrConfig)
	}
	now := c.now()
	claims := Claims{
		Email: email,
		Roles: append([]string(nil), roles...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	key := c.keys.Active()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = key.Kid
	signed, err := tok.SignedString(key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify reports whether token carries a valid signature from a known key,
// the expected issuer, and an expiry strictly after now. It never fails loudly:
// malformed input, unknown kids and bad signatures all yield false.
func (c *Codec) Verify(token string) bool {
	_, err := c.parseVerified(token)
	return err == nil
}

func (c *Codec) parseVerified(token string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.issuer),
		jwt.WithTimeFunc(c.now),
	)
	claims := &Claims{}
	tok, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		return c.keys.PublicKey(kid)
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// ExtractClaims decodes the payload without checking the signature.
func (c *Codec) ExtractClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func (c *Codec) ExtractSubject(token string) (string, error) {
	claims, err := c.ExtractClaims(token)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

func (c *Codec) ExtractEmail(token string) (string, error) {
	claims, err := c.ExtractClaims(token)
	if err != nil {
		return "", err
	}
	return claims.Email, nil
}

func (c *Codec) ExtractRoles(token string) ([]string, error) {
	claims, err := c.ExtractClaims(token)
	if err != nil {
		return nil, err
	}
	return claims.Roles, nil
}
