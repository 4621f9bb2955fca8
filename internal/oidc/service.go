package oidc

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/metrics"
)

// OIDCService is the token facade used by the rest of the service: it binds the
// key ring, the codec and the key set publisher to the configured issuer and TTL.
type OIDCService struct {
	ring      *KeyRing
	codec     *Codec
	publisher *KeySetPublisher
	issuer    string
	accessTTL time.Duration
	logger    *zap.SugaredLogger
	metrics   *metrics.Metrics
}

func NewOIDCService(cfg Config, ring *KeyRing, logger *zap.SugaredLogger, m *metrics.Metrics) *OIDCService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &OIDCService{
		ring:      ring,
		codec:     NewCodec(ring, cfg.Issuer),
		publisher: NewKeySetPublisher(ring),
		issuer:    cfg.Issuer,
		accessTTL: cfg.AccessTTL,
		logger:    logger,
		metrics:   m,
	}
	m.SigningKeys(len(ring.Kids()))
	return s
}

func (s *OIDCService) Issuer() string           { return s.issuer }
func (s *OIDCService) AccessTTL() time.Duration { return s.accessTTL }
func (s *OIDCService) ActiveKid() string        { return s.ring.Active().Kid }
func (s *OIDCService) JWKS() JWKS               { return s.publisher.JWKS() }

// GenerateToken issues an access token with the configured TTL.
func (s *OIDCService) GenerateToken(subject, email string, roles []string) (string, error) {
	return s.codec.Issue(subject, email, roles, s.accessTTL)
}

// ValidateToken is the boolean verification predicate.
func (s *OIDCService) ValidateToken(token string) bool {
	ok := s.codec.Verify(token)
	s.metrics.TokenVerified(ok)
	return ok
}

// Identity verifies token and returns its subject, email and roles.
func (s *OIDCService) Identity(token string) (Identity, error) {
	if !s.ValidateToken(token) {
		return Identity{}, ErrInvalidToken
	}
	claims, err := s.codec.ExtractClaims(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.Subject, Email: claims.Email, Roles: claims.Roles}, nil
}

// Claims returns the verified claim set of token.
func (s *OIDCService) Claims(token string) (*Claims, error) {
	if !s.ValidateToken(token) {
		return nil, ErrInvalidToken
	}
	return s.codec.ExtractClaims(token)
}

// RotateKeys switches signing to a freshly generated key.
func (s *OIDCService) RotateKeys() (string, error) {
	prev := s.ring.Active().Kid
	pair, err := s.ring.Rotate()
	if err != nil {
		s.logger.Errorw("signing key rotation failed", "active_kid", prev, "err", err)
		return "", fmt.Errorf("rotate keys: %w", err)
	}
	n := len(s.ring.Kids())
	s.metrics.KeyRotated(n)
	s.logger.Infow("signing key rotated", "previous_kid", prev, "active_kid", pair.Kid, "known_keys", n)
	return pair.Kid, nil
}
