package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/oidc"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/refresh"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

// Users is the account directory the orchestrator authenticates against.
type Users interface {
	AuthenticatePassword(ctx context.Context, email, password string) (*entity.User, error)
	FindByID(ctx context.Context, id string) (*entity.User, error)
	SignupUser(ctx context.Context, email, password string) (string, error)
	ResolveOAuthUser(ctx context.Context, provider, providerUserID, email string) (*entity.User, error)
	Deactivate(ctx context.Context, id string) error
	Reactivate(ctx context.Context, id string) error
}

// Tokens issues and verifies access tokens.
type Tokens interface {
	GenerateToken(subject, email string, roles []string) (string, error)
	Identity(token string) (oidc.Identity, error)
	AccessTTL() time.Duration
	RotateKeys() (string, error)
}

// Sessions runs the refresh token protocol.
type Sessions interface {
	Create(ctx context.Context, userID string) (string, *refresh.Token, error)
	Validate(ctx context.Context, raw string) (*refresh.Token, error)
	Rotate(ctx context.Context, raw string) (refresh.Rotation, error)
	Discard(ctx context.Context, raw string) error
	RevokeAll(ctx context.Context, userID string) error
	ListActiveSessions(ctx context.Context, userID, currentID string) ([]refresh.SessionView, error)
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenPair is what a login or refresh hands back to the client.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresIn  time.Duration
	RefreshExpiresAt time.Time
}

// Introspection is the RFC 7662 view of a token.
type Introspection struct {
	Active    bool     `json:"active"`
	Subject   string   `json:"sub,omitempty"`
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
}

// Service composes accounts, access tokens and refresh sessions into the
// login, refresh and logout flows.
type Service struct {
	users    Users
	tokens   Tokens
	sessions Sessions
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
}

func NewService(users Users, tokens Tokens, sessions Sessions, logger *zap.SugaredLogger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{users: users, tokens: tokens, sessions: sessions, logger: logger, metrics: m}
}

// Login checks credentials and opens a new session.
func (s *Service) Login(ctx context.Context, c Credentials) (TokenPair, error) {
	u, err := s.users.AuthenticatePassword(ctx, c.Email, c.Password)
	if err != nil {
		return TokenPair{}, s.loginFailed(err)
	}
	return s.open(ctx, u)
}

// LoginFederated opens a session for an identity asserted by an external
// provider, registering the account on first sign-in.
func (s *Service) LoginFederated(ctx context.Context, ext ExternalIdentity) (TokenPair, error) {
	if !ext.EmailVerified {
		s.metrics.Login("invalid_credentials")
		return TokenPair{}, fmt.Errorf("%w: unverified email", ErrInvalidCredentials)
	}
	u, err := s.users.ResolveOAuthUser(ctx, ext.Provider, ext.Subject, ext.Email)
	if err != nil {
		return TokenPair{}, s.loginFailed(err)
	}
	return s.open(ctx, u)
}

func (s *Service) loginFailed(err error) error {
	switch {
	case errors.Is(err, user.ErrBadCredentials), errors.Is(err, user.ErrLocked),
		errors.Is(err, user.ErrDisabled), errors.Is(err, user.ErrProviderMismatch):
		s.metrics.Login("invalid_credentials")
		return fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	default:
		s.metrics.Login("error")
		return fmt.Errorf("authenticate: %w", err)
	}
}

// open issues the first token pair of a new session.
func (s *Service) open(ctx context.Context, u *entity.User) (TokenPair, error) {
	access, err := s.tokens.GenerateToken(u.ID, u.Email, u.RoleList())
	if err != nil {
		s.metrics.Login("error")
		return TokenPair{}, err
	}
	raw, tok, err := s.sessions.Create(ctx, u.ID)
	if err != nil {
		s.metrics.Login("error")
		return TokenPair{}, err
	}
	s.metrics.Login("success")
	s.logger.Infow("login", "user_id", u.ID, "session_id", tok.ID)
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     raw,
		AccessExpiresIn:  s.tokens.AccessTTL(),
		RefreshExpiresAt: tok.ExpiresAt,
	}, nil
}

// Refresh exchanges a refresh secret for a new pair. Email and roles are read
// from the current account, never carried over from the old access token.
func (s *Service) Refresh(ctx context.Context, raw string) (TokenPair, error) {
	rot, err := s.sessions.Rotate(ctx, raw)
	if err != nil {
		return TokenPair{}, err
	}
	u, err := s.users.FindByID(ctx, rot.UserID)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			if rerr := s.sessions.RevokeAll(ctx, rot.UserID); rerr != nil {
				return TokenPair{}, errors.Join(ErrUserNotFound, rerr)
			}
			s.logger.Warnw("refresh for missing user", "user_id", rot.UserID)
			return TokenPair{}, ErrUserNotFound
		}
		return TokenPair{}, fmt.Errorf("load user: %w", err)
	}
	if !u.CanSignIn(time.Now()) {
		if rerr := s.sessions.RevokeAll(ctx, u.ID); rerr != nil {
			return TokenPair{}, errors.Join(ErrUnauthorized, rerr)
		}
		s.logger.Warnw("refresh for inactive user", "user_id", u.ID, "status", u.Status)
		return TokenPair{}, ErrUnauthorized
	}
	access, err := s.tokens.GenerateToken(u.ID, u.Email, u.RoleList())
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     rot.RefreshToken,
		AccessExpiresIn:  s.tokens.AccessTTL(),
		RefreshExpiresAt: rot.ExpiresAt,
	}, nil
}

// Logout discards the refresh secret. An empty secret is a no-op.
func (s *Service) Logout(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	return s.sessions.Discard(ctx, raw)
}

// Me resolves the identity behind an access token.
func (s *Service) Me(accessToken string) (oidc.Identity, error) {
	if accessToken == "" {
		return oidc.Identity{}, ErrUnauthorized
	}
	id, err := s.tokens.Identity(accessToken)
	if err != nil {
		return oidc.Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return id, nil
}

// Sessions lists the live sessions of the refresh secret's owner without
// consuming the secret.
func (s *Service) Sessions(ctx context.Context, raw string) ([]refresh.SessionView, error) {
	cur, err := s.sessions.Validate(ctx, raw)
	if err != nil {
		return nil, err
	}
	return s.sessions.ListActiveSessions(ctx, cur.UserID, cur.ID)
}

// LogoutAll revokes every session of the refresh secret's owner.
func (s *Service) LogoutAll(ctx context.Context, raw string) error {
	cur, err := s.sessions.Validate(ctx, raw)
	if err != nil {
		return err
	}
	return s.sessions.RevokeAll(ctx, cur.UserID)
}

// DisableUser deactivates the account and revokes all of its sessions.
// Access tokens already issued stay valid until they expire.
func (s *Service) DisableUser(ctx context.Context, id string) error {
	if err := s.users.Deactivate(ctx, id); err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	return s.sessions.RevokeAll(ctx, id)
}

func (s *Service) EnableUser(ctx context.Context, id string) error {
	if err := s.users.Reactivate(ctx, id); err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	return nil
}

func (s *Service) Register(ctx context.Context, email, password string) (string, error) {
	return s.users.SignupUser(ctx, email, password)
}

func (s *Service) RotateSigningKey() (string, error) {
	return s.tokens.RotateKeys()
}

// Revoke implements RFC 7009 for refresh tokens. The token type hint is not
// trusted: every token is looked up as a refresh token. Access tokens are
// stateless and expire on their own.
func (s *Service) Revoke(ctx context.Context, token string) error {
	err := s.Logout(ctx, token)
	if errors.Is(err, refresh.ErrInvalidRefreshToken) {
		return nil
	}
	return err
}

// Introspect reports whether token is an active refresh or access token.
func (s *Service) Introspect(ctx context.Context, token string) Introspection {
	if t, err := s.sessions.Validate(ctx, token); err == nil {
		return Introspection{Active: true, Subject: t.UserID, ExpiresAt: t.ExpiresAt.Unix(), TokenType: "refresh_token"}
	}
	if id, err := s.tokens.Identity(token); err == nil {
		return Introspection{Active: true, Subject: id.UserID, Email: id.Email, Roles: id.Roles, TokenType: "access_token"}
	}
	return Introspection{Active: false}
}
