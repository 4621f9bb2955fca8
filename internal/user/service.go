package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/user/repo"
)

// DefaultRoles are granted to self-registered accounts.
var DefaultRoles = []string{"USER"}

// PasswordHasher defines minimal hashing interface (abstract so we can swap to argon2 later).
type PasswordHasher interface {
	Hash(pw string) (hash string, algo string, err error)
	Verify(hash, pw string) bool
	NeedsRehash(hash string) bool
}

// BcryptHasher implementation.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) cost() int {
	if b.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return b.Cost
}

func (b BcryptHasher) Hash(pw string) (string, string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pw), b.cost())
	if err != nil {
		return "", "", err
	}
	return string(h), fmt.Sprintf("bcrypt:%d", b.cost()), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// NeedsRehash reports whether hash was produced with a lower cost than configured.
func (b BcryptHasher) NeedsRehash(hash string) bool {
	c, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return false
	}
	return c < b.cost()
}

// Repository is the storage the service needs. Lookups return sql.ErrNoRows when nothing matches.
type Repository interface {
	Create(ctx context.Context, u *entity.User) error
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
	GetByID(ctx context.Context, id string) (*entity.User, error)
	IncrementFailedLogin(ctx context.Context, id string) (int, error)
	LockIfThreshold(ctx context.Context, id string, threshold int, lockMinutes int) (bool, error)
	ResetLoginSuccess(ctx context.Context, id string) error
	UnlockIfExpired(ctx context.Context, id string) (bool, error)
	UpdatePassword(ctx context.Context, id, hash, algo string) error
	Deactivate(ctx context.Context, id string) (bool, error)
	Reactivate(ctx context.Context, id string) (bool, error)
	GetByAccount(ctx context.Context, provider, providerUserID string) (*entity.User, error)
	CreateWithAccount(ctx context.Context, u *entity.User, a *entity.AuthAccount) error
}

// UserService orchestrates authentication and user lifecycle flows.
type UserService struct {
	repo   Repository
	hasher PasswordHasher
	logger *zap.SugaredLogger
	// configuration knobs
	MaxFailed   int
	LockMinutes int
}

func NewUserService(r Repository, hasher PasswordHasher, logger *zap.SugaredLogger) *UserService {
	if hasher == nil {
		hasher = BcryptHasher{Cost: 12}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &UserService{repo: r, hasher: hasher, logger: logger, MaxFailed: 6, LockMinutes: 15}
}

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrLocked         = errors.New("user locked")
	ErrDisabled       = errors.New("user disabled")
	ErrBadCredentials = errors.New("invalid credentials")
	ErrEmailTaken     = errors.New("email already registered")
	ErrInvalidSignup  = errors.New("invalid email or password")
	// ErrProviderMismatch means the email belongs to an account registered with another provider.
	ErrProviderMismatch = errors.New("account registered with another provider")
)

// AuthenticatePassword checks email and password. On success it resets the
// failure counter and returns the user.
func (s *UserService) AuthenticatePassword(ctx context.Context, email, password string) (*entity.User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, ErrBadCredentials
	}
	u, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBadCredentials
		} // avoid user enumeration
		return nil, err
	}

	if err := s.checkStatus(ctx, u); err != nil {
		return nil, err
	}
	if u.PasswordHash == "" {
		return nil, ErrBadCredentials
	}

	if !s.hasher.Verify(u.PasswordHash, password) {
		if _, incErr := s.repo.IncrementFailedLogin(ctx, u.ID); incErr == nil {
			if locked, _ := s.repo.LockIfThreshold(ctx, u.ID, s.MaxFailed, s.LockMinutes); locked {
				s.logger.Infow("user locked after failed logins", "user_id", u.ID)
			}
		}
		return nil, ErrBadCredentials
	}

	if err := s.repo.ResetLoginSuccess(ctx, u.ID); err != nil {
		return nil, err
	}
	if s.hasher.NeedsRehash(u.PasswordHash) {
		if newHash, algo, hErr := s.hasher.Hash(password); hErr == nil {
			if err := s.repo.UpdatePassword(ctx, u.ID, newHash, algo); err != nil {
				s.logger.Warnw("password rehash failed", "user_id", u.ID, "err", err)
			}
		}
	}
	return u, nil
}

// SignupUser creates an active user with the default roles and returns its id.
func (s *UserService) SignupUser(ctx context.Context, email, password string) (string, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || password == "" {
		return "", ErrInvalidSignup
	}
	hash, algo, err := s.hasher.Hash(password)
	if err != nil {
		return "", err
	}
	u := &entity.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		PasswordAlgo: algo,
		Roles:        append([]string(nil), DefaultRoles...),
		Status:       entity.StatusActive,
		Provider:     entity.ProviderLocal,
	}
	if err := s.repo.Create(ctx, u); err != nil {
		if errors.Is(err, userrepo.ErrDuplicateEmail) {
			return "", ErrEmailTaken
		}
		return "", err
	}
	s.logger.Infow("user registered", "user_id", u.ID)
	return u.ID, nil
}

// FindByID returns the current user record, or ErrUserNotFound.
func (s *UserService) FindByID(ctx context.Context, id string) (*entity.User, error) {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

// ResolveOAuthUser returns the user linked to a provider account, creating
// one with the default roles on first sign-in. An email already registered
// with another provider is refused rather than linked.
func (s *UserService) ResolveOAuthUser(ctx context.Context, provider, providerUserID, email string) (*entity.User, error) {
	if provider == "" || provider == entity.ProviderLocal || providerUserID == "" {
		return nil, ErrBadCredentials
	}
	u, err := s.repo.GetByAccount(ctx, provider, providerUserID)
	if err == nil {
		return s.usable(ctx, u)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrBadCredentials
	}
	existing, err := s.repo.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if existing.Provider != provider {
			s.logger.Warnw("federated sign-in for account of another provider", "user_id", existing.ID, "provider", provider)
			return nil, ErrProviderMismatch
		}
		return s.usable(ctx, existing)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	u = &entity.User{
		ID:       uuid.NewString(),
		Email:    email,
		Roles:    append([]string(nil), DefaultRoles...),
		Status:   entity.StatusActive,
		Provider: provider,
	}
	acct := &entity.AuthAccount{ID: uuid.NewString(), UserID: u.ID, Provider: provider, ProviderUserID: providerUserID}
	if err := s.repo.CreateWithAccount(ctx, u, acct); err != nil {
		if errors.Is(err, userrepo.ErrDuplicateEmail) {
			// a concurrent first sign-in won; use its row
			if u, gerr := s.repo.GetByAccount(ctx, provider, providerUserID); gerr == nil {
				return s.usable(ctx, u)
			}
			return nil, ErrProviderMismatch
		}
		return nil, err
	}
	s.logger.Infow("user registered", "user_id", u.ID, "provider", provider)
	return u, nil
}

// Deactivate disables the account. Callers revoke its sessions.
func (s *UserService) Deactivate(ctx context.Context, id string) error {
	ok, err := s.repo.Deactivate(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUserNotFound
	}
	s.logger.Infow("user deactivated", "user_id", id)
	return nil
}

// Reactivate re-enables a disabled or locked account.
func (s *UserService) Reactivate(ctx context.Context, id string) error {
	ok, err := s.repo.Reactivate(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUserNotFound
	}
	s.logger.Infow("user reactivated", "user_id", id)
	return nil
}

func (s *UserService) usable(ctx context.Context, u *entity.User) (*entity.User, error) {
	if err := s.checkStatus(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// checkStatus clears an expired lock, then refuses locked and disabled accounts.
func (s *UserService) checkStatus(ctx context.Context, u *entity.User) error {
	if u.Status == entity.StatusLocked && u.LockedUntil != nil && u.LockedUntil.Before(time.Now()) {
		if unlocked, _ := s.repo.UnlockIfExpired(ctx, u.ID); unlocked {
			u.Status = entity.StatusActive
			u.LockedUntil = nil
		}
	}
	switch u.Status {
	case entity.StatusLocked:
		return ErrLocked
	case entity.StatusDisabled:
		return ErrDisabled
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
