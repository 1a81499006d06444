package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/inkwell-notes/session-service/internal/domain"
	"github.com/inkwell-notes/session-service/internal/repository"
	"github.com/inkwell-notes/session-service/internal/security"
)

const (
	deletedUserNamespace = "deleted_users"
	minPasswordLength    = 8
)

// LoginResult is what register and login hand back to the transport layer.
type LoginResult struct {
	User         *domain.User
	AccessToken  string
	RefreshToken string
}

// AuthService orchestrates the credential verifier, token codec and refresh
// token store into the login/refresh/logout lifecycle.
type AuthService struct {
	users        repository.UserRepository
	tokens       *TokenService
	hasher       *security.PasswordHasher
	deletedCache NegativeLookupCacheStore
	deletedTTL   time.Duration
	storeTimeout time.Duration
}

func NewAuthService(users repository.UserRepository, tokens *TokenService, hasher *security.PasswordHasher, deletedCache NegativeLookupCacheStore, deletedTTL, storeTimeout time.Duration) *AuthService {
	if deletedCache == nil {
		deletedCache = NewNoopNegativeLookupCacheStore()
	}
	return &AuthService{
		users:        users,
		tokens:       tokens,
		hasher:       hasher,
		deletedCache: deletedCache,
		deletedTTL:   deletedTTL,
		storeTimeout: storeTimeout,
	}
}

// Register creates a user and issues the first token pair for the new
// session. Emails are case-folded before uniqueness is decided.
func (s *AuthService) Register(ctx context.Context, email, name, password string, device DeviceInfo) (*LoginResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := checkPasswordStrength(password); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &domain.User{Email: email, Name: strings.TrimSpace(name), PasswordHash: hash}

	storeCtx, cancel := s.boundStore(ctx)
	err = s.users.Create(storeCtx, user)
	cancel()
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		return nil, storeErr("create user", err)
	}

	pair, err := s.tokens.Issue(ctx, user.ID, device)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: user, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

// Login verifies credentials and issues a new token pair. An unknown email
// and a wrong password produce the identical error, and the unknown-email
// path still burns a hash comparison so the two are not separable by timing.
func (s *AuthService) Login(ctx context.Context, email, password string, device DeviceInfo) (*LoginResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	storeCtx, cancel := s.boundStore(ctx)
	user, err := s.users.FindByEmail(storeCtx, email)
	cancel()
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.hasher.DummyVerify(password)
			return nil, ErrInvalidCredentials
		}
		return nil, storeErr("find user", err)
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	pair, err := s.tokens.Issue(ctx, user.ID, device)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: user, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

// Refresh rotates a presented refresh token into a fresh pair.
func (s *AuthService) Refresh(ctx context.Context, presented string, device DeviceInfo) (*TokenPair, uint, error) {
	return s.tokens.Rotate(ctx, presented, device)
}

// Logout terminates the session behind the presented refresh token. It never
// reports whether a session existed.
func (s *AuthService) Logout(ctx context.Context, presented string) error {
	return s.tokens.RevokeByToken(ctx, presented)
}

// LogoutAll revokes every live session for the user, returning the count.
func (s *AuthService) LogoutAll(ctx context.Context, userID uint) (int64, error) {
	return s.tokens.RevokeAllForUser(ctx, userID)
}

// VerifyAccess decodes an access token and re-resolves its subject so a
// deleted user can never ride a still-valid token. Store outages surface as
// ErrStoreUnavailable; every other failure is ErrUnauthorized.
func (s *AuthService) VerifyAccess(ctx context.Context, raw string) (*domain.User, *security.Claims, error) {
	claims, err := s.tokens.jwtMgr.ParseAccessToken(raw)
	if err != nil {
		return nil, nil, ErrUnauthorized
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, nil, ErrUnauthorized
	}

	key := claims.Subject
	if hit, err := s.deletedCache.Get(ctx, deletedUserNamespace, key); err == nil && hit {
		return nil, nil, ErrUnauthorized
	}

	storeCtx, cancel := s.boundStore(ctx)
	user, err := s.users.FindByID(storeCtx, userID)
	cancel()
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			_ = s.deletedCache.Set(ctx, deletedUserNamespace, key, s.deletedTTL)
			return nil, nil, ErrUnauthorized
		}
		return nil, nil, storeErr("resolve user", err)
	}
	return user, claims, nil
}

func (s *AuthService) boundStore(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", validationErr("email", "must not be empty")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", validationErr("email", "must be a valid address")
	}
	return email, nil
}

func checkPasswordStrength(password string) error {
	if len(password) < minPasswordLength {
		return validationErr("password", fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}
	var hasLetter, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return validationErr("password", "must contain both letters and digits")
	}
	return nil
}
