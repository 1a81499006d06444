package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-notes/session-service/internal/domain"
	"github.com/inkwell-notes/session-service/internal/observability"
	"github.com/inkwell-notes/session-service/internal/repository"
	"github.com/inkwell-notes/session-service/internal/security"
)

// DeviceInfo describes the client a token pair was issued to. It is recorded
// for the user's device list and never consulted for authorization.
type DeviceInfo struct {
	UserAgent string
	IP        string
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// TokenService owns the refresh-token lineage state machine: issuance,
// rotation and revocation against the durable store. The signature check
// alone never authorizes a refresh; the store row is the authority.
type TokenService struct {
	jwtMgr       *security.JWTManager
	tokens       repository.RefreshTokenRepository
	pepper       string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	storeTimeout time.Duration
}

func NewTokenService(jwtMgr *security.JWTManager, tokens repository.RefreshTokenRepository, pepper string, accessTTL, refreshTTL, storeTimeout time.Duration) *TokenService {
	return &TokenService{
		jwtMgr:       jwtMgr,
		tokens:       tokens,
		pepper:       pepper,
		accessTTL:    accessTTL,
		refreshTTL:   refreshTTL,
		storeTimeout: storeTimeout,
	}
}

// Issue mints a fresh access/refresh pair for the user and persists the
// refresh row. A token-id collision is cryptographically improbable but
// retryable, so it gets one retry before surfacing as unavailable.
func (s *TokenService) Issue(ctx context.Context, userID uint, device DeviceInfo) (*TokenPair, error) {
	for attempt := 0; attempt < 2; attempt++ {
		pair, err := s.issueOnce(ctx, userID, uuid.NewString(), "", nil, device)
		if err == nil {
			return pair, nil
		}
		if !errors.Is(err, repository.ErrDuplicateTokenID) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: token id collision", ErrStoreUnavailable)
}

func (s *TokenService) issueOnce(ctx context.Context, userID uint, tokenID, familyID string, parentTokenID *string, device DeviceInfo) (*TokenPair, error) {
	refresh, err := s.jwtMgr.SignRefreshToken(userID, tokenID, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	access, err := s.jwtMgr.SignAccessToken(userID, tokenID, s.accessTTL)
	if err != nil {
		return nil, err
	}
	if familyID == "" {
		familyID = tokenID
	}
	row := &domain.RefreshToken{
		UserID:        userID,
		TokenID:       tokenID,
		TokenHash:     security.HashRefreshToken(refresh, s.pepper),
		FamilyID:      familyID,
		ParentTokenID: parentTokenID,
		UserAgent:     device.UserAgent,
		IP:            device.IP,
		ExpiresAt:     time.Now().Add(s.refreshTTL),
	}

	storeCtx, cancel := s.boundStore(ctx)
	defer cancel()
	if err := s.tokens.Create(storeCtx, row); err != nil {
		if errors.Is(err, repository.ErrDuplicateTokenID) {
			return nil, err
		}
		return nil, storeErr("create refresh token", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Rotate validates a presented refresh token and exchanges it for a new pair.
// The presented token's row is revoked and the replacement created in one
// atomic store operation; of two concurrent calls with the same token exactly
// one succeeds. Presenting an already-rotated token is treated as theft
// evidence and revokes the whole family.
func (s *TokenService) Rotate(ctx context.Context, presented string, device DeviceInfo) (*TokenPair, uint, error) {
	claims, err := s.jwtMgr.ParseRefreshToken(presented)
	if err != nil {
		return nil, 0, ErrInvalidOrExpiredToken
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, 0, ErrInvalidOrExpiredToken
	}
	tokenID := claims.ID
	if tokenID == "" {
		return nil, 0, ErrInvalidOrExpiredToken
	}

	storeCtx, cancel := s.boundStore(ctx)
	row, err := s.tokens.FindByTokenID(storeCtx, tokenID)
	cancel()
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return nil, 0, ErrInvalidOrExpiredToken
		}
		return nil, 0, storeErr("find refresh token", err)
	}

	if row.UserID != userID || row.TokenHash != security.HashRefreshToken(presented, s.pepper) {
		return nil, 0, ErrInvalidOrExpiredToken
	}
	now := time.Now()
	if !row.Live(now) {
		if row.RevokedAt != nil && row.ExpiresAt.After(now) {
			// A correctly signed, unexpired token that is already revoked means
			// someone replayed a rotated token. Kill the whole lineage.
			s.revokeFamilyOnReuse(ctx, row, userID)
		}
		return nil, 0, ErrInvalidOrExpiredToken
	}

	newTokenID := uuid.NewString()
	refresh, err := s.jwtMgr.SignRefreshToken(userID, newTokenID, s.refreshTTL)
	if err != nil {
		return nil, 0, err
	}
	access, err := s.jwtMgr.SignAccessToken(userID, newTokenID, s.accessTTL)
	if err != nil {
		return nil, 0, err
	}
	replacement := &domain.RefreshToken{
		UserID:        userID,
		TokenID:       newTokenID,
		TokenHash:     security.HashRefreshToken(refresh, s.pepper),
		FamilyID:      row.FamilyID,
		ParentTokenID: &row.TokenID,
		UserAgent:     device.UserAgent,
		IP:            device.IP,
		ExpiresAt:     now.Add(s.refreshTTL),
	}

	storeCtx, cancel = s.boundStore(ctx)
	defer cancel()
	if err := s.tokens.Rotate(storeCtx, tokenID, replacement); err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			// Lost the race against a concurrent rotation or revocation.
			return nil, 0, ErrInvalidOrExpiredToken
		}
		return nil, 0, storeErr("rotate refresh token", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, userID, nil
}

func (s *TokenService) revokeFamilyOnReuse(ctx context.Context, row *domain.RefreshToken, userID uint) {
	storeCtx, cancel := s.boundStore(ctx)
	defer cancel()
	count, err := s.tokens.RevokeFamily(storeCtx, row.FamilyID, "reuse_detected")
	if err != nil {
		slog.ErrorContext(ctx, "failed to revoke token family after reuse",
			"user_id", userID, "family_id", row.FamilyID, "error", err)
		return
	}
	observability.RecordAuthRefresh("reuse_detected")
	slog.WarnContext(ctx, "refresh token reuse detected, family revoked",
		"user_id", userID, "family_id", row.FamilyID, "revoked", count)
}

// RevokeByToken terminates the session behind a presented refresh token.
// It is best-effort and idempotent: an unparseable or unknown token is not
// an error, only an infrastructure failure is.
func (s *TokenService) RevokeByToken(ctx context.Context, presented string) error {
	claims, err := s.jwtMgr.ParseRefreshToken(presented)
	if err != nil {
		return nil
	}
	storeCtx, cancel := s.boundStore(ctx)
	defer cancel()
	if _, err := s.tokens.Revoke(storeCtx, claims.ID, "logout"); err != nil {
		return storeErr("revoke refresh token", err)
	}
	return nil
}

// RevokeAllForUser terminates every live session the user has and returns
// how many were revoked.
func (s *TokenService) RevokeAllForUser(ctx context.Context, userID uint) (int64, error) {
	storeCtx, cancel := s.boundStore(ctx)
	defer cancel()
	count, err := s.tokens.RevokeAllForUser(storeCtx, userID, "logout_all")
	if err != nil {
		return 0, storeErr("revoke all refresh tokens", err)
	}
	return count, nil
}

func (s *TokenService) boundStore(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

// storeErr folds any repository failure into the unavailable sentinel so
// callers fail closed instead of leaking store internals.
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
