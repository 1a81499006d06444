package service

import (
	"context"
	"time"

	"github.com/inkwell-notes/session-service/internal/repository"
	"github.com/inkwell-notes/session-service/internal/security"
)

// SessionView is a device session as shown to the account owner. Token
// material never leaves the server; only row metadata does.
type SessionView struct {
	ID         uint       `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	UserAgent  string     `json:"user_agent"`
	IP         string     `json:"ip"`
	IsCurrent  bool       `json:"is_current"`
}

// SessionService lets a user inspect and prune their own device sessions.
type SessionService struct {
	tokens       repository.RefreshTokenRepository
	jwtMgr       *security.JWTManager
	pepper       string
	storeTimeout time.Duration
}

func NewSessionService(tokens repository.RefreshTokenRepository, jwtMgr *security.JWTManager, pepper string, storeTimeout time.Duration) *SessionService {
	return &SessionService{
		tokens:       tokens,
		jwtMgr:       jwtMgr,
		pepper:       pepper,
		storeTimeout: storeTimeout,
	}
}

// ListSessions returns every live session for the user, flagging the one the
// presented refresh token belongs to.
func (s *SessionService) ListSessions(ctx context.Context, userID uint, currentSessionID uint) ([]SessionView, error) {
	storeCtx, cancel := s.boundStore(ctx)
	defer cancel()
	rows, err := s.tokens.ListLiveByUserID(storeCtx, userID)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	views := make([]SessionView, 0, len(rows))
	for _, row := range rows {
		views = append(views, SessionView{
			ID:         row.ID,
			CreatedAt:  row.CreatedAt,
			ExpiresAt:  row.ExpiresAt,
			LastUsedAt: row.LastUsedAt,
			UserAgent:  row.UserAgent,
			IP:         row.IP,
			IsCurrent:  row.ID == currentSessionID,
		})
	}
	return views, nil
}

// ResolveCurrentSessionID maps the caller's credentials onto their session
// row. Access tokens carry the session token id as jti, so that path covers
// requests without a refresh cookie; the refresh token itself is the
// fallback. Zero means the current session could not be determined, which
// only disables the is_current flag and revoke-others exclusion.
func (s *SessionService) ResolveCurrentSessionID(ctx context.Context, userID uint, claims *security.Claims, refreshToken string) uint {
	if claims != nil && claims.ID != "" {
		if id := s.lookupSession(ctx, userID, claims.ID, ""); id != 0 {
			return id
		}
	}
	if refreshToken == "" {
		return 0
	}
	refreshClaims, err := s.jwtMgr.ParseRefreshToken(refreshToken)
	if err != nil || refreshClaims.ID == "" {
		return 0
	}
	return s.lookupSession(ctx, userID, refreshClaims.ID, refreshToken)
}

func (s *SessionService) lookupSession(ctx context.Context, userID uint, tokenID, presented string) uint {
	storeCtx, cancel := s.boundStore(ctx)
	defer cancel()
	row, err := s.tokens.FindLiveByTokenID(storeCtx, tokenID)
	if err != nil {
		return 0
	}
	if row.UserID != userID {
		return 0
	}
	if presented != "" && row.TokenHash != security.HashRefreshToken(presented, s.pepper) {
		return 0
	}
	return row.ID
}

// RevokeSession revokes one of the user's sessions by row id. Revoking an
// already-dead session is not an error.
func (s *SessionService) RevokeSession(ctx context.Context, userID, sessionID uint) (bool, error) {
	storeCtx, cancel := s.boundStore(ctx)
	defer cancel()
	changed, err := s.tokens.RevokeByIDForUser(storeCtx, userID, sessionID, "user_session_revoked")
	if err != nil {
		return false, storeErr("revoke session", err)
	}
	return changed, nil
}

// RevokeOtherSessions revokes every live session except the current one.
func (s *SessionService) RevokeOtherSessions(ctx context.Context, userID, currentSessionID uint) (int64, error) {
	storeCtx, cancel := s.boundStore(ctx)
	defer cancel()
	count, err := s.tokens.RevokeOthersForUser(storeCtx, userID, currentSessionID, "user_revoke_others")
	if err != nil {
		return 0, storeErr("revoke other sessions", err)
	}
	return count, nil
}

func (s *SessionService) boundStore(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}
