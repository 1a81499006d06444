package repository

import (
	"context"
	"errors"
	"time"

	"github.com/inkwell-notes/session-service/internal/domain"
	"github.com/inkwell-notes/session-service/internal/observability"

	"gorm.io/gorm"
)

var (
	ErrTokenNotFound    = errors.New("refresh token not found")
	ErrDuplicateTokenID = errors.New("refresh token id already exists")
)

// RefreshTokenRepository is the durable source of truth for which refresh
// tokens are currently valid. "Live" everywhere means revoked_at IS NULL and
// expires_at strictly in the future.
type RefreshTokenRepository interface {
	Create(ctx context.Context, t *domain.RefreshToken) error
	FindByTokenID(ctx context.Context, tokenID string) (*domain.RefreshToken, error)
	FindLiveByTokenID(ctx context.Context, tokenID string) (*domain.RefreshToken, error)
	// Rotate revokes the old row and inserts the replacement as one atomic
	// unit. It fails with ErrTokenNotFound when the old row is no longer
	// live, which is how exactly one of two concurrent rotations wins.
	Rotate(ctx context.Context, oldTokenID string, replacement *domain.RefreshToken) error
	Revoke(ctx context.Context, tokenID, reason string) (bool, error)
	RevokeFamily(ctx context.Context, familyID, reason string) (int64, error)
	RevokeAllForUser(ctx context.Context, userID uint, reason string) (int64, error)
	RevokeByIDForUser(ctx context.Context, userID, rowID uint, reason string) (bool, error)
	RevokeOthersForUser(ctx context.Context, userID, keepRowID uint, reason string) (int64, error)
	ListLiveByUserID(ctx context.Context, userID uint) ([]domain.RefreshToken, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

type GormRefreshTokenRepository struct{ db *gorm.DB }

func NewRefreshTokenRepository(db *gorm.DB) RefreshTokenRepository {
	return &GormRefreshTokenRepository{db: db}
}

func (r *GormRefreshTokenRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	err := r.db.WithContext(ctx).Create(t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			observability.RecordRepositoryOperation(ctx, "refresh_token", "create", "conflict")
			return ErrDuplicateTokenID
		}
		observability.RecordRepositoryOperation(ctx, "refresh_token", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "create", "success")
	return nil
}

func (r *GormRefreshTokenRepository) FindByTokenID(ctx context.Context, tokenID string) (*domain.RefreshToken, error) {
	var t domain.RefreshToken
	err := r.db.WithContext(ctx).Where("token_id = ?", tokenID).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "refresh_token", "find_by_token_id", "not_found")
			return nil, ErrTokenNotFound
		}
		observability.RecordRepositoryOperation(ctx, "refresh_token", "find_by_token_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "find_by_token_id", "success")
	return &t, nil
}

func (r *GormRefreshTokenRepository) FindLiveByTokenID(ctx context.Context, tokenID string) (*domain.RefreshToken, error) {
	var t domain.RefreshToken
	err := r.db.WithContext(ctx).
		Where("token_id = ? AND revoked_at IS NULL AND expires_at > ?", tokenID, time.Now()).
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "refresh_token", "find_live_by_token_id", "not_found")
			return nil, ErrTokenNotFound
		}
		observability.RecordRepositoryOperation(ctx, "refresh_token", "find_live_by_token_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "find_live_by_token_id", "success")
	return &t, nil
}

func (r *GormRefreshTokenRepository) Rotate(ctx context.Context, oldTokenID string, replacement *domain.RefreshToken) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		// Conditional update doubles as the compare-and-swap: only a row
		// that is still live can be revoked here, so two concurrent
		// rotations of the same token serialize on RowsAffected.
		res := tx.Model(&domain.RefreshToken{}).
			Where("token_id = ? AND revoked_at IS NULL AND expires_at > ?", oldTokenID, now).
			Updates(map[string]any{
				"revoked_at":     now,
				"revoked_reason": "rotated",
				"last_used_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrTokenNotFound
		}
		return tx.Create(replacement).Error
	})
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			observability.RecordRepositoryOperation(ctx, "refresh_token", "rotate", "not_found")
		} else {
			observability.RecordRepositoryOperation(ctx, "refresh_token", "rotate", "error")
		}
		return err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "rotate", "success")
	return nil
}

func (r *GormRefreshTokenRepository) Revoke(ctx context.Context, tokenID, reason string) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("token_id = ? AND revoked_at IS NULL", tokenID).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormRefreshTokenRepository) RevokeFamily(ctx context.Context, familyID, reason string) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("family_id = ? AND revoked_at IS NULL", familyID).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_family", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_family", "success")
	return res.RowsAffected, nil
}

func (r *GormRefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID uint, reason string) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, now).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_all_for_user", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_all_for_user", "success")
	return res.RowsAffected, nil
}

func (r *GormRefreshTokenRepository) RevokeByIDForUser(ctx context.Context, userID, rowID uint, reason string) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("user_id = ? AND id = ? AND revoked_at IS NULL", userID, rowID).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_id_for_user", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_id_for_user", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormRefreshTokenRepository) RevokeOthersForUser(ctx context.Context, userID, keepRowID uint, reason string) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("user_id = ? AND id <> ? AND revoked_at IS NULL", userID, keepRowID).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_others_for_user", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_others_for_user", "success")
	return res.RowsAffected, nil
}

func (r *GormRefreshTokenRepository) ListLiveByUserID(ctx context.Context, userID uint) ([]domain.RefreshToken, error) {
	var tokens []domain.RefreshToken
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, time.Now()).
		Order("created_at DESC").
		Find(&tokens).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "list_live_by_user_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "list_live_by_user_id", "success")
	return tokens, nil
}

// CleanupExpired deletes rows past their expiry, revoked or not. The window
// check keys off expires_at alone, so a purge can never remove a token that
// an in-flight FindLiveByTokenID would still consider valid.
func (r *GormRefreshTokenRepository) CleanupExpired(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", time.Now()).Delete(&domain.RefreshToken{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "cleanup_expired", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "cleanup_expired", "success")
	return res.RowsAffected, nil
}
