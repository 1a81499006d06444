package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/inkwell-notes/session-service/internal/domain"
	"github.com/inkwell-notes/session-service/internal/repository"
)

// fakeUserRepo is a mutex-guarded map standing in for the user table.
type fakeUserRepo struct {
	mu     sync.Mutex
	nextID uint
	users  map[uint]domain.User
	fail   error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[uint]domain.User)}
}

func (r *fakeUserRepo) Create(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	for _, existing := range r.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return repository.ErrDuplicateEmail
		}
	}
	r.nextID++
	user.ID = r.nextID
	user.CreatedAt = time.Now()
	r.users[user.ID] = *user
	return nil
}

func (r *fakeUserRepo) FindByID(_ context.Context, id uint) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	user, ok := r.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &user, nil
}

func (r *fakeUserRepo) FindByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	for _, user := range r.users {
		if user.Email == email {
			u := user
			return &u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (r *fakeUserRepo) UpdateLastActive(_ context.Context, id uint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	user, ok := r.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	stamp := at
	user.LastActiveAt = &stamp
	r.users[id] = user
	return nil
}

func (r *fakeUserRepo) delete(id uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, id)
}

func (r *fakeUserRepo) lastActive(id uint) *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return nil
	}
	return user.LastActiveAt
}

// fakeTokenRepo mirrors the store's atomicity contract: Rotate succeeds for
// at most one caller per token id because the live check and the revocation
// happen under one lock.
type fakeTokenRepo struct {
	mu     sync.Mutex
	nextID uint
	rows   map[string]*domain.RefreshToken
	fail   error
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{rows: make(map[string]*domain.RefreshToken)}
}

func (r *fakeTokenRepo) live(row *domain.RefreshToken, now time.Time) bool {
	return row.Live(now)
}

func (r *fakeTokenRepo) Create(_ context.Context, t *domain.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	if _, ok := r.rows[t.TokenID]; ok {
		return repository.ErrDuplicateTokenID
	}
	r.nextID++
	t.ID = r.nextID
	t.CreatedAt = time.Now()
	row := *t
	r.rows[t.TokenID] = &row
	return nil
}

func (r *fakeTokenRepo) FindByTokenID(_ context.Context, tokenID string) (*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	row, ok := r.rows[tokenID]
	if !ok {
		return nil, repository.ErrTokenNotFound
	}
	copied := *row
	return &copied, nil
}

func (r *fakeTokenRepo) FindLiveByTokenID(_ context.Context, tokenID string) (*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	row, ok := r.rows[tokenID]
	if !ok || !r.live(row, time.Now()) {
		return nil, repository.ErrTokenNotFound
	}
	copied := *row
	return &copied, nil
}

func (r *fakeTokenRepo) Rotate(_ context.Context, oldTokenID string, replacement *domain.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	now := time.Now()
	old, ok := r.rows[oldTokenID]
	if !ok || !r.live(old, now) {
		return repository.ErrTokenNotFound
	}
	reason := "rotated"
	stamp := now
	old.RevokedAt = &stamp
	old.RevokedReason = &reason
	old.LastUsedAt = &stamp
	r.nextID++
	replacement.ID = r.nextID
	replacement.CreatedAt = now
	row := *replacement
	r.rows[replacement.TokenID] = &row
	return nil
}

func (r *fakeTokenRepo) Revoke(_ context.Context, tokenID, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return false, r.fail
	}
	row, ok := r.rows[tokenID]
	if !ok || row.RevokedAt != nil {
		return false, nil
	}
	now := time.Now()
	row.RevokedAt = &now
	row.RevokedReason = &reason
	return true, nil
}

func (r *fakeTokenRepo) RevokeFamily(_ context.Context, familyID, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return 0, r.fail
	}
	var count int64
	now := time.Now()
	for _, row := range r.rows {
		if row.FamilyID == familyID && row.RevokedAt == nil {
			stamp := now
			rs := reason
			row.RevokedAt = &stamp
			row.RevokedReason = &rs
			count++
		}
	}
	return count, nil
}

func (r *fakeTokenRepo) RevokeAllForUser(_ context.Context, userID uint, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return 0, r.fail
	}
	var count int64
	now := time.Now()
	for _, row := range r.rows {
		if row.UserID == userID && r.live(row, now) {
			stamp := now
			rs := reason
			row.RevokedAt = &stamp
			row.RevokedReason = &rs
			count++
		}
	}
	return count, nil
}

func (r *fakeTokenRepo) RevokeByIDForUser(_ context.Context, userID, rowID uint, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return false, r.fail
	}
	for _, row := range r.rows {
		if row.ID == rowID && row.UserID == userID && row.RevokedAt == nil {
			now := time.Now()
			rs := reason
			row.RevokedAt = &now
			row.RevokedReason = &rs
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeTokenRepo) RevokeOthersForUser(_ context.Context, userID, keepRowID uint, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return 0, r.fail
	}
	var count int64
	now := time.Now()
	for _, row := range r.rows {
		if row.UserID == userID && row.ID != keepRowID && row.RevokedAt == nil {
			stamp := now
			rs := reason
			row.RevokedAt = &stamp
			row.RevokedReason = &rs
			count++
		}
	}
	return count, nil
}

func (r *fakeTokenRepo) ListLiveByUserID(_ context.Context, userID uint) ([]domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	var out []domain.RefreshToken
	now := time.Now()
	for _, row := range r.rows {
		if row.UserID == userID && r.live(row, now) {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (r *fakeTokenRepo) CleanupExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return 0, r.fail
	}
	var count int64
	now := time.Now()
	for id, row := range r.rows {
		if !row.ExpiresAt.After(now) {
			delete(r.rows, id)
			count++
		}
	}
	return count, nil
}

func (r *fakeTokenRepo) setExpiry(tokenID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[tokenID]; ok {
		row.ExpiresAt = at
	}
}

func (r *fakeTokenRepo) rowByTokenID(tokenID string) *domain.RefreshToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[tokenID]
	if !ok {
		return nil
	}
	copied := *row
	return &copied
}

func (r *fakeTokenRepo) liveCount(userID uint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	count := 0
	for _, row := range r.rows {
		if row.UserID == userID && r.live(row, now) {
			count++
		}
	}
	return count
}
