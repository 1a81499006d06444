package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inkwell-notes/session-service/internal/security"
)

const (
	testAccessSecret  = "test-access-secret-0123456789abcdef"
	testRefreshSecret = "test-refresh-secret-0123456789abcdef"
	testPepper        = "test-pepper"
)

func newTestJWTManager(t *testing.T) *security.JWTManager {
	t.Helper()
	mgr, err := security.NewJWTManager("session-service-test", "session-service-clients", testAccessSecret, testRefreshSecret)
	if err != nil {
		t.Fatalf("new jwt manager: %v", err)
	}
	return mgr
}

func newTokenServiceForTest(t *testing.T) (*TokenService, *fakeTokenRepo) {
	t.Helper()
	repo := newFakeTokenRepo()
	svc := NewTokenService(newTestJWTManager(t), repo, testPepper, 15*time.Minute, time.Hour, time.Second)
	return svc, repo
}

func TestTokenServiceIssuePersistsRow(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTokenServiceForTest(t)

	pair, err := svc.Issue(ctx, 7, DeviceInfo{UserAgent: "cli/1.0", IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens to be minted")
	}

	claims, err := svc.jwtMgr.ParseRefreshToken(pair.RefreshToken)
	if err != nil {
		t.Fatalf("parse issued refresh token: %v", err)
	}
	row := repo.rowByTokenID(claims.ID)
	if row == nil {
		t.Fatal("refresh row not persisted")
	}
	if row.UserID != 7 {
		t.Fatalf("row user = %d, want 7", row.UserID)
	}
	if row.FamilyID != row.TokenID {
		t.Fatalf("first token must root its own family, got family %q for token %q", row.FamilyID, row.TokenID)
	}
	if row.ParentTokenID != nil {
		t.Fatal("first token must have no parent")
	}
	if row.TokenHash != security.HashRefreshToken(pair.RefreshToken, testPepper) {
		t.Fatal("stored hash does not match issued token")
	}
	if row.UserAgent != "cli/1.0" || row.IP != "10.0.0.1" {
		t.Fatalf("device info not recorded: %q %q", row.UserAgent, row.IP)
	}

	if _, err := svc.jwtMgr.ParseAccessToken(pair.AccessToken); err != nil {
		t.Fatalf("parse issued access token: %v", err)
	}
}

func TestTokenServiceRotatePreservesLineage(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTokenServiceForTest(t)

	first, err := svc.Issue(ctx, 3, DeviceInfo{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	firstClaims, _ := svc.jwtMgr.ParseRefreshToken(first.RefreshToken)

	second, userID, err := svc.Rotate(ctx, first.RefreshToken, DeviceInfo{UserAgent: "phone"})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if userID != 3 {
		t.Fatalf("rotate user = %d, want 3", userID)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("rotation must replace the refresh token")
	}

	oldRow := repo.rowByTokenID(firstClaims.ID)
	if oldRow.RevokedAt == nil {
		t.Fatal("old row must be revoked after rotation")
	}
	if oldRow.RevokedReason == nil || *oldRow.RevokedReason != "rotated" {
		t.Fatalf("old row reason = %v, want rotated", oldRow.RevokedReason)
	}
	if oldRow.LastUsedAt == nil {
		t.Fatal("rotation must stamp last_used_at on the consumed row")
	}

	secondClaims, _ := svc.jwtMgr.ParseRefreshToken(second.RefreshToken)
	newRow := repo.rowByTokenID(secondClaims.ID)
	if newRow == nil {
		t.Fatal("replacement row not persisted")
	}
	if newRow.FamilyID != oldRow.FamilyID {
		t.Fatal("rotation must stay inside the same family")
	}
	if newRow.ParentTokenID == nil || *newRow.ParentTokenID != oldRow.TokenID {
		t.Fatal("replacement must point at the consumed token")
	}
}

func TestTokenServiceRotateReplayRevokesFamily(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTokenServiceForTest(t)

	first, err := svc.Issue(ctx, 5, DeviceInfo{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, _, err := svc.Rotate(ctx, first.RefreshToken, DeviceInfo{})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// Replaying the consumed token is theft evidence.
	if _, _, err := svc.Rotate(ctx, first.RefreshToken, DeviceInfo{}); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("replay error = %v, want ErrInvalidOrExpiredToken", err)
	}

	// The descendant minted by the legitimate rotation is dead too.
	if _, _, err := svc.Rotate(ctx, second.RefreshToken, DeviceInfo{}); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("descendant after reuse error = %v, want ErrInvalidOrExpiredToken", err)
	}
	if got := repo.liveCount(5); got != 0 {
		t.Fatalf("live rows after reuse = %d, want 0", got)
	}
}

func TestTokenServiceRotateRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTokenServiceForTest(t)

	pair, err := svc.Issue(ctx, 1, DeviceInfo{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	cases := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"empty", ""},
		{"access token in refresh slot", pair.AccessToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := svc.Rotate(ctx, tc.token, DeviceInfo{}); !errors.Is(err, ErrInvalidOrExpiredToken) {
				t.Fatalf("error = %v, want ErrInvalidOrExpiredToken", err)
			}
		})
	}
}

func TestTokenServiceRotateRejectsForeignPepper(t *testing.T) {
	ctx := context.Background()
	repo := newFakeTokenRepo()
	mgr := newTestJWTManager(t)
	issuer := NewTokenService(mgr, repo, "pepper-one", 15*time.Minute, time.Hour, time.Second)
	verifier := NewTokenService(mgr, repo, "pepper-two", 15*time.Minute, time.Hour, time.Second)

	pair, err := issuer.Issue(ctx, 2, DeviceInfo{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, _, err := verifier.Rotate(ctx, pair.RefreshToken, DeviceInfo{}); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("error = %v, want ErrInvalidOrExpiredToken", err)
	}
}

func TestTokenServiceRotateConcurrentExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTokenServiceForTest(t)

	pair, err := svc.Issue(ctx, 9, DeviceInfo{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.Rotate(ctx, pair.RefreshToken, DeviceInfo{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInvalidOrExpiredToken):
		default:
			t.Fatalf("unexpected rotation error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("rotation winners = %d, want exactly 1", wins)
	}
}

func TestTokenServiceRevokeByTokenIsBestEffort(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTokenServiceForTest(t)

	if err := svc.RevokeByToken(ctx, "garbage"); err != nil {
		t.Fatalf("garbage token must not error: %v", err)
	}

	pair, err := svc.Issue(ctx, 4, DeviceInfo{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := svc.RevokeByToken(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	claims, _ := svc.jwtMgr.ParseRefreshToken(pair.RefreshToken)
	row := repo.rowByTokenID(claims.ID)
	if row.RevokedAt == nil {
		t.Fatal("row must be revoked")
	}
	// Revoking again is a no-op, not an error.
	if err := svc.RevokeByToken(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
}

func TestTokenServiceRevokeAllForUserCountsLiveOnly(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTokenServiceForTest(t)

	for i := 0; i < 3; i++ {
		if _, err := svc.Issue(ctx, 8, DeviceInfo{}); err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
	}
	if _, err := svc.Issue(ctx, 99, DeviceInfo{}); err != nil {
		t.Fatalf("issue other user: %v", err)
	}

	count, err := svc.RevokeAllForUser(ctx, 8)
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if count != 3 {
		t.Fatalf("revoked = %d, want 3", count)
	}

	count, err = svc.RevokeAllForUser(ctx, 8)
	if err != nil {
		t.Fatalf("second revoke all: %v", err)
	}
	if count != 0 {
		t.Fatalf("second revoked = %d, want 0", count)
	}
}

func TestTokenServiceStoreFailureIsUnavailable(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTokenServiceForTest(t)

	pair, err := svc.Issue(ctx, 6, DeviceInfo{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	repo.fail = errors.New("connection refused")
	if _, err := svc.Issue(ctx, 6, DeviceInfo{}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("issue error = %v, want ErrStoreUnavailable", err)
	}
	if _, _, err := svc.Rotate(ctx, pair.RefreshToken, DeviceInfo{}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("rotate error = %v, want ErrStoreUnavailable", err)
	}
	if err := svc.RevokeByToken(ctx, pair.RefreshToken); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("revoke error = %v, want ErrStoreUnavailable", err)
	}
	if _, err := svc.RevokeAllForUser(ctx, 6); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("revoke all error = %v, want ErrStoreUnavailable", err)
	}
}

func TestTokenServiceRotateRejectsTokenAtExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTokenServiceForTest(t)

	pair, err := svc.Issue(ctx, 11, DeviceInfo{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.jwtMgr.ParseRefreshToken(pair.RefreshToken)
	if err != nil {
		t.Fatalf("parse refresh token: %v", err)
	}

	// Pin the row's expiry to the present. The boundary is exclusive, so the
	// token is already dead by the time rotation checks it.
	repo.setExpiry(claims.ID, time.Now())

	if _, _, err := svc.Rotate(ctx, pair.RefreshToken, DeviceInfo{}); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("rotate error = %v, want ErrInvalidOrExpiredToken", err)
	}

	// Expiry is not theft evidence: the row stays unrevoked and the family
	// intact.
	row := repo.rowByTokenID(claims.ID)
	if row == nil {
		t.Fatal("expired row should still exist until swept")
	}
	if row.RevokedAt != nil {
		t.Fatalf("expired token must not be revoked as reuse, reason %v", row.RevokedReason)
	}
}
