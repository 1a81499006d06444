package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/inkwell-notes/session-service/internal/observability"
	"github.com/inkwell-notes/session-service/internal/repository"
)

// TokenSweeper periodically purges refresh token rows past their expiry,
// including revoked tombstones. Sweeping keys off expires_at alone, so it can
// never delete a row that is still usable.
type TokenSweeper struct {
	tokens       repository.RefreshTokenRepository
	logger       *slog.Logger
	interval     time.Duration
	storeTimeout time.Duration
}

func NewTokenSweeper(tokens repository.RefreshTokenRepository, logger *slog.Logger, interval, storeTimeout time.Duration) *TokenSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &TokenSweeper{
		tokens:       tokens,
		logger:       logger,
		interval:     interval,
		storeTimeout: storeTimeout,
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *TokenSweeper) Run(ctx context.Context) error {
	s.sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Sweep runs a single purge pass and returns how many rows were removed.
func (s *TokenSweeper) Sweep(ctx context.Context) (int64, error) {
	storeCtx := ctx
	if s.storeTimeout > 0 {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(ctx, s.storeTimeout)
		defer cancel()
	}
	purged, err := s.tokens.CleanupExpired(storeCtx)
	if err != nil {
		return 0, storeErr("cleanup expired tokens", err)
	}
	observability.RecordTokenSweep(purged)
	return purged, nil
}

func (s *TokenSweeper) sweep(ctx context.Context) {
	purged, err := s.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("token sweep failed", "error", err)
		}
		return
	}
	if purged > 0 {
		s.logger.Info("expired refresh tokens purged", "purged", purged)
	}
}
