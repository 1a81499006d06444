package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/inkwell-notes/session-service/internal/config"
	"github.com/inkwell-notes/session-service/internal/repository"
)

// authctl is the operational sidecar: it talks straight to the session store
// with the same repository code the server uses.

type options struct {
	databaseDriver string
	databaseDSN    string
	timeout        time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	_ = config.LoadEnvFile(".env")
	opts := &options{}
	cmd := &cobra.Command{Use: "authctl", Short: "Operational tooling for the session store"}
	cmd.PersistentFlags().StringVar(&opts.databaseDriver, "database-driver", envOr("DATABASE_DRIVER", "sqlite"), "database driver (sqlite or postgres)")
	cmd.PersistentFlags().StringVar(&opts.databaseDSN, "database-dsn", envOr("DATABASE_DSN", "file:sessions.db?cache=shared"), "database DSN")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "operation timeout")
	cmd.AddCommand(newCleanupCommand(opts))
	cmd.AddCommand(newRevokeUserCommand(opts))
	return cmd
}

func newCleanupCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Purge expired refresh token rows, including revoked tombstones",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tokens, err := openTokenRepository(opts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			purged, err := tokens.CleanupExpired(ctx)
			if err != nil {
				return fmt.Errorf("cleanup expired tokens: %w", err)
			}
			cmd.Printf("purged %d expired refresh token rows\n", purged)
			return nil
		},
	}
}

func newRevokeUserCommand(opts *options) *cobra.Command {
	var userID uint
	cmd := &cobra.Command{
		Use:   "revoke-user",
		Short: "Revoke every live session for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == 0 {
				return fmt.Errorf("--user-id is required")
			}
			tokens, err := openTokenRepository(opts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			revoked, err := tokens.RevokeAllForUser(ctx, userID, "admin_revoked")
			if err != nil {
				return fmt.Errorf("revoke sessions for user %d: %w", userID, err)
			}
			cmd.Printf("revoked %d live sessions for user %d\n", revoked, userID)
			return nil
		},
	}
	cmd.Flags().UintVar(&userID, "user-id", 0, "numeric user id")
	return cmd
}

func openTokenRepository(opts *options) (repository.RefreshTokenRepository, error) {
	gormCfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	}
	var db *gorm.DB
	var err error
	switch opts.databaseDriver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(opts.databaseDSN), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(opts.databaseDSN), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.databaseDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return repository.NewRefreshTokenRepository(db), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
