package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/inkwell-notes/session-service/internal/app"
	"github.com/inkwell-notes/session-service/internal/config"
	"github.com/inkwell-notes/session-service/internal/domain"
	"github.com/inkwell-notes/session-service/internal/http/handler"
	"github.com/inkwell-notes/session-service/internal/http/router"
	"github.com/inkwell-notes/session-service/internal/observability"
	"github.com/inkwell-notes/session-service/internal/repository"
	"github.com/inkwell-notes/session-service/internal/security"
	"github.com/inkwell-notes/session-service/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = config.LoadEnvFile(".env")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, loggerProvider, err := observability.NewLogger(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)

	runtime, err := observability.InitRuntime(ctx, cfg, logger, loggerProvider)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&domain.User{}, &domain.RefreshToken{}); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	jwtMgr, err := security.NewJWTManager(cfg.TokenIssuer, cfg.TokenAudience, cfg.AccessTokenSecret, cfg.RefreshTokenSecret)
	if err != nil {
		return fmt.Errorf("init jwt manager: %w", err)
	}
	hasher := security.NewPasswordHasher(cfg.BcryptCost)

	users := repository.NewUserRepository(db)
	tokens := repository.NewRefreshTokenRepository(db)

	var redisClient *redis.Client
	var deletedCache service.NegativeLookupCacheStore = service.NewInMemoryNegativeLookupCacheStore()
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		deletedCache = service.NewRedisNegativeLookupCacheStore(redisClient, "session_service")
		logger.Info("redis negative lookup cache enabled", "addr", cfg.RedisAddr)
	}

	tokenSvc := service.NewTokenService(jwtMgr, tokens, cfg.RefreshTokenPepper, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, cfg.StoreTimeout)
	authSvc := service.NewAuthService(users, tokenSvc, hasher, deletedCache, cfg.DeletedUserCacheTTL, cfg.StoreTimeout)
	sessionSvc := service.NewSessionService(tokens, jwtMgr, cfg.RefreshTokenPepper, cfg.StoreTimeout)
	activity := service.NewActivityRecorder(users, logger, 256, cfg.StoreTimeout)
	sweeper := service.NewTokenSweeper(tokens, logger, cfg.TokenSweepInterval, cfg.StoreTimeout)

	readiness := []router.ReadinessCheck{{
		Name: "database",
		Check: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}}
	if redisClient != nil {
		readiness = append(readiness, router.ReadinessCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}

	mux := router.NewRouter(router.Dependencies{
		AuthHandler:    handler.NewAuthHandler(authSvc, cfg.CookieSecure, cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
		SessionHandler: handler.NewSessionHandler(sessionSvc),
		Verifier:       authSvc,
		Activity:       activity,
		Readiness:      readiness,
		EnableOTelHTTP: cfg.OTELEnabled,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	application := app.New(cfg, logger, server, runtime, func() {
		activity.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("server listening", "addr", cfg.ListenAddr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		if err := sweeper.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), application.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		err := server.Shutdown(shutdownCtx)
		application.StopBackgroundTasks()
		if runtime != nil {
			err = errors.Join(err, runtime.Shutdown(shutdownCtx))
		}
		return err
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	}
	switch cfg.DatabaseDriver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DatabaseDSN), gormCfg)
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DatabaseDSN), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}
