package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const minSecretLength = 32

// Config is loaded once at process start and treated as immutable afterwards.
// Token secrets never live anywhere else; components receive them explicitly
// through constructors.
type Config struct {
	Env        string
	ListenAddr string

	DatabaseDriver string
	DatabaseDSN    string
	RedisAddr      string

	TokenIssuer         string
	TokenAudience       string
	AccessTokenSecret   string
	RefreshTokenSecret  string
	RefreshTokenPepper  string
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration
	BcryptCost          int
	StoreTimeout        time.Duration
	TokenSweepInterval  time.Duration
	DeletedUserCacheTTL time.Duration
	CookieSecure        bool

	ShutdownTimeout time.Duration

	OTELEnabled               bool
	OTELServiceName           string
	OTELEnvironment           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsExportInterval time.Duration
}

// Load reads configuration from the environment and validates it. A missing
// or short signing secret fails here, at startup, never per-request, and so
// does a malformed value for any typed variable.
func Load() (*Config, error) {
	env := &envLoader{}
	cfg := &Config{
		Env:        env.str("APP_ENV", "development"),
		ListenAddr: env.str("LISTEN_ADDR", ":8080"),

		DatabaseDriver: env.str("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:    env.str("DATABASE_DSN", "file:sessions.db?cache=shared"),
		RedisAddr:      env.str("REDIS_ADDR", ""),

		TokenIssuer:         env.str("TOKEN_ISSUER", "session-service"),
		TokenAudience:       env.str("TOKEN_AUDIENCE", "inkwell-notes"),
		AccessTokenSecret:   os.Getenv("ACCESS_TOKEN_SECRET"),
		RefreshTokenSecret:  os.Getenv("REFRESH_TOKEN_SECRET"),
		RefreshTokenPepper:  os.Getenv("REFRESH_TOKEN_PEPPER"),
		AccessTokenTTL:      env.duration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:     env.duration("REFRESH_TOKEN_TTL", 14*24*time.Hour),
		BcryptCost:          env.int("BCRYPT_COST", 12),
		StoreTimeout:        env.duration("STORE_TIMEOUT", 3*time.Second),
		TokenSweepInterval:  env.duration("TOKEN_SWEEP_INTERVAL", time.Hour),
		DeletedUserCacheTTL: env.duration("DELETED_USER_CACHE_TTL", 5*time.Minute),
		CookieSecure:        env.bool("COOKIE_SECURE", true),

		ShutdownTimeout: env.duration("SHUTDOWN_TIMEOUT", 15*time.Second),

		OTELEnabled:               env.bool("OTEL_ENABLED", false),
		OTELServiceName:           env.str("OTEL_SERVICE_NAME", "session-service"),
		OTELEnvironment:           env.str("OTEL_ENVIRONMENT", "development"),
		OTELExporterOTLPEndpoint:  env.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELExporterOTLPInsecure:  env.bool("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELMetricsExportInterval: env.duration("OTEL_METRICS_EXPORT_INTERVAL", 15*time.Second),
	}

	if err := errors.Join(errors.Join(env.errs...), cfg.validate()); err != nil {
		recordConfigValidationEvent(context.Background(), cfg.Env, "failure", classifyConfigError(err))
		return nil, fmt.Errorf("validate config: %w", err)
	}
	recordConfigValidationEvent(context.Background(), cfg.Env, "success", "none")
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if len(c.AccessTokenSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("ACCESS_TOKEN_SECRET must be at least %d bytes", minSecretLength))
	}
	if len(c.RefreshTokenSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("REFRESH_TOKEN_SECRET must be at least %d bytes", minSecretLength))
	}
	if c.RefreshTokenPepper == "" {
		errs = append(errs, errors.New("REFRESH_TOKEN_PEPPER must be set"))
	}
	if c.AccessTokenSecret != "" && c.AccessTokenSecret == c.RefreshTokenSecret {
		errs = append(errs, errors.New("access and refresh secrets must differ"))
	}
	if c.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("ACCESS_TOKEN_TTL must be positive"))
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		errs = append(errs, errors.New("REFRESH_TOKEN_TTL must exceed ACCESS_TOKEN_TTL"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be positive"))
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool { return c.Env == "production" }

// envLoader reads typed environment variables and collects parse failures so
// a malformed value fails Load instead of silently becoming the default.
type envLoader struct {
	errs []error
}

func (l *envLoader) str(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (l *envLoader) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return fallback
	}
	return n
}

func (l *envLoader) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return fallback
	}
	return b
}

func (l *envLoader) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return fallback
	}
	return d
}
