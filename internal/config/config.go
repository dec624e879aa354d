package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	RedisURL           string
	BackofficeAPIURL   string
	CatalogGraphQLURL  string
	CORSAllowedOrigins []string
	CookieSecure       bool

	CatalogCacheTTL      time.Duration
	CartTTL              time.Duration
	CheckoutSessionTTL   time.Duration
	StatusPollInterval   time.Duration
	UpstreamTimeout      time.Duration
	UpstreamMaxAttempts  int
	BumpResolveParallel  int
	DefaultLocale        string
	IdempotencyTTL       time.Duration
	SubmitLockTTL        time.Duration
	RateLimitCouponMax   int
	RateLimitSubmitMax   int
	RateLimitWindow      time.Duration
	InstallmentProductID string
	InstallmentCount     int
	InstallmentAmount    decimal.Decimal
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	backoffice := strings.TrimRight(strings.TrimSpace(k.String("BACKOFFICE_API_URL")), "/")
	cfg := &Config{
		AppEnv:               valueOrDefault(k.String("APP_ENV"), "development"),
		Port:                 valueOrDefault(k.String("PORT"), "8080"),
		RedisURL:             k.String("REDIS_URL"),
		BackofficeAPIURL:     backoffice,
		CatalogGraphQLURL:    valueOrDefault(k.String("CATALOG_GRAPHQL_URL"), backoffice+"/graphql"),
		CORSAllowedOrigins:   splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		CookieSecure:         parseBool(k.String("COOKIE_SECURE")),
		CatalogCacheTTL:      parseDuration(k.String("CATALOG_CACHE_TTL"), "5m"),
		CartTTL:              parseDuration(k.String("CART_TTL"), "720h"),
		CheckoutSessionTTL:   parseDuration(k.String("CHECKOUT_SESSION_TTL"), "2h"),
		StatusPollInterval:   parseDuration(k.String("STATUS_POLL_INTERVAL"), "5s"),
		UpstreamTimeout:      parseDuration(k.String("UPSTREAM_TIMEOUT"), "10s"),
		UpstreamMaxAttempts:  parseInt(k.String("UPSTREAM_MAX_ATTEMPTS"), 1),
		BumpResolveParallel:  parseInt(k.String("BUMP_RESOLVE_CONCURRENCY"), 4),
		DefaultLocale:        strings.ToUpper(valueOrDefault(k.String("DEFAULT_LOCALE"), "BR")),
		IdempotencyTTL:       parseDuration(k.String("IDEMPOTENCY_TTL"), "10m"),
		SubmitLockTTL:        parseDuration(k.String("SUBMIT_LOCK_TTL"), "30s"),
		RateLimitCouponMax:   parseInt(k.String("RATE_LIMIT_COUPON_MAX"), 10),
		RateLimitSubmitMax:   parseInt(k.String("RATE_LIMIT_SUBMIT_MAX"), 5),
		RateLimitWindow:      parseDuration(k.String("RATE_LIMIT_WINDOW"), "1m"),
		InstallmentProductID: strings.TrimSpace(k.String("INSTALLMENT_PRODUCT_ID")),
		InstallmentCount:     parseInt(k.String("INSTALLMENT_COUNT"), 12),
		InstallmentAmount:    parseDecimal(k.String("INSTALLMENT_AMOUNT")),
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.BackofficeAPIURL == "" {
		return nil, errors.New("BACKOFFICE_API_URL is required")
	}
	if cfg.UpstreamMaxAttempts < 1 {
		cfg.UpstreamMaxAttempts = 1
	}
	if cfg.BumpResolveParallel < 1 {
		cfg.BumpResolveParallel = 1
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDecimal(value string) decimal.Decimal {
	parsed, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero
	}
	return parsed
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
