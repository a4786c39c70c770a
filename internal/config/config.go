package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Config holds storefront configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	BackendBaseURL     string
	RedisURL           string
	LogLevel           string
	LogFormat          string
	CORSAllowedOrigins []string

	RazorpayKeyID string
	Currency      string

	CartTTL          time.Duration
	CartMaxQuantity  int
	GiftWrapFee      decimal.Decimal
	DefaultShipping  decimal.Decimal
	ShippingDebounce time.Duration
	SearchDebounce   time.Duration
	CatalogCacheTTL  time.Duration

	HTTPClientTimeout     time.Duration
	HTTPClientMaxAttempts int
	HTTPClientBackoff     time.Duration
	HTTPClientJitter      float64
	BreakerMinRequests    int
	BreakerFailureRatio   float64
	BreakerOpenFor        time.Duration

	SessionCookie      string
	CookieSecure       bool
	CookieSameSite     http.SameSite
	RateLimitPerMinute int
	DiscountApplyLimit int
	BodyLimitBytes     int64
	IdempotencyTTL     time.Duration
	LockTTL            time.Duration

	StateFile         string
	OrderPollInterval time.Duration

	WebhookURL     string
	WebhookSecret  string
	WebhookTopics  []string
	WebhookTimeout time.Duration

	MetricsNamespace string
	MetricsEnabled   bool
	TracingEnabled   bool
	OTLPEndpoint     string
	TracingSampling  float64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		BackendBaseURL:     strings.TrimRight(strings.TrimSpace(k.String("BACKEND_BASE_URL")), "/"),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		LogLevel:           valueOrDefault(k.String("LOG_LEVEL"), "info"),
		LogFormat:          valueOrDefault(k.String("LOG_FORMAT"), "json"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		RazorpayKeyID: strings.TrimSpace(k.String("RAZORPAY_KEY_ID")),
		Currency:      strings.ToUpper(valueOrDefault(k.String("CURRENCY"), "INR")),

		CartTTL:          parseDuration(k.String("CART_TTL"), "168h"),
		CartMaxQuantity:  parseInt(k.String("CART_MAX_QUANTITY"), 10),
		GiftWrapFee:      parseDecimal(k.String("GIFT_WRAP_FEE"), "100"),
		DefaultShipping:  parseDecimal(k.String("DEFAULT_SHIPPING"), "0"),
		ShippingDebounce: parseDuration(k.String("SHIPPING_DEBOUNCE"), "500ms"),
		SearchDebounce:   parseDuration(k.String("SEARCH_DEBOUNCE"), "300ms"),
		CatalogCacheTTL:  parseDuration(k.String("CATALOG_CACHE_TTL"), "60s"),

		HTTPClientTimeout:     parseDuration(k.String("HTTP_CLIENT_TIMEOUT"), "10s"),
		HTTPClientMaxAttempts: parseInt(k.String("HTTP_CLIENT_MAX_ATTEMPTS"), 3),
		HTTPClientBackoff:     parseDuration(k.String("HTTP_CLIENT_BACKOFF"), "200ms"),
		HTTPClientJitter:      parseFloat(k.String("HTTP_CLIENT_JITTER"), 0.2),
		BreakerMinRequests:    parseInt(k.String("BREAKER_MIN_REQUESTS"), 10),
		BreakerFailureRatio:   parseFloat(k.String("BREAKER_FAILURE_RATIO"), 0.5),
		BreakerOpenFor:        parseDuration(k.String("BREAKER_OPEN_FOR"), "30s"),

		SessionCookie:      valueOrDefault(k.String("SESSION_COOKIE"), "vt_session"),
		CookieSecure:       parseBool(k.String("COOKIE_SECURE")),
		CookieSameSite:     parseSameSite(k.String("COOKIE_SAMESITE")),
		RateLimitPerMinute: parseInt(k.String("RATE_LIMIT_PER_MINUTE"), 120),
		DiscountApplyLimit: parseInt(k.String("DISCOUNT_APPLY_PER_MINUTE"), 10),
		BodyLimitBytes:     int64(parseInt(k.String("BODY_LIMIT_BYTES"), 1<<20)),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "10m"),
		LockTTL:            parseDuration(k.String("LOCK_TTL"), "5s"),

		StateFile:         strings.TrimSpace(k.String("STATE_FILE")),
		OrderPollInterval: parseDuration(k.String("ORDER_POLL_INTERVAL"), "30s"),

		WebhookURL:     strings.TrimSpace(k.String("WEBHOOK_URL")),
		WebhookSecret:  k.String("WEBHOOK_SECRET"),
		WebhookTopics:  splitAndTrim(k.String("WEBHOOK_TOPICS")),
		WebhookTimeout: parseDuration(k.String("WEBHOOK_TIMEOUT"), "5s"),

		MetricsNamespace: valueOrDefault(k.String("METRICS_NAMESPACE"), "storefront"),
		MetricsEnabled:   parseBoolDefault(k.String("METRICS_ENABLED"), true),
		TracingEnabled:   parseBool(k.String("OTEL_ENABLED")),
		OTLPEndpoint:     strings.TrimSpace(k.String("OTEL_EXPORTER_OTLP_ENDPOINT")),
		TracingSampling:  parseFloat(k.String("OTEL_SAMPLING_RATIO"), 1),
	}

	if cfg.CookieSameSite == http.SameSiteDefaultMode {
		cfg.CookieSameSite = http.SameSiteLaxMode
	}
	if cfg.StateFile == "" {
		cfg.StateFile = defaultStateFile()
	}

	if cfg.BackendBaseURL == "" {
		return nil, errors.New("BACKEND_BASE_URL is required")
	}
	if cfg.CartMaxQuantity <= 0 {
		return nil, errors.New("CART_MAX_QUANTITY must be positive")
	}
	if cfg.GiftWrapFee.IsNegative() || cfg.DefaultShipping.IsNegative() {
		return nil, errors.New("GIFT_WRAP_FEE and DEFAULT_SHIPPING must not be negative")
	}

	if cfg.WebhookURL != "" && cfg.WebhookSecret == "" {
		return nil, errors.New("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}

	return cfg, nil
}

// RequireRedis reports an error when no Redis URL is configured. The edge server and the
// worker need Redis; the CLI does not.
func (c *Config) RequireRedis() error {
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	return nil
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

func defaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ".storefront-state.json"
	}
	return dir + string(os.PathSeparator) + "vibethread" + string(os.PathSeparator) + "state.json"
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

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDecimal(value, fallback string) decimal.Decimal {
	parsed, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.RequireFromString(fallback)
	}
	return parsed
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseSameSite(value string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "lax":
		return http.SameSiteLaxMode
	default:
		return http.SameSiteDefaultMode
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
