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
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	RedisURL           string
	CORSAllowedOrigins []string

	BackendBaseURL string
	BackendTimeout time.Duration

	CheckoutEntryURL    string
	CardCheckoutBaseURL string

	PollInterval    time.Duration
	PollMaxAttempts int
	TxRefPrefix     string
	SessionTTL      time.Duration
	RegistryRetain  time.Duration
	ClaimTTL        time.Duration

	IdempotencyTTL       time.Duration
	RateLimitInitiateMax int
	RateLimitWindow      time.Duration
	RateLimitStatus      string

	CircuitMinRequests  int
	CircuitFailureRatio float64
	CircuitOpenFor      time.Duration
	RetryMaxAttempts    int
	RetryBase           time.Duration

	MobileMoneyALabel       string
	MobileMoneyBLabel       string
	AggregatedRedirectLabel string
	BodyLimitBytes          int64
	SecurityHeadersEnabled  bool
	SecurityHSTSEnabled     bool

	WebhookURL       string
	WebhookSecret    string
	WebhookTopics    []string
	WebhookTimeout   time.Duration
	WebhookReplayTTL time.Duration
	WebhookMaxRetry  int
	WebhookWorkers   int
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
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		BackendBaseURL: strings.TrimRight(strings.TrimSpace(k.String("BACKEND_BASE_URL")), "/"),
		BackendTimeout: parseDuration(k.String("BACKEND_TIMEOUT"), "10s"),

		CheckoutEntryURL:    valueOrDefault(k.String("CHECKOUT_ENTRY_URL"), "/checkout"),
		CardCheckoutBaseURL: strings.TrimSpace(k.String("CARD_CHECKOUT_BASE_URL")),

		PollInterval:    parseDuration(k.String("POLL_INTERVAL"), "5s"),
		PollMaxAttempts: parseInt(k.String("POLL_MAX_ATTEMPTS"), 36),
		TxRefPrefix:     valueOrDefault(k.String("TXREF_PREFIX"), "mobilemoney"),
		SessionTTL:      parseDuration(k.String("SESSION_TTL"), "30m"),
		RegistryRetain:  parseDuration(k.String("REGISTRY_RETAIN"), "10m"),
		ClaimTTL:        parseDuration(k.String("POLL_CLAIM_TTL"), "5m"),

		IdempotencyTTL:       parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		RateLimitInitiateMax: parseInt(k.String("RATE_LIMIT_INITIATE_MAX"), 20),
		RateLimitWindow:      parseDuration(k.String("RATE_LIMIT_WINDOW"), "1m"),
		RateLimitStatus:      valueOrDefault(k.String("RATE_LIMIT_STATUS"), "120-M"),

		CircuitMinRequests:  parseInt(k.String("CIRCUIT_BACKEND_MIN_REQ"), 10),
		CircuitFailureRatio: parseFloat(k.String("CIRCUIT_BACKEND_FAILURE_RATE"), 0.5),
		CircuitOpenFor:      parseDuration(k.String("CIRCUIT_BACKEND_OPEN_FOR"), "30s"),
		RetryMaxAttempts:    parseInt(k.String("RETRY_MAX_ATTEMPTS"), 1),
		RetryBase:           parseDuration(k.String("RETRY_BASE"), "200ms"),

		MobileMoneyALabel:       valueOrDefault(k.String("LABEL_MOBILE_MONEY_A"), "Mobile Money A"),
		MobileMoneyBLabel:       valueOrDefault(k.String("LABEL_MOBILE_MONEY_B"), "Mobile Money B"),
		AggregatedRedirectLabel: valueOrDefault(k.String("LABEL_AGGREGATED_REDIRECT"), "Other payment options"),
		BodyLimitBytes:          int64(parseInt(k.String("SECURE_BODY_LIMIT_BYTES"), 64<<10)),
		SecurityHeadersEnabled:  parseBoolDefault(k.String("SECURE_HEADERS_ENABLED"), true),
		SecurityHSTSEnabled:     parseBool(k.String("SECURE_HSTS_ENABLED")),

		WebhookURL:       strings.TrimSpace(k.String("WEBHOOK_URL")),
		WebhookSecret:    strings.TrimSpace(k.String("WEBHOOK_SECRET")),
		WebhookTopics:    splitAndTrim(k.String("WEBHOOK_TOPICS")),
		WebhookTimeout:   parseDuration(k.String("WEBHOOK_TIMEOUT"), "5s"),
		WebhookReplayTTL: parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		WebhookMaxRetry:  parseInt(k.String("WEBHOOK_MAX_RETRY"), 8),
		WebhookWorkers:   parseInt(k.String("WEBHOOK_WORKERS"), 4),
	}

	if cfg.BackendBaseURL == "" {
		return nil, errors.New("BACKEND_BASE_URL is required")
	}
	if cfg.PollInterval <= 0 {
		return nil, errors.New("POLL_INTERVAL must be positive")
	}
	if cfg.PollMaxAttempts <= 0 {
		return nil, errors.New("POLL_MAX_ATTEMPTS must be positive")
	}
	if window := cfg.PollWindow(); cfg.ClaimTTL < window {
		return nil, fmt.Errorf("POLL_CLAIM_TTL must cover the polling window of %s", window)
	}
	if cfg.WebhookURL != "" && cfg.WebhookSecret == "" {
		return nil, errors.New("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}

	return cfg, nil
}

// PollWindow is the longest a poll loop can run: every attempt plus the last
// backend call.
func (c *Config) PollWindow() time.Duration {
	return c.PollInterval*time.Duration(c.PollMaxAttempts) + c.BackendTimeout
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

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
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
