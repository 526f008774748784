package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the synthesis gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	// APIKeys maps bearer tokens to user ids ("token1:user1,token2:user2").
	// The real identity provider sits in front of this service; the map keeps
	// the boundary testable without it.
	APIKeys map[string]string

	ElevenLabsAPIKey       string
	ElevenLabsBaseURL      string
	ElevenLabsOutputFormat string
	ProviderTimeout        time.Duration

	DatabaseURL string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	WebhookSecret string

	// RequestBudget bounds the synchronous synthesis path; BudgetReserve is
	// the slack that must remain before a provider call is attempted.
	RequestBudget time.Duration
	BudgetReserve time.Duration

	// MaxSyncChars routes larger texts to the batch orchestrator;
	// MaxChunkChars caps each provider-safe chunk.
	MaxSyncChars  int
	MaxChunkChars int

	// Monthly plan limits enforced by the quota guard.
	MonthlyCharLimit   int64
	MonthlyMinuteLimit float64

	UploadMaxAttempts  int
	UploadBackoffBase  time.Duration
	UploadBackoffCap   time.Duration
	SignedURLTTL       time.Duration
	StaleProcessingAge time.Duration

	// RateLimit is an ulule/limiter formatted rate ("30-M") applied per
	// client IP ahead of authentication.
	RateLimit string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "speechgate"),
		ElevenLabsAPIKey:       strings.TrimSpace(os.Getenv("ELEVENLABS_API_KEY")),
		ElevenLabsBaseURL:      envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsOutputFormat: envOrDefault("ELEVENLABS_OUTPUT_FORMAT", "mp3_44100_128"),
		DatabaseURL:            strings.TrimSpace(os.Getenv("DATABASE_URL")),
		MinioEndpoint:          strings.TrimSpace(os.Getenv("MINIO_ENDPOINT")),
		MinioAccessKey:         strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY")),
		MinioSecretKey:         strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY")),
		MinioBucket:            envOrDefault("MINIO_BUCKET", "speechgate-audio"),
		WebhookSecret:          strings.TrimSpace(os.Getenv("WEBHOOK_SECRET")),
		RateLimit:              envOrDefault("APP_RATE_LIMIT", "60-M"),
		ShutdownTimeout:        15 * time.Second,
		ProviderTimeout:        30 * time.Second,
		RequestBudget:          10 * time.Second,
		BudgetReserve:          3 * time.Second,
		MaxSyncChars:           5000,
		MaxChunkChars:          4000,
		MonthlyCharLimit:       100_000,
		MonthlyMinuteLimit:     300,
		UploadMaxAttempts:      3,
		UploadBackoffBase:      2 * time.Second,
		UploadBackoffCap:       8 * time.Second,
		SignedURLTTL:           time.Hour,
		StaleProcessingAge:     10 * time.Minute,
	}

	cfg.APIKeys = parseKeyMap(os.Getenv("APP_API_KEYS"))

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ProviderTimeout, err = durationFromEnv("ELEVENLABS_TIMEOUT", cfg.ProviderTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RequestBudget, err = durationFromEnv("APP_REQUEST_BUDGET", cfg.RequestBudget); err != nil {
		return Config{}, err
	}
	if cfg.BudgetReserve, err = durationFromEnv("APP_BUDGET_RESERVE", cfg.BudgetReserve); err != nil {
		return Config{}, err
	}
	if cfg.SignedURLTTL, err = durationFromEnv("APP_SIGNED_URL_TTL", cfg.SignedURLTTL); err != nil {
		return Config{}, err
	}
	if cfg.StaleProcessingAge, err = durationFromEnv("APP_STALE_PROCESSING_AGE", cfg.StaleProcessingAge); err != nil {
		return Config{}, err
	}
	if cfg.UploadBackoffBase, err = durationFromEnv("APP_UPLOAD_BACKOFF_BASE", cfg.UploadBackoffBase); err != nil {
		return Config{}, err
	}
	if cfg.MaxSyncChars, err = intFromEnv("APP_MAX_SYNC_CHARS", cfg.MaxSyncChars); err != nil {
		return Config{}, err
	}
	if cfg.MaxChunkChars, err = intFromEnv("APP_MAX_CHUNK_CHARS", cfg.MaxChunkChars); err != nil {
		return Config{}, err
	}
	if cfg.UploadMaxAttempts, err = intFromEnv("APP_UPLOAD_MAX_ATTEMPTS", cfg.UploadMaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.MonthlyCharLimit, err = int64FromEnv("APP_MONTHLY_CHAR_LIMIT", cfg.MonthlyCharLimit); err != nil {
		return Config{}, err
	}
	if cfg.MonthlyMinuteLimit, err = floatFromEnv("APP_MONTHLY_MINUTE_LIMIT", cfg.MonthlyMinuteLimit); err != nil {
		return Config{}, err
	}
	if cfg.MinioUseSSL, err = boolFromEnv("MINIO_USE_SSL", false); err != nil {
		return Config{}, err
	}

	if cfg.MaxChunkChars <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_CHUNK_CHARS must be positive")
	}
	if cfg.MaxSyncChars <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_SYNC_CHARS must be positive")
	}
	if cfg.UploadMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("APP_UPLOAD_MAX_ATTEMPTS must be positive")
	}
	if cfg.BudgetReserve >= cfg.RequestBudget {
		return Config{}, fmt.Errorf("APP_BUDGET_RESERVE must be smaller than APP_REQUEST_BUDGET")
	}
	return cfg, nil
}

// parseKeyMap parses "token:user" pairs separated by commas.
func parseKeyMap(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		token = strings.TrimSpace(token)
		user = strings.TrimSpace(user)
		if token != "" && user != "" {
			out[token] = user
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func int64FromEnv(key string, fallback int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
