package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.RequestBudget != 10*time.Second {
		t.Fatalf("RequestBudget = %v, want 10s", cfg.RequestBudget)
	}
	if cfg.UploadMaxAttempts != 3 {
		t.Fatalf("UploadMaxAttempts = %d, want 3", cfg.UploadMaxAttempts)
	}
	if cfg.MaxSyncChars != 5000 {
		t.Fatalf("MaxSyncChars = %d, want 5000", cfg.MaxSyncChars)
	}
	if len(cfg.APIKeys) != 0 {
		t.Fatalf("APIKeys = %v, want empty", cfg.APIKeys)
	}
}

func TestLoadParsesAPIKeyMap(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_API_KEYS", "tok-a:user-a, tok-b:user-b ,malformed,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.APIKeys) != 2 {
		t.Fatalf("len(APIKeys) = %d, want 2", len(cfg.APIKeys))
	}
	if cfg.APIKeys["tok-a"] != "user-a" || cfg.APIKeys["tok-b"] != "user-b" {
		t.Fatalf("APIKeys = %v", cfg.APIKeys)
	}
}

func TestLoadRejectsReserveLargerThanBudget(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_REQUEST_BUDGET", "2s")
	t.Setenv("APP_BUDGET_RESERVE", "3s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted reserve larger than budget")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_REQUEST_BUDGET", "not-a-duration")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted invalid duration")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_API_KEYS",
		"APP_RATE_LIMIT",
		"APP_REQUEST_BUDGET",
		"APP_BUDGET_RESERVE",
		"APP_SIGNED_URL_TTL",
		"APP_STALE_PROCESSING_AGE",
		"APP_UPLOAD_BACKOFF_BASE",
		"APP_UPLOAD_MAX_ATTEMPTS",
		"APP_MAX_SYNC_CHARS",
		"APP_MAX_CHUNK_CHARS",
		"APP_MONTHLY_CHAR_LIMIT",
		"APP_MONTHLY_MINUTE_LIMIT",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_BASE_URL",
		"ELEVENLABS_OUTPUT_FORMAT",
		"ELEVENLABS_TIMEOUT",
		"DATABASE_URL",
		"MINIO_ENDPOINT",
		"MINIO_ACCESS_KEY",
		"MINIO_SECRET_KEY",
		"MINIO_BUCKET",
		"MINIO_USE_SSL",
		"WEBHOOK_SECRET",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
