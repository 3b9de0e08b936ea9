package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"ANNOSYNC_ADDR", "ANNOSYNC_RETRY_MAX", "REDIS_URL", "MINIO_USE_SSL", "ANNOSYNC_RATE_LIMIT"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Addr != ":8790" || cfg.RetryMax != 3 || cfg.RedisURL != "" || cfg.MinioUseSSL || cfg.RateLimit != 0 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.HTTPTimeout != 30*time.Second || cfg.RetryInitialDelay != 200*time.Millisecond {
		t.Fatalf("unexpected durations %v %v", cfg.HTTPTimeout, cfg.RetryInitialDelay)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ANNOSYNC_ADDR", ":9000")
	t.Setenv("ANNOSYNC_RETRY_MAX", "7")
	t.Setenv("ANNOSYNC_RATE_LIMIT", "2.5")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("ANNOSYNC_CACHE_TTL_SECONDS", "bogus")
	t.Setenv("ANNOSYNC_TOKEN_SECRET", "s3cret")

	cfg := Load()
	if cfg.Addr != ":9000" || cfg.RetryMax != 7 || cfg.RateLimit != 2.5 || !cfg.MinioUseSSL || cfg.TokenSecret != "s3cret" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.CacheTTL != 900*time.Second {
		t.Fatalf("unparsable value must fall back, got %v", cfg.CacheTTL)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("ANNOSYNC_SESSION_URL=https://api.example.com/s/1\nANNOSYNC_LOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// Setenv registers the restore; godotenv only fills unset variables
	t.Setenv("ANNOSYNC_SESSION_URL", "")
	os.Unsetenv("ANNOSYNC_SESSION_URL")
	t.Setenv("ANNOSYNC_LOG_LEVEL", "warn")

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile() error = %v", err)
	}
	cfg := Load()
	if cfg.SessionURL != "https://api.example.com/s/1" {
		t.Fatalf("expected session url from file, got %q", cfg.SessionURL)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("file must not override the environment, got %q", cfg.LogLevel)
	}

	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file must be ignored, got %v", err)
	}
}
