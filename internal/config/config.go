package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process configuration. Empty connection settings disable the
// matching backend.
type Config struct {
	Addr       string
	SessionURL string
	CORSOrigin string

	// TokenSecret signs bridge access tokens; empty leaves the API open.
	TokenSecret string

	HTTPTimeout       time.Duration
	RetryMax          int
	RetryInitialDelay time.Duration
	// RateLimit is outgoing requests per second; zero disables limiting.
	RateLimit    float64
	RemovePolicy string

	LogLevel  string
	LogFormat string

	RedisURL string
	CacheTTL time.Duration

	DatabaseURL   string
	MigrationsDir string

	DocumentsDir   string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	MeiliURL       string
	MeiliMasterKey string

	HistoryDir string
}

// LoadEnvFile loads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing file is not an
// error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

func Load() Config {
	return Config{
		Addr:       getenv("ANNOSYNC_ADDR", ":8790"),
		SessionURL: getenv("ANNOSYNC_SESSION_URL", ""),
		CORSOrigin: getenv("ANNOSYNC_CORS_ORIGIN", "*"),

		TokenSecret: getenv("ANNOSYNC_TOKEN_SECRET", ""),

		HTTPTimeout:       time.Duration(getenvInt("ANNOSYNC_HTTP_TIMEOUT_SECONDS", 30)) * time.Second,
		RetryMax:          getenvInt("ANNOSYNC_RETRY_MAX", 3),
		RetryInitialDelay: time.Duration(getenvInt("ANNOSYNC_RETRY_INITIAL_MS", 200)) * time.Millisecond,
		RateLimit:         getenvFloat("ANNOSYNC_RATE_LIMIT", 0),
		RemovePolicy:      getenv("ANNOSYNC_REMOVE_POLICY", "cascade"),

		LogLevel:  getenv("ANNOSYNC_LOG_LEVEL", "info"),
		LogFormat: getenv("ANNOSYNC_LOG_FORMAT", "json"),

		RedisURL: getenv("REDIS_URL", ""),
		CacheTTL: time.Duration(getenvInt("ANNOSYNC_CACHE_TTL_SECONDS", 900)) * time.Second,

		DatabaseURL:   getenv("DATABASE_URL", ""),
		MigrationsDir: getenv("ANNOSYNC_MIGRATIONS_DIR", ""),

		DocumentsDir:   getenv("ANNOSYNC_DOCUMENTS_DIR", "./data/documents"),
		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "annosync-documents"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),

		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),

		HistoryDir: getenv("ANNOSYNC_HISTORY_DIR", "./data/history"),
	}
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
