// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `validate:"required"`
	MetricsAddr string

	// Logging
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json console"`

	// Disk
	Root            string `validate:"required"`
	PublicNamespace string `validate:"required,numeric"`
	UploadTmpDir    string `validate:"required"`

	// Feature switches
	AuthEnabled    bool
	UploadEnabled  bool
	DeleteEnabled  bool
	AccessCounting bool
	LoginURL       string `validate:"required"`

	// Metadata store (required when auth is enabled)
	DatabaseURL string `validate:"required_if=AuthEnabled true"`

	// Ephemeral store ("redis", "badger" or "memory")
	EphemeralBackend string `validate:"oneof=redis badger memory"`
	RedisAddr        string `validate:"required_if=EphemeralBackend redis"`
	RedisPassword    string
	RedisDB          int    `validate:"gte=0"`
	BadgerPath       string `validate:"required_if=EphemeralBackend badger"`
	KeyPrefix        string `validate:"required"`

	// Auth
	APIKey    string
	JWTSecret string `validate:"required_if=AuthEnabled true"`

	// Index sweep
	ScanInterval     time.Duration `validate:"gt=0"`
	ScanStartupDelay time.Duration `validate:"gte=0"`
	ScanWorkers      int           `validate:"gte=1"`

	// Worker pool for archives, merges and searches
	WorkerPoolSize int `validate:"gte=1"`

	// Upload sessions
	SessionExpiry time.Duration `validate:"gt=0"`

	// Per-requester rate limit (0 = unlimited)
	RateLimitRPS   float64 `validate:"gte=0"`
	RateLimitBurst int     `validate:"gte=0"`

	// S3 offload (optional)
	S3Endpoint  string
	S3Bucket    string `validate:"required_with=S3Endpoint"`
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	PresignTTL  time.Duration `validate:"gt=0"`
}

var validate = validator.New()

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       envOr("LISTEN_ADDR", ":8000"),
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "json"),
		Root:             envOr("ROOT", "/data/disk"),
		PublicNamespace:  envOr("PUBLIC_NAMESPACE", "0"),
		UploadTmpDir:     envOr("UPLOAD_TMP_DIR", "/tmp/upload"),
		AuthEnabled:      envBool("AUTH_ENABLED", false),
		UploadEnabled:    envBool("UPLOAD_ENABLED", true),
		DeleteEnabled:    envBool("DELETE_ENABLED", true),
		AccessCounting:   envBool("ACCESS_COUNTING", false),
		LoginURL:         envOr("LOGIN_URL", "/signin"),
		DatabaseURL:      envOr("DATABASE_URL", ""),
		EphemeralBackend: envOr("EPHEMERAL_BACKEND", "memory"),
		RedisAddr:        envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    envOr("REDIS_PASSWORD", ""),
		RedisDB:          envInt("REDIS_DB", 0),
		BadgerPath:       envOr("BADGER_PATH", "/data/ephemeral"),
		KeyPrefix:        envOr("KEY_PREFIX", "filelist"),
		APIKey:           envOr("API_KEY", ""),
		JWTSecret:        envOr("JWT_SECRET", ""),
		ScanInterval:     envDuration("SCAN_INTERVAL", time.Hour),
		ScanStartupDelay: envDuration("SCAN_STARTUP_DELAY", 30*time.Second),
		ScanWorkers:      envInt("SCAN_WORKERS", 20),
		WorkerPoolSize:   envInt("WORKER_POOL_SIZE", 10),
		SessionExpiry:    envDuration("UPLOAD_SESSION_EXPIRY", 24*time.Hour),
		RateLimitRPS:     envFloat("RATE_LIMIT_RPS", 0),
		RateLimitBurst:   envInt("RATE_LIMIT_BURST", 20),
		S3Endpoint:       envOr("S3_ENDPOINT", ""),
		S3Bucket:         envOr("S3_BUCKET", ""),
		S3AccessKey:      envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:      envOr("S3_SECRET_KEY", ""),
		S3Region:         envOr("S3_REGION", "us-east-1"),
		PresignTTL:       envDuration("S3_PRESIGN_TTL", 15*time.Minute),
	}
	return cfg, nil
}

// Validate checks field constraints. It is called after command-line
// overrides have been applied.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// OffloadEnabled reports whether S3 presigned redirects are configured.
func (c *Config) OffloadEnabled() bool {
	return c.S3Bucket != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
