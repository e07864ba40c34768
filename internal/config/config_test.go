package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ROOT", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8000", cfg.ListenAddr)
	assert.Equal(t, "0", cfg.PublicNamespace)
	assert.Equal(t, time.Hour, cfg.ScanInterval)
	assert.Equal(t, 30*time.Second, cfg.ScanStartupDelay)
	assert.Equal(t, 20, cfg.ScanWorkers)
	assert.Equal(t, "memory", cfg.EphemeralBackend)
	assert.False(t, cfg.OffloadEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SCAN_INTERVAL", "10m")
	t.Setenv("UPLOAD_ENABLED", "false")
	t.Setenv("WORKER_POOL_SIZE", "3")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("SCAN_WORKERS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.ScanInterval)
	assert.False(t, cfg.UploadEnabled)
	assert.Equal(t, 3, cfg.WorkerPoolSize)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Equal(t, 20, cfg.ScanWorkers, "unparsable value falls back to default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"auth without database", func(c *Config) { c.AuthEnabled = true; c.JWTSecret = "s" }, false},
		{"auth without jwt secret", func(c *Config) { c.AuthEnabled = true; c.DatabaseURL = "postgres://x" }, false},
		{"auth complete", func(c *Config) {
			c.AuthEnabled = true
			c.DatabaseURL = "postgres://x"
			c.JWTSecret = "s"
		}, true},
		{"bad backend", func(c *Config) { c.EphemeralBackend = "etcd" }, false},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, false},
		{"non numeric public namespace", func(c *Config) { c.PublicNamespace = "pub" }, false},
		{"zero workers", func(c *Config) { c.WorkerPoolSize = 0 }, false},
		{"endpoint without bucket", func(c *Config) { c.S3Endpoint = "http://minio:9000" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
