package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points .env loading at a missing file and clears CONFIG_PATH.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("CONFIG_PATH", "")
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "data/homework.db", cfg.Store.DBPath)
	assert.Equal(t, 168*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, BlobLocal, cfg.Blob.Backend)
	assert.Equal(t, 5*time.Second, cfg.Tasks.Timeout)
	assert.Equal(t, time.UTC, cfg.Location())
	assert.False(t, cfg.Auth.Enabled())
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("GITHUB_CLIENT_ID", "id")
	t.Setenv("GITHUB_CLIENT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "localhost:6379", cfg.Store.RedisAddr)
	assert.True(t, cfg.Auth.Enabled())
}

func TestLoad_DotEnvFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Cleanup(func() { os.Unsetenv("LOG_LEVEL") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_YAMLFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "server:\n  port: 7000\n  time_zone: America/New_York\nblob:\n  backend: minio\n  minio_endpoint: localhost:9000\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, BlobMinio, cfg.Blob.Backend)
	assert.Equal(t, "homework-helper", cfg.Blob.MinioBucket, "defaults still apply")
	assert.Equal(t, "America/New_York", cfg.Location().String())
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server: ServerConfig{Port: 8080, TimeZone: "UTC"},
			Store:  StoreConfig{DBPath: "x.db"},
			Auth:   AuthConfig{TokenTTL: time.Hour},
			Blob:   BlobConfig{Backend: BlobLocal, LocalDir: "up", MaxUploadBytes: 1},
			Log:    LogConfig{Level: "info"},
			Tasks:  TaskConfig{Timeout: time.Second},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad zone", func(c *Config) { c.Server.TimeZone = "Mars/Olympus" }},
		{"no db", func(c *Config) { c.Store.DBPath = "" }},
		{"bad ttl", func(c *Config) { c.Auth.TokenTTL = 0 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"unknown backend", func(c *Config) { c.Blob.Backend = "ftp" }},
		{"minio without endpoint", func(c *Config) { c.Blob.Backend = BlobMinio }},
	}

	base := valid()
	require.NoError(t, base.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
