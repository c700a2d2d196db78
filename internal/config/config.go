// Package config loads the server configuration.
//
// Values come, in increasing priority, from env-default tags, an optional
// YAML file named by CONFIG_PATH, and the environment. A .env file in the
// working directory (or the one named by ENV_FILE) is loaded into the
// environment first, without overriding variables that are already set.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config is the root configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Auth   AuthConfig   `yaml:"auth"`
	Blob   BlobConfig   `yaml:"blob"`
	Log    LogConfig    `yaml:"log"`
	Tasks  TaskConfig   `yaml:"tasks"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"             env:"PORT"                    env-default:"8080"`
	FrontendURL     string        `yaml:"frontend_url"     env:"FRONTEND_URL"            env-default:"/"`
	TimeZone        string        `yaml:"time_zone"        env:"TIME_ZONE"               env-default:"UTC"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"30s"`
}

// StoreConfig holds document store settings.
type StoreConfig struct {
	DBPath string `yaml:"db_path" env:"DB_PATH" env-default:"data/homework.db"`
	// RedisAddr enables the cross-instance change feed. Empty means
	// single-instance mode.
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	// CascadeConcurrency caps parallel reply deletes.
	CascadeConcurrency int `yaml:"cascade_concurrency" env:"CASCADE_CONCURRENCY" env-default:"8"`
}

// AuthConfig holds token and OAuth settings.
type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"           env:"JWT_SECRET"`
	TokenTTL           time.Duration `yaml:"token_ttl"            env:"TOKEN_TTL"            env-default:"168h"`
	GitHubClientID     string        `yaml:"github_client_id"     env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string        `yaml:"github_client_secret" env:"GITHUB_CLIENT_SECRET"`
	GitHubCallbackURL  string        `yaml:"github_callback_url"  env:"GITHUB_CALLBACK_URL"  env-default:"http://localhost:8080/auth/github/callback"`
}

// Enabled reports whether sign-in can work at all.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != "" && a.GitHubClientID != "" && a.GitHubClientSecret != ""
}

// Blob backends.
const (
	BlobLocal = "local"
	BlobMinio = "minio"
)

// BlobConfig selects and configures the attachment store.
type BlobConfig struct {
	Backend  string `yaml:"backend"   env:"BLOB_BACKEND"   env-default:"local"`
	LocalDir string `yaml:"local_dir" env:"BLOB_LOCAL_DIR" env-default:"data/uploads"`

	MinioEndpoint  string `yaml:"minio_endpoint"   env:"MINIO_ENDPOINT"`
	MinioAccessKey string `yaml:"minio_access_key" env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `yaml:"minio_secret_key" env:"MINIO_SECRET_KEY"`
	MinioBucket    string `yaml:"minio_bucket"     env:"MINIO_BUCKET"     env-default:"homework-helper"`
	MinioUseSSL    bool   `yaml:"minio_use_ssl"    env:"MINIO_USE_SSL"    env-default:"false"`
	MinioPublicURL string `yaml:"minio_public_url" env:"MINIO_PUBLIC_URL"`

	MaxUploadBytes int64 `yaml:"max_upload_bytes" env:"BLOB_MAX_UPLOAD_BYTES" env-default:"10485760"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// TaskConfig holds background task settings.
type TaskConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"TASK_TIMEOUT" env-default:"5s"`
	Buffer  int           `yaml:"buffer"  env:"TASK_ERROR_BUFFER" env-default:"64"`
}

// Load reads the configuration and validates it.
func Load() (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: loading %s: %w", envFile, err)
	}

	var cfg Config
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Validate checks values cleanenv cannot check on its own.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	if _, err := time.LoadLocation(c.Server.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("server.time_zone: %w", err))
	}
	if c.Store.DBPath == "" {
		errs = append(errs, errors.New("store.db_path: required"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl: must be positive"))
	}
	if c.Tasks.Timeout <= 0 {
		errs = append(errs, errors.New("tasks.timeout: must be positive"))
	}
	if c.Blob.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("blob.max_upload_bytes: must be positive"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	switch c.Blob.Backend {
	case BlobLocal:
		if c.Blob.LocalDir == "" {
			errs = append(errs, errors.New("blob.local_dir: required for the local backend"))
		}
	case BlobMinio:
		if c.Blob.MinioEndpoint == "" || c.Blob.MinioBucket == "" {
			errs = append(errs, errors.New("blob: minio backend needs an endpoint and a bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.backend: unknown backend %q", c.Blob.Backend))
	}

	return errors.Join(errs...)
}

// Location returns the display time zone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Server.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseLevel maps a level name to its slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level: unknown level %q", s)
}
