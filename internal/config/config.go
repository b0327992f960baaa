package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Supported store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string `env:"REDTEAM_LISTEN_ADDR" envDefault:":8080"`
	LogLevel   string `env:"REDTEAM_LOG_LEVEL" envDefault:"info"`
	// HTTPWriteTimeout bounds a response, so it must outlast the longest
	// run-and-wait request.
	HTTPWriteTimeout time.Duration `env:"REDTEAM_HTTP_WRITE_TIMEOUT" envDefault:"15m"`

	DB       DBConfig       `envPrefix:"REDTEAM_DB_"`
	Engine   EngineConfig   `envPrefix:"REDTEAM_"`
	Snapshot SnapshotConfig `envPrefix:"REDTEAM_SNAPSHOT_"`
	Redis    RedisConfig    `envPrefix:"REDTEAM_"`
	Azure    AzureConfig
}

// DBConfig selects the job store.
type DBConfig struct {
	Driver string `env:"DRIVER" envDefault:"sqlite"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `env:"DSN" envDefault:"redteam.db"`
}

// EngineConfig sizes the execution engine.
type EngineConfig struct {
	Workers       int           `env:"WORKERS" envDefault:"4"`
	MaxConcurrent int           `env:"MAX_CONCURRENT" envDefault:"1"`
	TargetTimeout time.Duration `env:"TARGET_TIMEOUT" envDefault:"2m"`
}

// SnapshotConfig controls where finished job records are copied.
type SnapshotConfig struct {
	// Dir disables disk snapshots when empty.
	Dir string   `env:"DIR" envDefault:"./attack_results"`
	S3  S3Config `envPrefix:"S3_"`
}

// S3Config configures the optional object-store mirror. It is enabled when
// Endpoint is set.
type S3Config struct {
	Endpoint  string `env:"ENDPOINT"`
	Bucket    string `env:"BUCKET" envDefault:"redteam-results"`
	Prefix    string `env:"PREFIX"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"true"`
}

// RedisConfig enables the shared run lock when Addr is set.
type RedisConfig struct {
	Addr     string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" envDefault:"0"`
	LockTTL  time.Duration `env:"LOCK_TTL" envDefault:"1h"`
}

// AzureConfig holds fallbacks for Azure OpenAI targets.
type AzureConfig struct {
	APIKey     string `env:"AZURE_OPENAI_API_KEY"`
	APIVersion string `env:"AZURE_OPENAI_API_VERSION" envDefault:"2024-02-01"`
}

// Load reads a .env file when present, then the environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	switch c.DB.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported db driver %q", c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return errors.New("db dsn is required")
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Engine.Workers)
	}
	if c.Engine.MaxConcurrent < 1 {
		c.Engine.MaxConcurrent = 1
	}
	return nil
}

// Level returns the configured log level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
