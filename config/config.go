package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Nested keys use a
// double underscore: PIPEGATE_EXECUTOR__RETRY_DELAY=2s
const EnvPrefix = "PIPEGATE_"

// DefaultFile is the config file read when no path is given
const DefaultFile = "pipegate.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Storage   StorageConfig   `koanf:"storage"`
	Executor  ExecutorConfig  `koanf:"executor"`
	Projects  ProjectsConfig  `koanf:"projects"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

type StorageConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type ExecutorConfig struct {
	Shell        string        `koanf:"shell"`
	RetryDelay   time.Duration `koanf:"retry_delay"`
	ApprovalMode string        `koanf:"approval_mode"` // advisory, blocking
	EventBuffer  int           `koanf:"event_buffer"`
}

type ProjectsConfig struct {
	File string `koanf:"file"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.port":            8080,
	"log.level":              "info",
	"storage.enabled":        true,
	"storage.path":           "data/pipegate.db",
	"executor.shell":         "sh",
	"executor.retry_delay":   "1s",
	"executor.approval_mode": "advisory",
	"executor.event_buffer":  64,
	"projects.file":          "projects.yml",
	"telemetry.enabled":      false,
	"telemetry.service_name": "pipegate",
}

// Load reads .env (if present), the YAML file at path (DefaultFile when
// empty; a missing file is fine) and PIPEGATE_ environment overrides.
func Load(path string) (*Config, error) {
	// A missing .env is not an error
	_ = godotenv.Load()

	if path == "" {
		path = DefaultFile
	}

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Executor.ApprovalMode {
	case "advisory", "blocking":
	default:
		return fmt.Errorf("executor.approval_mode must be advisory or blocking, got %q", c.Executor.ApprovalMode)
	}
	if c.Executor.RetryDelay <= 0 {
		return fmt.Errorf("executor.retry_delay must be positive")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Storage.Enabled && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required when storage is enabled")
	}
	return nil
}

// SlogLevel maps the configured level name to a slog.Level
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger
func (l LogConfig) NewLogger() *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
