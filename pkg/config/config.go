// Package config loads the rooms server configuration from a YAML file and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr     string   `yaml:"addr" validate:"required"`
	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`
	Sync     Sync     `yaml:"sync"`
	Assets   Assets   `yaml:"assets"`
	Auth     Auth     `yaml:"auth"`

	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=text json"`
}

type Database struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite3 postgres"`
	DSN    string `yaml:"dsn" validate:"required"`
}

type Redis struct {
	// Addr enables fleet wide room leases when set.
	Addr string `yaml:"addr"`
}

type Sync struct {
	SaveInterval     time.Duration `yaml:"save_interval" validate:"gt=0"`
	SaveEveryUpdates int           `yaml:"save_every_updates" validate:"gt=0"`
	LoadTimeout      time.Duration `yaml:"load_timeout" validate:"gt=0"`
	RecoverEmpty     bool          `yaml:"recover_empty"`
	CleanupMode      string        `yaml:"cleanup_mode" validate:"oneof=server client"`
	UpdatesPerSecond float64       `yaml:"updates_per_second" validate:"gte=0"`
}

type Assets struct {
	// Bucket enables the GCS asset gateway when set.
	Bucket          string `yaml:"bucket"`
	PublicBaseURL   string `yaml:"public_base_url" validate:"omitempty,url"`
	CredentialsFile string `yaml:"credentials_file"`
	Workers         int    `yaml:"workers" validate:"gte=0"`
}

type Auth struct {
	// JWTSecret enables bearer token verification. Without it identities are taken from the X-Actor header.
	JWTSecret string `yaml:"jwt_secret"`
}

func Default() Config {
	return Config{
		Addr: "localhost:8080",
		Database: Database{
			Driver: "sqlite3",
			DSN:    "rooms.sqlite3",
		},
		Sync: Sync{
			SaveInterval:     5 * time.Second,
			SaveEveryUpdates: 100,
			LoadTimeout:      10 * time.Second,
			CleanupMode:      "server",
		},
		Assets: Assets{
			PublicBaseURL: "https://storage.googleapis.com",
			Workers:       2,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads path over the defaults, applies environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := Parse(raw, &cfg); err != nil {
			return cfg, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes raw YAML into cfg. Unknown keys are rejected.
func Parse(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ROOMS_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("ROOMS_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("ROOMS_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

func (c Config) Validate() error {
	return validator.New().Struct(c)
}

// Logger builds the process logger described by the config.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
