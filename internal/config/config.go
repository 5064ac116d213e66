// Package config loads imagecache process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds process-level settings for the imagecache command.
type Config struct {
	// Dir is the disk tier directory. Empty uses the per-user cache dir.
	Dir string `env:"IMAGECACHE_DIR"`

	MemoryMaxEntries int   `env:"IMAGECACHE_MEMORY_MAX_ENTRIES" envDefault:"100"`
	MemoryMaxBytes   int64 `env:"IMAGECACHE_MEMORY_MAX_BYTES"   envDefault:"52428800"`

	JPEGQuality  int `env:"IMAGECACHE_JPEG_QUALITY"  envDefault:"80"`
	MaxDimension int `env:"IMAGECACHE_MAX_DIMENSION" envDefault:"0"`

	HTTPTimeout        time.Duration `env:"IMAGECACHE_HTTP_TIMEOUT"         envDefault:"30s"`
	Coalesce           bool          `env:"IMAGECACHE_COALESCE"             envDefault:"true"`
	PreloadConcurrency int           `env:"IMAGECACHE_PRELOAD_CONCURRENCY"  envDefault:"1"`
	LogLevel           string        `env:"IMAGECACHE_LOG_LEVEL"            envDefault:"info"`

	// BaseURL is used with the static resolver when no S3 bucket is set.
	BaseURL string `env:"IMAGECACHE_BASE_URL"`

	S3 S3 `envPrefix:"IMAGECACHE_S3_"`
}

// S3 configures the presigning resolver.
type S3 struct {
	Endpoint  string        `env:"ENDPOINT"`
	Bucket    string        `env:"BUCKET"`
	AccessKey string        `env:"ACCESS_KEY"`
	SecretKey string        `env:"SECRET_KEY"`
	Region    string        `env:"REGION"`
	UseSSL    bool          `env:"USE_SSL"    envDefault:"true"`
	Prefix    string        `env:"PREFIX"`
	URLExpiry time.Duration `env:"URL_EXPIRY" envDefault:"1h"`
}

// Enabled reports whether S3 presigning is configured. It takes precedence
// over BaseURL.
func (s S3) Enabled() bool {
	return s.Bucket != ""
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects out-of-range values.
func (c Config) Validate() error {
	var errs []error
	if c.MemoryMaxEntries < 0 {
		errs = append(errs, errors.New("IMAGECACHE_MEMORY_MAX_ENTRIES must be >= 0"))
	}
	if c.MemoryMaxBytes < 0 {
		errs = append(errs, errors.New("IMAGECACHE_MEMORY_MAX_BYTES must be >= 0"))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, errors.New("IMAGECACHE_JPEG_QUALITY must be in [1, 100]"))
	}
	if c.MaxDimension < 0 {
		errs = append(errs, errors.New("IMAGECACHE_MAX_DIMENSION must be >= 0"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("IMAGECACHE_HTTP_TIMEOUT must be positive"))
	}
	if c.PreloadConcurrency < 1 {
		errs = append(errs, errors.New("IMAGECACHE_PRELOAD_CONCURRENCY must be >= 1"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.S3.Enabled() {
		if c.S3.Endpoint == "" {
			errs = append(errs, errors.New("IMAGECACHE_S3_ENDPOINT is required with IMAGECACHE_S3_BUCKET"))
		}
		if c.S3.URLExpiry <= 0 {
			errs = append(errs, errors.New("IMAGECACHE_S3_URL_EXPIRY must be positive"))
		}
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
