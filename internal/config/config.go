// Package config provides server configuration management.
// Configuration is loaded from environment variables following 12-factor principles.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Storage drivers for bundle payloads.
const (
	StorageFS = "fs"
	StorageS3 = "s3"
)

// Key hashing profiles.
const (
	HashProfileDefault = "default"
	HashProfileLight   = "light"
)

var emulatorNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// Config holds all server configuration.
// All fields are populated from environment variables.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"7000"`

	// Database (PostgreSQL). Empty selects the in-memory repository.
	DatabaseURL         string `env:"DATABASE_URL"`
	DatabaseAutoMigrate bool   `env:"DATABASE_AUTO_MIGRATE" envDefault:"true"`
	DatabaseMaxConns    int32  `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	DatabaseMinConns    int32  `env:"DATABASE_MIN_CONNS" envDefault:"2"`

	// Cache (Redis). Empty disables the auth cache and rate limiting.
	RedisURL       string `env:"REDIS_URL"`
	RedisNamespace string `env:"REDIS_NAMESPACE" envDefault:"savesync"`
	RedisPoolSize  int    `env:"REDIS_POOL_SIZE" envDefault:"10"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Emulators accepted in /saves/{emulator}
	Emulators []string `env:"EMULATORS" envDefault:"mesen,duckstation" envSeparator:","`

	// Bundle payload storage
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"fs"`
	DataDir       string `env:"DATA_DIR" envDefault:"server_data"`
	MaxBundleSize int64  `env:"MAX_BUNDLE_SIZE" envDefault:"67108864"`

	S3Bucket          string `env:"S3_BUCKET"`
	S3Region          string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint        string `env:"S3_ENDPOINT"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle    bool   `env:"S3_USE_PATH_STYLE" envDefault:"true"`

	// API keys
	KeyHashProfile  string        `env:"KEY_HASH_PROFILE" envDefault:"default"`
	AuthMinDuration time.Duration `env:"AUTH_MIN_DURATION" envDefault:"200ms"`

	// Rate limiting (requires Redis)
	RateLimitAPIEnabled      bool `env:"RATE_LIMIT_API_ENABLED" envDefault:"true"`
	RateLimitAPIPerMinute    int  `env:"RATE_LIMIT_API_PER_MINUTE" envDefault:"120"`
	RateLimitAPIBurst        int  `env:"RATE_LIMIT_API_BURST" envDefault:"20"`
	RateLimitRegisterEnabled bool `env:"RATE_LIMIT_REGISTER_ENABLED" envDefault:"true"`
	RateLimitRegisterRPS     int  `env:"RATE_LIMIT_REGISTER_RPS" envDefault:"1"`
	RateLimitRegisterBurst   int  `env:"RATE_LIMIT_REGISTER_BURST" envDefault:"5"`

	// Request body size limit for JSON endpoints in bytes (default 64KB)
	MaxRequestBodySize int64 `env:"MAX_REQUEST_BODY_SIZE" envDefault:"65536"`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// KeyEnv returns the environment marker embedded in issued API keys.
func (c *Config) KeyEnv() string {
	if c.IsProduction() {
		return "live"
	}
	return "test"
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageFS:
		if c.DataDir == "" {
			errs = append(errs, errors.New("DATA_DIR is required for the fs storage driver"))
		}
	case StorageS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required for the s3 storage driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}

	if c.KeyHashProfile != HashProfileDefault && c.KeyHashProfile != HashProfileLight {
		errs = append(errs, fmt.Errorf("unknown KEY_HASH_PROFILE %q", c.KeyHashProfile))
	}

	if len(c.Emulators) == 0 {
		errs = append(errs, errors.New("EMULATORS must list at least one emulator"))
	}
	for _, e := range c.Emulators {
		if !emulatorNameRegex.MatchString(e) {
			errs = append(errs, fmt.Errorf("invalid emulator name %q", e))
		}
	}

	if c.MaxBundleSize <= 0 {
		errs = append(errs, errors.New("MAX_BUNDLE_SIZE must be positive"))
	}

	if c.DatabaseMaxConns < 0 || c.DatabaseMinConns < 0 {
		errs = append(errs, errors.New("DATABASE_MAX_CONNS and DATABASE_MIN_CONNS must not be negative"))
	}

	if c.RedisPoolSize < 0 {
		errs = append(errs, errors.New("REDIS_POOL_SIZE must not be negative"))
	}

	return errors.Join(errs...)
}

// Load parses environment variables and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for i, e := range cfg.Emulators {
		cfg.Emulators[i] = strings.ToLower(strings.TrimSpace(e))
	}
	cfg.Emulators = slices.DeleteFunc(cfg.Emulators, func(e string) bool { return e == "" })
	slices.Sort(cfg.Emulators)
	cfg.Emulators = slices.Compact(cfg.Emulators)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
