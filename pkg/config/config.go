package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds broker configuration.
type Config struct {
	ExtTag    string `yaml:"ext_tag"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Store         string `yaml:"store"`
	StoreCodec    string `yaml:"store_codec"`
	DatabaseURL   string `yaml:"database_url"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	ConsentTimeout time.Duration `yaml:"consent_timeout"`
	PopupURL       string        `yaml:"popup_url"`
	ChunkSize      int           `yaml:"chunk_size"`
	UnitScale      int           `yaml:"unit_scale"`
	AuditCapacity  int           `yaml:"audit_capacity"`

	Listen    string `yaml:"listen"`
	RateRPM   int    `yaml:"rate_rpm"`
	RateBurst int    `yaml:"rate_burst"`
	// TokenFile receives the bridge token at startup; empty prints it.
	TokenFile string `yaml:"token_file"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`
}

// Default returns the configuration used when nothing is set: SQLite in the
// working directory, JSON collections, no consent timeout.
func Default() *Config {
	return &Config{
		ExtTag:        "weavemask",
		LogLevel:      "INFO",
		LogFormat:     "text",
		Store:         BackendSQLite,
		StoreCodec:    "json",
		SQLitePath:    "weavemask.db",
		RedisAddr:     "localhost:6379",
		RedisPrefix:   "weavemask:",
		PopupURL:      "chrome-extension://weavemask/popup.html",
		ChunkSize:     64 << 10,
		UnitScale:     12,
		AuditCapacity: 500,
		Listen:        "127.0.0.1:7412",
		RateRPM:       120,
		RateBurst:     20,
		TokenFile:     "weavemask.token",
		OTelEndpoint:  "localhost:4317",
	}
}

// Load returns the defaults overridden by environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}

	str("WEAVEMASK_EXT_TAG", &c.ExtTag)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("WEAVEMASK_STORE", &c.Store)
	str("WEAVEMASK_STORE_CODEC", &c.StoreCodec)
	str("DATABASE_URL", &c.DatabaseURL)
	str("WEAVEMASK_SQLITE_PATH", &c.SQLitePath)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	num("REDIS_DB", &c.RedisDB)
	str("WEAVEMASK_POPUP_URL", &c.PopupURL)
	num("WEAVEMASK_CHUNK_SIZE", &c.ChunkSize)
	num("WEAVEMASK_UNIT_SCALE", &c.UnitScale)
	num("WEAVEMASK_AUDIT_CAPACITY", &c.AuditCapacity)
	str("WEAVEMASK_LISTEN", &c.Listen)
	num("WEAVEMASK_RATE_RPM", &c.RateRPM)
	num("WEAVEMASK_RATE_BURST", &c.RateBurst)
	str("WEAVEMASK_TOKEN_FILE", &c.TokenFile)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTelEndpoint)

	if v := os.Getenv("WEAVEMASK_CONSENT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("WEAVEMASK_CONSENT_TIMEOUT: %w", err))
		} else {
			c.ConsentTimeout = d
		}
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		c.OTelEnabled = v == "true" || v == "1"
	}
	return errors.Join(errs...)
}

// Validate rejects configurations the broker cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ExtTag) == "" {
		errs = append(errs, errors.New("ext_tag must not be empty"))
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		errs = append(errs, fmt.Errorf("log_level %q: %w", c.LogLevel, err))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want text or json", c.LogFormat))
	}
	switch c.Store {
	case BackendMemory, BackendRedis:
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite_path is required for the sqlite store"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store %q: want memory, sqlite, postgres or redis", c.Store))
	}
	switch c.StoreCodec {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("store_codec %q: want json or cbor", c.StoreCodec))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if c.UnitScale < 0 || c.UnitScale > 36 {
		errs = append(errs, fmt.Errorf("unit_scale must be in [0, 36], got %d", c.UnitScale))
	}
	if c.AuditCapacity <= 0 {
		errs = append(errs, fmt.Errorf("audit_capacity must be positive, got %d", c.AuditCapacity))
	}
	if c.ConsentTimeout < 0 {
		errs = append(errs, fmt.Errorf("consent_timeout must not be negative, got %s", c.ConsentTimeout))
	}
	if c.RateRPM < 0 || c.RateBurst < 0 {
		errs = append(errs, errors.New("rate_rpm and rate_burst must not be negative"))
	}
	return errors.Join(errs...)
}
