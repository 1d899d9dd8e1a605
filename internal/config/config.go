// Package config loads geoflow settings from a YAML file and GEOFLOW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend kinds.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// Config holds the configuration for geoflow.
type Config struct {
	Backend   Backend   `mapstructure:"backend"`
	Payloads  Payloads  `mapstructure:"payloads"`
	Callbacks Callbacks `mapstructure:"callbacks"`
	Worker    Worker    `mapstructure:"worker"`
	Log       Log       `mapstructure:"log"`
}

// Backend selects where state, callbacks and queued tasks are kept.
type Backend struct {
	Kind string `mapstructure:"kind"`
	// DSN is the SQLite path, Postgres connection string or Mongo URI.
	DSN string `mapstructure:"dsn"`
	// Addr is the Redis address.
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	// Prefix namespaces Redis keys.
	Prefix string `mapstructure:"prefix"`
	// Database is the Mongo database name.
	Database string `mapstructure:"database"`
}

// Payloads controls payload externalisation.
type Payloads struct {
	// BlobDir stores large payloads on disk. Empty keeps them in memory.
	BlobDir     string `mapstructure:"blob_dir"`
	InlineLimit int    `mapstructure:"inline_limit"`
}

// Callbacks controls the callback registry.
type Callbacks struct {
	TTL      time.Duration `mapstructure:"ttl"`
	MaxPages int           `mapstructure:"max_pages"`
	PageSize int           `mapstructure:"page_size"`
}

// Worker controls queue workers.
type Worker struct {
	Concurrency   int           `mapstructure:"concurrency"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Backoff       time.Duration `mapstructure:"backoff"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
}

// Log controls the process logger.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.kind", BackendSQLite)
	v.SetDefault("backend.dsn", "file:geoflow.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	v.SetDefault("backend.addr", "localhost:6379")
	v.SetDefault("backend.password", "")
	v.SetDefault("backend.prefix", "geoflow:")
	v.SetDefault("backend.database", "geoflow")
	v.SetDefault("payloads.blob_dir", "")
	v.SetDefault("payloads.inline_limit", 30000)
	v.SetDefault("callbacks.ttl", 60*24*time.Hour)
	v.SetDefault("callbacks.max_pages", 100)
	v.SetDefault("callbacks.page_size", 100)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.backoff", 5*time.Second)
	v.SetDefault("worker.queue_capacity", 1024)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. With an empty path, geoflow.yaml is looked
// up in the working directory and ./config, and may be absent. Environment
// variables override file values, e.g. GEOFLOW_BACKEND_KIND.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("GEOFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("geoflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend.Kind {
	case BackendMemory:
	case BackendSQLite, BackendPostgres, BackendMongo:
		if c.Backend.DSN == "" {
			errs = append(errs, fmt.Errorf("backend.dsn is required for %s", c.Backend.Kind))
		}
	case BackendRedis:
		if c.Backend.Addr == "" {
			errs = append(errs, errors.New("backend.addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend.kind %q", c.Backend.Kind))
	}
	if c.Payloads.InlineLimit <= 0 {
		errs = append(errs, errors.New("payloads.inline_limit must be positive"))
	}
	if c.Callbacks.TTL <= 0 {
		errs = append(errs, errors.New("callbacks.ttl must be positive"))
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, errors.New("worker.max_attempts must be at least 1"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be at least 1"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w.
func (l Log) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
