// Package config loads folio's server configuration from flags, FOLIO_* environment variables
// and an optional YAML file, in that order of precedence.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aretw0/folio/internal/logging"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FOLIO_STORE_KIND.
const EnvPrefix = "FOLIO"

// Store kinds.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config holds the server configuration.
type Config struct {
	Addr     string         `mapstructure:"addr"`
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Session  SessionConfig  `mapstructure:"session"`
	Kernel   KernelConfig   `mapstructure:"kernel"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the notebook store.
type StoreConfig struct {
	Kind string `mapstructure:"kind"`
	// Dir is the notebook directory of the file store.
	Dir string `mapstructure:"dir"`
	// EncryptionKey is a base64 AES-256 key. When set, notebooks are sealed before they reach
	// the store.
	EncryptionKey string `mapstructure:"encryption_key"`
	// FallbackKeys are retired base64 keys still accepted for reading.
	FallbackKeys []string `mapstructure:"fallback_keys"`
}

// Keys decodes the store encryption keys. active is nil when encryption is off.
func (s StoreConfig) Keys() (active []byte, fallback [][]byte, err error) {
	if s.EncryptionKey == "" {
		return nil, nil, nil
	}
	decode := func(name, v string) ([]byte, error) {
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("%s must decode to 32 bytes, got %d", name, len(key))
		}
		return key, nil
	}
	if active, err = decode("store.encryption_key", s.EncryptionKey); err != nil {
		return nil, nil, err
	}
	for _, v := range s.FallbackKeys {
		key, err := decode("store.fallback_keys", v)
		if err != nil {
			return nil, nil, err
		}
		fallback = append(fallback, key)
	}
	return active, fallback, nil
}

// RedisConfig configures the redis store and the distributed session lock.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
	// Lock guards session open and teardown with a redis lock, for several folio processes
	// sharing one store. It works with any store kind.
	Lock bool `mapstructure:"lock"`
}

// PostgresConfig configures the postgres store.
type PostgresConfig struct {
	URL   string `mapstructure:"url"`
	Table string `mapstructure:"table"`
}

// SessionConfig tunes session lifecycles.
type SessionConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
	Autosave    time.Duration `mapstructure:"autosave"`
	SaveTimeout time.Duration `mapstructure:"save_timeout"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	OutboxSize  int           `mapstructure:"outbox_size"`
}

// KernelConfig configures kernel processes.
type KernelConfig struct {
	// Disabled runs sessions without kernels; execute actions fail with kernelUnavailable.
	Disabled    bool          `mapstructure:"disabled"`
	Specs       string        `mapstructure:"specs"`
	Default     string        `mapstructure:"default"`
	WorkDir     string        `mapstructure:"work_dir"`
	MaxRestarts int           `mapstructure:"max_restarts"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:  ":8080",
		Log:   LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{Kind: StoreFile, Dir: "notebooks"},
		Redis: RedisConfig{Addr: "localhost:6379", Prefix: "folio:"},
		Postgres: PostgresConfig{
			Table: "folio_notebooks",
		},
		Session: SessionConfig{
			GracePeriod: 30 * time.Second,
			SaveTimeout: 10 * time.Second,
			LockTTL:     30 * time.Second,
			OutboxSize:  256,
		},
		Kernel: KernelConfig{
			Specs:       "kernels.yaml",
			Default:     "python3",
			MaxRestarts: 3,
			StopTimeout: 5 * time.Second,
		},
	}
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"addr":       "addr",
	"log-level":  "log.level",
	"log-format": "log.format",
	"store":      "store.kind",
	"store-dir":  "store.dir",
	"redis-addr": "redis.addr",
	"redis-lock": "redis.lock",
	"pg-url":     "postgres.url",
	"kernels":    "kernel.specs",
	"kernel":     "kernel.default",
	"no-kernel":  "kernel.disabled",
	"grace":      "session.grace_period",
	"autosave":   "session.autosave",
}

// Load builds the configuration. path names an optional YAML file; when empty FOLIO_CONFIG is
// consulted. flags may be nil; only flags the user actually set override the file and the
// environment.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	def := Default()

	v := viper.New()
	setDefaults(v, def)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("addr", c.Addr)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("store.kind", c.Store.Kind)
	v.SetDefault("store.dir", c.Store.Dir)
	v.SetDefault("store.encryption_key", c.Store.EncryptionKey)
	v.SetDefault("store.fallback_keys", c.Store.FallbackKeys)
	v.SetDefault("redis.addr", c.Redis.Addr)
	v.SetDefault("redis.password", c.Redis.Password)
	v.SetDefault("redis.db", c.Redis.DB)
	v.SetDefault("redis.prefix", c.Redis.Prefix)
	v.SetDefault("redis.ttl", c.Redis.TTL)
	v.SetDefault("redis.lock", c.Redis.Lock)
	v.SetDefault("postgres.url", c.Postgres.URL)
	v.SetDefault("postgres.table", c.Postgres.Table)
	v.SetDefault("session.grace_period", c.Session.GracePeriod)
	v.SetDefault("session.autosave", c.Session.Autosave)
	v.SetDefault("session.save_timeout", c.Session.SaveTimeout)
	v.SetDefault("session.lock_ttl", c.Session.LockTTL)
	v.SetDefault("session.outbox_size", c.Session.OutboxSize)
	v.SetDefault("kernel.disabled", c.Kernel.Disabled)
	v.SetDefault("kernel.specs", c.Kernel.Specs)
	v.SetDefault("kernel.default", c.Kernel.Default)
	v.SetDefault("kernel.work_dir", c.Kernel.WorkDir)
	v.SetDefault("kernel.max_restarts", c.Kernel.MaxRestarts)
	v.SetDefault("kernel.stop_timeout", c.Kernel.StopTimeout)
}

// Logger builds the logger described by c.Log. c must be valid.
func (c Config) Logger() *slog.Logger {
	level, _ := logging.ParseLevel(c.Log.Level)
	if c.Log.Format == "text" {
		return logging.New(level)
	}
	return logging.NewJSON(level)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Kind {
	case StoreMemory, StoreRedis:
	case StoreFile:
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir is required for the file store"))
		}
	case StorePostgres:
		if c.Postgres.URL == "" {
			errs = append(errs, errors.New("postgres.url is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.kind %q", c.Store.Kind))
	}
	if _, _, err := c.Store.Keys(); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	if c.Session.GracePeriod < 0 {
		errs = append(errs, errors.New("session.grace_period must not be negative"))
	}
	if c.Session.Autosave < 0 {
		errs = append(errs, errors.New("session.autosave must not be negative"))
	}
	if c.Kernel.MaxRestarts < 0 {
		errs = append(errs, errors.New("kernel.max_restarts must not be negative"))
	}
	return errors.Join(errs...)
}
