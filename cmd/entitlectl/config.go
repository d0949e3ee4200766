package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the entitlectl configuration file.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Lease     LeaseConfig     `yaml:"lease"`
	HTTP      HTTPConfig      `yaml:"http"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// PublicBaseURL is the base of public subject links sent in
	// notifications.
	PublicBaseURL string `yaml:"public_base_url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// StoreConfig selects the persistence backend. Driver is one of memory,
// postgres, sqlite or mongo.
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	URL      string `yaml:"url"`
	Database string `yaml:"database"` // mongo only
	MaxConns int    `yaml:"max_conns"`
}

// LeaseConfig points reconciliation at a shared Redis lease. An empty URL
// uses an in-process lease, which only serialises passes within one process.
type LeaseConfig struct {
	RedisURL string `yaml:"redis_url"`
	Prefix   string `yaml:"prefix"`
}

type HTTPConfig struct {
	Addr        string        `yaml:"addr"`
	MetricsAddr string        `yaml:"metrics_addr"`
	BasePath    string        `yaml:"base_path"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type DispatchConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type ReconcileConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	GraceDays int           `yaml:"grace_days"`
	LeaseTTL  time.Duration `yaml:"lease_ttl"`
}

func defaultConfig() Config {
	return Config{
		Log:   LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{Driver: "memory"},
		HTTP: HTTPConfig{
			Addr:        ":8080",
			MetricsAddr: ":9090",
			BasePath:    "/entitle",
			ReadTimeout: 15 * time.Second,
		},
	}
}

// loadConfig reads an optional .env file, then the YAML file at path when
// one is given, then ENTITLE_* environment overrides.
func loadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("ENTITLE_LOG_LEVEL", &cfg.Log.Level)
	setString("ENTITLE_STORE_DRIVER", &cfg.Store.Driver)
	setString("ENTITLE_STORE_URL", &cfg.Store.URL)
	setString("ENTITLE_STORE_DATABASE", &cfg.Store.Database)
	setString("ENTITLE_REDIS_URL", &cfg.Lease.RedisURL)
	setString("ENTITLE_HTTP_ADDR", &cfg.HTTP.Addr)
	setString("ENTITLE_METRICS_ADDR", &cfg.HTTP.MetricsAddr)
	setString("ENTITLE_PUBLIC_BASE_URL", &cfg.PublicBaseURL)

	if v, ok := os.LookupEnv("ENTITLE_GRACE_DAYS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ENTITLE_GRACE_DAYS: %w", err)
		}
		cfg.Reconcile.GraceDays = n
	}
	if v, ok := os.LookupEnv("ENTITLE_RECONCILE_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ENTITLE_RECONCILE_INTERVAL: %w", err)
		}
		cfg.Reconcile.Interval = d
	}
	return nil
}

func (c Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.URL == "" {
			return fmt.Errorf("store.url is required for driver %q", c.Store.Driver)
		}
	case "mongo":
		if c.Store.URL == "" || c.Store.Database == "" {
			return errors.New("store.url and store.database are required for driver \"mongo\"")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Reconcile.GraceDays < 0 {
		return errors.New("reconcile.grace_days must not be negative")
	}
	return nil
}
