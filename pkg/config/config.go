// Package config loads coachsync settings. Environment variables override
// the YAML file, which overrides the defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spcoaching/coachsync/pkg/log"
	"github.com/spcoaching/coachsync/pkg/storage"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values
const (
	EnvSupabaseURL = "SUPABASE_URL"
	EnvAnonKey     = "SUPABASE_ANON_KEY"
	EnvAccessToken = "SUPABASE_ACCESS_TOKEN"
	EnvDataDir     = "COACHSYNC_DATA_DIR"
	EnvStore       = "COACHSYNC_STORE"
	EnvLogLevel    = "COACHSYNC_LOG_LEVEL"
	EnvLogJSON     = "COACHSYNC_LOG_JSON"
)

// Config is the full coachsync configuration
type Config struct {
	Supabase SupabaseConfig `yaml:"supabase"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
	Replay   ReplayConfig   `yaml:"replay"`
	Health   HealthConfig   `yaml:"health"`
}

// SupabaseConfig locates the backend project
type SupabaseConfig struct {
	URL         string `yaml:"url"`
	AnonKey     string `yaml:"anon_key"`
	AccessToken string `yaml:"access_token,omitempty"`

	// Resilient wraps REST calls in retries and a circuit breaker
	Resilient bool `yaml:"resilient"`
}

// StoreConfig selects the local fallback store
type StoreConfig struct {
	Backend storage.Backend `yaml:"backend"`
	DataDir string          `yaml:"data_dir"`
}

// LogConfig configures pkg/log
type LogConfig struct {
	Level log.Level `yaml:"level"`
	JSON  bool      `yaml:"json"`
}

// ReplayConfig configures the reconciler
type ReplayConfig struct {
	Schedule string        `yaml:"schedule"`
	Timeout  time.Duration `yaml:"timeout"`
}

// HealthConfig configures the backend reachability probe
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	dataDir := ".coachsync"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".coachsync")
	}
	return &Config{
		Supabase: SupabaseConfig{Resilient: true},
		Store:    StoreConfig{Backend: storage.BackendBolt, DataDir: dataDir},
		Log:      LogConfig{Level: log.InfoLevel},
		Replay:   ReplayConfig{Schedule: "@every 30s", Timeout: 20 * time.Second},
		Health:   HealthConfig{Interval: 15 * time.Second, Timeout: 5 * time.Second, Retries: 2},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Supabase.URL = getEnv(EnvSupabaseURL, c.Supabase.URL)
	c.Supabase.AnonKey = getEnv(EnvAnonKey, c.Supabase.AnonKey)
	c.Supabase.AccessToken = getEnv(EnvAccessToken, c.Supabase.AccessToken)
	c.Store.DataDir = getEnv(EnvDataDir, c.Store.DataDir)
	c.Store.Backend = storage.Backend(getEnv(EnvStore, string(c.Store.Backend)))
	c.Log.Level = log.Level(getEnv(EnvLogLevel, string(c.Log.Level)))
	c.Log.JSON = getBoolEnv(EnvLogJSON, c.Log.JSON)
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if c.Supabase.URL == "" {
		errs = append(errs, errors.New("supabase.url is required"))
	} else if u, err := url.Parse(c.Supabase.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("supabase.url %q is not an absolute URL", c.Supabase.URL))
	}
	if c.Supabase.AnonKey == "" {
		errs = append(errs, errors.New("supabase.anon_key is required"))
	}

	switch c.Store.Backend {
	case storage.BackendBolt, storage.BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.backend must be %q or %q, got %q", storage.BackendBolt, storage.BackendSQLite, c.Store.Backend))
	}
	if c.Store.DataDir == "" {
		errs = append(errs, errors.New("store.data_dir is required"))
	}

	if err := c.Log.Level.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if _, err := cron.ParseStandard(c.Replay.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("replay.schedule: %w", err))
	}
	if c.Replay.Timeout <= 0 {
		errs = append(errs, errors.New("replay.timeout must be positive"))
	}
	if c.Health.Interval <= 0 || c.Health.Timeout <= 0 {
		errs = append(errs, errors.New("health.interval and health.timeout must be positive"))
	}
	if c.Health.Retries < 1 {
		errs = append(errs, errors.New("health.retries must be at least 1"))
	}

	return errors.Join(errs...)
}

// Write saves the configuration as YAML, leaving out the access token
func (c *Config) Write(path string) error {
	out := *c
	out.Supabase.AccessToken = ""
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
