// Package config loads environment-based configuration plus an optional
// YAML settings file holding the sync tunables operators adjust in the
// field.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for inventory-sync.
type Config struct {
	// Backend connection (required).
	BackendURL    string `env:"BACKEND_URL"`
	BackendAPIKey string `env:"BACKEND_API_KEY"`

	// RealtimeEnabled controls the websocket change-feed listener that
	// wakes the engine when another device pushes changes.
	RealtimeEnabled bool `env:"REALTIME_ENABLED" envDefault:"true"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Path of the local bbolt database. Defaults to
	// ~/.inventory-sync/store.db.
	StorePath string `env:"STORE_PATH"`

	// Optional YAML file with sync tunables. Watched for changes at
	// runtime when set.
	SettingsFile string `env:"SETTINGS_FILE"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Settings are the resolved tunables (defaults overlaid with the
	// settings file, when present).
	Settings Settings `env:"-"`
}

// Settings are the runtime tunables of the sync engine. They live in a
// separate YAML file so they can be hot-reloaded without restarting.
type Settings struct {
	// SyncInterval is the periodic full-cycle trigger interval.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// PushBatchSize bounds how many mutations one push request carries.
	PushBatchSize int `yaml:"push_batch_size"`

	// RetryCeiling is the attempt count after which a retryable
	// mutation becomes dead-lettered.
	RetryCeiling int `yaml:"retry_ceiling"`

	// BackoffBase and BackoffMax bound the exponential retry backoff.
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`

	// DebounceWindow suppresses connectivity flapping: a state change
	// must hold this long before it is committed.
	DebounceWindow time.Duration `yaml:"debounce_window"`

	// FreshnessWindow is how long a successful backend round trip keeps
	// BackendReachable true.
	FreshnessWindow time.Duration `yaml:"freshness_window"`

	// ProbeAddr is the TCP address dialed to detect device network
	// reachability. ProbeInterval is how often it is checked.
	ProbeAddr     string        `yaml:"probe_addr"`
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// TombstoneRetention is how long soft-deleted records are kept for
	// tombstone propagation before the external cleanup may purge them.
	TombstoneRetention time.Duration `yaml:"tombstone_retention"`
}

// DefaultSettings returns the built-in tunables.
func DefaultSettings() Settings {
	return Settings{
		SyncInterval:       60 * time.Second,
		PushBatchSize:      50,
		RetryCeiling:       10,
		BackoffBase:        2 * time.Second,
		BackoffMax:         5 * time.Minute,
		DebounceWindow:     2 * time.Second,
		FreshnessWindow:    30 * time.Second,
		ProbeAddr:          "1.1.1.1:443",
		ProbeInterval:      10 * time.Second,
		TombstoneRetention: 30 * 24 * time.Hour,
	}
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the backend API key to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables. It first attempts
// to load a .env file if present, then parses env vars, then overlays the
// settings file when one is configured.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "inventory-sync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StorePath == "" {
		path, err := DefaultStorePath()
		if err != nil {
			return nil, err
		}

		cfg.StorePath = path
	}

	cfg.Settings = DefaultSettings()

	if cfg.SettingsFile != "" {
		abs, err := filepath.Abs(cfg.SettingsFile)
		if err != nil {
			return nil, fmt.Errorf("resolving settings file path: %w", err)
		}

		cfg.SettingsFile = abs

		settings, err := LoadSettings(cfg.SettingsFile)
		if err != nil {
			return nil, err
		}

		cfg.Settings = settings
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadSettings reads the YAML settings file at path, overlaying its
// values onto the defaults. Zero-valued fields keep their defaults so a
// partial file only overrides what it names.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		return settings, fmt.Errorf("reading settings file: %w", err)
	}

	var overlay Settings
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return settings, fmt.Errorf("parsing settings file: %w", err)
	}

	settings.merge(overlay)

	if err := settings.validate(); err != nil {
		return settings, fmt.Errorf("validating settings: %w", err)
	}

	return settings, nil
}

func (s *Settings) merge(o Settings) {
	if o.SyncInterval > 0 {
		s.SyncInterval = o.SyncInterval
	}

	if o.PushBatchSize > 0 {
		s.PushBatchSize = o.PushBatchSize
	}

	if o.RetryCeiling > 0 {
		s.RetryCeiling = o.RetryCeiling
	}

	if o.BackoffBase > 0 {
		s.BackoffBase = o.BackoffBase
	}

	if o.BackoffMax > 0 {
		s.BackoffMax = o.BackoffMax
	}

	if o.DebounceWindow > 0 {
		s.DebounceWindow = o.DebounceWindow
	}

	if o.FreshnessWindow > 0 {
		s.FreshnessWindow = o.FreshnessWindow
	}

	if o.ProbeAddr != "" {
		s.ProbeAddr = o.ProbeAddr
	}

	if o.ProbeInterval > 0 {
		s.ProbeInterval = o.ProbeInterval
	}

	if o.TombstoneRetention > 0 {
		s.TombstoneRetention = o.TombstoneRetention
	}
}

func (s *Settings) validate() error {
	if s.BackoffBase > s.BackoffMax {
		return fmt.Errorf("backoff_base (%s) exceeds backoff_max (%s)", s.BackoffBase, s.BackoffMax)
	}

	if s.PushBatchSize > 500 {
		return fmt.Errorf("push_batch_size %d exceeds the backend's batch limit of 500", s.PushBatchSize)
	}

	return nil
}

func (c *Config) validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}

	if c.BackendAPIKey == "" {
		return fmt.Errorf("BACKEND_API_KEY is required")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DefaultStorePath returns ~/.inventory-sync/store.db.
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".inventory-sync", "store.db"), nil
}
