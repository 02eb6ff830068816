// Package config loads the fieldsync daemon configuration from a YAML file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/heliosmaint/fieldsync/internal/errors"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return errors.Wrap(errors.ErrConfig, "duration must be a string like \"30s\"", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrap(errors.ErrConfig, "invalid duration", err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level daemon configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	API    APIConfig    `yaml:"api"`
	Sync   SyncConfig   `yaml:"sync"`
	Cache  CacheConfig  `yaml:"cache"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig holds the local daemon settings.
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
}

// APIConfig holds the remote platform settings.
type APIConfig struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
}

// SyncConfig holds the sync manager settings.
type SyncConfig struct {
	EngineerID    int64    `yaml:"engineer_id"`
	Interval      Duration `yaml:"interval"`
	RetryCeiling  int      `yaml:"retry_ceiling"`
	ProbeInterval Duration `yaml:"probe_interval"`
	// FailedRetention bounds how long retry-exhausted operations stay in
	// the queue. Zero keeps them forever.
	FailedRetention Duration `yaml:"failed_retention"`
}

// CacheConfig holds the cache sweep settings.
type CacheConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:  "127.0.0.1:8787",
			DataDir: "/var/lib/fieldsync",
		},
		API: APIConfig{
			Timeout: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			Interval:      Duration(30 * time.Second),
			RetryCeiling:  3,
			ProbeInterval: Duration(15 * time.Second),
		},
		Cache: CacheConfig{
			SweepInterval: Duration(10 * time.Minute),
		},
		Log: LogConfig{
			Level: "INFO",
		},
	}
}

// Load reads a config file from the given path, applying defaults for
// omitted fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "failed to read config file", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "failed to parse config file", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations.
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"fieldsync.yaml",
		"/etc/fieldsync/fieldsync.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "fieldsync", "fieldsync.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", errors.New(errors.ErrConfig, "no config file found")
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.DataDir == "" {
		return errors.New(errors.ErrConfig, "server.data_dir is required")
	}
	if c.API.BaseURL == "" {
		return errors.New(errors.ErrConfig, "api.base_url is required")
	}
	if c.Sync.EngineerID <= 0 {
		return errors.New(errors.ErrConfig, "sync.engineer_id is required")
	}
	if c.Sync.Interval <= 0 {
		return errors.New(errors.ErrConfig, "sync.interval must be positive")
	}
	if c.Sync.RetryCeiling <= 0 {
		return errors.New(errors.ErrConfig, "sync.retry_ceiling must be positive")
	}
	if c.Sync.FailedRetention < 0 {
		return errors.New(errors.ErrConfig, "sync.failed_retention must not be negative")
	}
	return nil
}
