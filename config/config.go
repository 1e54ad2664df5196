// Package config loads the daemon configuration with layered sources:
// built-in defaults, an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"sweepd.yaml",
	"sweepd.yml",
	"/etc/sweepd/config.yaml",
	"/etc/sweepd/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "SWEEPD_CONFIG"

// envPrefix namespaces the daemon's environment variables:
// SWEEPD_SERVER_LISTEN -> server.listen.
const envPrefix = "SWEEPD_"

type Config struct {
	// Identifier tags every sample and journal entry; defaults to a fresh
	// UUID per daemon start when empty.
	Identifier string `koanf:"identifier"`
	// Driver picks the sweep tool: rtlsdr or hackrf.
	Driver string `koanf:"driver"`
	// Integration is the sample aggregation interval.
	Integration time.Duration `koanf:"integration"`

	Server    ServerConfig    `koanf:"server"`
	Journal   JournalConfig   `koanf:"journal"`
	Recovery  RecoveryConfig  `koanf:"recovery"`
	Waterfall WaterfallConfig `koanf:"waterfall"`
}

type ServerConfig struct {
	Listen   string `koanf:"listen"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type JournalConfig struct {
	// Backend is one of: none, csv, sqlite, mysql.
	Backend    string `koanf:"backend"`
	SQLiteFile string `koanf:"sqlite_file"`

	MySQLServer       string `koanf:"mysql_server"`
	MySQLUser         string `koanf:"mysql_user"`
	MySQLPasswordFile string `koanf:"mysql_password_file"`
	MySQLDBName       string `koanf:"mysql_db_name"`
}

type RecoveryConfig struct {
	MaxRetriesPerMinute int `koanf:"max_retries_per_minute"`
	BlacklistThreshold  int `koanf:"blacklist_threshold"`
}

type WaterfallConfig struct {
	MaxRows int `koanf:"max_rows"`
}

func defaultConfig() *Config {
	return &Config{
		Identifier:  "",
		Driver:      "rtlsdr",
		Integration: 5 * time.Second,
		Server: ServerConfig{
			Listen: ":8443",
		},
		Journal: JournalConfig{
			Backend:     "none",
			SQLiteFile:  "/tmp/sweepd.db",
			MySQLServer: "127.0.0.1:3306",
			MySQLDBName: "sweepd",
		},
		Recovery: RecoveryConfig{
			MaxRetriesPerMinute: 5,
			BlacklistThreshold:  3,
		},
		Waterfall: WaterfallConfig{
			MaxRows: 512,
		},
	}
}

// Load builds the config from defaults, then the config file (if any), then
// the SWEEPD_* environment.
func Load() (*Config, error) {
	return load(findConfigFile())
}

// LoadFile is Load with an explicit config file.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(
			strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Driver) {
	case "rtlsdr", "hackrf":
	default:
		return fmt.Errorf("%q is not a supported driver, pick one of: rtlsdr, hackrf", c.Driver)
	}
	switch strings.ToLower(c.Journal.Backend) {
	case "none", "csv", "sqlite", "mysql":
	default:
		return fmt.Errorf("%q is not a supported journal backend, pick one of: none, csv, sqlite, mysql", c.Journal.Backend)
	}
	if c.Integration <= 0 {
		return fmt.Errorf("integration interval must be positive, got %s", c.Integration)
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
