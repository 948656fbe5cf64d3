/*
Package config loads engine configuration from a TOML file.

PURPOSE:
  One flat place for every tunable the server needs: listen address,
  database path, reconciliation schedule, backup retention, and the
  ownership source endpoint. Missing file or missing keys fall back to
  Default() so a bare binary still boots with sane local settings.
*/
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Backup    BackupConfig    `toml:"backup"`
	Ownership OwnershipConfig `toml:"ownership"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type ReconcileConfig struct {
	// CronSpec is a six-field cron expression (with seconds).
	CronSpec   string `toml:"cron_spec"`
	MaxWorkers int    `toml:"max_workers"`
	Enabled    bool   `toml:"enabled"`
}

type BackupConfig struct {
	// CronSpec is a six-field cron expression for the nightly auto
	// backup and retention purge.
	CronSpec      string `toml:"cron_spec"`
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
}

type OwnershipConfig struct {
	BaseURL  string        `toml:"base_url"`
	CacheTTL time.Duration `toml:"cache_ttl"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Addr: ":8080"},
		Database:  DatabaseConfig{Path: "./data/gold.db"},
		Reconcile: ReconcileConfig{CronSpec: "0 0 2 * * *", MaxWorkers: 4, Enabled: true},
		Backup:    BackupConfig{CronSpec: "0 30 2 * * *", Enabled: true, RetentionDays: 30},
		Ownership: OwnershipConfig{BaseURL: "http://localhost:9090", CacheTTL: time.Minute},
	}
}

// Load reads a TOML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	if err := toml.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Retention converts the configured retention into a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Backup.RetentionDays) * 24 * time.Hour
}
