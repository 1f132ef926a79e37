package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Version is the application version, set at build time.
var Version = "dev"

// Config holds all application configuration.
type Config struct {
	Downloads   DownloadsConfig   `mapstructure:"downloads"`
	Data        DataConfig        `mapstructure:"data"`
	Origin      OriginConfig      `mapstructure:"origin"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	History     HistoryConfig     `mapstructure:"history"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// DownloadsConfig holds download directory configuration.
type DownloadsConfig struct {
	Dir string `mapstructure:"dir"`
}

// DataConfig holds application data directory configuration.
// The instance socket and the history database live here.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// OriginConfig holds configuration for the origin server API.
type OriginConfig struct {
	Host    string `mapstructure:"host"`
	APIKey  string `mapstructure:"api_key"`
	Timeout int    `mapstructure:"timeout"` // seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// HistoryConfig holds transfer history configuration.
type HistoryConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	RetentionDays int  `mapstructure:"retention_days"`
}

// MaintenanceConfig holds background maintenance configuration.
type MaintenanceConfig struct {
	ReconcileCron string `mapstructure:"reconcile_cron"`
	CleanupCron   string `mapstructure:"cleanup_cron"`
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultDataDir())
	}

	v.SetEnvPrefix("MODPULL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Missing config file is fine, defaults + env vars apply.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	v.SetDefault("downloads.dir", filepath.Join(dataDir, "downloads"))
	v.SetDefault("data.dir", dataDir)

	v.SetDefault("origin.host", "api.nexusmods.com")
	v.SetDefault("origin.api_key", "")
	v.SetDefault("origin.timeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.path", filepath.Join(dataDir, "logs"))
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.retention_days", 365)

	v.SetDefault("maintenance.reconcile_cron", "*/10 * * * *")
	v.SetDefault("maintenance.cleanup_cron", "0 4 * * *")
}

// defaultDataDir returns the per-user application data directory.
func defaultDataDir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "modpull")
	}
	return "./modpull"
}

// SocketPath returns the well-known path of the single-instance socket.
func (c *DataConfig) SocketPath() string {
	return filepath.Join(c.Dir, "modpull.socket")
}

// HistoryPath returns the path of the transfer history database.
func (c *DataConfig) HistoryPath() string {
	return filepath.Join(c.Dir, "history.db")
}
