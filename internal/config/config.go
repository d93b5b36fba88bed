package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/capturd/capturd/internal/diskgate"
	"github.com/capturd/capturd/internal/logger"
)

// Scan interval bounds in seconds. Values outside are clamped, not rejected.
const (
	MinScanIntervalSecs = 30
	MaxScanIntervalSecs = 3600
)

// CaptureConfig describes how the external capture binary is invoked.
type CaptureConfig struct {
	Binary       string        `mapstructure:"binary"`
	ExtraFlags   []string      `mapstructure:"extra_flags"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
}

// ServerConfig describes the HTTP API listener.
type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

// MetricsConfig describes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// StoreConfig selects the persistence backend by DSN.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ClickHouseConfig describes an optional lifecycle event sink.
type ClickHouseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Table    string `mapstructure:"table"`
}

// Config is the top-level TOML structure.
type Config struct {
	OutputDir         string `mapstructure:"output_dir"`
	URLTemplate       string `mapstructure:"url_template"`
	ScanIntervalSecs  int    `mapstructure:"scan_interval_seconds"`
	AutoScanEnabled   bool   `mapstructure:"auto_scan_enabled"`

	Capture    CaptureConfig    `mapstructure:"capture"`
	Disk       diskgate.Limits  `mapstructure:"disk"`
	Store      StoreConfig      `mapstructure:"store"`
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        logger.Config    `mapstructure:"log"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
}

// Load reads and validates a TOML config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetDefault("url_template", "https://www.twitch.tv/%s")
	v.SetDefault("scan_interval_seconds", 60)
	v.SetDefault("auto_scan_enabled", true)
	v.SetDefault("capture.binary", "streamcap")
	v.SetDefault("capture.probe_timeout", 10*time.Second)
	v.SetDefault("capture.stop_grace", 5*time.Second)
	v.SetDefault("store.dsn", "capturd.db")
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes and checks the loaded configuration.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir must be set")
	}
	if !filepath.IsAbs(c.OutputDir) {
		abs, err := filepath.Abs(c.OutputDir)
		if err != nil {
			return fmt.Errorf("output_dir: %w", err)
		}
		c.OutputDir = abs
	}
	if c.Capture.Binary == "" {
		return fmt.Errorf("capture.binary must be set")
	}
	if c.Capture.ProbeTimeout <= 0 {
		c.Capture.ProbeTimeout = 10 * time.Second
	}
	if c.Capture.StopGrace <= 0 {
		c.Capture.StopGrace = 5 * time.Second
	}
	if c.ScanIntervalSecs < MinScanIntervalSecs {
		c.ScanIntervalSecs = MinScanIntervalSecs
	}
	if c.ScanIntervalSecs > MaxScanIntervalSecs {
		c.ScanIntervalSecs = MaxScanIntervalSecs
	}
	if err := c.Disk.Validate(); err != nil {
		return err
	}
	return nil
}

// ScanInterval returns the scanner tick period.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSecs) * time.Second
}

// EnsureOutputDir creates the recording directory if missing.
func (c *Config) EnsureOutputDir() error {
	return os.MkdirAll(c.OutputDir, 0o750)
}
