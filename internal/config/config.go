// Package config loads PSM settings from a YAML or TOML file, a .env file
// and PSM_* environment variables, and validates them against an embedded
// CUE schema.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/roach88/psm/internal/psm"
	"github.com/roach88/psm/internal/store"
)

// Config is the complete runtime configuration.
type Config struct {
	DBPath                     string   `yaml:"db_path" toml:"db_path"`
	WriterTimeoutMS            int      `yaml:"writer_timeout_ms" toml:"writer_timeout_ms"`
	PoolSize                   int      `yaml:"pool_size" toml:"pool_size"`
	StuckPositionThresholdDays int      `yaml:"stuck_position_threshold_days" toml:"stuck_position_threshold_days"`
	ReconciliationTolerancePct float64  `yaml:"reconciliation_tolerance_pct" toml:"reconciliation_tolerance_pct"`
	ReconcileInterval          Duration `yaml:"reconcile_interval" toml:"reconcile_interval"`
	DiagnoseInterval           Duration `yaml:"diagnose_interval" toml:"diagnose_interval"`
	AutoFix                    bool     `yaml:"auto_fix" toml:"auto_fix"`
	DefaultStopPct             float64  `yaml:"default_stop_pct" toml:"default_stop_pct"`
	IntegritySampleSize        int      `yaml:"integrity_sample_size" toml:"integrity_sample_size"`
	RetryAttempts              int      `yaml:"retry_attempts" toml:"retry_attempts"`
	ExchangeSnapshot           string   `yaml:"exchange_snapshot" toml:"exchange_snapshot"`
	MetricsAddr                string   `yaml:"metrics_addr" toml:"metrics_addr"`
	LogLevel                   string   `yaml:"log_level" toml:"log_level"`
}

// Duration is a time.Duration that decodes from strings like "5m" or "30s"
// in both YAML and TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DBPath:                     "psm.db",
		WriterTimeoutMS:            5000,
		PoolSize:                   8,
		StuckPositionThresholdDays: 7,
		ReconciliationTolerancePct: 0.1,
		ReconcileInterval:          Duration{5 * time.Minute},
		DiagnoseInterval:           Duration{time.Hour},
		AutoFix:                    false,
		DefaultStopPct:             0,
		IntegritySampleSize:        50,
		RetryAttempts:              5,
		MetricsAddr:                ":9108",
		LogLevel:                   "info",
	}
}

// StoreOptions maps the config onto store.Options.
func (c Config) StoreOptions(logger *slog.Logger) store.Options {
	return store.Options{
		WriterTimeout: time.Duration(c.WriterTimeoutMS) * time.Millisecond,
		PoolSize:      c.PoolSize,
		Logger:        logger,
	}
}

// ManagerOptions maps the config onto psm.Options.
func (c Config) ManagerOptions() psm.Options {
	backoff := psm.DefaultBackoff
	backoff.Attempts = c.RetryAttempts
	return psm.Options{
		StuckThreshold:      time.Duration(c.StuckPositionThresholdDays) * 24 * time.Hour,
		TolerancePct:        decimal.NewFromFloat(c.ReconciliationTolerancePct),
		AutoFix:             c.AutoFix,
		DefaultStopPct:      decimal.NewFromFloat(c.DefaultStopPct),
		IntegritySampleSize: c.IntegritySampleSize,
		Backoff:             backoff,
	}
}

// Schedule maps the config onto the scheduler intervals.
func (c Config) Schedule() psm.Schedule {
	return psm.Schedule{
		ReconcileInterval: c.ReconcileInterval.Duration,
		DiagnoseInterval:  c.DiagnoseInterval.Duration,
	}
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}
