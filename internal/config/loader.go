package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Load reads the configuration file at path (YAML or TOML, chosen by
// extension) on top of the defaults, loads a .env file if present, and
// applies PSM_* environment overrides. An empty path skips the file. The
// result is validated.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	case ".yaml", ".yml", ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension (want .yaml, .yml, .json or .toml)", path)
	}
	return nil
}

// applyEnvOverrides overwrites fields whose PSM_* variable is set.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.DBPath, "PSM_DB_PATH")
	setInt(&cfg.WriterTimeoutMS, "PSM_WRITER_TIMEOUT_MS")
	setInt(&cfg.PoolSize, "PSM_POOL_SIZE")
	setInt(&cfg.StuckPositionThresholdDays, "PSM_STUCK_POSITION_THRESHOLD_DAYS")
	setFloat64(&cfg.ReconciliationTolerancePct, "PSM_RECONCILIATION_TOLERANCE_PCT")
	setDuration(&cfg.ReconcileInterval, "PSM_RECONCILE_INTERVAL")
	setDuration(&cfg.DiagnoseInterval, "PSM_DIAGNOSE_INTERVAL")
	setBool(&cfg.AutoFix, "PSM_AUTO_FIX")
	setFloat64(&cfg.DefaultStopPct, "PSM_DEFAULT_STOP_PCT")
	setInt(&cfg.IntegritySampleSize, "PSM_INTEGRITY_SAMPLE_SIZE")
	setInt(&cfg.RetryAttempts, "PSM_RETRY_ATTEMPTS")
	setStr(&cfg.ExchangeSnapshot, "PSM_EXCHANGE_SNAPSHOT")
	setStr(&cfg.MetricsAddr, "PSM_METRICS_ADDR")
	setStr(&cfg.LogLevel, "PSM_LOG_LEVEL")
}

// Validate checks the configuration against the embedded CUE schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	value := ctx.Encode(map[string]any{
		"db_path":                       c.DBPath,
		"writer_timeout_ms":             c.WriterTimeoutMS,
		"pool_size":                     c.PoolSize,
		"stuck_position_threshold_days": c.StuckPositionThresholdDays,
		"reconciliation_tolerance_pct":  c.ReconciliationTolerancePct,
		"reconcile_interval_ms":         c.ReconcileInterval.Milliseconds(),
		"diagnose_interval_ms":          c.DiagnoseInterval.Milliseconds(),
		"auto_fix":                      c.AutoFix,
		"default_stop_pct":              c.DefaultStopPct,
		"integrity_sample_size":         c.IntegritySampleSize,
		"retry_attempts":                c.RetryAttempts,
		"exchange_snapshot":             c.ExchangeSnapshot,
		"metrics_addr":                  c.MetricsAddr,
		"log_level":                     strings.ToLower(c.LogLevel),
	})
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
