// Package config defines the top-level configuration for the trade ledger
// importer and provides validation helpers.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADELEDGER_* environment variables.
type Config struct {
	Storage     StorageConfig      `toml:"storage"`
	Postgres    PostgresConfig     `toml:"postgres"`
	Redis       RedisConfig        `toml:"redis"`
	S3          S3Config           `toml:"s3"`
	Import      ImportConfig       `toml:"import"`
	Instruments map[string]float64 `toml:"instruments"`
	Candles     CandlesConfig      `toml:"candles"`
	Dashboard   DashboardConfig    `toml:"dashboard"`
	Server      ServerConfig       `toml:"server"`
	Notify      NotifyConfig       `toml:"notify"`
	Mode        string             `toml:"mode"`
	LogLevel    string             `toml:"log_level"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is "postgres" or "memory". The memory driver keeps everything
	// in-process and is meant for dry runs.
	Driver string `toml:"driver"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled bool `toml:"enabled"`
	// URL (redis:// or rediss://) replaces addr, password, db and
	// tls_enabled when set.
	URL        string `toml:"url"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ImportConfig controls the watched directory and the reconciliation pass.
type ImportConfig struct {
	Dir     string `toml:"dir"`
	Pattern string `toml:"pattern"`
	// QuietPeriod is how long size and mtime must stay unchanged before a
	// file is considered fully written.
	QuietPeriod  duration `toml:"quiet_period"`
	PollInterval duration `toml:"poll_interval"`
	LockTTL      duration `toml:"lock_ttl"`
	LockWait     duration `toml:"lock_wait"`
	// TruncatedRowPolicy is "defer_file" or "valid_prefix".
	TruncatedRowPolicy string `toml:"truncated_row_policy"`
	MaxParallelGroups  int    `toml:"max_parallel_groups"`
	ArchiveToS3        bool   `toml:"archive_to_s3"`
}

// CandlesConfig controls the per-position candle windows.
type CandlesConfig struct {
	WindowPadding duration `toml:"window_padding"`
	WindowTTL     duration `toml:"window_ttl"`
}

// DashboardConfig controls dashboard aggregate caching.
type DashboardConfig struct {
	TTL duration `toml:"ttl"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// ImportRateLimit caps manual import requests per client per
	// ImportRateWindow. It needs redis; zero disables it.
	ImportRateLimit  int      `toml:"import_rate_limit"`
	ImportRateWindow duration `toml:"import_rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Storage: StorageConfig{Driver: "postgres"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tradeledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradeledger-imports",
			ForcePathStyle: true,
		},
		Import: ImportConfig{
			Dir:                "./imports",
			Pattern:            "*.csv",
			QuietPeriod:        duration{10 * time.Second},
			PollInterval:       duration{5 * time.Second},
			LockTTL:            duration{5 * time.Minute},
			LockWait:           duration{30 * time.Second},
			TruncatedRowPolicy: "defer_file",
			MaxParallelGroups:  4,
		},
		Instruments: map[string]float64{
			"ES":  50,
			"MES": 5,
			"NQ":  20,
			"MNQ": 2,
			"YM":  5,
			"MYM": 0.5,
			"RTY": 50,
			"M2K": 5,
			"CL":  1000,
			"MCL": 100,
			"GC":  100,
			"MGC": 10,
		},
		Candles: CandlesConfig{
			WindowPadding: duration{30 * time.Minute},
			WindowTTL:     duration{6 * time.Hour},
		},
		Dashboard: DashboardConfig{
			TTL: duration{15 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:          true,
			Port:             8000,
			CORSOrigins:      []string{"http://localhost:3000", "http://localhost:5173"},
			ImportRateLimit:  10,
			ImportRateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"import_failed", "import_partial"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"watch":     true,
	"server":    true,
	"full":      true,
	"reprocess": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validPolicies = map[string]bool{
	"defer_file":   true,
	"valid_prefix": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: watch, server, full, reprocess)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Storage
	switch c.Storage.Driver {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: postgres, memory)", c.Storage.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" && c.Redis.URL == "" {
			errs = append(errs, "redis: addr or url must be set")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3 is only needed for archiving.
	if c.Import.ArchiveToS3 {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when import.archive_to_s3 is set")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when import.archive_to_s3 is set")
		}
	}

	// Import
	needsDir := c.Mode == "watch" || c.Mode == "full"
	if needsDir && strings.TrimSpace(c.Import.Dir) == "" {
		errs = append(errs, "import: dir must not be empty for mode "+c.Mode)
	}
	if _, err := filepath.Match(c.Import.Pattern, "fills.csv"); err != nil || c.Import.Pattern == "" {
		errs = append(errs, fmt.Sprintf("import: invalid pattern %q", c.Import.Pattern))
	}
	if c.Import.QuietPeriod.Duration <= 0 {
		errs = append(errs, "import: quiet_period must be > 0")
	}
	if c.Import.PollInterval.Duration <= 0 {
		errs = append(errs, "import: poll_interval must be > 0")
	}
	if c.Import.LockTTL.Duration <= 0 {
		errs = append(errs, "import: lock_ttl must be > 0")
	}
	if c.Import.LockWait.Duration < 0 {
		errs = append(errs, "import: lock_wait must be >= 0")
	}
	if !validPolicies[c.Import.TruncatedRowPolicy] {
		errs = append(errs, fmt.Sprintf("import: unknown truncated_row_policy %q (valid: defer_file, valid_prefix)", c.Import.TruncatedRowPolicy))
	}
	if c.Import.MaxParallelGroups < 1 {
		errs = append(errs, "import: max_parallel_groups must be >= 1")
	}

	for root, pv := range c.Instruments {
		if pv <= 0 {
			errs = append(errs, fmt.Sprintf("instruments: point value for %q must be > 0", root))
		}
	}

	// Server
	if c.Server.Enabled || c.Mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.ImportRateLimit < 0 {
			errs = append(errs, "server: import_rate_limit must be >= 0")
		}
		if c.Server.ImportRateLimit > 0 && c.Server.ImportRateWindow.Duration <= 0 {
			errs = append(errs, "server: import_rate_window must be > 0 when import_rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
