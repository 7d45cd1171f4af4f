package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADELEDGER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADELEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Storage ──
	setStr(&cfg.Storage.Driver, "TRADELEDGER_STORAGE_DRIVER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TRADELEDGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "TRADELEDGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRADELEDGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRADELEDGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRADELEDGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRADELEDGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRADELEDGER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRADELEDGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRADELEDGER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRADELEDGER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TRADELEDGER_REDIS_ENABLED")
	setStr(&cfg.Redis.URL, "TRADELEDGER_REDIS_URL")
	setStr(&cfg.Redis.Addr, "TRADELEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADELEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADELEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADELEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADELEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADELEDGER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "TRADELEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADELEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADELEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADELEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADELEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRADELEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRADELEDGER_S3_FORCE_PATH_STYLE")

	// ── Import ──
	setStr(&cfg.Import.Dir, "TRADELEDGER_IMPORT_DIR")
	setStr(&cfg.Import.Pattern, "TRADELEDGER_IMPORT_PATTERN")
	setDuration(&cfg.Import.QuietPeriod, "TRADELEDGER_IMPORT_QUIET_PERIOD")
	setDuration(&cfg.Import.PollInterval, "TRADELEDGER_IMPORT_POLL_INTERVAL")
	setDuration(&cfg.Import.LockTTL, "TRADELEDGER_IMPORT_LOCK_TTL")
	setDuration(&cfg.Import.LockWait, "TRADELEDGER_IMPORT_LOCK_WAIT")
	setStr(&cfg.Import.TruncatedRowPolicy, "TRADELEDGER_IMPORT_TRUNCATED_ROW_POLICY")
	setInt(&cfg.Import.MaxParallelGroups, "TRADELEDGER_IMPORT_MAX_PARALLEL_GROUPS")
	setBool(&cfg.Import.ArchiveToS3, "TRADELEDGER_IMPORT_ARCHIVE_TO_S3")

	// ── Candles / dashboard ──
	setDuration(&cfg.Candles.WindowPadding, "TRADELEDGER_CANDLES_WINDOW_PADDING")
	setDuration(&cfg.Candles.WindowTTL, "TRADELEDGER_CANDLES_WINDOW_TTL")
	setDuration(&cfg.Dashboard.TTL, "TRADELEDGER_DASHBOARD_TTL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRADELEDGER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRADELEDGER_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "TRADELEDGER_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "TRADELEDGER_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.ImportRateLimit, "TRADELEDGER_SERVER_IMPORT_RATE_LIMIT")
	setDuration(&cfg.Server.ImportRateWindow, "TRADELEDGER_SERVER_IMPORT_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADELEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADELEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADELEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADELEDGER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRADELEDGER_MODE")
	setStr(&cfg.LogLevel, "TRADELEDGER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
