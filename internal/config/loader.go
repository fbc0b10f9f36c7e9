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
// built-in defaults, applies BOOKMIRROR_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known BOOKMIRROR_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Feed ──
	setStr(&cfg.Feed.WSURL, "BOOKMIRROR_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Channels, "BOOKMIRROR_FEED_CHANNELS")
	setDuration(&cfg.Feed.HandshakeTimeout, "BOOKMIRROR_FEED_HANDSHAKE_TIMEOUT")
	setDuration(&cfg.Feed.ReconnectDelay, "BOOKMIRROR_FEED_RECONNECT_DELAY")

	// ── Sampler ──
	setDuration(&cfg.Sampler.Interval, "BOOKMIRROR_SAMPLER_INTERVAL")

	// ── Latch ──
	setDuration(&cfg.Latch.ReadTimeout, "BOOKMIRROR_LATCH_READ_TIMEOUT")
	setDuration(&cfg.Latch.WriteTimeout, "BOOKMIRROR_LATCH_WRITE_TIMEOUT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BOOKMIRROR_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "BOOKMIRROR_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BOOKMIRROR_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BOOKMIRROR_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BOOKMIRROR_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BOOKMIRROR_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BOOKMIRROR_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BOOKMIRROR_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BOOKMIRROR_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BOOKMIRROR_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BOOKMIRROR_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BOOKMIRROR_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BOOKMIRROR_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BOOKMIRROR_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BOOKMIRROR_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BOOKMIRROR_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.CacheTTL, "BOOKMIRROR_REDIS_CACHE_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BOOKMIRROR_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BOOKMIRROR_S3_REGION")
	setStr(&cfg.S3.Bucket, "BOOKMIRROR_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BOOKMIRROR_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BOOKMIRROR_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BOOKMIRROR_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BOOKMIRROR_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "BOOKMIRROR_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "BOOKMIRROR_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "BOOKMIRROR_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.BatchLimit, "BOOKMIRROR_ARCHIVE_BATCH_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.SlackWebhookURL, "BOOKMIRROR_NOTIFY_SLACK_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BOOKMIRROR_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Throttle, "BOOKMIRROR_NOTIFY_THROTTLE")

	// ── Top-level ──
	setStr(&cfg.Mode, "BOOKMIRROR_MODE")
	setStr(&cfg.LogLevel, "BOOKMIRROR_LOG_LEVEL")
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
