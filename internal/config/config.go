// Package config defines the top-level configuration for the order-book
// mirror and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by BOOKMIRROR_* environment
// variables.
type Config struct {
	Products []ProductConfig `toml:"products"`
	Feed     FeedConfig      `toml:"feed"`
	Sampler  SamplerConfig   `toml:"sampler"`
	Latch    LatchConfig     `toml:"latch"`
	Postgres PostgresConfig  `toml:"postgres"`
	Redis    RedisConfig     `toml:"redis"`
	S3       S3Config        `toml:"s3"`
	Archive  ArchiveConfig   `toml:"archive"`
	Notify   NotifyConfig    `toml:"notify"`
	Mode     string          `toml:"mode"`
	LogLevel string          `toml:"log_level"`
}

// ProductConfig sizes the price index for one tracked product.
type ProductConfig struct {
	Symbol      string  `toml:"symbol"`
	MinPrice    float64 `toml:"min_price"`
	PriceCap    float64 `toml:"price_cap"`
	BucketWidth float64 `toml:"bucket_width"`
}

// FeedConfig holds the exchange websocket feed parameters.
type FeedConfig struct {
	WSURL            string   `toml:"ws_url"`
	Channels         []string `toml:"channels"`
	HandshakeTimeout duration `toml:"handshake_timeout"`
	ReconnectDelay   duration `toml:"reconnect_delay"`
}

// SamplerConfig holds the periodic snapshot sampler parameters.
type SamplerConfig struct {
	Interval      duration  `toml:"interval"`
	PercentRanges []float64 `toml:"percent_ranges"`
}

// LatchConfig bounds how long readers and the writer may wait for a book.
type LatchConfig struct {
	ReadTimeout  duration `toml:"read_timeout"`
	WriteTimeout duration `toml:"write_timeout"`
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
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	CacheTTL   duration `toml:"cache_ttl"`
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

// ArchiveConfig controls cold-storage archival of old snapshots.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
	BatchLimit    int      `toml:"batch_limit"`
}

// NotifyConfig holds notification channel parameters.
type NotifyConfig struct {
	SlackWebhookURL string   `toml:"slack_webhook_url"`
	Events          []string `toml:"events"`
	Throttle        duration `toml:"throttle"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
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

// Defaults returns a Config populated with reasonable default values: the
// four USD books with their historical price caps, penny buckets, and the
// classic percent-range ladder.
func Defaults() Config {
	return Config{
		Products: []ProductConfig{
			{Symbol: "BTC-USD", MinPrice: 0.01, PriceCap: 50000, BucketWidth: 0.01},
			{Symbol: "ETH-USD", MinPrice: 0.01, PriceCap: 10000, BucketWidth: 0.01},
			{Symbol: "LTC-USD", MinPrice: 0.01, PriceCap: 5000, BucketWidth: 0.01},
			{Symbol: "BCH-USD", MinPrice: 0.01, PriceCap: 20000, BucketWidth: 0.01},
		},
		Feed: FeedConfig{
			WSURL:            "wss://ws-feed.exchange.coinbase.com",
			Channels:         []string{"full", "ticker", "heartbeat"},
			HandshakeTimeout: duration{15 * time.Second},
			ReconnectDelay:   duration{2 * time.Second},
		},
		Sampler: SamplerConfig{
			Interval:      duration{time.Second},
			PercentRanges: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 25},
		},
		Latch: LatchConfig{
			ReadTimeout:  duration{250 * time.Millisecond},
			WriteTimeout: duration{500 * time.Millisecond},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "bookmirror",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			CacheTTL:   duration{5 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "bookmirror-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
			BatchLimit:    50000,
		},
		Notify: NotifyConfig{
			Events:   []string{"persist_failed", "feed_down"},
			Throttle: duration{5 * time.Minute},
		},
		Mode:     "mirror",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"mirror":  true,
	"observe": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: mirror, observe)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Products
	if len(c.Products) == 0 {
		errs = append(errs, "products: at least one product must be configured")
	}
	seen := make(map[string]bool, len(c.Products))
	for i, p := range c.Products {
		if p.Symbol == "" {
			errs = append(errs, fmt.Sprintf("products[%d]: symbol must not be empty", i))
			continue
		}
		if seen[p.Symbol] {
			errs = append(errs, fmt.Sprintf("products: %s configured twice", p.Symbol))
		}
		seen[p.Symbol] = true
		if p.BucketWidth <= 0 {
			errs = append(errs, fmt.Sprintf("products: %s bucket_width must be > 0", p.Symbol))
		}
		if p.MinPrice < 0 || p.PriceCap <= p.MinPrice {
			errs = append(errs, fmt.Sprintf("products: %s price domain [%v, %v) is empty", p.Symbol, p.MinPrice, p.PriceCap))
		}
	}

	// Feed
	if c.Feed.WSURL == "" {
		errs = append(errs, "feed: ws_url must not be empty")
	}
	if len(c.Feed.Channels) == 0 {
		errs = append(errs, "feed: at least one channel must be configured")
	}

	// Sampler
	if c.Sampler.Interval.Duration <= 0 {
		errs = append(errs, "sampler: interval must be > 0")
	}
	for _, pct := range c.Sampler.PercentRanges {
		if pct <= 0 || pct >= 100 {
			errs = append(errs, fmt.Sprintf("sampler: percent range %v must be in (0, 100)", pct))
		}
	}

	// Latch — zero means unbounded, negative is a configuration mistake.
	if c.Latch.ReadTimeout.Duration < 0 {
		errs = append(errs, "latch: read_timeout must not be negative")
	}
	if c.Latch.WriteTimeout.Duration < 0 {
		errs = append(errs, "latch: write_timeout must not be negative")
	}

	// Postgres — only needed in mirror mode.
	if strings.ToLower(c.Mode) == "mirror" {
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
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1 when enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0 when enabled")
		}
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
