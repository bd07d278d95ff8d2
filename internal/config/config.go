// Package config defines the top-level configuration for the market
// monitoring service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by MONITORBOT_* environment
// variables.
type Config struct {
	Venue      VenueConfig      `toml:"venue"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	Archive    ArchiveConfig    `toml:"archive"`
	Sync       SyncConfig       `toml:"sync"`
	Ingestion  IngestionConfig  `toml:"ingestion"`
	Throttle   ThrottleConfig   `toml:"throttle"`
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Notify     NotifyConfig     `toml:"notify"`
	Server     ServerConfig     `toml:"server"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// VenueConfig holds the upstream prediction-market venue's REST/stream
// endpoints.
type VenueConfig struct {
	GammaHost      string   `toml:"gamma_host"`
	WsHost         string   `toml:"ws_host"`
	RequestTimeout duration `toml:"request_timeout"`
}

// DatabaseConfig holds PostgreSQL connection parameters for the
// persistent store (markets, outcomes, price_history).
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	MaxConns      int    `toml:"max_conns"`
	MinConns      int    `toml:"min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters for the cache, rolling
// series store, alert queue, and pub/sub broadcaster.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters, used only when
// Archive.Enabled is set.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls optional cold storage of pruned price_history
// rows ahead of their deletion from the hot store.
type ArchiveConfig struct {
	Enabled bool     `toml:"enabled"`
	S3      S3Config `toml:"s3"`
}

// SyncConfig tunes the market sync engine's pagination and scheduling.
type SyncConfig struct {
	IntervalMinutes          int `toml:"interval_minutes"`
	DiscoveryIntervalMinutes int `toml:"discovery_interval_minutes"`
	PageSize                 int `toml:"page_size"`
	FreshDeploymentThreshold int `toml:"fresh_deployment_threshold"`
	MaxMarketsPerCycle       int `toml:"max_markets_per_cycle"`
	MaxSubscriptionHandoff   int `toml:"max_subscription_handoff"`
	PruneEveryCycles         int `toml:"prune_every_cycles"`
}

// IngestionConfig tunes the real-time ingestion engine's persistence
// throttle and retention window.
type IngestionConfig struct {
	RetentionDays        int     `toml:"retention_days"`
	PersistPctThreshold  float64 `toml:"persist_pct_threshold"`
	PersistMaxAgeSeconds int     `toml:"persist_max_age_seconds"`
}

// ThrottleConfig tunes the alert dispatcher's per-type/per-severity
// cooldown windows.
type ThrottleConfig struct {
	DefaultCooldownSeconds     int            `toml:"default_cooldown_seconds"`
	CriticalBypass             bool           `toml:"critical_bypass"`
	PerTypeCooldownSeconds     map[string]int `toml:"per_type_cooldown_seconds"`
	PerSeverityCooldownSeconds map[string]int `toml:"per_severity_cooldown_seconds"`
}

// DispatcherConfig tunes the alert dispatcher's processing and cleanup
// tickers.
type DispatcherConfig struct {
	ProcessInterval duration `toml:"process_interval"`
	CleanupInterval duration `toml:"cleanup_interval"`
	MaxAge          duration `toml:"max_age"`
	CleanupAge      duration `toml:"cleanup_age"`
}

// WebhookConfig configures the generic outbound webhook notify channel.
type WebhookConfig struct {
	Enabled       bool   `toml:"enabled"`
	URL           string `toml:"url"`
	Secret        string `toml:"secret"`
	TimeoutMs     int    `toml:"timeout_ms"`
	RetryAttempts int    `toml:"retry_attempts"`
}

// EmailConfig configures the (stub) email notify channel.
type EmailConfig struct {
	Enabled  bool   `toml:"enabled"`
	SMTPHost string `toml:"smtp_host"`
	SMTPPort int    `toml:"smtp_port"`
	From     string `toml:"from"`
	To       string `toml:"to"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// NotifyConfig holds notification channel credentials and the in-process
// WebSocket broadcast toggle.
type NotifyConfig struct {
	Webhook          WebhookConfig `toml:"webhook"`
	BroadcastEnabled bool          `toml:"broadcast_enabled"`
	Email            EmailConfig   `toml:"email"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder
// can parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds read-API HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey, when set, requires every request to present it as a Bearer
	// token or X-API-Key header. Empty disables authentication.
	APIKey string `toml:"api_key"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Venue: VenueConfig{
			GammaHost:      "https://gamma-api.polymarket.com",
			WsHost:         "wss://ws-subscriptions-clob.polymarket.com",
			RequestTimeout: duration{10 * time.Second},
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "monitorbot",
			User:          "postgres",
			SSLMode:       "disable",
			MaxConns:      10,
			MinConns:      2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			S3: S3Config{
				Endpoint:       "http://localhost:9000",
				Region:         "us-east-1",
				Bucket:         "monitorbot-archive",
				UseSSL:         false,
				ForcePathStyle: true,
			},
		},
		Sync: SyncConfig{
			IntervalMinutes:          5,
			DiscoveryIntervalMinutes: 30,
			PageSize:                 100,
			FreshDeploymentThreshold: 10,
			MaxMarketsPerCycle:       5000,
			MaxSubscriptionHandoff:   100,
			PruneEveryCycles:         72,
		},
		Ingestion: IngestionConfig{
			RetentionDays:        1,
			PersistPctThreshold:  0.01,
			PersistMaxAgeSeconds: 60,
		},
		Throttle: ThrottleConfig{
			DefaultCooldownSeconds:     600,
			CriticalBypass:             true,
			PerTypeCooldownSeconds:     map[string]int{},
			PerSeverityCooldownSeconds: map[string]int{},
		},
		Dispatcher: DispatcherConfig{
			ProcessInterval: duration{2 * time.Second},
			CleanupInterval: duration{5 * time.Minute},
			MaxAge:          duration{10 * time.Minute},
			CleanupAge:      duration{30 * time.Minute},
		},
		Notify: NotifyConfig{
			Webhook: WebhookConfig{
				TimeoutMs:     5000,
				RetryAttempts: 3,
			},
			BroadcastEnabled: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Mode:     "monitor",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"server":  true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Venue.GammaHost == "" {
		errs = append(errs, "venue: gamma_host must not be empty")
	}
	if c.Venue.WsHost == "" {
		errs = append(errs, "venue: ws_host must not be empty")
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.MaxConns < 1 {
		errs = append(errs, "database: max_conns must be >= 1")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "database: min_conns must be >= 0")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, "database: min_conns must not exceed max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.Archive.Enabled {
		if c.Archive.S3.Endpoint == "" {
			errs = append(errs, "archive: s3.endpoint must not be empty when archive is enabled")
		}
		if c.Archive.S3.Bucket == "" {
			errs = append(errs, "archive: s3.bucket must not be empty when archive is enabled")
		}
	}

	if c.Sync.IntervalMinutes < 1 {
		errs = append(errs, "sync: interval_minutes must be >= 1")
	}
	if c.Sync.DiscoveryIntervalMinutes < 1 {
		errs = append(errs, "sync: discovery_interval_minutes must be >= 1")
	}
	if c.Sync.PageSize < 1 {
		errs = append(errs, "sync: page_size must be >= 1")
	}
	if c.Sync.MaxSubscriptionHandoff < 1 {
		errs = append(errs, "sync: max_subscription_handoff must be >= 1")
	}

	if c.Ingestion.RetentionDays < 1 || c.Ingestion.RetentionDays > 7 {
		errs = append(errs, fmt.Sprintf("ingestion: retention_days must be 1-7, got %d", c.Ingestion.RetentionDays))
	}
	if c.Ingestion.PersistPctThreshold <= 0 {
		errs = append(errs, "ingestion: persist_pct_threshold must be > 0")
	}

	if c.Notify.Webhook.Enabled && c.Notify.Webhook.URL == "" {
		errs = append(errs, "notify: webhook.url must not be empty when webhook is enabled")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
