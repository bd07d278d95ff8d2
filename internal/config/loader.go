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
// built-in defaults, applies MONITORBOT_* environment variable
// overrides, and returns the final Config. The returned Config has NOT
// been validated; the caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known MONITORBOT_* environment variables
// and overwrites the corresponding Config fields when a variable is set
// (i.e. not empty). This lets operators inject secrets and per-deploy
// tuning at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Venue ──
	setStr(&cfg.Venue.GammaHost, "MONITORBOT_VENUE_GAMMA_HOST")
	setStr(&cfg.Venue.WsHost, "MONITORBOT_VENUE_WS_HOST")
	setDuration(&cfg.Venue.RequestTimeout, "MONITORBOT_VENUE_REQUEST_TIMEOUT")

	// ── Database ──
	setStr(&cfg.Database.DSN, "MONITORBOT_DATABASE_DSN")
	setStr(&cfg.Database.Host, "MONITORBOT_DATABASE_HOST")
	setInt(&cfg.Database.Port, "MONITORBOT_DATABASE_PORT")
	setStr(&cfg.Database.Database, "MONITORBOT_DATABASE_NAME")
	setStr(&cfg.Database.User, "MONITORBOT_DATABASE_USER")
	setStr(&cfg.Database.Password, "MONITORBOT_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "MONITORBOT_DATABASE_SSL_MODE")
	setInt(&cfg.Database.MaxConns, "MONITORBOT_DATABASE_MAX_CONNS")
	setInt(&cfg.Database.MinConns, "MONITORBOT_DATABASE_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "MONITORBOT_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MONITORBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MONITORBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MONITORBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MONITORBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MONITORBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MONITORBOT_REDIS_TLS_ENABLED")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "MONITORBOT_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.S3.Endpoint, "MONITORBOT_ARCHIVE_S3_ENDPOINT")
	setStr(&cfg.Archive.S3.Region, "MONITORBOT_ARCHIVE_S3_REGION")
	setStr(&cfg.Archive.S3.Bucket, "MONITORBOT_ARCHIVE_S3_BUCKET")
	setStr(&cfg.Archive.S3.AccessKey, "MONITORBOT_ARCHIVE_S3_ACCESS_KEY")
	setStr(&cfg.Archive.S3.SecretKey, "MONITORBOT_ARCHIVE_S3_SECRET_KEY")
	setBool(&cfg.Archive.S3.UseSSL, "MONITORBOT_ARCHIVE_S3_USE_SSL")
	setBool(&cfg.Archive.S3.ForcePathStyle, "MONITORBOT_ARCHIVE_S3_FORCE_PATH_STYLE")

	// ── Sync ──
	setInt(&cfg.Sync.IntervalMinutes, "MONITORBOT_SYNC_INTERVAL_MINUTES")
	setInt(&cfg.Sync.DiscoveryIntervalMinutes, "MONITORBOT_SYNC_DISCOVERY_INTERVAL_MINUTES")
	setInt(&cfg.Sync.PageSize, "MONITORBOT_SYNC_PAGE_SIZE")
	setInt(&cfg.Sync.FreshDeploymentThreshold, "MONITORBOT_SYNC_FRESH_DEPLOYMENT_THRESHOLD")
	setInt(&cfg.Sync.MaxMarketsPerCycle, "MONITORBOT_SYNC_MAX_MARKETS_PER_CYCLE")
	setInt(&cfg.Sync.MaxSubscriptionHandoff, "MONITORBOT_SYNC_MAX_SUBSCRIPTION_HANDOFF")
	setInt(&cfg.Sync.PruneEveryCycles, "MONITORBOT_SYNC_PRUNE_EVERY_CYCLES")

	// ── Ingestion ──
	setInt(&cfg.Ingestion.RetentionDays, "MONITORBOT_INGESTION_RETENTION_DAYS")
	setFloat64(&cfg.Ingestion.PersistPctThreshold, "MONITORBOT_INGESTION_PERSIST_PCT_THRESHOLD")
	setInt(&cfg.Ingestion.PersistMaxAgeSeconds, "MONITORBOT_INGESTION_PERSIST_MAX_AGE_SECONDS")

	// ── Throttle ──
	setInt(&cfg.Throttle.DefaultCooldownSeconds, "MONITORBOT_THROTTLE_DEFAULT_COOLDOWN_SECONDS")
	setBool(&cfg.Throttle.CriticalBypass, "MONITORBOT_THROTTLE_CRITICAL_BYPASS")

	// ── Dispatcher ──
	setDuration(&cfg.Dispatcher.ProcessInterval, "MONITORBOT_DISPATCHER_PROCESS_INTERVAL")
	setDuration(&cfg.Dispatcher.CleanupInterval, "MONITORBOT_DISPATCHER_CLEANUP_INTERVAL")
	setDuration(&cfg.Dispatcher.MaxAge, "MONITORBOT_DISPATCHER_MAX_AGE")
	setDuration(&cfg.Dispatcher.CleanupAge, "MONITORBOT_DISPATCHER_CLEANUP_AGE")

	// ── Notify ──
	setBool(&cfg.Notify.Webhook.Enabled, "MONITORBOT_NOTIFY_WEBHOOK_ENABLED")
	setStr(&cfg.Notify.Webhook.URL, "MONITORBOT_NOTIFY_WEBHOOK_URL")
	setStr(&cfg.Notify.Webhook.Secret, "MONITORBOT_NOTIFY_WEBHOOK_SECRET")
	setInt(&cfg.Notify.Webhook.TimeoutMs, "MONITORBOT_NOTIFY_WEBHOOK_TIMEOUT_MS")
	setInt(&cfg.Notify.Webhook.RetryAttempts, "MONITORBOT_NOTIFY_WEBHOOK_RETRY_ATTEMPTS")
	setBool(&cfg.Notify.BroadcastEnabled, "MONITORBOT_NOTIFY_BROADCAST_ENABLED")
	setBool(&cfg.Notify.Email.Enabled, "MONITORBOT_NOTIFY_EMAIL_ENABLED")
	setStr(&cfg.Notify.Email.SMTPHost, "MONITORBOT_NOTIFY_EMAIL_SMTP_HOST")
	setInt(&cfg.Notify.Email.SMTPPort, "MONITORBOT_NOTIFY_EMAIL_SMTP_PORT")
	setStr(&cfg.Notify.Email.From, "MONITORBOT_NOTIFY_EMAIL_FROM")
	setStr(&cfg.Notify.Email.To, "MONITORBOT_NOTIFY_EMAIL_TO")
	setStr(&cfg.Notify.Email.Username, "MONITORBOT_NOTIFY_EMAIL_USERNAME")
	setStr(&cfg.Notify.Email.Password, "MONITORBOT_NOTIFY_EMAIL_PASSWORD")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MONITORBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MONITORBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MONITORBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "MONITORBOT_SERVER_API_KEY")

	// ── Top-level ──
	setStr(&cfg.Mode, "MONITORBOT_MODE")
	setStr(&cfg.LogLevel, "MONITORBOT_LOG_LEVEL")
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
