package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/monitorbot/monitorbot/internal/alert"
	"github.com/monitorbot/monitorbot/internal/anomaly"
	s3blob "github.com/monitorbot/monitorbot/internal/blob/s3"
	redisdriver "github.com/monitorbot/monitorbot/internal/cache/redis"
	"github.com/monitorbot/monitorbot/internal/config"
	"github.com/monitorbot/monitorbot/internal/domain"
	"github.com/monitorbot/monitorbot/internal/ingest"
	"github.com/monitorbot/monitorbot/internal/notify"
	"github.com/monitorbot/monitorbot/internal/platform/venue"
	"github.com/monitorbot/monitorbot/internal/rolling"
	"github.com/monitorbot/monitorbot/internal/store/postgres"
	syncengine "github.com/monitorbot/monitorbot/internal/sync"
)

// Dependencies bundles every domain-level dependency the application's
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	MarketStore       domain.MarketStore
	OutcomeStore      domain.OutcomeStore
	PriceHistoryStore domain.PriceHistoryStore
	AuditStore        domain.AuditStore

	// Cache-backed capabilities
	Cache       domain.Cache
	Broadcaster domain.Broadcaster
	Rolling     *rolling.Store

	// Venue clients
	Rest   *venue.RestClient
	Stream *venue.StreamClient

	// Domain engines
	Detector           *anomaly.Detector
	NewMarketDetector  *anomaly.NewMarketDetector
	NewOutcomeDetector *anomaly.NewOutcomeDetector
	AlertQueue         *alert.Queue
	Throttle           *alert.Throttle
	Dispatcher         *alert.Dispatcher
	Ingest             *ingest.Engine
	Sync               *syncengine.Engine

	// Blob storage / archival
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notify channels, already attached to the Dispatcher; kept here so
	// callers (e.g. the read API) can introspect channel state.
	Channels []domain.NotifyChannel
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.OutcomeStore = postgres.NewOutcomeStore(pool)
	priceHistoryStore := postgres.NewPriceHistoryStore(pool)
	deps.PriceHistoryStore = priceHistoryStore
	auditStore := postgres.NewAuditStore(pool)
	deps.AuditStore = auditStore

	// --- Redis ---
	redisClient, err := redisdriver.New(ctx, redisdriver.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Cache = redisdriver.NewCache(redisClient)
	deps.Broadcaster = redisdriver.NewBroadcaster(redisClient)
	deps.Rolling = rolling.New(deps.Cache)

	// --- Optional S3 archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.S3.Endpoint,
			Region:         cfg.Archive.S3.Region,
			Bucket:         cfg.Archive.S3.Bucket,
			AccessKey:      cfg.Archive.S3.AccessKey,
			SecretKey:      cfg.Archive.S3.SecretKey,
			UseSSL:         cfg.Archive.S3.UseSSL,
			ForcePathStyle: cfg.Archive.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, priceHistoryStore, auditStore)
	}

	// --- Venue clients ---
	deps.Rest = venue.NewRestClient(venue.RestConfig{
		BaseURL: cfg.Venue.GammaHost,
		Timeout: cfg.Venue.RequestTimeout.Duration,
	})
	deps.Stream = venue.NewStreamClient(cfg.Venue.WsHost)

	// --- Anomaly detection ---
	deps.Detector = anomaly.New(deps.Cache, deps.Rolling)
	deps.NewMarketDetector = anomaly.NewNewMarketDetector(deps.Cache)
	deps.NewOutcomeDetector = anomaly.NewNewOutcomeDetector(deps.Cache)

	// --- Alerting ---
	deps.AlertQueue = alert.NewQueue(deps.Cache)
	deps.Throttle = alert.New(deps.Cache, alert.ThrottleConfig{
		CriticalBypass:             cfg.Throttle.CriticalBypass,
		DefaultCooldownSeconds:     cfg.Throttle.DefaultCooldownSeconds,
		PerTypeCooldownSeconds:     cfg.Throttle.PerTypeCooldownSeconds,
		PerSeverityCooldownSeconds: cfg.Throttle.PerSeverityCooldownSeconds,
	})

	// --- Ingestion ---
	// deps.Ingest and deps.Sync are mutually dependent: the sync engine
	// needs a reference to Ingest (EngineConfig.Ingest), and Ingest's
	// cold-lookup path needs a reference back to the sync engine
	// (SetMarketSource). Build Ingest first without a market source,
	// build Sync against it, then attach Sync to the same Ingest
	// instance so both halves share one set of owned-in-memory state.
	deps.Ingest = ingest.NewEngine(ingest.EngineConfig{
		Cache:        deps.Cache,
		Rolling:      deps.Rolling,
		Detector:     deps.Detector,
		PriceHistory: deps.PriceHistoryStore,
		Outcomes:     deps.OutcomeStore,
		Queue:        deps.AlertQueue,
		Broadcaster:  deps.Broadcaster,
		Logger:       logger,
	})

	// --- Sync engine ---
	deps.Sync = syncengine.NewEngine(syncengine.EngineConfig{
		Rest:                     deps.Rest,
		Markets:                  deps.MarketStore,
		Outcomes:                 deps.OutcomeStore,
		Ingest:                   deps.Ingest,
		NewMarketDetector:        deps.NewMarketDetector,
		NewOutcomeDetector:       deps.NewOutcomeDetector,
		Queue:                    deps.AlertQueue,
		Stream:                   deps.Stream,
		Archiver:                 deps.Archiver,
		Logger:                   logger,
		SyncInterval:             time.Duration(cfg.Sync.IntervalMinutes) * time.Minute,
		DiscoveryInterval:        time.Duration(cfg.Sync.DiscoveryIntervalMinutes) * time.Minute,
		FreshDeploymentThreshold: int64(cfg.Sync.FreshDeploymentThreshold),
		MaxMarketsPerCycle:       cfg.Sync.MaxMarketsPerCycle,
		MaxSubscriptionHandoff:   cfg.Sync.MaxSubscriptionHandoff,
		PruneEveryCycles:         cfg.Sync.PruneEveryCycles,
		RetentionDays:            cfg.Ingestion.RetentionDays,
	})

	// Closes the ingestion<->sync cycle: a cold outcome lookup during
	// ingestion triggers an on-demand single-market sync instead of a
	// silent drop.
	deps.Ingest.SetMarketSource(deps.Sync)

	// --- Notify channels ---
	var channels []domain.NotifyChannel
	if cfg.Notify.Webhook.Enabled {
		channels = append(channels, notify.NewWebhookSender(notify.WebhookConfig{
			URL:        cfg.Notify.Webhook.URL,
			Secret:     cfg.Notify.Webhook.Secret,
			Timeout:    time.Duration(cfg.Notify.Webhook.TimeoutMs) * time.Millisecond,
			Retries:    cfg.Notify.Webhook.RetryAttempts,
			EnabledVal: true,
		}, logger))
	}
	channels = append(channels, notify.NewBroadcastSender(deps.Broadcaster, cfg.Notify.BroadcastEnabled, logger))
	channels = append(channels, notify.NewEmailSender(cfg.Notify.Email.Enabled))
	deps.Channels = channels

	deps.Dispatcher = alert.NewDispatcher(alert.DispatcherConfig{
		Cache:           deps.Cache,
		Throttle:        deps.Throttle,
		Markets:         deps.MarketStore,
		Outcomes:        deps.OutcomeStore,
		Channels:        channels,
		SlugResolver:    deps.Sync,
		Logger:          logger,
		ProcessInterval: cfg.Dispatcher.ProcessInterval.Duration,
		CleanupInterval: cfg.Dispatcher.CleanupInterval.Duration,
		MaxAge:          cfg.Dispatcher.MaxAge.Duration,
		CleanupAge:      cfg.Dispatcher.CleanupAge.Duration,
	})

	return deps, cleanup, nil
}
