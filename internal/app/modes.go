package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/monitorbot/monitorbot/internal/domain"
	"github.com/monitorbot/monitorbot/internal/server"
)

// MonitorMode runs the real-time ingestion and sync pipeline without the
// read API: venue stream events feed the ingestion engine, the sync and
// discovery loops keep Postgres current, and the alert dispatcher fans
// formatted alerts out to notify channels. This is the worker half of
// the service; ServerMode (or another process sharing the same Postgres
// and Redis) exposes what it produces.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	a.runIngestionPipeline(ctx, g, deps)

	return g.Wait()
}

// ServerMode runs only the read API: markets, price history, trades,
// orderbook samples, alerts, and the WebSocket broadcast feed. It reads
// whatever the monitor-mode pipeline has already written and takes no
// part in ingestion.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.runServer(ctx, g, deps)

	return g.Wait()
}

// FullMode runs the ingestion pipeline and the read API in the same
// process, for single-binary deployments that don't need the two halves
// to scale independently.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.runIngestionPipeline(ctx, g, deps)
	a.runServer(ctx, g, deps)

	return g.Wait()
}

// runIngestionPipeline starts the venue stream connection, the
// sync/discovery loops, and the alert dispatcher, all under g so any one
// failure cancels ctx and unwinds the rest.
func (a *App) runIngestionPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	deps.Stream.OnPriceEvent("", func(ev domain.PriceEvent) {
		if err := deps.Ingest.HandlePriceEvent(ctx, ev); err != nil {
			a.logger.ErrorContext(ctx, "ingest: price event failed",
				slog.String("asset_id", ev.AssetID), slog.String("error", err.Error()),
			)
		}
	})
	deps.Stream.OnTradeEvent("", func(ev domain.TradeEvent) {
		if err := deps.Ingest.HandleTradeEvent(ctx, ev); err != nil {
			a.logger.ErrorContext(ctx, "ingest: trade event failed",
				slog.String("asset_id", ev.AssetID), slog.String("error", err.Error()),
			)
		}
	})

	g.Go(func() error {
		if err := deps.Stream.Connect(ctx); err != nil {
			return fmt.Errorf("monitor mode: stream connect: %w", err)
		}
		<-ctx.Done()
		return deps.Stream.Disconnect()
	})

	g.Go(func() error {
		deps.Sync.RunSyncLoop(ctx, time.Duration(a.cfg.Sync.IntervalMinutes)*time.Minute)
		return ctx.Err()
	})

	g.Go(func() error {
		deps.Sync.RunDiscoveryLoop(ctx, time.Duration(a.cfg.Sync.DiscoveryIntervalMinutes)*time.Minute)
		return ctx.Err()
	})

	deps.Dispatcher.Start(ctx)
	g.Go(func() error {
		<-ctx.Done()
		deps.Dispatcher.Stop()
		return ctx.Err()
	})
}

// runServer starts the read API's HTTP listener and its WebSocket hub
// under g, shutting the listener down gracefully when ctx is cancelled.
func (a *App) runServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	srv := server.New(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, server.Deps{
		Markets:      deps.MarketStore,
		Outcomes:     deps.OutcomeStore,
		PriceHistory: deps.PriceHistoryStore,
		Rolling:      deps.Rolling,
		Cache:        deps.Cache,
		Broadcaster:  deps.Broadcaster,
		Throttle:     deps.Throttle,
		Mode:         a.cfg.Mode,
		StartedAt:    time.Now().UTC(),
	}, a.logger)

	g.Go(func() error {
		return srv.Hub().Run(ctx)
	})

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
