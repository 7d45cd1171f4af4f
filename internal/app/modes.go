package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradeledger/internal/csvimport"
	"github.com/alanyoungcy/tradeledger/internal/dedup"
	"github.com/alanyoungcy/tradeledger/internal/importer"
	"github.com/alanyoungcy/tradeledger/internal/invalidate"
	"github.com/alanyoungcy/tradeledger/internal/matcher"
	"github.com/alanyoungcy/tradeledger/internal/server"
	"github.com/alanyoungcy/tradeledger/internal/server/handler"
	"github.com/alanyoungcy/tradeledger/internal/server/ws"
	"github.com/alanyoungcy/tradeledger/internal/service"
	"github.com/alanyoungcy/tradeledger/internal/watcher"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// WatchMode polls the import directory and imports every stable file.
func (a *App) WatchMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting watch mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startWatcher(ctx, g, a.buildImporter(deps))
	return g.Wait()
}

// ServerMode serves the HTTP API and the WebSocket feed without watching
// the import directory. Manual imports still work.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, a.buildImporter(deps))
	return g.Wait()
}

// FullMode runs the watcher and, when enabled, the HTTP server against one
// shared importer so both entry points go through the same group locks.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	imp := a.buildImporter(deps)
	a.startWatcher(ctx, g, imp)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, imp)
	}
	return g.Wait()
}

// ReprocessMode runs one manual reprocess, writes the ImportResult as JSON
// and returns. It fails when any file or group reported an error.
func (a *App) ReprocessMode(ctx context.Context, deps *Dependencies) error {
	sel := a.selector
	if sel.Path != "" && !filepath.IsAbs(sel.Path) {
		sel.Path = filepath.Join(a.cfg.Import.Dir, sel.Path)
	}
	a.logger.InfoContext(ctx, "starting reprocess mode",
		slog.String("path", sel.Path),
		slog.String("instrument", sel.Instrument),
	)

	res, err := a.buildImporter(deps).Reprocess(ctx, sel)
	if err != nil {
		return fmt.Errorf("reprocess: %w", err)
	}

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("reprocess: write result: %w", err)
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("reprocess: %d error(s) across %d file(s)", len(res.Errors), res.FilesConsidered)
	}
	return nil
}

// buildImporter assembles the import pipeline from the wired dependencies.
func (a *App) buildImporter(deps *Dependencies) *importer.Importer {
	points := matcher.NewPointValues(a.cfg.Instruments)
	return importer.New(importer.Deps{
		Positions:   deps.PositionStore,
		Dedup:       dedup.New(deps.DedupLedger, a.logger),
		Ledger:      deps.ImportLedger,
		Audit:       deps.AuditStore,
		Matcher:     matcher.New(points),
		Invalidator: invalidate.New(deps.WindowCache, deps.DashboardCache, deps.SignalBus, a.logger),
		Locker:      deps.Locker,
		Archiver:    deps.Archiver,
		Notifier:    deps.Notifier,
	}, importer.Options{
		Policy:            csvimport.Policy(a.cfg.Import.TruncatedRowPolicy),
		MaxParallelGroups: a.cfg.Import.MaxParallelGroups,
		SettleAge:         a.cfg.Import.QuietPeriod.Duration,
	}, a.logger)
}

// startWatcher adds the directory watcher to the errgroup.
func (a *App) startWatcher(ctx context.Context, g *errgroup.Group, imp *importer.Importer) {
	w := watcher.New(watcher.Config{
		Dir:          a.cfg.Import.Dir,
		Pattern:      a.cfg.Import.Pattern,
		QuietPeriod:  a.cfg.Import.QuietPeriod.Duration,
		PollInterval: a.cfg.Import.PollInterval.Duration,
	}, imp, a.logger)
	g.Go(func() error {
		return w.Run(ctx)
	})
}

// startHTTPServer adds the HTTP server and the WebSocket hub to the given
// errgroup. The server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, imp *importer.Importer) {
	charts := service.NewChartService(
		deps.PositionStore, deps.CandleStore, deps.WindowCache,
		a.cfg.Candles.WindowPadding.Duration, a.logger,
	)
	dashboards := service.NewDashboardService(deps.PositionStore, deps.DashboardCache, a.logger)

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Imports:   handler.NewImportHandler(imp, deps.ImportLedger, a.cfg.Import.Dir, a.logger),
		Positions: handler.NewPositionHandler(deps.PositionStore, charts, a.logger),
		Dashboard: handler.NewDashboardHandler(dashboards, a.logger),
		Legacy:    handler.NewLegacyHandler(a.logger),
	}

	hub := ws.NewHub(deps.SignalBus, a.cfg.Server.CORSOrigins, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:             a.cfg.Server.Port,
		CORSOrigins:      a.cfg.Server.CORSOrigins,
		APIKey:           a.cfg.Server.APIKey,
		ImportRateLimit:  a.cfg.Server.ImportRateLimit,
		ImportRateWindow: a.cfg.Server.ImportRateWindow.Duration,
	}, handlers, deps.RateLimiter, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
