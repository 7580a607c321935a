package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/prepperapp/prepper/internal/cache"
	"github.com/prepperapp/prepper/internal/catalog"
	"github.com/prepperapp/prepper/internal/cleanup"
	"github.com/prepperapp/prepper/internal/devices"
	"github.com/prepperapp/prepper/internal/events"
	"github.com/prepperapp/prepper/internal/http/rest"
	"github.com/prepperapp/prepper/internal/logctx"
	"github.com/prepperapp/prepper/internal/notifier"
	"github.com/prepperapp/prepper/internal/placement"
	"github.com/prepperapp/prepper/internal/registry"
	"github.com/prepperapp/prepper/internal/storage/sqlite"
	"github.com/prepperapp/prepper/internal/telemetry"
	"github.com/prepperapp/prepper/internal/transfer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load installed modules and serve search over HTTP",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("prepper starting...", "log_level", cfg.LogLevel, "version", version)

	// =========================================================================
	// Start Telemetry
	tel, err := setupTelemetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return err
	}
	defer cat.Close()

	// =========================================================================
	// Start Events and Notification
	bus := events.New()
	defer bus.Wait()

	if cfg.NotifyWebhookURL != "" {
		if err := notifier.Subscribe(ctx, bus, &notifier.WebhookNotifier{WebhookURL: cfg.NotifyWebhookURL}); err != nil {
			return err
		}
	}

	// =========================================================================
	// Start Registry
	contentCache := cache.New(cfg.Cache.MaxBytes, cfg.Cache.MaxEntries)
	reg := registry.New(registry.OpenModule, contentCache, registry.SearchConfig{
		Limit:         cfg.Search.Limit,
		Timeout:       cfg.Search.Timeout,
		EmergencyOnly: cfg.Search.EmergencyOnly,
		Weights:       cfg.Search.Weights,
	}, tel)

	defer func() {
		if err := reg.Close(context.Background()); err != nil {
			logger.Error("failed to unload modules", "err", err)
		}
	}()

	loadInstalled(ctx, reg, cat)

	// =========================================================================
	// Start Devices and Space Monitor
	devs := devices.NewManager(devices.NewSystemHost(), cat, bus, tel)

	go func() {
		if err := devs.Watch(ctx, cfg.Storage.MountRoots); err != nil {
			logger.Error("device watcher stopped", "err", err)
		}
	}()

	monitor := cleanup.NewMonitor(cleanup.Config{
		Interval:     cfg.Storage.MonitorInterval,
		Low:          cfg.Storage.LowSpaceBytes,
		Critical:     cfg.Storage.CriticalSpaceBytes,
		RecentWindow: cfg.Storage.RecentAccessWindow,
	}, devs, reg, cat, contentCache, bus, tel)

	go monitor.Run(ctx)

	// =========================================================================
	// Start API Service
	engine := newEngine(database, bus, tel)

	api := rest.NewAPI(reg, cat, devs, engine, tel)
	api.Fuzzy = cfg.Search.Fuzzy

	server := &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(api.Routes(), "prepper"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// loadInstalled loads every cataloged module. A module that fails to open
// is logged and skipped so one bad copy does not keep the rest offline.
func loadInstalled(ctx context.Context, reg *registry.Registry, cat *catalog.Catalog) {
	logger := logctx.LoggerFromContext(ctx)

	recs, err := cat.List()
	if err != nil {
		logger.Error("failed to list installed modules", "err", err)

		return
	}

	for _, rec := range recs {
		if _, err := placement.RestoreInterrupted(ctx, rec.Path); err != nil {
			logger.Error("failed to repair interrupted install", "module_id", rec.ID, "path", rec.Path, "err", err)
		}

		if err := reg.Load(ctx, rec.ID, rec.Path); err != nil {
			logger.Error("failed to load module", "module_id", rec.ID, "path", rec.Path, "err", err)
		}
	}

	logger.Info("installed modules loaded", "count", len(reg.LoadedIDs()), "cataloged", len(recs))
}

func newEngine(database *sql.DB, bus *events.Bus, tel *telemetry.Telemetry) *transfer.Engine {
	repo := sqlite.NewInstrumentedTaskRepository(database, tel)
	fetcher := transfer.NewInstrumentedFetcher(transfer.NewHTTPFetcher(cfg.Transfer.FetchTimeout, cfg.CDNToken), tel)

	return transfer.NewEngine(repo, fetcher, transfer.Options{
		TempDir:     cfg.TempDir,
		MaxParallel: cfg.Transfer.MaxParallel,
		Retry: transfer.RetryPolicy{
			Base:     cfg.Transfer.RetryBase,
			Max:      cfg.Transfer.RetryMax,
			Attempts: cfg.Transfer.RetryAttempts,
		},
		Events:    bus,
		Telemetry: tel,
	})
}
