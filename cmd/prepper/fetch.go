package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/prepperapp/prepper/internal/catalog"
	"github.com/prepperapp/prepper/internal/devices"
	"github.com/prepperapp/prepper/internal/downloader"
	"github.com/prepperapp/prepper/internal/events"
	"github.com/prepperapp/prepper/internal/logctx"
	"github.com/prepperapp/prepper/internal/manifest"
	"github.com/prepperapp/prepper/internal/notifier"
	"github.com/prepperapp/prepper/internal/placement"
	"github.com/prepperapp/prepper/internal/storage/sqlite"
	"github.com/prepperapp/prepper/internal/transfer"
)

var fetchManifest string

var fetchCmd = &cobra.Command{
	Use:   "fetch [module-id...]",
	Short: "Download, verify and install the modules a manifest lists",
	Long: `fetch downloads manifest entries in resumable chunks. Without
arguments every entry is fetched in the manifest's recommended order.
An interrupted fetch resumes from the chunks already on disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetch(cmd.Context(), args)
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchManifest, "manifest", "", "manifest URL or file (defaults to MANIFEST_URL)")
}

func fetch(ctx context.Context, ids []string) error {
	logger := logctx.LoggerFromContext(ctx)

	source := fetchManifest
	if source == "" {
		source = cfg.ManifestURL
	}

	if source == "" {
		return errors.New("no manifest given: set MANIFEST_URL or --manifest")
	}

	tel, err := setupTelemetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	for _, dir := range []string{cfg.DataDir, cfg.ModulesDir, cfg.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	m, err := loadManifest(ctx, source)
	if err != nil {
		return err
	}

	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return err
	}
	defer cat.Close()

	bus := events.New()
	defer bus.Wait()

	if cfg.NotifyWebhookURL != "" {
		if err := notifier.Subscribe(ctx, bus, &notifier.WebhookNotifier{WebhookURL: cfg.NotifyWebhookURL}); err != nil {
			return err
		}
	}

	if err := bus.Subscribe(events.TopicDownloadProgress, func(p events.DownloadProgress) {
		logger.Debug("download progress", "task_id", p.TaskID,
			"done", humanize.IBytes(uint64(p.Bytes)), "total", humanize.IBytes(uint64(p.TotalBytes)))
	}); err != nil {
		return err
	}

	devs := devices.NewManager(devices.NewSystemHost(), cat, bus, tel)
	placer := placement.New(cat, devs, nil, bus, tel)
	engine := newEngine(database, bus, tel)

	dl := downloader.NewDownloader(engine, placer, cat, cfg.TempDir, cfg.ModulesDir, cfg.Transfer.MaxParallel)

	results, err := dl.Sync(ctx, m, ids)
	for _, r := range results {
		switch {
		case r.Skipped:
			logger.Info("module already installed", "module_id", r.ModuleID, "version", r.Version)
		case r.Err != nil:
			logger.Error("module fetch failed", "module_id", r.ModuleID, "err", r.Err)
		case r.Path != "":
			logger.Info("artifact downloaded", "module_id", r.ModuleID, "path", r.Path)
		default:
			logger.Info("module installed", "module_id", r.ModuleID, "version", r.Version,
				"path", r.Record.Path, "size", humanize.IBytes(uint64(r.Record.Bytes)))
		}
	}

	return err
}

func loadManifest(ctx context.Context, source string) (*manifest.Manifest, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return manifest.Fetch(ctx, transfer.NewHTTPFetcher(cfg.Transfer.FetchTimeout, cfg.CDNToken).Client(), source)
	}

	return manifest.Load(source)
}
