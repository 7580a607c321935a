package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/prepperapp/prepper/internal/curation"
	"github.com/prepperapp/prepper/internal/index"
	"github.com/prepperapp/prepper/internal/logctx"
	"github.com/prepperapp/prepper/internal/module"
)

var buildOpts struct {
	id          string
	version     string
	description string
	mode        string
	keepRecords bool
}

var buildIndexCmd = &cobra.Command{
	Use:   "build-index <module-dir>",
	Short: "Index a curated module directory and seal it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return buildIndex(cmd.Context(), args[0])
	},
}

func init() {
	buildIndexCmd.Flags().StringVar(&buildOpts.id, "id", "", "module id (defaults to the directory name)")
	buildIndexCmd.Flags().StringVar(&buildOpts.version, "version", "1", "module version")
	buildIndexCmd.Flags().StringVar(&buildOpts.description, "description", "", "module description")
	buildIndexCmd.Flags().StringVar(&buildOpts.mode, "mode", "", "index mode, basic or full (defaults to INDEX_MODE)")
	buildIndexCmd.Flags().BoolVar(&buildOpts.keepRecords, "keep-records", false, "keep the curation record stream in the sealed module")
}

func buildIndex(ctx context.Context, dir string) error {
	logger := logctx.LoggerFromContext(ctx)

	tel, err := setupTelemetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	modeName := buildOpts.mode
	if modeName == "" {
		modeName = cfg.Index.Mode
	}

	mode, err := index.ParseMode(modeName)
	if err != nil {
		return err
	}

	records := filepath.Join(dir, curation.RecordsFile)

	stats, err := index.NewBuilder(index.Settings{
		Mode:         mode,
		StoreSummary: cfg.Index.StoreSummary,
	}, cfg.Index.BatchSize, tel).BuildFile(ctx, records, module.IndexPath(dir))
	if err != nil {
		return fmt.Errorf("index build failed: %w", err)
	}

	logger.Info("index built",
		"documents", stats.Documents,
		"size", humanize.IBytes(uint64(stats.Bytes)),
		"segments", stats.Segments,
		"mode", stats.Mode,
		"duration", stats.Duration,
	)

	if !buildOpts.keepRecords {
		for _, name := range []string{curation.RecordsFile, curation.CheckpointFile} {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}

	id := buildOpts.id
	if id == "" {
		id = filepath.Base(filepath.Clean(dir))
	}

	d, err := module.Seal(ctx, dir, module.Descriptor{
		ID:          id,
		Version:     buildOpts.version,
		Description: buildOpts.description,
	})
	if err != nil {
		return fmt.Errorf("failed to seal module: %w", err)
	}

	logger.Info("module sealed", "module_id", d.ID, "version", d.Version,
		"documents", d.Documents, "tiers", d.Tiers, "size", humanize.IBytes(uint64(d.Bytes)))

	return nil
}
