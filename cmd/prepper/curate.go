package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/prepperapp/prepper/internal/contentstore"
	"github.com/prepperapp/prepper/internal/curation"
	"github.com/prepperapp/prepper/internal/events"
	"github.com/prepperapp/prepper/internal/logctx"
)

var curateOpts struct {
	output   string
	keywords string
	prefix   string
	limit    int64
	reset    bool
}

var curateCmd = &cobra.Command{
	Use:   "curate <source.jsonl>",
	Short: "Select survival-relevant entries from a source archive",
	Long: `curate scans a source archive export, classifies every entry
against the priority keyword list and writes the selected records into a
content store plus a record stream for indexing. An interrupted run
resumes from its last checkpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return curate(cmd.Context(), args[0])
	},
}

func init() {
	curateCmd.Flags().StringVarP(&curateOpts.output, "output", "o", "", "module work directory (required)")
	curateCmd.Flags().StringVar(&curateOpts.keywords, "keywords", "", "priority keyword file (defaults to CURATION_KEYWORDS_FILE)")
	curateCmd.Flags().StringVar(&curateOpts.prefix, "prefix", "", "only consider entries under this path prefix")
	curateCmd.Flags().Int64Var(&curateOpts.limit, "limit", 0, "stop after this many selected entries")
	curateCmd.Flags().BoolVar(&curateOpts.reset, "reset", false, "discard any previous checkpoint and output")
	_ = curateCmd.MarkFlagRequired("output")
}

func curate(ctx context.Context, source string) error {
	logger := logctx.LoggerFromContext(ctx)

	tel, err := setupTelemetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	keywords := curateOpts.keywords
	if keywords == "" {
		keywords = cfg.Curation.KeywordsFile
	}

	classifier, err := curation.LoadClassifier(keywords)
	if err != nil {
		return err
	}

	logger.Info("classifier loaded", "file", keywords, "terms", classifier.Len())

	if err := os.MkdirAll(curateOpts.output, 0o755); err != nil {
		return err
	}

	contentPath := filepath.Join(curateOpts.output, contentstore.FileName)
	if curateOpts.reset {
		if err := os.Remove(contentPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	store, err := contentstore.Create(contentPath)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.New()
	defer bus.Wait()

	stats, err := curation.NewPipeline(curation.Config{
		SourcePath:            source,
		OutputDir:             curateOpts.output,
		BatchSize:             cfg.Curation.BatchSize,
		MaxExpansionsPerEntry: cfg.Curation.MaxExpansionsPerEntry,
		MaxExpansionsTotal:    cfg.Curation.MaxExpansionsTotal,
		PathPrefix:            curateOpts.prefix,
		Limit:                 curateOpts.limit,
		Reset:                 curateOpts.reset,
	}, classifier, store, bus, tel).Run(ctx)
	if err != nil {
		return fmt.Errorf("curation failed: %w", err)
	}

	logger.Info("curation complete",
		"scanned", stats.Scanned,
		"selected", stats.Selected,
		"expanded", stats.Expanded,
		"duplicates", stats.Duplicates,
		"malformed", stats.Malformed,
		"by_tier", stats.ByTier,
	)

	return nil
}
