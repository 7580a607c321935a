package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/index/scorch"
	"github.com/blevesearch/bleve/v2/index/scorch/mergeplan"
	"github.com/dustin/go-humanize"

	"github.com/prepperapp/prepper/internal/curation"
	"github.com/prepperapp/prepper/internal/logctx"
	"github.com/prepperapp/prepper/internal/telemetry"
)

// SettingsFile sits beside the bleve files inside the index directory.
const SettingsFile = "prepper_index.json"

const defaultBatchSize = 500

// FinalizeError reports that the index could not be merged into a single
// segment. The index is complete and searchable but larger and slower
// than a finalized one.
type FinalizeError struct {
	Dir      string
	Segments int
	Err      error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("failed to finalize index %s (%d segments remain): %v", e.Dir, e.Segments, e.Err)
}

func (e *FinalizeError) Unwrap() error {
	return e.Err
}

type Stats struct {
	Documents uint64
	Bytes     int64
	Segments  int
	Mode      Mode
	Duration  time.Duration
}

type Builder struct {
	settings  Settings
	batchSize int
	telemetry *telemetry.Telemetry
	// merge finalizes the loaded index; replaced in tests.
	merge func(ctx context.Context, idx bleve.Index) error
}

func NewBuilder(settings Settings, batchSize int, tel *telemetry.Telemetry) *Builder {
	if settings.Mode == "" {
		settings.Mode = ModeBasic
	}

	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	return &Builder{settings: settings, batchSize: batchSize, telemetry: tel, merge: finalize}
}

type document struct {
	Title    string  `json:"title"`
	Category string  `json:"category"`
	Priority float64 `json:"priority"`
	Body     string  `json:"body"`
	Summary  string  `json:"summary,omitempty"`
}

// BuildFile indexes the record stream at path into dir.
func (b *Builder) BuildFile(ctx context.Context, path, dir string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open record stream: %w", err)
	}
	defer f.Close()

	return b.Build(ctx, curation.NewRecordReader(f), dir)
}

// Build indexes every record into a new index at dir, replacing any index
// already there, then merges it down to one segment. When the merge fails
// the unmerged index is kept and a *FinalizeError is returned with the
// stats.
func (b *Builder) Build(ctx context.Context, records *curation.RecordReader, dir string) (Stats, error) {
	var stats Stats

	err := b.telemetry.InstrumentIndexBuild(ctx, string(b.settings.Mode), func(ctx context.Context) error {
		var err error

		stats, err = b.build(ctx, records, dir)

		return err
	})

	return stats, err
}

func (b *Builder) build(ctx context.Context, records *curation.RecordReader, dir string) (Stats, error) {
	ctx, logger := logctx.With(ctx, "index", dir, "mode", b.settings.Mode)
	start := time.Now()
	stats := Stats{Mode: b.settings.Mode}

	building := dir + ".building"
	if err := os.RemoveAll(building); err != nil {
		return stats, err
	}

	idx, err := bleve.NewUsing(building, buildMapping(b.settings), scorch.Name, scorch.Name, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to create index: %w", err)
	}

	if err := b.load(ctx, idx, records); err != nil {
		idx.Close()
		os.RemoveAll(building)

		return stats, err
	}

	finalizeErr := b.merge(ctx, idx)
	stats.Segments = segmentCount(idx)

	if stats.Documents, err = idx.DocCount(); err != nil {
		idx.Close()
		os.RemoveAll(building)

		return stats, err
	}

	if err := idx.Close(); err != nil {
		os.RemoveAll(building)

		return stats, fmt.Errorf("failed to close index: %w", err)
	}

	if err := writeSettings(building, b.settings); err != nil {
		os.RemoveAll(building)

		return stats, err
	}

	if err := os.RemoveAll(dir); err != nil {
		return stats, err
	}

	if err := os.Rename(building, dir); err != nil {
		return stats, fmt.Errorf("failed to move index into place: %w", err)
	}

	stats.Bytes = dirSize(dir)
	stats.Duration = time.Since(start)

	if finalizeErr != nil {
		logger.WarnContext(ctx, "index left unfinalized", "segments", stats.Segments, "err", finalizeErr)

		return stats, &FinalizeError{Dir: dir, Segments: stats.Segments, Err: finalizeErr}
	}

	logger.InfoContext(ctx, "index built",
		"documents", stats.Documents,
		"size", humanize.Bytes(uint64(stats.Bytes)),
		"segments", stats.Segments,
		"duration", stats.Duration)

	return stats, nil
}

func (b *Builder) load(ctx context.Context, idx bleve.Index, records *curation.RecordReader) error {
	logger := logctx.LoggerFromContext(ctx)
	batch := idx.NewBatch()

	var total int

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := records.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return err
		}

		doc := document{
			Title:    rec.Title,
			Category: rec.Category,
			Priority: float64(rec.Priority),
			Body:     rec.Body,
		}

		if b.settings.StoreSummary {
			doc.Summary = rec.Summary
		}

		if err := batch.Index(rec.ID, doc); err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}

		if batch.Size() >= b.batchSize {
			if err := idx.Batch(batch); err != nil {
				return fmt.Errorf("failed to index batch: %w", err)
			}

			total += batch.Size()
			batch.Reset()

			logger.DebugContext(ctx, "indexed batch", "documents", total)
		}
	}

	if batch.Size() > 0 {
		if err := idx.Batch(batch); err != nil {
			return fmt.Errorf("failed to index batch: %w", err)
		}
	}

	return nil
}

// finalize merges all segments into one. Batches are synchronous, so
// every segment is persisted and eligible by the time this runs.
func finalize(ctx context.Context, idx bleve.Index) error {
	adv, err := idx.Advanced()
	if err != nil {
		return err
	}

	s, ok := adv.(*scorch.Scorch)
	if !ok {
		return fmt.Errorf("index type %T cannot be merged", adv)
	}

	return s.ForceMerge(ctx, &mergeplan.SingleSegmentMergePlanOptions)
}

func segmentCount(idx bleve.Index) int {
	adv, err := idx.Advanced()
	if err != nil {
		return 0
	}

	s, ok := adv.(*scorch.Scorch)
	if !ok {
		return 0
	}

	m := s.StatsMap()

	return int(asUint64(m["num_root_filesegments"]) + asUint64(m["num_root_memorysegments"]))
}

func asUint64(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int:
		return uint64(n)
	case int64:
		return uint64(n)
	default:
		return 0
	}
}

func writeSettings(dir string, s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, SettingsFile), data, 0o644)
}

// ReadSettings loads the settings persisted with an index. Indexes built
// without them are treated as basic with no stored summary.
func ReadSettings(dir string) (Settings, error) {
	data, err := os.ReadFile(filepath.Join(dir, SettingsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Settings{Mode: ModeBasic}, nil
	}

	if err != nil {
		return Settings{}, err
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to decode index settings: %w", err)
	}

	if s.Mode == "" {
		s.Mode = ModeBasic
	}

	return s, nil
}

func dirSize(dir string) int64 {
	var total int64

	filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}

		if info, err := d.Info(); err == nil {
			total += info.Size()
		}

		return nil
	})

	return total
}
