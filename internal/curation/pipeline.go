package curation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prepperapp/prepper/internal/events"
	"github.com/prepperapp/prepper/internal/logctx"
	"github.com/prepperapp/prepper/internal/telemetry"
)

const (
	RecordsFile    = "records.jsonl"
	CheckpointFile = "checkpoint.json"
	SummaryFile    = "curation_summary.json"

	defaultCategory = "general"
)

// Store receives committed batches. Batch numbers let a resumed run drop
// rows written after the last checkpoint.
type Store interface {
	Has(ctx context.Context, id string) (bool, error)
	PutBatch(ctx context.Context, batch int, records []ContentRecord) error
	TruncateAfter(ctx context.Context, batch int) error
}

type Config struct {
	SourcePath string
	OutputDir  string
	BatchSize  int
	// MaxExpansionsPerEntry bounds the links one selected entry may pull in.
	MaxExpansionsPerEntry int
	// MaxExpansionsTotal bounds pending and resolved expansions for the run.
	MaxExpansionsTotal int
	// PathPrefix, when set, skips entries outside that namespace (e.g. "A/").
	PathPrefix string
	// Limit stops the scan after this many selected entries. Zero means no limit.
	Limit int64
	// Reset discards any previous checkpoint and output.
	Reset bool
}

// Pipeline curates a source archive into a content store and a record
// stream in a single sequential pass, with one batch flush overlapping the
// scan at a time.
type Pipeline struct {
	cfg        Config
	classifier *Classifier
	store      Store
	bus        *events.Bus
	telemetry  *telemetry.Telemetry

	cp      *Checkpoint
	records *os.File

	batch     []ContentRecord
	unflushed map[string]struct{}

	flushing []ContentRecord
	flushErr chan error
}

func NewPipeline(cfg Config, classifier *Classifier, store Store, bus *events.Bus, tel *telemetry.Telemetry) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}

	if cfg.MaxExpansionsPerEntry < 0 {
		cfg.MaxExpansionsPerEntry = 0
	}

	return &Pipeline{
		cfg:        cfg,
		classifier: classifier,
		store:      store,
		bus:        bus,
		telemetry:  tel,
		unflushed:  make(map[string]struct{}),
	}
}

func (p *Pipeline) checkpointPath() string {
	return filepath.Join(p.cfg.OutputDir, CheckpointFile)
}

// Run curates the source, resuming from the last checkpoint when one exists.
// A malformed entry is skipped and counted; an I/O failure on the source or
// the outputs aborts the run with the checkpoint left at the last good batch.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	ctx, logger := logctx.With(ctx, "source", p.cfg.SourcePath)

	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return Stats{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	if p.cfg.Reset {
		os.Remove(p.checkpointPath())
	}

	cp, err := LoadCheckpoint(p.checkpointPath())
	if err != nil {
		return Stats{}, err
	}

	p.cp = cp

	if cp.Phase == PhaseDone {
		logger.InfoContext(ctx, "curation already complete", "selected", cp.Stats.Selected)

		return cp.Stats.clone(), nil
	}

	if err := p.rollback(ctx); err != nil {
		return Stats{}, err
	}
	defer p.records.Close()

	logger.InfoContext(ctx, "starting curation",
		"phase", cp.Phase,
		"offset", humanize.Bytes(uint64(cp.SourceOffset)),
		"batches", cp.Batches,
		"terms", p.classifier.Len())

	if cp.Phase == PhaseScan {
		if err := p.scan(ctx); err != nil {
			return cp.Stats.clone(), err
		}

		p.cp.Phase = PhaseExpansion
		p.cp.SourceOffset = 0

		if err := p.cp.Save(p.checkpointPath()); err != nil {
			return p.cp.Stats.clone(), err
		}
	}

	if len(p.cp.Wants) > 0 {
		if err := p.expand(ctx); err != nil {
			return p.cp.Stats.clone(), err
		}
	}

	p.cp.Stats.Unresolved += int64(len(p.cp.Wants))
	p.cp.Wants = map[string]Want{}
	p.cp.Phase = PhaseDone

	if err := p.cp.Save(p.checkpointPath()); err != nil {
		return p.cp.Stats.clone(), err
	}

	if err := p.writeSummary(); err != nil {
		logger.WarnContext(ctx, "failed to write curation summary", "err", err)
	}

	logger.InfoContext(ctx, "curation complete",
		"selected", p.cp.Stats.Selected,
		"expanded", p.cp.Stats.Expanded,
		"rejected", p.cp.Stats.Rejected,
		"malformed", p.cp.Stats.Malformed,
		"by_tier", p.cp.Stats.ByTier)

	return p.cp.Stats.clone(), nil
}

// rollback discards output written after the checkpoint and opens the
// record stream for appending.
func (p *Pipeline) rollback(ctx context.Context) error {
	if err := p.store.TruncateAfter(ctx, p.cp.Batches); err != nil {
		return fmt.Errorf("failed to roll back content store: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(p.cfg.OutputDir, RecordsFile), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open record stream: %w", err)
	}

	if err := f.Truncate(p.cp.RecordOffset); err != nil {
		f.Close()

		return fmt.Errorf("failed to truncate record stream: %w", err)
	}

	if _, err := f.Seek(p.cp.RecordOffset, io.SeekStart); err != nil {
		f.Close()

		return err
	}

	p.records = f

	return nil
}

func (p *Pipeline) scan(ctx context.Context) error {
	src, err := OpenJSONL(p.cfg.SourcePath, p.cp.SourceOffset)
	if err != nil {
		return err
	}
	defer src.Close()

	for {
		if err := ctx.Err(); err != nil {
			p.waitFlush()

			return err
		}

		entry, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		var entryErr *EntryError
		if errors.As(err, &entryErr) {
			p.cp.Stats.Malformed++
			p.telemetry.RecordSkippedEntry(ctx, "malformed")
			logctx.LoggerFromContext(ctx).DebugContext(ctx, "skipping malformed entry", "err", err)

			continue
		}

		if err != nil {
			p.waitFlush()

			return err
		}

		p.cp.Stats.Scanned++

		if err := p.consider(ctx, entry); err != nil {
			p.waitFlush()

			return err
		}

		if len(p.batch) >= p.cfg.BatchSize {
			if err := p.cut(ctx, src.Offset()); err != nil {
				return err
			}
		}

		if p.cfg.Limit > 0 && p.cp.Stats.Selected >= p.cfg.Limit {
			logctx.LoggerFromContext(ctx).InfoContext(ctx, "reached selection limit", "limit", p.cfg.Limit)

			break
		}
	}

	if err := p.cut(ctx, src.Offset()); err != nil {
		return err
	}

	return p.waitFlush()
}

// consider classifies one entry and emits it when it is selected on its own
// or wanted by an earlier selection.
func (p *Pipeline) consider(ctx context.Context, e Entry) error {
	id := RecordID(e.Path)

	if e.Redirect != "" {
		p.cp.Stats.Redirects++
		p.telemetry.RecordSkippedEntry(ctx, "redirect")

		if want, ok := p.cp.Wants[id]; ok {
			delete(p.cp.Wants, id)

			return p.retarget(ctx, RecordID(e.Redirect), want)
		}

		return nil
	}

	if p.cfg.PathPrefix != "" && !strings.HasPrefix(e.Path, p.cfg.PathPrefix) {
		p.cp.Stats.Filtered++

		return nil
	}

	cls := p.classifier.Classify(e.Title, e.Body)
	want, wanted := p.cp.Wants[id]

	if !cls.Matched() && !wanted {
		p.cp.Stats.Rejected++
		p.telemetry.RecordSkippedEntry(ctx, "no_match")

		return nil
	}

	delete(p.cp.Wants, id)

	seen, err := p.visited(ctx, id)
	if err != nil {
		return err
	}

	if seen {
		p.cp.Stats.Duplicates++

		return nil
	}

	// A keyword match decides the tier on its own, whatever links to it, so
	// the result does not depend on where the referrer sits in the archive.
	tier := cls.Tier
	via := ""

	if !cls.Matched() {
		tier = want.Tier
		via = want.Via
	}

	p.emit(ctx, buildRecord(e, id, tier, cls, via))

	if cls.Matched() {
		return p.queueLinks(ctx, id, e.Links, cls.Tier)
	}

	return nil
}

// queueLinks records one-hop expansion wants for an independently selected
// entry. Expanded entries never expand further.
func (p *Pipeline) queueLinks(ctx context.Context, from string, links []string, tier Tier) error {
	lower := tier.Lower()
	if !lower.Valid() || p.cfg.MaxExpansionsPerEntry == 0 {
		return nil
	}

	queued := 0

	for _, link := range links {
		if queued >= p.cfg.MaxExpansionsPerEntry {
			break
		}

		if p.cp.Stats.Queued >= int64(p.cfg.MaxExpansionsTotal) {
			break
		}

		target := RecordID(link)
		if target == from {
			continue
		}

		if existing, ok := p.cp.Wants[target]; ok {
			if lower.Better(existing.Tier) {
				p.cp.Wants[target] = Want{Tier: lower, Via: from}
			}

			continue
		}

		seen, err := p.visited(ctx, target)
		if err != nil {
			return err
		}

		if seen {
			continue
		}

		p.cp.Wants[target] = Want{Tier: lower, Via: from}
		p.cp.Stats.Queued++
		queued++
	}

	return nil
}

// retarget moves a want from a redirect entry to the redirect's target.
func (p *Pipeline) retarget(ctx context.Context, target string, want Want) error {
	if existing, ok := p.cp.Wants[target]; ok {
		if want.Tier.Better(existing.Tier) {
			p.cp.Wants[target] = want
		}

		return nil
	}

	seen, err := p.visited(ctx, target)
	if err != nil || seen {
		return err
	}

	p.cp.Wants[target] = want

	return nil
}

// visited is the visit-once guard: committed rows plus the batches not yet
// committed.
func (p *Pipeline) visited(ctx context.Context, id string) (bool, error) {
	if _, ok := p.unflushed[id]; ok {
		return true, nil
	}

	ok, err := p.store.Has(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to query content store: %w", err)
	}

	return ok, nil
}

func buildRecord(e Entry, id string, tier Tier, cls Classification, via string) ContentRecord {
	body := CleanBody(e.Body)

	category := cls.Category
	if category == "" {
		category = e.Category
	}

	if category == "" {
		category = defaultCategory
	}

	return ContentRecord{
		ID:       id,
		Title:    strings.TrimSpace(e.Title),
		Category: category,
		Priority: tier,
		Summary:  Summarize(body),
		Body:     body,
		Keywords: cls.Keywords,
		Via:      via,
	}
}

func (p *Pipeline) emit(ctx context.Context, rec ContentRecord) {
	p.batch = append(p.batch, rec)
	p.unflushed[rec.ID] = struct{}{}

	p.cp.Stats.Selected++
	p.cp.Stats.ByTier[rec.Priority.String()]++

	expanded := rec.Via != ""
	if expanded {
		p.cp.Stats.Expanded++
	}

	p.telemetry.RecordCuratedEntry(ctx, rec.Priority.String(), expanded)
}

// expand rescans the source for wanted entries that appeared before any
// selected entry referenced them.
func (p *Pipeline) expand(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	logger.InfoContext(ctx, "resolving pending expansions", "wants", len(p.cp.Wants))

	src, err := OpenJSONL(p.cfg.SourcePath, p.cp.SourceOffset)
	if err != nil {
		return err
	}
	defer src.Close()

	for len(p.cp.Wants) > 0 {
		if err := ctx.Err(); err != nil {
			p.waitFlush()

			return err
		}

		entry, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		var entryErr *EntryError
		if errors.As(err, &entryErr) {
			continue
		}

		if err != nil {
			p.waitFlush()

			return err
		}

		id := RecordID(entry.Path)

		want, ok := p.cp.Wants[id]
		if !ok {
			continue
		}

		delete(p.cp.Wants, id)

		if entry.Redirect != "" {
			if err := p.retarget(ctx, RecordID(entry.Redirect), want); err != nil {
				p.waitFlush()

				return err
			}

			continue
		}

		seen, err := p.visited(ctx, id)
		if err != nil {
			p.waitFlush()

			return err
		}

		if seen {
			continue
		}

		p.emit(ctx, buildRecord(entry, id, want.Tier, p.classifier.Classify(entry.Title, entry.Body), want.Via))

		if len(p.batch) >= p.cfg.BatchSize {
			if err := p.cut(ctx, src.Offset()); err != nil {
				return err
			}
		}
	}

	if err := p.cut(ctx, src.Offset()); err != nil {
		return err
	}

	return p.waitFlush()
}

// cut hands the current batch to the flusher. It waits for the previous
// flush first, so at most one flush is ever in flight.
func (p *Pipeline) cut(ctx context.Context, offset int64) error {
	if err := p.waitFlush(); err != nil {
		return err
	}

	if len(p.batch) == 0 {
		return nil
	}

	p.cp.Batches++
	p.cp.SourceOffset = offset

	snapshot := p.cp.clone()
	batch := p.batch

	p.flushing = batch
	p.batch = nil
	p.flushErr = make(chan error, 1)

	go func() {
		p.flushErr <- p.commit(ctx, snapshot, batch)
	}()

	return nil
}

// waitFlush blocks until the in-flight flush, if any, finishes.
func (p *Pipeline) waitFlush() error {
	if p.flushErr == nil {
		return nil
	}

	err := <-p.flushErr
	p.flushErr = nil

	if err == nil {
		for _, rec := range p.flushing {
			delete(p.unflushed, rec.ID)
		}
	}

	p.flushing = nil

	return err
}

// commit writes one batch to the content store and the record stream, then
// persists the checkpoint describing it.
func (p *Pipeline) commit(ctx context.Context, cp *Checkpoint, batch []ContentRecord) error {
	start := time.Now()

	if err := p.store.PutBatch(ctx, cp.Batches, batch); err != nil {
		return fmt.Errorf("batch %d: failed to write content store: %w", cp.Batches, err)
	}

	w := NewRecordWriter(p.records)
	for _, rec := range batch {
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("batch %d: failed to write record stream: %w", cp.Batches, err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("batch %d: failed to write record stream: %w", cp.Batches, err)
	}

	if err := p.records.Sync(); err != nil {
		return fmt.Errorf("batch %d: failed to sync record stream: %w", cp.Batches, err)
	}

	offset, err := p.records.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	cp.RecordOffset = offset
	p.cp.RecordOffset = offset

	if err := cp.Save(p.checkpointPath()); err != nil {
		return fmt.Errorf("batch %d: failed to save checkpoint: %w", cp.Batches, err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "batch committed",
		"batch", cp.Batches,
		"records", len(batch),
		"stream", humanize.Bytes(uint64(offset)),
		"duration", time.Since(start))

	p.bus.Publish(events.TopicExtractionProgress, events.ExtractionProgress{
		Processed: cp.Stats.Scanned,
		Selected:  cp.Stats.Selected,
		Skipped:   cp.Stats.Rejected + cp.Stats.Malformed + cp.Stats.Redirects,
		Tiers:     cp.Stats.ByTier,
	})

	return nil
}

func (p *Pipeline) writeSummary() error {
	summary := struct {
		Source     string    `json:"source"`
		FinishedAt time.Time `json:"finished_at"`
		Batches    int       `json:"batches"`
		Stats      Stats     `json:"stats"`
	}{
		Source:     p.cfg.SourcePath,
		FinishedAt: time.Now().UTC(),
		Batches:    p.cp.Batches,
		Stats:      p.cp.Stats,
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(p.cfg.OutputDir, SummaryFile), data, 0o644)
}
