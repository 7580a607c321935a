package curation

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/prepperapp/prepper/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeywords = `
# critical
tourniquet|critical|medical
bleeding|critical|medical
water purification|important|water
knot|useful|skills
`

type memStore struct {
	mu      sync.Mutex
	rows    map[string]ContentRecord
	batches map[string]int
	puts    int
	failAt  int
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]ContentRecord{}, batches: map[string]int{}}
}

func (s *memStore) Has(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.rows[id]

	return ok, nil
}

// PutBatch stores the rows before failing so a resumed run has to roll
// them back.
func (s *memStore) PutBatch(_ context.Context, batch int, records []ContentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.puts++

	for _, rec := range records {
		if _, dup := s.rows[rec.ID]; dup {
			return errors.New("duplicate id " + rec.ID)
		}

		s.rows[rec.ID] = rec
		s.batches[rec.ID] = batch
	}

	if s.failAt > 0 && batch == s.failAt {
		s.failAt = 0

		return errors.New("disk full")
	}

	return nil
}

func (s *memStore) TruncateAfter(_ context.Context, batch int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, b := range s.batches {
		if b > batch {
			delete(s.rows, id)
			delete(s.batches, id)
		}
	}

	return nil
}

func writeSource(t *testing.T, lines ...string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "source.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	return path
}

func entryLine(t *testing.T, e Entry) string {
	t.Helper()

	data, err := json.Marshal(e)
	require.NoError(t, err)

	return string(data)
}

var (
	tourniquet = Entry{
		Path:  "A/Tourniquet",
		Title: "Tourniquet",
		Body:  "Apply a tourniquet above the wound to stop severe bleeding. See [[Pressure bandage|pressure bandages]].",
		Links: []string{"A/Pressure_bandage"},
	}
	bandage = Entry{
		Path:  "A/Pressure_bandage",
		Title: "Pressure bandage",
		Body:  "A cloth pad held firmly over a wound.",
	}
	football = Entry{
		Path:  "A/Football",
		Title: "Football",
		Body:  "A team sport played with a ball.",
	}
	water = Entry{
		Path:  "A/Water_purification",
		Title: "Water purification",
		Body:  "Boiling is the simplest method.",
	}
	redirect = Entry{
		Path:     "A/Torniquet",
		Title:    "Torniquet",
		Redirect: "A/Tourniquet",
	}
)

func newTestPipeline(t *testing.T, source, out string, store Store, mutate func(*Config)) *Pipeline {
	t.Helper()

	classifier, err := ParseClassifier(strings.NewReader(testKeywords))
	require.NoError(t, err)

	cfg := Config{
		SourcePath:            source,
		OutputDir:             out,
		BatchSize:             1,
		MaxExpansionsPerEntry: 5,
		MaxExpansionsTotal:    100,
	}

	if mutate != nil {
		mutate(&cfg)
	}

	return NewPipeline(cfg, classifier, store, nil, nil)
}

func readRecords(t *testing.T, dir string) []ContentRecord {
	t.Helper()

	f, err := os.Open(filepath.Join(dir, RecordsFile))
	require.NoError(t, err)
	defer f.Close()

	var out []ContentRecord

	rr := NewRecordReader(f)

	for {
		rec, err := rr.Next()
		if err != nil {
			break
		}

		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })

	return out
}

func TestPipeline_ExpansionAfterReferrer(t *testing.T) {
	source := writeSource(t,
		entryLine(t, tourniquet),
		entryLine(t, bandage),
		entryLine(t, football),
		entryLine(t, water),
		entryLine(t, redirect),
	)
	out := t.TempDir()
	store := newMemStore()

	stats, err := newTestPipeline(t, source, out, store, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(5), stats.Scanned)
	assert.Equal(t, int64(3), stats.Selected)
	assert.Equal(t, int64(1), stats.Expanded)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(1), stats.Redirects)
	assert.Equal(t, int64(1), stats.ByTier["critical"])
	assert.Equal(t, int64(2), stats.ByTier["important"])

	records := readRecords(t, out)
	require.Len(t, records, 3)

	got := records[0]
	assert.Equal(t, "Pressure bandage", got.Title)
	assert.Equal(t, TierImportant, got.Priority)
	assert.Equal(t, RecordID(tourniquet.Path), got.Via)

	assert.Equal(t, "Tourniquet", records[1].Title)
	assert.Equal(t, TierCritical, records[1].Priority)
	assert.Equal(t, "medical", records[1].Category)
	assert.Contains(t, records[1].Body, "pressure bandages")
	assert.NotContains(t, records[1].Body, "[[")
	assert.Empty(t, records[1].Via)

	assert.Len(t, store.rows, 3)
	assert.FileExists(t, filepath.Join(out, SummaryFile))
}

func TestPipeline_ExpansionBeforeReferrer(t *testing.T) {
	source := writeSource(t,
		entryLine(t, bandage),
		entryLine(t, football),
		entryLine(t, tourniquet),
		entryLine(t, water),
	)
	out := t.TempDir()
	store := newMemStore()

	stats, err := newTestPipeline(t, source, out, store, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Selected)
	assert.Equal(t, int64(1), stats.Expanded)
	assert.Equal(t, int64(0), stats.Unresolved)

	records := readRecords(t, out)
	require.Len(t, records, 3)
	assert.Equal(t, "Pressure bandage", records[0].Title)
	assert.Equal(t, TierImportant, records[0].Priority)

	stored, ok := store.rows[RecordID(bandage.Path)]
	require.True(t, ok)
	assert.Equal(t, TierImportant, stored.Priority)
}

func TestPipeline_KeywordTierIndependentOfOrder(t *testing.T) {
	referrer := tourniquet
	referrer.Links = []string{"A/Bowline"}

	bowline := Entry{
		Path:  "A/Bowline",
		Title: "Bowline",
		Body:  "The bowline knot makes a fixed loop.",
	}

	orders := map[string][]Entry{
		"referrer first": {referrer, bowline},
		"referrer last":  {bowline, referrer},
	}

	for name, entries := range orders {
		t.Run(name, func(t *testing.T) {
			lines := make([]string, 0, len(entries))
			for _, e := range entries {
				lines = append(lines, entryLine(t, e))
			}

			out := t.TempDir()

			stats, err := newTestPipeline(t, writeSource(t, lines...), out, newMemStore(), nil).Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(0), stats.Expanded)

			records := readRecords(t, out)
			require.Len(t, records, 2)
			assert.Equal(t, "Bowline", records[0].Title)
			assert.Equal(t, TierUseful, records[0].Priority)
			assert.Empty(t, records[0].Via)
		})
	}
}

func TestPipeline_UnresolvedExpansions(t *testing.T) {
	orphan := tourniquet
	orphan.Links = []string{"A/Missing", "A/Tourniquet"}

	source := writeSource(t, entryLine(t, orphan))

	stats, err := newTestPipeline(t, source, t.TempDir(), newMemStore(), nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.Selected)
	assert.Equal(t, int64(1), stats.Queued, "self links are never queued")
	assert.Equal(t, int64(1), stats.Unresolved)
}

func TestPipeline_ExpansionBounds(t *testing.T) {
	a := tourniquet
	a.Links = []string{"A/One", "A/Two", "A/Three"}

	b := Entry{Path: "A/Bleeding", Title: "Bleeding", Body: "control", Links: []string{"A/Four", "A/Five"}}

	lines := []string{entryLine(t, a), entryLine(t, b)}
	for _, p := range []string{"A/One", "A/Two", "A/Three", "A/Four", "A/Five"} {
		lines = append(lines, entryLine(t, Entry{Path: p, Title: p, Body: "plain"}))
	}

	source := writeSource(t, lines...)

	stats, err := newTestPipeline(t, source, t.TempDir(), newMemStore(), func(c *Config) {
		c.MaxExpansionsPerEntry = 2
		c.MaxExpansionsTotal = 3
	}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Queued)
	assert.Equal(t, int64(3), stats.Expanded)
	assert.Equal(t, int64(5), stats.Selected)
}

func TestPipeline_ExpandedEntriesDoNotExpand(t *testing.T) {
	b := bandage
	b.Links = []string{"A/Football"}

	source := writeSource(t, entryLine(t, tourniquet), entryLine(t, b), entryLine(t, football))

	stats, err := newTestPipeline(t, source, t.TempDir(), newMemStore(), nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.Selected)
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestPipeline_WantedRedirectFollowsTarget(t *testing.T) {
	a := tourniquet
	a.Links = []string{"A/Bandage"}

	alias := Entry{Path: "A/Bandage", Title: "Bandage", Redirect: bandage.Path}

	source := writeSource(t, entryLine(t, a), entryLine(t, alias), entryLine(t, bandage))
	out := t.TempDir()

	stats, err := newTestPipeline(t, source, out, newMemStore(), nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.Selected)
	assert.Equal(t, int64(1), stats.Redirects)

	records := readRecords(t, out)
	require.Len(t, records, 2)
	assert.Equal(t, RecordID(bandage.Path), records[0].ID)
	assert.Equal(t, TierImportant, records[0].Priority)
}

func TestPipeline_SkipsMalformedEntries(t *testing.T) {
	source := writeSource(t,
		entryLine(t, tourniquet),
		`{"path": "A/Broken", "title": `,
		`{"title": "no path"}`,
		entryLine(t, water),
	)

	stats, err := newTestPipeline(t, source, t.TempDir(), newMemStore(), nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.Malformed)
	assert.Equal(t, int64(2), stats.Selected)
}

func TestPipeline_PathPrefixAndLimit(t *testing.T) {
	meta := Entry{Path: "M/Tourniquet", Title: "Tourniquet", Body: "metadata"}

	source := writeSource(t, entryLine(t, meta), entryLine(t, water), entryLine(t, tourniquet))

	stats, err := newTestPipeline(t, source, t.TempDir(), newMemStore(), func(c *Config) {
		c.PathPrefix = "A/"
		c.Limit = 1
		c.MaxExpansionsPerEntry = 0
	}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.Filtered)
	assert.Equal(t, int64(1), stats.Selected)
	assert.Equal(t, int64(1), stats.ByTier["important"])
}

func TestPipeline_ResumeAfterFailedBatch(t *testing.T) {
	source := writeSource(t,
		entryLine(t, tourniquet),
		entryLine(t, bandage),
		entryLine(t, football),
		entryLine(t, water),
		entryLine(t, redirect),
	)
	out := t.TempDir()
	store := newMemStore()
	store.failAt = 3

	_, err := newTestPipeline(t, source, out, store, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	cp, err := LoadCheckpoint(filepath.Join(out, CheckpointFile))
	require.NoError(t, err)
	assert.Equal(t, PhaseScan, cp.Phase)
	assert.Equal(t, 2, cp.Batches)
	assert.Len(t, readRecords(t, out), 2)

	stats, err := newTestPipeline(t, source, out, store, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Selected)
	assert.Equal(t, int64(5), stats.Scanned)
	assert.Len(t, store.rows, 3)

	records := readRecords(t, out)
	require.Len(t, records, 3)

	ids := map[string]bool{}
	for _, rec := range records {
		assert.False(t, ids[rec.ID], "record %s written twice", rec.ID)
		ids[rec.ID] = true
	}
}

func TestPipeline_CompletedRunIsNoop(t *testing.T) {
	source := writeSource(t, entryLine(t, tourniquet))
	out := t.TempDir()
	store := newMemStore()

	first, err := newTestPipeline(t, source, out, store, nil).Run(context.Background())
	require.NoError(t, err)

	second, err := newTestPipeline(t, source, out, store, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Selected, second.Selected)
	assert.Equal(t, 1, store.puts)
}

func TestPipeline_ResetStartsOver(t *testing.T) {
	source := writeSource(t, entryLine(t, tourniquet), entryLine(t, water))
	out := t.TempDir()
	store := newMemStore()

	_, err := newTestPipeline(t, source, out, store, nil).Run(context.Background())
	require.NoError(t, err)

	stats, err := newTestPipeline(t, source, out, store, func(c *Config) { c.Reset = true }).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.Selected)
	assert.Len(t, readRecords(t, out), 2)
}

func TestPipeline_PublishesProgress(t *testing.T) {
	source := writeSource(t, entryLine(t, tourniquet), entryLine(t, water))

	bus := events.New()

	var (
		mu   sync.Mutex
		seen []events.ExtractionProgress
	)

	require.NoError(t, bus.Subscribe(events.TopicExtractionProgress, func(p events.ExtractionProgress) {
		mu.Lock()
		defer mu.Unlock()

		seen = append(seen, p)
	}))

	classifier, err := ParseClassifier(strings.NewReader(testKeywords))
	require.NoError(t, err)

	p := NewPipeline(Config{SourcePath: source, OutputDir: t.TempDir(), BatchSize: 1}, classifier, newMemStore(), bus, nil)

	_, err = p.Run(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, seen, 2)
	assert.Equal(t, int64(2), seen[1].Selected)
}
