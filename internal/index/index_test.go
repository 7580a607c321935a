package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/blevesearch/bleve/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepperapp/prepper/internal/curation"
	"github.com/prepperapp/prepper/internal/validate"
)

func records(t *testing.T) *curation.RecordReader {
	t.Helper()

	var buf bytes.Buffer

	w := curation.NewRecordWriter(&buf)
	for _, rec := range []curation.ContentRecord{
		{
			ID: "t1", Title: "Tourniquet", Category: "medical", Priority: curation.TierCritical,
			Summary: "Stops severe limb bleeding.",
			Body:    "Apply the tourniquet high and tight on the limb to stop severe bleeding from an artery.",
		},
		{
			ID: "b1", Title: "Pressure bandage", Category: "medical", Priority: curation.TierImportant,
			Summary: "Direct pressure on a wound.",
			Body:    "Hold direct pressure on the wound with a clean bandage until the bleeding stops.",
		},
		{
			ID: "w1", Title: "Water purification", Category: "water", Priority: curation.TierImportant,
			Summary: "Make water safe.",
			Body:    "Boil water for one minute. Severe contamination needs filtering first.",
		},
		{
			ID: "k1", Title: "Bowline knot", Category: "skills", Priority: curation.TierUseful,
			Summary: "A fixed loop.",
			Body:    "The bowline makes a fixed loop that will not slip or bind under load.",
		},
	} {
		require.NoError(t, w.Write(rec))
	}

	require.NoError(t, w.Flush())

	return curation.NewRecordReader(&buf)
}

func build(t *testing.T, settings Settings) (string, Stats) {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "index")

	stats, err := NewBuilder(settings, 2, nil).Build(context.Background(), records(t), dir)
	require.NoError(t, err)

	return dir, stats
}

func ids(hits []Hit) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.ID)
	}

	return out
}

func TestBuild_Basic(t *testing.T) {
	dir, stats := build(t, Settings{Mode: ModeBasic})

	assert.Equal(t, uint64(4), stats.Documents)
	assert.Equal(t, 1, stats.Segments)
	assert.Equal(t, ModeBasic, stats.Mode)
	assert.Positive(t, stats.Bytes)
	assert.NoDirExists(t, dir+".building")

	require.NoError(t, validate.Check(context.Background(), dir, validate.KindIndex))

	settings, err := ReadSettings(dir)
	require.NoError(t, err)
	assert.Equal(t, Settings{Mode: ModeBasic}, settings)

	idx, err := Open(dir)
	require.NoError(t, err)
	defer idx.Close()

	n, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)

	hits, err := idx.Search(context.Background(), Query{Text: "tourniquet"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "t1", hits[0].ID)
	assert.Equal(t, "Tourniquet", hits[0].Title)
	assert.Equal(t, "medical", hits[0].Category)
	assert.Equal(t, 0, hits[0].Priority)
	assert.Empty(t, hits[0].Summary, "summary is not stored by default")
}

func TestSearch_Exclusion(t *testing.T) {
	dir, _ := build(t, Settings{Mode: ModeBasic})

	idx, err := Open(dir)
	require.NoError(t, err)
	defer idx.Close()

	hits, err := idx.Search(context.Background(), Query{Text: "bleeding"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "b1"}, ids(hits))

	hits, err = idx.Search(context.Background(), Query{Text: "bleeding -tourniquet"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, ids(hits))

	hits, err = idx.Search(context.Background(), Query{Text: "-tourniquet"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearch_MaxTier(t *testing.T) {
	dir, _ := build(t, Settings{Mode: ModeBasic})

	idx, err := Open(dir)
	require.NoError(t, err)
	defer idx.Close()

	critical := 0

	hits, err := idx.Search(context.Background(), Query{Text: "severe", MaxTier: &critical})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids(hits))

	hits, err = idx.Search(context.Background(), Query{Text: "severe"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "w1"}, ids(hits))
}

func TestSearch_Phrases(t *testing.T) {
	// "severe bleeding" appears as a phrase only in t1; w1 has both words apart.
	basicDir, _ := build(t, Settings{Mode: ModeBasic})
	fullDir, _ := build(t, Settings{Mode: ModeFull})

	basic, err := Open(basicDir)
	require.NoError(t, err)
	defer basic.Close()

	full, err := Open(fullDir)
	require.NoError(t, err)
	defer full.Close()

	hits, err := full.Search(context.Background(), Query{Text: `"severe contamination"`})
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, ids(hits))

	hits, err = full.Search(context.Background(), Query{Text: `"contamination severe"`})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = basic.Search(context.Background(), Query{Text: `"contamination severe"`})
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, ids(hits), "basic mode matches phrase words in any order")
}

func TestSearch_StoredSummaryAndLimit(t *testing.T) {
	dir, _ := build(t, Settings{Mode: ModeBasic, StoreSummary: true})

	idx, err := Open(dir)
	require.NoError(t, err)
	defer idx.Close()

	assert.True(t, idx.Settings().StoreSummary)

	hits, err := idx.Search(context.Background(), Query{Text: "water", Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "w1", hits[0].ID)
	assert.Equal(t, "Make water safe.", hits[0].Summary)
}

func TestBuild_ReplacesExisting(t *testing.T) {
	dir, _ := build(t, Settings{Mode: ModeBasic})

	var buf bytes.Buffer
	w := curation.NewRecordWriter(&buf)
	require.NoError(t, w.Write(curation.ContentRecord{ID: "x", Title: "Fire", Body: "friction fire"}))
	require.NoError(t, w.Flush())

	stats, err := NewBuilder(Settings{}, 0, nil).Build(context.Background(), curation.NewRecordReader(&buf), dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Documents)
}

func TestBuild_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dir := filepath.Join(t.TempDir(), "index")

	_, err := NewBuilder(Settings{}, 1, nil).Build(ctx, records(t), dir)
	require.ErrorIs(t, err, context.Canceled)
	assert.NoDirExists(t, dir)
	assert.NoDirExists(t, dir+".building")
}

func TestBuildFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), curation.RecordsFile)

	var buf bytes.Buffer
	w := curation.NewRecordWriter(&buf)
	require.NoError(t, w.Write(curation.ContentRecord{ID: "x", Title: "Fire", Body: "friction fire"}))
	require.NoError(t, w.Flush())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	dir := filepath.Join(t.TempDir(), "index")

	stats, err := NewBuilder(Settings{}, 0, nil).BuildFile(context.Background(), path, dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Documents)

	_, err = NewBuilder(Settings{}, 0, nil).BuildFile(context.Background(), filepath.Join(t.TempDir(), "missing"), dir)
	assert.Error(t, err)
}

func repeated(t *testing.T) []curation.ContentRecord {
	t.Helper()

	return []curation.ContentRecord{
		{ID: "once", Title: "Wells", Priority: curation.TierImportant, Body: "water alpha beta gamma delta"},
		{ID: "many", Title: "Cisterns", Priority: curation.TierImportant, Body: "water water water water water"},
		{ID: "crit", Title: "Dehydration", Priority: curation.TierCritical, Body: "drink water slowly"},
	}
}

func streamOf(t *testing.T, recs []curation.ContentRecord) *curation.RecordReader {
	t.Helper()

	var buf bytes.Buffer

	w := curation.NewRecordWriter(&buf)
	for _, rec := range recs {
		require.NoError(t, w.Write(rec))
	}

	require.NoError(t, w.Flush())

	return curation.NewRecordReader(&buf)
}

func TestBasicMode_IgnoresTermFrequency(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")

	_, err := NewBuilder(Settings{Mode: ModeBasic}, 0, nil).Build(context.Background(), streamOf(t, repeated(t)), dir)
	require.NoError(t, err)

	idx, err := Open(dir)
	require.NoError(t, err)
	defer idx.Close()

	hits, err := idx.Search(context.Background(), Query{Text: "water"})
	require.NoError(t, err)
	require.Equal(t, []string{"crit", "many", "once"}, ids(hits))

	assert.Equal(t, hits[1].Score, hits[2].Score, "repetition must not change a basic-mode score")
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestFullMode_RanksByTermFrequency(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")

	_, err := NewBuilder(Settings{Mode: ModeFull}, 0, nil).Build(context.Background(), streamOf(t, repeated(t)[:2]), dir)
	require.NoError(t, err)

	idx, err := Open(dir)
	require.NoError(t, err)
	defer idx.Close()

	hits, err := idx.Search(context.Background(), Query{Text: "water"})
	require.NoError(t, err)
	require.Equal(t, []string{"many", "once"}, ids(hits))
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestBasicMode_SmallerThanFull(t *testing.T) {
	recs := make([]curation.ContentRecord, 0, 200)
	for i := 0; i < 200; i++ {
		recs = append(recs, curation.ContentRecord{
			ID:       fmt.Sprintf("doc%03d", i),
			Title:    fmt.Sprintf("Field guide %d", i),
			Priority: curation.TierUseful,
			Body:     strings.Repeat("boil water before drinking and filter silt through cloth ", 20),
		})
	}

	_, basic, err := buildInto(t, Settings{Mode: ModeBasic}, recs)
	require.NoError(t, err)

	_, full, err := buildInto(t, Settings{Mode: ModeFull}, recs)
	require.NoError(t, err)

	assert.Less(t, basic.Bytes, full.Bytes)
}

func buildInto(t *testing.T, settings Settings, recs []curation.ContentRecord) (string, Stats, error) {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "index")
	stats, err := NewBuilder(settings, 50, nil).Build(context.Background(), streamOf(t, recs), dir)

	return dir, stats, err
}

func TestBuild_FinalizeFailureKeepsIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")
	diskFull := errors.New("disk full")

	b := NewBuilder(Settings{Mode: ModeFull}, 1, nil)
	b.merge = func(context.Context, bleve.Index) error { return diskFull }

	stats, err := b.Build(context.Background(), records(t), dir)

	var fe *FinalizeError
	require.ErrorAs(t, err, &fe)
	require.ErrorIs(t, err, diskFull)
	assert.Equal(t, dir, fe.Dir)
	assert.Equal(t, stats.Segments, fe.Segments)
	assert.Positive(t, stats.Segments)
	assert.Equal(t, uint64(4), stats.Documents)
	assert.Equal(t, ModeFull, stats.Mode)
	assert.Positive(t, stats.Bytes)
	assert.NoDirExists(t, dir+".building")

	// The unmerged index stays usable in the mode it was asked for.
	settings, err := ReadSettings(dir)
	require.NoError(t, err)
	assert.Equal(t, ModeFull, settings.Mode)

	idx, err := Open(dir)
	require.NoError(t, err)
	defer idx.Close()

	n, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)

	hits, err := idx.Search(context.Background(), Query{Text: `"severe contamination"`})
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, ids(hits))
}

func TestBuild_MergeLeavesOneSegment(t *testing.T) {
	merged := 0

	b := NewBuilder(Settings{Mode: ModeBasic}, 1, nil)
	b.merge = func(ctx context.Context, idx bleve.Index) error {
		merged++

		return finalize(ctx, idx)
	}

	stats, err := b.Build(context.Background(), records(t), filepath.Join(t.TempDir(), "index"))
	require.NoError(t, err)
	assert.Equal(t, 1, merged)
	assert.Equal(t, 1, stats.Segments)
}

func TestFinalizeError(t *testing.T) {
	err := &FinalizeError{Dir: "/x", Segments: 3, Err: errors.New("disk full")}
	assert.Contains(t, err.Error(), "3 segments")
	assert.EqualError(t, errors.Unwrap(err), "disk full")
}

func TestParseQuery(t *testing.T) {
	p := parseQuery(`stop  "severe   bleeding" -arterial - "unterminated phrase`)
	assert.Equal(t, []string{"stop"}, p.terms)
	assert.Equal(t, []string{"severe bleeding", "unterminated phrase"}, p.phrases)
	assert.Equal(t, []string{"arterial"}, p.excluded)

	assert.True(t, parseQuery("  -only ").empty())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("FULL")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeBasic, m)

	_, err = ParseMode("phrase")
	assert.Error(t, err)
}
