package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepperapp/prepper/internal/cache"
	"github.com/prepperapp/prepper/internal/contentstore"
	"github.com/prepperapp/prepper/internal/curation"
	"github.com/prepperapp/prepper/internal/index"
)

type fakeModule struct {
	hits    []index.Hit
	records map[string]*curation.ContentRecord
	err     error
	delay   time.Duration
	block   chan struct{}

	searches atomic.Int64
	reads    atomic.Int64
	closed   atomic.Bool
}

func (m *fakeModule) Search(ctx context.Context, q index.Query) ([]index.Hit, error) {
	m.searches.Add(1)

	if m.block != nil {
		<-m.block
	}

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.err != nil {
		return nil, m.err
	}

	var out []index.Hit

	for _, h := range m.hits {
		if q.MaxTier != nil && h.Priority > *q.MaxTier {
			continue
		}

		out = append(out, h)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	if len(out) > q.Limit {
		out = out[:q.Limit]
	}

	return out, nil
}

func (m *fakeModule) Record(_ context.Context, id string) (*curation.ContentRecord, error) {
	m.reads.Add(1)

	rec, ok := m.records[id]
	if !ok {
		return nil, contentstore.ErrNotFound
	}

	return rec, nil
}

func (m *fakeModule) Titles(_ context.Context) ([]contentstore.Title, error) {
	out := make([]contentstore.Title, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, contentstore.Title{ID: rec.ID, Title: rec.Title, Priority: rec.Priority})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (m *fakeModule) Close() error {
	m.closed.Store(true)

	return nil
}

// opener hands out modules by directory name and counts opens.
type opener struct {
	mu      sync.Mutex
	modules map[string]*fakeModule
	opens   map[string]int
}

func newOpener(mods map[string]*fakeModule) *opener {
	return &opener{modules: mods, opens: map[string]int{}}
}

func (o *opener) open(_ context.Context, dir string) (Module, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, ok := o.modules[dir]
	if !ok {
		return nil, fmt.Errorf("no module at %s", dir)
	}

	o.opens[dir]++

	return m, nil
}

func hit(id string, score float64, tier curation.Tier) index.Hit {
	return index.Hit{ID: id, Title: "title " + id, Score: score, Priority: int(tier)}
}

func withRecords(m *fakeModule) *fakeModule {
	m.records = map[string]*curation.ContentRecord{}
	for _, h := range m.hits {
		m.records[h.ID] = &curation.ContentRecord{ID: h.ID, Title: h.Title, Summary: "summary of " + h.ID, Body: "body of " + h.ID, Priority: curation.Tier(h.Priority)}
	}

	return m
}

func newRegistry(t *testing.T, mods map[string]*fakeModule) (*Registry, *opener) {
	t.Helper()

	o := newOpener(mods)
	r := New(o.open, cache.New(1<<20, 100), SearchConfig{Limit: 10, Timeout: time.Second}, nil)

	for dir := range mods {
		require.NoError(t, r.Load(context.Background(), dir, dir))
	}

	return r, o
}

func resultIDs(rs []Result) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ModuleID+":"+r.ID)
	}

	return out
}

func TestLoad_Idempotent(t *testing.T) {
	r, o := newRegistry(t, map[string]*fakeModule{"core": withRecords(&fakeModule{})})

	err := r.Load(context.Background(), "core", "core")
	require.ErrorIs(t, err, ErrAlreadyLoaded)
	assert.Equal(t, 1, o.opens["core"], "a second load opens nothing")
	assert.Equal(t, StateLoaded, r.State("core"))
	assert.Equal(t, []string{"core"}, r.LoadedIDs())
}

func TestLoad_FailureLeavesUnloaded(t *testing.T) {
	r, _ := newRegistry(t, map[string]*fakeModule{})

	err := r.Load(context.Background(), "ghost", "missing-dir")
	require.Error(t, err)
	assert.Equal(t, StateUnloaded, r.State("ghost"))
	assert.Empty(t, r.Modules())
}

func TestUnload(t *testing.T) {
	core := withRecords(&fakeModule{hits: []index.Hit{hit("a", 1, curation.TierCritical)}})
	r, o := newRegistry(t, map[string]*fakeModule{"core": core})

	_, err := r.Content(context.Background(), "core", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Cache().Stats().Entries)

	require.NoError(t, r.Unload(context.Background(), "core"))
	assert.True(t, core.closed.Load())
	assert.Equal(t, StateUnloaded, r.State("core"))
	assert.Zero(t, r.Cache().Stats().Entries, "unload drops the module's cached content")

	assert.ErrorIs(t, r.Unload(context.Background(), "core"), ErrModuleNotLoaded)

	res, err := r.Search(context.Background(), "a", SearchConfig{})
	require.NoError(t, err)
	assert.Empty(t, res)

	core.closed.Store(false)
	require.NoError(t, r.Load(context.Background(), "core", "core"))
	assert.Equal(t, 2, o.opens["core"])
}

func TestUnload_WaitsForInflightSearch(t *testing.T) {
	slow := withRecords(&fakeModule{hits: []index.Hit{hit("a", 1, curation.TierCritical)}, block: make(chan struct{})})
	r, _ := newRegistry(t, map[string]*fakeModule{"slow": slow})

	done := make(chan []Result)

	go func() {
		res, _ := r.Search(context.Background(), "a", SearchConfig{Timeout: 5 * time.Second})
		done <- res
	}()

	require.Eventually(t, func() bool { return slow.searches.Load() == 1 }, time.Second, time.Millisecond)

	unloaded := make(chan error)
	go func() { unloaded <- r.Unload(context.Background(), "slow") }()

	require.Eventually(t, func() bool { return r.State("slow") == StateUnloading }, time.Second, time.Millisecond)
	assert.False(t, slow.closed.Load(), "module stays open while a search uses it")

	close(slow.block)

	res := <-done
	require.NoError(t, <-unloaded)
	assert.Len(t, res, 1)
	assert.True(t, slow.closed.Load())
}

func TestReload(t *testing.T) {
	v1 := withRecords(&fakeModule{hits: []index.Hit{hit("old", 1, curation.TierCritical)}})
	v2 := withRecords(&fakeModule{hits: []index.Hit{hit("new", 1, curation.TierCritical)}})

	r, _ := newRegistry(t, map[string]*fakeModule{"core": v1})

	o := newOpener(map[string]*fakeModule{"core": v1, "core-v2": v2})
	r.open = o.open

	require.NoError(t, r.Reload(context.Background(), "core", "core-v2"))
	assert.True(t, v1.closed.Load())
	assert.Equal(t, StateLoaded, r.State("core"))

	res, err := r.Search(context.Background(), "x", SearchConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"core:new"}, resultIDs(res))

	info, ok := r.Info("core")
	require.True(t, ok)
	assert.Equal(t, "core-v2", info.Dir)

	err = r.Reload(context.Background(), "core", "nowhere")
	require.Error(t, err)
	assert.Equal(t, StateLoaded, r.State("core"), "a failed reload keeps the current copy")
	assert.False(t, v2.closed.Load())

	assert.ErrorIs(t, r.Reload(context.Background(), "plants", ""), ErrModuleNotLoaded)
}

func TestSearch_MergesByWeightedScore(t *testing.T) {
	mods := map[string]*fakeModule{
		"core": withRecords(&fakeModule{hits: []index.Hit{
			hit("c1", 10, curation.TierCritical),
			hit("c2", 6, curation.TierImportant),
			hit("c3", 1, curation.TierUseful),
		}}),
		"water": withRecords(&fakeModule{hits: []index.Hit{
			hit("w1", 8, curation.TierImportant),
			hit("w2", 5, curation.TierUseful),
		}}),
	}

	r, _ := newRegistry(t, mods)

	res, err := r.Search(context.Background(), "q", SearchConfig{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"core:c1", "water:w1", "core:c2"}, resultIDs(res))
	assert.Equal(t, "summary of c1", res[0].Summary)

	res, err = r.Search(context.Background(), "q", SearchConfig{Limit: 3, Weights: map[string]float64{"water": 2}})
	require.NoError(t, err)
	assert.Equal(t, []string{"water:w1", "core:c1", "water:w2"}, resultIDs(res), "equal scores fall back to id order")
	assert.Equal(t, 16.0, res[0].Score)
}

func TestSearch_DefaultWeights(t *testing.T) {
	mods := map[string]*fakeModule{
		"core":  withRecords(&fakeModule{hits: []index.Hit{hit("c1", 10, curation.TierCritical)}}),
		"water": withRecords(&fakeModule{hits: []index.Hit{hit("w1", 8, curation.TierImportant)}}),
	}

	o := newOpener(mods)
	r := New(o.open, cache.New(1<<20, 100), SearchConfig{Limit: 10, Timeout: time.Second, Weights: map[string]float64{"water": 2}}, nil)

	for dir := range mods {
		require.NoError(t, r.Load(context.Background(), dir, dir))
	}

	res, err := r.Search(context.Background(), "q", SearchConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"water:w1", "core:c1"}, resultIDs(res))
	assert.Equal(t, 16.0, res[0].Score)

	res, err = r.Search(context.Background(), "q", SearchConfig{Weights: map[string]float64{"core": 3}})
	require.NoError(t, err)
	assert.Equal(t, []string{"core:c1", "water:w1"}, resultIDs(res))
	assert.Equal(t, 30.0, res[0].Score)
	assert.Equal(t, 16.0, res[1].Score, "configured weights still apply to modules the request leaves out")

	res, err = r.Search(context.Background(), "q", SearchConfig{Weights: map[string]float64{"water": 1}})
	require.NoError(t, err)
	assert.Equal(t, []string{"core:c1", "water:w1"}, resultIDs(res))
	assert.Equal(t, 8.0, res[1].Score)
}

func TestSearch_MatchesMergeOfPerModuleTopK(t *testing.T) {
	mods := map[string]*fakeModule{}
	for m := range 4 {
		var hits []index.Hit
		for i := range 15 {
			hits = append(hits, hit(fmt.Sprintf("m%d-%02d", m, i), float64((i*7+m*3)%11)+0.5, curation.TierUseful))
		}

		mods[fmt.Sprintf("mod%d", m)] = withRecords(&fakeModule{hits: hits})
	}

	r, _ := newRegistry(t, mods)

	weights := map[string]float64{"mod0": 0.5, "mod1": 1, "mod2": 1.5, "mod3": 3}
	const limit = 7

	res, err := r.Search(context.Background(), "q", SearchConfig{Limit: limit, Weights: weights})
	require.NoError(t, err)

	var expected []Result

	for id, m := range mods {
		top, err := m.Search(context.Background(), index.Query{Limit: limit})
		require.NoError(t, err)

		for _, h := range top {
			expected = append(expected, Result{ID: h.ID, ModuleID: id, Score: h.Score * weights[id]})
		}
	}

	sort.Slice(expected, func(i, j int) bool { return better(expected[i], expected[j]) })
	expected = expected[:limit]

	assert.Equal(t, resultIDs(expected), resultIDs(res))
}

func TestSearch_DedupesByIDKeepingBest(t *testing.T) {
	r, _ := newRegistry(t, map[string]*fakeModule{
		"core":  withRecords(&fakeModule{hits: []index.Hit{hit("shared", 3, curation.TierCritical)}}),
		"extra": withRecords(&fakeModule{hits: []index.Hit{hit("shared", 5, curation.TierCritical)}}),
	})

	res, err := r.Search(context.Background(), "q", SearchConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"extra:shared"}, resultIDs(res))
}

func TestSearch_TieBreaksByID(t *testing.T) {
	r, _ := newRegistry(t, map[string]*fakeModule{
		"core": withRecords(&fakeModule{hits: []index.Hit{hit("b", 1, 0), hit("c", 1, 0), hit("a", 1, 0)}}),
	})

	res, err := r.Search(context.Background(), "q", SearchConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"core:a", "core:b", "core:c"}, resultIDs(res))
}

func TestSearch_GracefulDegradation(t *testing.T) {
	healthy := map[string]*fakeModule{
		"core":  withRecords(&fakeModule{hits: []index.Hit{hit("c1", 4, 0), hit("c2", 2, 1)}}),
		"water": withRecords(&fakeModule{hits: []index.Hit{hit("w1", 3, 1)}}),
	}

	baseline, _ := newRegistry(t, healthy)

	want, err := baseline.Search(context.Background(), "q", SearchConfig{})
	require.NoError(t, err)

	withBroken := map[string]*fakeModule{
		"core":    healthy["core"],
		"water":   healthy["water"],
		"corrupt": {err: errors.New("segment checksum mismatch")},
		"slow":    {hits: []index.Hit{hit("s1", 100, 0)}, delay: time.Second},
	}

	r, _ := newRegistry(t, withBroken)

	got, err := r.Search(context.Background(), "q", SearchConfig{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, resultIDs(want), resultIDs(got))
}

func TestSearch_FiltersAndEmergency(t *testing.T) {
	r, _ := newRegistry(t, map[string]*fakeModule{
		"core":  withRecords(&fakeModule{hits: []index.Hit{hit("c1", 4, curation.TierCritical), hit("c2", 9, curation.TierUseful)}}),
		"water": withRecords(&fakeModule{hits: []index.Hit{hit("w1", 3, curation.TierCritical)}}),
	})

	res, err := r.Search(context.Background(), "q", SearchConfig{Modules: []string{"water"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"water:w1"}, resultIDs(res))

	res, err = r.Search(context.Background(), "q", SearchConfig{EmergencyOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"core:c1", "water:w1"}, resultIDs(res))

	res, err = r.Search(context.Background(), "q", SearchConfig{Modules: []string{"plants"}})
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.Empty(t, res)
}

func TestSearch_NoModules(t *testing.T) {
	r := New(newOpener(nil).open, nil, SearchConfig{}, nil)

	res, err := r.Search(context.Background(), "anything", SearchConfig{})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestContent_UsesCacheAndTracksAccess(t *testing.T) {
	core := withRecords(&fakeModule{hits: []index.Hit{hit("a", 1, 0)}})
	r, _ := newRegistry(t, map[string]*fakeModule{"core": core})

	before, _ := r.Info("core")
	assert.Zero(t, before.Accesses)

	for range 3 {
		rec, err := r.Content(context.Background(), "core", "a")
		require.NoError(t, err)
		assert.Equal(t, "body of a", rec.Body)
	}

	assert.Equal(t, int64(1), core.reads.Load())

	info, _ := r.Info("core")
	assert.Equal(t, int64(3), info.Accesses)
	assert.False(t, info.LastAccess.IsZero())

	_, err := r.Content(context.Background(), "core", "missing")
	assert.ErrorIs(t, err, contentstore.ErrNotFound)

	_, err = r.Content(context.Background(), "water", "a")
	assert.ErrorIs(t, err, ErrModuleNotLoaded)
}

func TestLeastRecentlyUsed(t *testing.T) {
	mods := map[string]*fakeModule{
		"a": withRecords(&fakeModule{hits: []index.Hit{hit("x", 1, 0)}}),
		"b": withRecords(&fakeModule{hits: []index.Hit{hit("y", 1, 0)}}),
		"c": withRecords(&fakeModule{hits: []index.Hit{hit("z", 1, 0)}}),
	}

	r, _ := newRegistry(t, mods)

	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	r.now = func() time.Time { return now.Add(-72 * time.Hour) }
	_, err := r.Content(context.Background(), "b", "y")
	require.NoError(t, err)

	r.now = func() time.Time { return now }
	_, err = r.Content(context.Background(), "c", "z")
	require.NoError(t, err)

	lru := r.LeastRecentlyUsed(now.Add(-24 * time.Hour))

	ids := make([]string, 0, len(lru))
	for _, info := range lru {
		ids = append(ids, info.ID)
	}

	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestSuggest(t *testing.T) {
	core := &fakeModule{records: map[string]*curation.ContentRecord{
		"t1": {ID: "t1", Title: "Tourniquet", Priority: curation.TierCritical},
		"t2": {ID: "t2", Title: "Tourniquet improvised", Priority: curation.TierImportant},
		"w1": {ID: "w1", Title: "Water purification", Priority: curation.TierImportant},
	}}

	r, _ := newRegistry(t, map[string]*fakeModule{"core": core})

	got, err := r.Suggest(context.Background(), "trniqt", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Tourniquet", got[0].Title)
	assert.Equal(t, "core", got[0].ModuleID)

	got, err = r.Suggest(context.Background(), "   ", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestConcurrentSearchAndReload(t *testing.T) {
	v1 := withRecords(&fakeModule{hits: []index.Hit{hit("a", 1, 0)}})
	other := withRecords(&fakeModule{hits: []index.Hit{hit("b", 2, 0)}})

	r, _ := newRegistry(t, map[string]*fakeModule{"core": v1, "other": other})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for ctx.Err() == nil {
				res, err := r.Search(ctx, "q", SearchConfig{})
				if err != nil {
					return
				}

				// other is never touched and must always be present.
				found := false
				for _, res := range res {
					if res.ModuleID == "other" {
						found = true
					}
				}

				assert.True(t, found)
			}
		}()
	}

	for range 20 {
		require.NoError(t, r.Reload(context.Background(), "core", ""))
	}

	cancel()
	wg.Wait()
}
