package registry

import (
	"context"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/prepperapp/prepper/internal/curation"
)

func cacheKey(moduleID, id string) string {
	return moduleID + "/" + id
}

// recordSize approximates the memory a cached record holds.
func recordSize(rec *curation.ContentRecord) int64 {
	n := len(rec.ID) + len(rec.Title) + len(rec.Category) + len(rec.Summary) + len(rec.Body) + len(rec.Via)
	for _, k := range rec.Keywords {
		n += len(k)
	}

	return int64(n)
}

// Content returns a full record from a loaded module and counts an access.
func (r *Registry) Content(ctx context.Context, moduleID, id string) (*curation.ContentRecord, error) {
	inst, err := r.acquireOne(moduleID)
	if err != nil {
		return nil, err
	}
	defer inst.release()

	rec, err := r.record(ctx, inst, id)
	if err != nil {
		return nil, err
	}

	inst.usage.touch(r.now())

	return rec, nil
}

// record reads through the content cache.
func (r *Registry) record(ctx context.Context, inst *instance, id string) (*curation.ContentRecord, error) {
	key := cacheKey(inst.id, id)

	if v, ok := r.cache.Get(key); ok {
		r.telemetry.RecordCacheOperation(ctx, "hit")

		return v.(*curation.ContentRecord), nil
	}

	r.telemetry.RecordCacheOperation(ctx, "miss")

	rec, err := inst.mod.Record(ctx, id)
	if err != nil {
		return nil, err
	}

	admitted, evicted := r.cache.Put(key, rec, recordSize(rec))
	if !admitted {
		r.telemetry.RecordCacheOperation(ctx, "rejected")
	}

	for range evicted {
		r.telemetry.RecordCacheOperation(ctx, "eviction")
	}

	return rec, nil
}

type Suggestion struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Priority curation.Tier `json:"priority"`
	ModuleID string        `json:"module_id"`
	Distance int           `json:"distance"`
}

// Suggest returns titles across loaded modules that fuzzily contain text,
// closest first. It backs "did you mean" when a search finds nothing.
func (r *Registry) Suggest(ctx context.Context, text string, limit int) ([]Suggestion, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []Suggestion{}, nil
	}

	if limit <= 0 {
		limit = r.defaults.Limit
	}

	insts := r.acquire(nil)
	defer func() {
		for _, inst := range insts {
			inst.release()
		}
	}()

	out := []Suggestion{}

	for _, inst := range insts {
		inst.titlesOnce.Do(func() {
			inst.titles, inst.titlesErr = inst.mod.Titles(context.WithoutCancel(ctx))
		})

		if inst.titlesErr != nil {
			r.telemetry.RecordModuleSearchFailure(ctx, inst.id, "titles")

			continue
		}

		targets := make([]string, len(inst.titles))
		for i, t := range inst.titles {
			targets[i] = t.Title
		}

		for _, rank := range fuzzy.RankFindFold(text, targets) {
			t := inst.titles[rank.OriginalIndex]
			out = append(out, Suggestion{
				ID:       t.ID,
				Title:    t.Title,
				Priority: t.Priority,
				ModuleID: inst.id,
				Distance: rank.Distance,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}

		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}

		if a.Title != b.Title {
			return a.Title < b.Title
		}

		return a.ModuleID < b.ModuleID
	})

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}
