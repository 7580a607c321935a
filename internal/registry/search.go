package registry

import (
	"context"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prepperapp/prepper/internal/curation"
	"github.com/prepperapp/prepper/internal/index"
	"github.com/prepperapp/prepper/internal/logctx"
)

// SearchConfig controls one federated search. Zero fields take the
// registry defaults.
type SearchConfig struct {
	Limit int
	// Weights scale each module's scores. Missing modules weigh 1.0.
	Weights map[string]float64
	// Modules restricts the search to these ids when non-empty.
	Modules []string
	// EmergencyOnly keeps critical-tier content only.
	EmergencyOnly bool
	// Timeout bounds each module's share of the search.
	Timeout time.Duration
}

func (c SearchConfig) withDefaults(d SearchConfig) SearchConfig {
	if c.Limit <= 0 {
		c.Limit = d.Limit
	}

	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}

	if !c.EmergencyOnly {
		c.EmergencyOnly = d.EmergencyOnly
	}

	if len(d.Weights) > 0 {
		merged := make(map[string]float64, len(d.Weights)+len(c.Weights))
		for id, w := range d.Weights {
			merged[id] = w
		}

		// Per-search weights override the configured ones module by module.
		for id, w := range c.Weights {
			merged[id] = w
		}

		c.Weights = merged
	}

	return c
}

func (c SearchConfig) weight(id string) float64 {
	if w, ok := c.Weights[id]; ok {
		return w
	}

	return 1.0
}

type Result struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Summary  string        `json:"summary"`
	Category string        `json:"category,omitempty"`
	Priority curation.Tier `json:"priority"`
	Score    float64       `json:"score"`
	ModuleID string        `json:"module_id"`
}

type moduleHits struct {
	inst *instance
	hits []index.Hit
}

// Search fans text out to every eligible loaded module and merges their
// top hits by score times module weight. A module that fails or times out
// is left out of the merge; the search itself only fails when ctx does.
func (r *Registry) Search(ctx context.Context, text string, cfg SearchConfig) ([]Result, error) {
	cfg = cfg.withDefaults(r.defaults)
	start := time.Now()

	var allow map[string]bool
	if len(cfg.Modules) > 0 {
		allow = make(map[string]bool, len(cfg.Modules))
		for _, id := range cfg.Modules {
			allow[id] = true
		}
	}

	insts := r.acquire(func(id string) bool { return allow == nil || allow[id] })
	defer func() {
		for _, inst := range insts {
			inst.release()
		}
	}()

	if len(insts) == 0 {
		return []Result{}, nil
	}

	q := index.Query{Text: text, Limit: cfg.Limit}
	if cfg.EmergencyOnly {
		critical := int(curation.TierCritical)
		q.MaxTier = &critical
	}

	perModule := make([]moduleHits, len(insts))

	var g errgroup.Group

	for i, inst := range insts {
		g.Go(func() error {
			hits, err := r.searchModule(ctx, inst, q, cfg.Timeout)
			if err == nil {
				perModule[i] = moduleHits{inst: inst, hits: hits}
			}

			return nil
		})
	}

	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := merge(perModule, cfg)
	r.fillSummaries(ctx, results, insts)

	r.telemetry.RecordSearch(ctx, len(insts), time.Since(start))

	return results, nil
}

func (r *Registry) searchModule(ctx context.Context, inst *instance, q index.Query, timeout time.Duration) ([]index.Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hits, err := inst.mod.Search(ctx, q)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	if err != nil {
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}

		logctx.LoggerFromContext(ctx).WarnContext(ctx, "module excluded from search",
			"module_id", inst.id, "reason", reason, "err", err)
		r.telemetry.RecordModuleSearchFailure(ctx, inst.id, reason)

		return nil, err
	}

	return hits, nil
}

// merge rescales hits, keeps the best copy of each id, and returns the
// global top cfg.Limit by score descending, id ascending.
func merge(perModule []moduleHits, cfg SearchConfig) []Result {
	best := make(map[string]Result)

	for _, mh := range perModule {
		if mh.inst == nil {
			continue
		}

		w := cfg.weight(mh.inst.id)

		for _, h := range mh.hits {
			res := Result{
				ID:       h.ID,
				Title:    h.Title,
				Summary:  h.Summary,
				Category: h.Category,
				Priority: curation.Tier(h.Priority),
				Score:    h.Score * w,
				ModuleID: mh.inst.id,
			}

			if cur, ok := best[h.ID]; ok && !better(res, cur) {
				continue
			}

			best[h.ID] = res
		}
	}

	out := make([]Result, 0, len(best))
	for _, res := range best {
		out = append(out, res)
	}

	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })

	if len(out) > cfg.Limit {
		out = out[:cfg.Limit]
	}

	return out
}

func better(a, b Result) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}

	if a.ID != b.ID {
		return a.ID < b.ID
	}

	return a.ModuleID < b.ModuleID
}

// fillSummaries loads summaries the indexes did not store, and counts an
// access for each module that contributed a result.
func (r *Registry) fillSummaries(ctx context.Context, results []Result, insts []*instance) {
	byID := make(map[string]*instance, len(insts))
	for _, inst := range insts {
		byID[inst.id] = inst
	}

	now := r.now()
	touched := make(map[string]bool)

	for i := range results {
		inst := byID[results[i].ModuleID]

		if !touched[inst.id] {
			inst.usage.touch(now)
			touched[inst.id] = true
		}

		if results[i].Summary != "" {
			continue
		}

		rec, err := r.record(ctx, inst, results[i].ID)
		if err != nil {
			logctx.LoggerFromContext(ctx).DebugContext(ctx, "summary unavailable",
				"module_id", inst.id, "id", results[i].ID, "err", err)

			continue
		}

		results[i].Summary = rec.Summary
	}
}
