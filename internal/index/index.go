// Package index builds and queries the full-text index of a module.
package index

import (
	"context"
	"fmt"

	"github.com/blevesearch/bleve/v2"
)

const defaultLimit = 20

type Query struct {
	Text  string
	Limit int
	// MaxTier, when set, keeps only hits at that tier or more important.
	MaxTier *int
}

type Hit struct {
	ID       string
	Title    string
	Category string
	Priority int
	// Summary is empty unless the index stores summaries.
	Summary string
	Score   float64
}

// Index is a read-only handle on a built index. It is safe for concurrent
// searches.
type Index struct {
	idx      bleve.Index
	settings Settings
	dir      string
}

func Open(dir string) (*Index, error) {
	settings, err := ReadSettings(dir)
	if err != nil {
		return nil, err
	}

	idx, err := bleve.OpenUsing(dir, map[string]interface{}{"read_only": true})
	if err != nil {
		return nil, fmt.Errorf("failed to open index %s: %w", dir, err)
	}

	return &Index{idx: idx, settings: settings, dir: dir}, nil
}

func (i *Index) Settings() Settings {
	return i.settings
}

// Search runs q and returns hits by descending score, ties broken by tier
// then id. A query with no required terms matches nothing. Basic indexes
// carry no frequencies, so their hits are scored by tier alone.
func (i *Index) Search(ctx context.Context, q Query) ([]Hit, error) {
	p := parseQuery(q.Text)
	if p.empty() {
		return nil, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	req := bleve.NewSearchRequestOptions(p.toBleve(i.settings.Mode, q.MaxTier), limit, 0, false)
	req.Fields = []string{fieldTitle, fieldCategory, fieldPriority}

	if i.settings.StoreSummary {
		req.Fields = append(req.Fields, fieldSummary)
	}

	req.SortBy([]string{"-_score", fieldPriority, "_id"})

	res, err := i.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))

	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		hit.Title, _ = h.Fields[fieldTitle].(string)
		hit.Category, _ = h.Fields[fieldCategory].(string)
		hit.Summary, _ = h.Fields[fieldSummary].(string)

		if p, ok := h.Fields[fieldPriority].(float64); ok {
			hit.Priority = int(p)
		}

		if i.settings.Mode != ModeFull {
			hit.Score = presenceScore(hit.Priority)
		}

		hits = append(hits, hit)
	}

	return hits, nil
}

// presenceScore ranks a basic-mode hit: critical 1, important 1/2,
// useful 1/3.
func presenceScore(priority int) float64 {
	if priority < 0 {
		priority = 0
	}

	return 1 / float64(priority+1)
}

func (i *Index) Count() (uint64, error) {
	return i.idx.DocCount()
}

func (i *Index) Close() error {
	return i.idx.Close()
}
