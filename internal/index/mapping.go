package index

import (
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
)

// Mode trades index size for query features.
type Mode string

const (
	// ModeBasic records term presence only. Phrase queries degrade to
	// requiring every word of the phrase.
	ModeBasic Mode = "basic"
	// ModeFull also records term positions, enabling phrase queries.
	ModeFull Mode = "full"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeBasic, "":
		return ModeBasic, nil
	case ModeFull:
		return ModeFull, nil
	default:
		return "", fmt.Errorf("unknown index mode %q", s)
	}
}

const (
	fieldTitle    = "title"
	fieldCategory = "category"
	fieldPriority = "priority"
	fieldBody     = "body"
	fieldSummary  = "summary"
)

// Settings describe how an index was built. They are persisted next to
// the index so readers know which query features it supports.
type Settings struct {
	Mode         Mode `json:"mode"`
	StoreSummary bool `json:"store_summary"`
}

// buildMapping returns the fixed schema. Nothing is mapped dynamically.
// Basic mode records term presence only: no positions, frequencies or
// norms, so every matching document scores alike on a single term.
func buildMapping(s Settings) mapping.IndexMapping {
	full := s.Mode == ModeFull

	title := bleve.NewTextFieldMapping()
	title.Analyzer = en.AnalyzerName
	title.Store = true
	title.IncludeInAll = false
	title.IncludeTermVectors = full
	title.SkipFreqNorm = !full
	title.DocValues = false

	category := bleve.NewTextFieldMapping()
	category.Analyzer = keyword.Name
	category.Store = true
	category.IncludeInAll = false
	category.IncludeTermVectors = false
	category.DocValues = false

	priority := bleve.NewNumericFieldMapping()
	priority.Store = true
	priority.IncludeInAll = false
	priority.DocValues = true

	body := bleve.NewTextFieldMapping()
	body.Analyzer = en.AnalyzerName
	body.Store = false
	body.IncludeInAll = false
	body.IncludeTermVectors = full
	body.SkipFreqNorm = !full
	body.DocValues = false

	doc := bleve.NewDocumentStaticMapping()
	doc.AddFieldMappingsAt(fieldTitle, title)
	doc.AddFieldMappingsAt(fieldCategory, category)
	doc.AddFieldMappingsAt(fieldPriority, priority)
	doc.AddFieldMappingsAt(fieldBody, body)

	if s.StoreSummary {
		summary := bleve.NewTextFieldMapping()
		summary.Store = true
		summary.Index = false
		summary.IncludeInAll = false
		summary.IncludeTermVectors = false
		summary.DocValues = false

		doc.AddFieldMappingsAt(fieldSummary, summary)
	}

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = en.AnalyzerName
	im.StoreDynamic = false
	im.IndexDynamic = false
	im.DocValuesDynamic = false

	return im
}
