package index

import (
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// parsed is a user query split into its parts. Terms and phrases are
// required; excluded terms must not appear.
type parsed struct {
	terms    []string
	phrases  []string
	excluded []string
}

func (p parsed) empty() bool {
	return len(p.terms) == 0 && len(p.phrases) == 0
}

// parseQuery splits text on whitespace, honouring double-quoted phrases
// and a leading '-' for exclusions. An unterminated quote runs to the end.
func parseQuery(text string) parsed {
	var (
		p       parsed
		current strings.Builder
		quoted  bool
	)

	flush := func() {
		word := current.String()
		current.Reset()

		if quoted {
			if phrase := strings.Join(strings.Fields(word), " "); phrase != "" {
				p.phrases = append(p.phrases, phrase)
			}

			return
		}

		switch {
		case word == "" || word == "-":
		case strings.HasPrefix(word, "-"):
			p.excluded = append(p.excluded, word[1:])
		default:
			p.terms = append(p.terms, word)
		}
	}

	for _, r := range text {
		switch {
		case r == '"':
			flush()
			quoted = !quoted
		case unicode.IsSpace(r) && !quoted:
			flush()
		default:
			current.WriteRune(r)
		}
	}

	flush()

	return p
}

var searchFields = []string{fieldTitle, fieldBody}

// anyField matches text in the title or the body. Title matches rank higher.
func anyField(text string, phrase bool) query.Query {
	qs := make([]query.Query, 0, len(searchFields))

	for _, field := range searchFields {
		var q query.FieldableQuery

		if phrase {
			mq := bleve.NewMatchPhraseQuery(text)
			q = mq
		} else {
			mq := bleve.NewMatchQuery(text)
			mq.SetOperator(query.MatchQueryOperatorAnd)
			q = mq
		}

		q.SetField(field)

		if field == fieldTitle {
			if b, ok := q.(query.BoostableQuery); ok {
				b.SetBoost(2.0)
			}
		}

		qs = append(qs, q)
	}

	return bleve.NewDisjunctionQuery(qs...)
}

// toBleve builds the query for an index. Without positions a phrase
// becomes a requirement that all of its words appear.
func (p parsed) toBleve(mode Mode, maxTier *int) query.Query {
	must := make([]query.Query, 0, len(p.terms)+len(p.phrases)+1)

	for _, t := range p.terms {
		must = append(must, anyField(t, false))
	}

	for _, ph := range p.phrases {
		must = append(must, anyField(ph, mode == ModeFull))
	}

	if maxTier != nil {
		lo, hi := 0.0, float64(*maxTier)
		inclusive := true

		r := bleve.NewNumericRangeInclusiveQuery(&lo, &hi, &inclusive, &inclusive)
		r.SetField(fieldPriority)

		must = append(must, r)
	}

	bq := bleve.NewBooleanQuery()
	bq.AddMust(must...)

	if len(p.excluded) > 0 {
		not := make([]query.Query, 0, len(p.excluded))
		for _, t := range p.excluded {
			not = append(not, anyField(t, false))
		}

		bq.AddMustNot(not...)
	}

	return bq
}
