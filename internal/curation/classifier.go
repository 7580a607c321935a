package curation

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// previewLength bounds how much of a body the classifier reads.
const previewLength = 2000

// maxKeywords caps the matched keywords kept on a record.
const maxKeywords = 5

type term struct {
	keyword  string
	category string
}

// Classifier assigns tiers by case-insensitive substring matching against a
// curated term list. It holds no mutable state, so the same title and body
// always yield the same result.
type Classifier struct {
	terms [3][]term
}

type Classification struct {
	Tier     Tier
	Keywords []string
	Category string
}

func (c Classification) Matched() bool {
	return c.Tier.Valid()
}

// LoadClassifier reads a keyword file with one "keyword|tier[|category]"
// entry per line. Blank lines and lines starting with # are ignored.
func LoadClassifier(path string) (*Classifier, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open keywords file: %w", err)
	}
	defer f.Close()

	return ParseClassifier(f)
}

func ParseClassifier(r io.Reader) (*Classifier, error) {
	c := &Classifier{}
	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, "|")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("keywords line %d: expected keyword|tier[|category], got %q", lineNo, line)
		}

		keyword := strings.ToLower(strings.TrimSpace(parts[0]))
		if keyword == "" {
			return nil, fmt.Errorf("keywords line %d: empty keyword", lineNo)
		}

		tier, err := ParseTier(parts[1])
		if err != nil {
			return nil, fmt.Errorf("keywords line %d: %w", lineNo, err)
		}

		t := term{keyword: keyword}
		if len(parts) == 3 {
			t.category = strings.TrimSpace(parts[2])
		}

		c.terms[tier] = append(c.terms[tier], t)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read keywords: %w", err)
	}

	if c.Len() == 0 {
		return nil, fmt.Errorf("keywords file contains no terms")
	}

	return c, nil
}

// Len returns the number of terms across all tiers.
func (c *Classifier) Len() int {
	return len(c.terms[0]) + len(c.terms[1]) + len(c.terms[2])
}

// Classify scans the title and the first 2000 characters of body. A
// critical term wins immediately; otherwise the best matching tier is used.
func (c *Classifier) Classify(title, body string) Classification {
	title = strings.ToLower(title)
	preview := strings.ToLower(truncateRunes(body, previewLength))

	result := Classification{Tier: TierNone}

	for _, tier := range Tiers {
		for _, t := range c.terms[tier] {
			if !strings.Contains(title, t.keyword) && !strings.Contains(preview, t.keyword) {
				continue
			}

			if !result.Tier.Valid() {
				result.Tier = tier
				result.Category = t.category
			}

			if len(result.Keywords) < maxKeywords {
				result.Keywords = append(result.Keywords, t.keyword)
			}

			if tier == TierCritical {
				return result
			}
		}
	}

	return result
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}

	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}

	return s
}
