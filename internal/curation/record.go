package curation

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const summaryLength = 300

// ContentRecord is one curated entry. Once written it is immutable and
// addressed by ID from both the content store and the index.
type ContentRecord struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Category string   `json:"category"`
	Priority Tier     `json:"priority"`
	Summary  string   `json:"summary"`
	Body     string   `json:"body"`
	Keywords []string `json:"keywords,omitempty"`
	// Via is the id of the entry that pulled this one in by expansion.
	Via string `json:"via,omitempty"`
}

// RecordID derives a stable id from a source entry path.
func RecordID(path string) string {
	sum := sha1.Sum([]byte(path))

	return hex.EncodeToString(sum[:])[:12]
}

var (
	templateRe = regexp.MustCompile(`\{\{[^}]+\}\}`)
	pipeLinkRe = regexp.MustCompile(`\[\[([^|\]]+)\|([^\]]+)\]\]`)
	linkRe     = regexp.MustCompile(`\[\[([^\]]+)\]\]`)
	refRe      = regexp.MustCompile(`(?s)<ref[^>]*>.*?</ref>`)
	scriptRe   = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe    = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	tagRe      = regexp.MustCompile(`<[^>]+>`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// CleanBody strips wiki markup, references, scripts and tags, and collapses whitespace.
func CleanBody(body string) string {
	body = templateRe.ReplaceAllString(body, "")
	body = pipeLinkRe.ReplaceAllString(body, "$2")
	body = linkRe.ReplaceAllString(body, "$1")
	body = refRe.ReplaceAllString(body, "")
	body = scriptRe.ReplaceAllString(body, "")
	body = styleRe.ReplaceAllString(body, "")
	body = tagRe.ReplaceAllString(body, " ")
	body = spaceRe.ReplaceAllString(body, " ")

	return strings.TrimSpace(body)
}

// Summarize returns the first 300 characters of a cleaned body, marking truncation with "...".
func Summarize(cleaned string) string {
	summary := truncateRunes(cleaned, summaryLength)
	if len(summary) < len(cleaned) {
		summary += "..."
	}

	return summary
}

// RecordWriter appends records to a JSON lines stream.
type RecordWriter struct {
	w   *bufio.Writer
	enc *json.Encoder
}

func NewRecordWriter(w io.Writer) *RecordWriter {
	bw := bufio.NewWriter(w)

	return &RecordWriter{w: bw, enc: json.NewEncoder(bw)}
}

func (rw *RecordWriter) Write(rec ContentRecord) error {
	return rw.enc.Encode(rec)
}

func (rw *RecordWriter) Flush() error {
	return rw.w.Flush()
}

// RecordReader streams records back from a JSON lines stream.
type RecordReader struct {
	r    *bufio.Reader
	line int
}

func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns io.EOF after the last record.
func (rr *RecordReader) Next() (ContentRecord, error) {
	for {
		line, err := rr.r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return ContentRecord{}, err
		}

		rr.line++

		if len(strings.TrimSpace(string(line))) == 0 {
			if err != nil {
				return ContentRecord{}, err
			}

			continue
		}

		var rec ContentRecord
		if jerr := json.Unmarshal(line, &rec); jerr != nil {
			return ContentRecord{}, fmt.Errorf("record stream line %d: %w", rr.line, jerr)
		}

		return rec, nil
	}
}
