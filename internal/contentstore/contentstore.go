// Package contentstore keeps curated records in a single sqlite file keyed
// by record id, with each body stored as a snappy-compressed blob.
package contentstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/prepperapp/prepper/internal/curation"
)

// FileName is the content store's name inside a module directory.
const FileName = "content.db"

var ErrNotFound = errors.New("content not found")

const schema = `
CREATE TABLE IF NOT EXISTS content (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	category TEXT,
	priority INTEGER NOT NULL,
	batch INTEGER NOT NULL DEFAULT 0,
	blob BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS content_batch ON content(batch);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT
);`

// payload is the compressed part of a row. Title and category are kept
// in columns too so listings never decompress.
type payload struct {
	Summary  string   `json:"summary"`
	Body     string   `json:"body"`
	Keywords []string `json:"keywords,omitempty"`
	Via      string   `json:"via,omitempty"`
}

func encode(rec curation.ContentRecord) ([]byte, error) {
	data, err := json.Marshal(payload{
		Summary:  rec.Summary,
		Body:     rec.Body,
		Keywords: rec.Keywords,
		Via:      rec.Via,
	})
	if err != nil {
		return nil, err
	}

	return snappy.Encode(nil, data), nil
}

func decode(blob []byte) (payload, error) {
	var p payload

	data, err := snappy.Decode(nil, blob)
	if err != nil {
		return p, fmt.Errorf("failed to decompress content: %w", err)
	}

	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to decode content: %w", err)
	}

	return p, nil
}
