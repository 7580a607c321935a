package curation

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// Entry is one item of a source archive.
type Entry struct {
	Path     string   `json:"path"`
	Title    string   `json:"title"`
	Category string   `json:"category,omitempty"`
	Body     string   `json:"body"`
	Links    []string `json:"links,omitempty"`
	// Redirect names the path this entry points to. Redirects carry no content.
	Redirect string `json:"redirect,omitempty"`
}

// EntryError reports a malformed entry. The source stays usable and the
// next call to Next moves past it.
type EntryError struct {
	Offset int64
	Err    error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("malformed entry at offset %d: %v", e.Offset, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// Source yields archive entries in a stable order. Offset is the resumable
// position just past the last entry returned.
type Source interface {
	Next() (Entry, error)
	Offset() int64
	Close() error
}

// JSONLSource reads entries from a JSON lines archive, optionally gzip
// compressed. Offsets count uncompressed bytes.
type JSONLSource struct {
	f      *os.File
	gz     *gzip.Reader
	r      *bufio.Reader
	offset int64
}

// OpenJSONL opens path and positions the source at offset.
func OpenJSONL(path string, offset int64) (*JSONLSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}

	s := &JSONLSource{f: f}

	magic := make([]byte, 2)
	n, _ := io.ReadFull(f, magic)

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()

		return nil, err
	}

	var r io.Reader = f

	if n == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()

			return nil, fmt.Errorf("failed to open gzip source: %w", err)
		}

		s.gz = gz
		r = gz

		// gzip streams cannot seek; skip forward instead.
		if _, err := io.CopyN(io.Discard, gz, offset); err != nil {
			s.Close()

			return nil, fmt.Errorf("failed to skip to offset %d: %w", offset, err)
		}
	} else if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()

			return nil, err
		}
	}

	s.r = bufio.NewReaderSize(r, 256*1024)
	s.offset = offset

	return s, nil
}

func (s *JSONLSource) Next() (Entry, error) {
	for {
		start := s.offset

		line, err := s.r.ReadBytes('\n')
		if len(line) == 0 {
			if err == nil {
				continue
			}

			return Entry{}, err
		}

		if err != nil && !errors.Is(err, io.EOF) {
			return Entry{}, fmt.Errorf("failed to read source: %w", err)
		}

		s.offset += int64(len(line))

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}

		var e Entry
		if jerr := json.Unmarshal(trimmed, &e); jerr != nil {
			return Entry{}, &EntryError{Offset: start, Err: jerr}
		}

		if e.Path == "" {
			return Entry{}, &EntryError{Offset: start, Err: errors.New("entry has no path")}
		}

		return e, nil
	}
}

func (s *JSONLSource) Offset() int64 {
	return s.offset
}

func (s *JSONLSource) Close() error {
	if s.gz != nil {
		s.gz.Close()
	}

	return s.f.Close()
}
