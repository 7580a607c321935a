package contentstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/prepperapp/prepper/internal/curation"
	"github.com/prepperapp/prepper/internal/validate"
)

// Reader serves records from a published store. The file is opened
// read-only; nothing in a published module is ever mutated.
type Reader struct {
	db   *sql.DB
	path string
}

// Title is the light listing view of a record used for suggestions.
type Title struct {
	ID       string
	Title    string
	Priority curation.Tier
}

func Open(path string) (*Reader, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_query_only=true")
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to open content store %s: %w", path, err)
	}

	return &Reader{db: db, path: path}, nil
}

func (r *Reader) Get(ctx context.Context, id string) (*curation.ContentRecord, error) {
	var (
		rec      curation.ContentRecord
		category sql.NullString
		priority int
		blob     []byte
	)

	err := r.db.QueryRowContext(ctx,
		`SELECT id, title, category, priority, blob FROM content WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Title, &category, &priority, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	p, err := decode(blob)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}

	rec.Category = category.String
	rec.Priority = curation.Tier(priority)
	rec.Summary = p.Summary
	rec.Body = p.Body
	rec.Keywords = p.Keywords
	rec.Via = p.Via

	return &rec, nil
}

// Summary returns only the stored summary of a record.
func (r *Reader) Summary(ctx context.Context, id string) (string, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}

	return rec.Summary, nil
}

// Titles lists every record's title, most important tier first.
func (r *Reader) Titles(ctx context.Context) ([]Title, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, title, priority FROM content ORDER BY priority, title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Title

	for rows.Next() {
		var (
			t        Title
			priority int
		)

		if err := rows.Scan(&t.ID, &t.Title, &priority); err != nil {
			return nil, err
		}

		t.Priority = curation.Tier(priority)
		out = append(out, t)
	}

	return out, rows.Err()
}

func (r *Reader) Count(ctx context.Context) (int64, error) {
	var n int64

	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content`).Scan(&n)

	return n, err
}

func (r *Reader) Meta(ctx context.Context, key string) (string, error) {
	var v sql.NullString

	err := r.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	return v.String, err
}

// IntegrityCheck runs sqlite's integrity check over the whole file.
func (r *Reader) IntegrityCheck(ctx context.Context) error {
	problems, err := r.integrityProblems(ctx)
	if err == nil && len(problems) > 0 {
		err = errors.New(strings.Join(problems, "; "))
	}

	if err != nil {
		return &validate.IntegrityError{
			Path: r.path,
			Kind: validate.KindDatabase,
			Err:  fmt.Errorf("%w: %v", validate.ErrDatabaseCorrupted, err),
		}
	}

	return nil
}

func (r *Reader) integrityProblems(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var problems []string

	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}

		if line != "ok" {
			problems = append(problems, line)
		}
	}

	return problems, rows.Err()
}

func (r *Reader) Close() error {
	return r.db.Close()
}
