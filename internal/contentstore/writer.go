package contentstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prepperapp/prepper/internal/curation"
)

// Writer builds a content store. It is used by a single pipeline and is
// safe for the one flush goroutine plus the scanning goroutine.
type Writer struct {
	db *sql.DB
}

// Create opens or creates the store at path for writing.
func Create(path string) (*Writer, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create content schema: %w", err)
	}

	return &Writer{db: db}, nil
}

// PutBatch writes records in one transaction, tagging each row with batch.
func (w *Writer) PutBatch(ctx context.Context, batch int, records []curation.ContentRecord) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO content (id, title, category, priority, batch, blob) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		blob, err := encode(rec)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}

		if _, err := stmt.ExecContext(ctx, rec.ID, rec.Title, rec.Category, int(rec.Priority), batch, blob); err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

func (w *Writer) Has(ctx context.Context, id string) (bool, error) {
	var one int

	err := w.db.QueryRowContext(ctx, `SELECT 1 FROM content WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// TruncateAfter removes rows committed by batches later than batch.
func (w *Writer) TruncateAfter(ctx context.Context, batch int) error {
	_, err := w.db.ExecContext(ctx, `DELETE FROM content WHERE batch > ?`, batch)

	return err
}

func (w *Writer) SetMeta(ctx context.Context, key, value string) error {
	_, err := w.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value)

	return err
}

func (w *Writer) Count(ctx context.Context) (int64, error) {
	var n int64

	err := w.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content`).Scan(&n)

	return n, err
}

// Close checkpoints the write-ahead log so the store is a single
// self-contained file once closed.
func (w *Writer) Close() error {
	if _, err := w.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		w.db.Close()

		return fmt.Errorf("failed to checkpoint content store: %w", err)
	}

	if _, err := w.db.Exec(`PRAGMA journal_mode=DELETE`); err != nil {
		w.db.Close()

		return err
	}

	return w.db.Close()
}
