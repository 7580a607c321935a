package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prepperapp/prepper/internal/storage"
)

// TaskWriteRepository implements storage.TaskWriteRepository
// and stores task and chunk metadata in SQLite.
type TaskWriteRepository struct {
	db *sql.DB
}

func NewTaskWriteRepository(db *sql.DB) *TaskWriteRepository {
	return &TaskWriteRepository{db: db}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (r *TaskWriteRepository) SaveTask(ctx context.Context, task *storage.Task) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer tx.Rollback()

	ts := now()

	created := ts
	if !task.CreatedAt.IsZero() {
		created = task.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, uri, total_size, chunk_size, checksum, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			uri = excluded.uri,
			total_size = excluded.total_size,
			chunk_size = excluded.chunk_size,
			checksum = excluded.checksum,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, task.ID, task.URI, task.TotalSize, task.ChunkSize, task.Checksum, string(task.Status), created, ts)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("failed to reset chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (task_id, idx, start_offset, end_offset, status, checksum, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}

	defer stmt.Close()

	for _, c := range task.Chunks {
		if _, err := stmt.ExecContext(ctx, task.ID, c.Index, c.Start, c.End, string(c.Status), c.Checksum, c.Attempts, ts); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.Index, err)
		}
	}

	return tx.Commit()
}

// UpdateChunk persists the status, checksum and attempt count of one chunk.
func (r *TaskWriteRepository) UpdateChunk(ctx context.Context, taskID string, chunk storage.Chunk) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE chunks SET status = ?, checksum = ?, attempts = ?, updated_at = ? WHERE task_id = ? AND idx = ?`,
		string(chunk.Status), chunk.Checksum, chunk.Attempts, now(), taskID, chunk.Index,
	)
	if err != nil {
		return err
	}

	return expectRow(res, taskID)
}

func (r *TaskWriteRepository) UpdateTaskStatus(ctx context.Context, taskID string, status storage.TaskStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, string(status), now(), taskID)
	if err != nil {
		return err
	}

	return expectRow(res, taskID)
}

// DeleteTask removes a task and its chunks. Deleting an unknown task is not an error.
func (r *TaskWriteRepository) DeleteTask(ctx context.Context, taskID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE task_id = ?`, taskID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID); err != nil {
		return err
	}

	return tx.Commit()
}

func expectRow(res sql.Result, taskID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("task %s: %w", taskID, storage.ErrTaskNotFound)
	}

	return nil
}
