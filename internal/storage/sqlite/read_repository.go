package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/prepperapp/prepper/internal/storage"
)

type TaskReadRepository struct {
	db *sql.DB
}

func NewTaskReadRepository(dbConn *sql.DB) *TaskReadRepository {
	return &TaskReadRepository{db: dbConn}
}

func (r *TaskReadRepository) GetTask(ctx context.Context, id string) (*storage.Task, error) {
	task := &storage.Task{}

	var (
		checksum             sql.NullString
		status               string
		createdAt, updatedAt string
	)

	err := r.db.QueryRowContext(ctx,
		`SELECT id, uri, total_size, chunk_size, checksum, status, created_at, updated_at FROM tasks WHERE id = ?`, id,
	).Scan(&task.ID, &task.URI, &task.TotalSize, &task.ChunkSize, &checksum, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTaskNotFound
	}

	if err != nil {
		return nil, err
	}

	task.Checksum = checksum.String
	task.Status = storage.TaskStatus(status)
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)

	chunks, err := r.chunks(ctx, id)
	if err != nil {
		return nil, err
	}

	task.Chunks = chunks

	return task, nil
}

func (r *TaskReadRepository) ListTasks(ctx context.Context) ([]*storage.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()

			return nil, err
		}

		ids = append(ids, id)
	}

	if err := rows.Close(); err != nil {
		return nil, err
	}

	tasks := make([]*storage.Task, 0, len(ids))

	for _, id := range ids {
		task, err := r.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, task)
	}

	return tasks, nil
}

func (r *TaskReadRepository) chunks(ctx context.Context, taskID string) ([]storage.Chunk, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT 
			idx, 
			start_offset, 
			end_offset, 
			status, 
			checksum, 
			attempts, 
			updated_at 
		FROM chunks 
		WHERE task_id = ? 
		ORDER BY idx`, taskID)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var chunks []storage.Chunk

	for rows.Next() {
		var (
			c         storage.Chunk
			status    string
			checksum  sql.NullString
			updatedAt sql.NullString
		)

		if err := rows.Scan(&c.Index, &c.Start, &c.End, &status, &checksum, &c.Attempts, &updatedAt); err != nil {
			return nil, err
		}

		c.Status = storage.ChunkStatus(status)
		c.Checksum = checksum.String
		c.UpdatedAt = parseTime(updatedAt.String)

		chunks = append(chunks, c)
	}

	return chunks, rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}

	return t
}
