package sqlite

import (
	"context"
	"database/sql"

	"github.com/prepperapp/prepper/internal/storage"
	"github.com/prepperapp/prepper/internal/telemetry"
)

// InstrumentedTaskRepository wraps TaskRepository with telemetry.
type InstrumentedTaskRepository struct {
	repo      *TaskRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedTaskRepository creates a new instrumented task repository.
func NewInstrumentedTaskRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedTaskRepository {
	return &InstrumentedTaskRepository{
		repo:      NewTaskRepository(dbConn),
		telemetry: tel,
	}
}

// GetTask retrieves a task with its chunks with telemetry.
func (r *InstrumentedTaskRepository) GetTask(ctx context.Context, id string) (*storage.Task, error) {
	var result *storage.Task

	err := r.telemetry.InstrumentDBOperation(ctx, "get_task", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetTask(ctx, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ListTasks retrieves all tasks with telemetry.
func (r *InstrumentedTaskRepository) ListTasks(ctx context.Context) ([]*storage.Task, error) {
	var result []*storage.Task

	err := r.telemetry.InstrumentDBOperation(ctx, "list_tasks", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ListTasks(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// SaveTask saves a task with telemetry.
func (r *InstrumentedTaskRepository) SaveTask(ctx context.Context, task *storage.Task) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_task", func(ctx context.Context) error {
		return r.repo.SaveTask(ctx, task)
	})
}

// UpdateChunk updates chunk state with telemetry.
func (r *InstrumentedTaskRepository) UpdateChunk(ctx context.Context, taskID string, chunk storage.Chunk) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_chunk", func(ctx context.Context) error {
		return r.repo.UpdateChunk(ctx, taskID, chunk)
	})
}

// UpdateTaskStatus updates task status with telemetry.
func (r *InstrumentedTaskRepository) UpdateTaskStatus(ctx context.Context, taskID string, status storage.TaskStatus) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_task_status", func(ctx context.Context) error {
		return r.repo.UpdateTaskStatus(ctx, taskID, status)
	})
}

// DeleteTask deletes a task with telemetry.
func (r *InstrumentedTaskRepository) DeleteTask(ctx context.Context, taskID string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_task", func(ctx context.Context) error {
		return r.repo.DeleteTask(ctx, taskID)
	})
}
