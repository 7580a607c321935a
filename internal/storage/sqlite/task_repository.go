package sqlite

import (
	"database/sql"
)

// TaskRepository combines the read and write sides over one connection.
type TaskRepository struct {
	*TaskReadRepository
	*TaskWriteRepository
}

func NewTaskRepository(dbConn *sql.DB) *TaskRepository {
	return &TaskRepository{
		TaskReadRepository:  NewTaskReadRepository(dbConn),
		TaskWriteRepository: NewTaskWriteRepository(dbConn),
	}
}
