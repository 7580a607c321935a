package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the task database at path and creates the tasks and chunks
// tables if they don't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		uri TEXT NOT NULL,
		total_size INTEGER NOT NULL,
		chunk_size INTEGER NOT NULL,
		checksum TEXT,
		status TEXT DEFAULT 'pending',
		created_at DATETIME,
		updated_at DATETIME
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create tasks table: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS chunks (
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		start_offset INTEGER NOT NULL,
		end_offset INTEGER NOT NULL,
		status TEXT DEFAULT 'pending',
		checksum TEXT,
		attempts INTEGER DEFAULT 0,
		updated_at DATETIME,
		PRIMARY KEY (task_id, idx)
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create chunks table: %w", err)
	}

	return db, nil
}
