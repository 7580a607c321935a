package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

var ErrTaskNotFound = errors.New("task not found")

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskImpaired  TaskStatus = "impaired"
	TaskCompleted TaskStatus = "completed"
)

type ChunkStatus string

const (
	ChunkPending     ChunkStatus = "pending"
	ChunkDownloading ChunkStatus = "downloading"
	ChunkCompleted   ChunkStatus = "completed"
	ChunkFailed      ChunkStatus = "failed"
)

// Chunk is one byte range of a task. Start and End are inclusive, the same
// way an HTTP Range header expresses them.
type Chunk struct {
	Index     int
	Start     int64
	End       int64
	Status    ChunkStatus
	Checksum  string
	Attempts  int
	UpdatedAt time.Time
}

func (c Chunk) Size() int64 {
	return c.End - c.Start + 1
}

// Task is the persisted state of one resumable download.
type Task struct {
	ID        string
	URI       string
	TotalSize int64
	ChunkSize int64
	Checksum  string
	Status    TaskStatus
	Chunks    []Chunk
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CompletedBytes sums the sizes of completed chunks.
func (t *Task) CompletedBytes() int64 {
	var n int64

	for _, c := range t.Chunks {
		if c.Status == ChunkCompleted {
			n += c.Size()
		}
	}

	return n
}

// Fraction is the share of TotalSize held by completed chunks.
func (t *Task) Fraction() float64 {
	if t.TotalSize <= 0 {
		return 0
	}

	return float64(t.CompletedBytes()) / float64(t.TotalSize)
}

// Complete reports whether every chunk is completed with a recorded checksum.
func (t *Task) Complete() bool {
	for _, c := range t.Chunks {
		if c.Status != ChunkCompleted || c.Checksum == "" {
			return false
		}
	}

	return len(t.Chunks) > 0
}

// Incomplete returns the indices of chunks that still need fetching.
func (t *Task) Incomplete() []int {
	var idx []int

	for _, c := range t.Chunks {
		if c.Status != ChunkCompleted {
			idx = append(idx, c.Index)
		}
	}

	return idx
}

type TaskReadRepository interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context) ([]*Task, error)
}

type TaskWriteRepository interface {
	// SaveTask inserts the task and all its chunks, replacing any previous row.
	SaveTask(ctx context.Context, task *Task) error
	UpdateChunk(ctx context.Context, taskID string, chunk Chunk) error
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) error
	DeleteTask(ctx context.Context, taskID string) error
}

type TaskRepository interface {
	TaskReadRepository
	TaskWriteRepository
}

// ChunkFile is the path of one chunk's bytes inside a task directory.
func ChunkFile(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("chunk-%06d", index))
}
