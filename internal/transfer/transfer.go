package transfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/prepperapp/prepper/internal/storage"
)

// DefaultChunkSize is used when a descriptor leaves ChunkSize unset.
const DefaultChunkSize int64 = 4 * 1024 * 1024

// Descriptor is what a caller knows about an artifact before fetching it.
type Descriptor struct {
	ID        string
	URI       string
	TotalSize int64
	ChunkSize int64
	// Checksum is the expected sha256 of the assembled file.
	Checksum string
}

func (d Descriptor) Validate() error {
	if d.ID == "" {
		return errors.New("descriptor id is required")
	}

	if d.URI == "" {
		return errors.New("descriptor uri is required")
	}

	if d.TotalSize <= 0 {
		return fmt.Errorf("descriptor %s: total size must be positive, got %d", d.ID, d.TotalSize)
	}

	if d.ChunkSize < 0 {
		return fmt.Errorf("descriptor %s: chunk size must not be negative, got %d", d.ID, d.ChunkSize)
	}

	return nil
}

// NewTask plans the chunks of a new task. Chunks are contiguous, cover
// exactly TotalSize and only the last one may be shorter than ChunkSize.
func NewTask(d Descriptor) (*storage.Task, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	chunkSize := d.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	count := int((d.TotalSize + chunkSize - 1) / chunkSize)
	chunks := make([]storage.Chunk, 0, count)

	for i := 0; i < count; i++ {
		start := int64(i) * chunkSize
		end := min(start+chunkSize, d.TotalSize) - 1

		chunks = append(chunks, storage.Chunk{Index: i, Start: start, End: end, Status: storage.ChunkPending})
	}

	now := time.Now().UTC()

	return &storage.Task{
		ID:        d.ID,
		URI:       d.URI,
		TotalSize: d.TotalSize,
		ChunkSize: chunkSize,
		Checksum:  d.Checksum,
		Status:    storage.TaskPending,
		Chunks:    chunks,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// matches reports whether a persisted task was planned from an equivalent descriptor.
func matches(t *storage.Task, d Descriptor) bool {
	chunkSize := d.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	return t.URI == d.URI && t.TotalSize == d.TotalSize && t.ChunkSize == chunkSize && t.Checksum == d.Checksum
}
