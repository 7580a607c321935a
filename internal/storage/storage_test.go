package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTask_Progress(t *testing.T) {
	task := &Task{
		TotalSize: 10,
		Chunks: []Chunk{
			{Index: 0, Start: 0, End: 3, Status: ChunkCompleted, Checksum: "a"},
			{Index: 1, Start: 4, End: 7, Status: ChunkCompleted, Checksum: "b"},
			{Index: 2, Start: 8, End: 9, Status: ChunkFailed},
		},
	}

	assert.Equal(t, int64(8), task.CompletedBytes())
	assert.InDelta(t, 0.8, task.Fraction(), 0.0001)
	assert.False(t, task.Complete())
	assert.Equal(t, []int{2}, task.Incomplete())

	task.Chunks[2].Status = ChunkCompleted
	task.Chunks[2].Checksum = "c"
	assert.True(t, task.Complete())
}

func TestTask_CompleteRequiresChecksum(t *testing.T) {
	task := &Task{TotalSize: 4, Chunks: []Chunk{{Start: 0, End: 3, Status: ChunkCompleted}}}
	assert.False(t, task.Complete())

	assert.False(t, (&Task{}).Complete())
}
