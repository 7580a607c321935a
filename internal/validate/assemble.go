package validate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/prepperapp/prepper/internal/logctx"
	"github.com/prepperapp/prepper/internal/storage"
)

const dirPerm = 0o755

// Assemble concatenates the task's chunk files from chunkDir into dest in
// index order and checks the whole-file checksum. The bytes are written to
// dest.partial and renamed into place only once every check passed; on any
// failure neither dest nor the partial file survives.
func Assemble(ctx context.Context, task *storage.Task, chunkDir, dest string) (err error) {
	logger := logctx.LoggerFromContext(ctx).With("task_id", task.ID, "dest", dest)

	if !task.Complete() {
		return fmt.Errorf("%w: chunks %v", ErrIncompleteChunks, task.Incomplete())
	}

	chunks := make([]storage.Chunk, len(task.Chunks))
	copy(chunks, task.Chunks)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })

	if err := os.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	partial := dest + ".partial"

	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	defer func() {
		if err != nil {
			out.Close()
			os.Remove(partial)
			os.Remove(dest)

			logger.ErrorContext(ctx, "assembly failed, partial artifact removed", "err", err)
		}
	}()

	h := sha256.New()
	w := io.MultiWriter(out, h)

	var offset int64

	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.Start != offset {
			return fmt.Errorf("%w: chunk %d starts at %d, expected %d", ErrInvalidStructure, c.Index, c.Start, offset)
		}

		n, err := appendChunk(w, storage.ChunkFile(chunkDir, c.Index))
		if err != nil {
			return fmt.Errorf("chunk %d: %w", c.Index, err)
		}

		if n != c.Size() {
			return &IntegrityError{
				Path:     storage.ChunkFile(chunkDir, c.Index),
				Expected: fmt.Sprintf("%d bytes", c.Size()),
				Actual:   fmt.Sprintf("%d bytes", n),
				Err:      ErrChecksumMismatch,
			}
		}

		offset += n
	}

	if offset != task.TotalSize {
		return fmt.Errorf("%w: assembled %d bytes, declared %d", ErrIncompleteChunks, offset, task.TotalSize)
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("failed to sync destination: %w", err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close destination: %w", err)
	}

	actual := hex.EncodeToString(h.Sum(nil))
	if expected := NormalizeChecksum(task.Checksum); expected != "" && expected != actual {
		return &IntegrityError{Path: dest, Expected: expected, Actual: actual, Removed: true, Err: ErrChecksumMismatch}
	}

	if err := os.Rename(partial, dest); err != nil {
		return fmt.Errorf("failed to move assembled file into place: %w", err)
	}

	logger.InfoContext(ctx, "assembled artifact", "chunks", len(chunks), "sha256", actual)

	return nil
}

func appendChunk(w io.Writer, path string) (int64, error) {
	in, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrChunkNotFound, path)
	}

	if err != nil {
		return 0, err
	}
	defer in.Close()

	return io.Copy(w, in)
}
