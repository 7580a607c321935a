package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/prepperapp/prepper/internal/events"
	"github.com/prepperapp/prepper/internal/logctx"
	"github.com/prepperapp/prepper/internal/storage"
	"github.com/prepperapp/prepper/internal/telemetry"
	"github.com/prepperapp/prepper/internal/transfer/progress"
	"github.com/prepperapp/prepper/internal/validate"
	"golang.org/x/sync/errgroup"
)

const (
	dirPerm = 0o755

	progressInterval = 256 * 1024
	throughputWindow = 5 * time.Second
)

// RetryPolicy bounds the exponential backoff applied to each chunk.
type RetryPolicy struct {
	Base     time.Duration
	Max      time.Duration
	Attempts uint
}

type Options struct {
	TempDir     string
	MaxParallel int
	Retry       RetryPolicy
	Events      *events.Bus
	Telemetry   *telemetry.Telemetry
}

// Engine downloads tasks chunk by chunk with a bounded worker pool. Chunk
// state is persisted after every transition so a restarted process resumes
// where the previous one stopped.
type Engine struct {
	repo    storage.TaskRepository
	fetcher Fetcher
	opts    Options

	mu      sync.Mutex
	running map[string]*activeRun
	locks   map[string]*sync.Mutex
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	reason error // ErrPaused or ErrCanceled once someone stopped the run
}

type runState struct {
	task      *storage.Task
	meter     *progress.Meter
	completed atomic.Int64

	mu      sync.Mutex
	failed  []int
	lastErr error
}

func (s *runState) fail(index int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failed = append(s.failed, index)
	s.lastErr = err
}

func NewEngine(repo storage.TaskRepository, fetcher Fetcher, opts Options) *Engine {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}

	if opts.Retry.Base <= 0 {
		opts.Retry.Base = time.Second
	}

	if opts.Retry.Max < opts.Retry.Base {
		opts.Retry.Max = 30 * opts.Retry.Base
	}

	if opts.Retry.Attempts == 0 {
		opts.Retry.Attempts = 5
	}

	return &Engine{
		repo:    repo,
		fetcher: fetcher,
		opts:    opts,
		running: make(map[string]*activeRun),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (e *Engine) taskDir(taskID string) string {
	return filepath.Join(e.opts.TempDir, taskID)
}

func (e *Engine) taskLock(taskID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[taskID] = l
	}

	return l
}

// Enqueue persists a new task for d. When a task with the same id already
// exists it is returned unchanged so its progress is kept.
func (e *Engine) Enqueue(ctx context.Context, d Descriptor) (*storage.Task, error) {
	existing, err := e.repo.GetTask(ctx, d.ID)
	if err == nil {
		if !matches(existing, d) {
			return nil, fmt.Errorf("%w: %s", ErrTaskChanged, d.ID)
		}

		return existing, nil
	}

	if !errors.Is(err, storage.ErrTaskNotFound) {
		return nil, fmt.Errorf("failed to look up task: %w", err)
	}

	task, err := NewTask(d)
	if err != nil {
		return nil, err
	}

	if err := e.repo.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "task enqueued",
		"task_id", task.ID,
		"size", humanize.Bytes(uint64(task.TotalSize)),
		"chunks", len(task.Chunks))

	return task, nil
}

func (e *Engine) Task(ctx context.Context, taskID string) (*storage.Task, error) {
	return e.repo.GetTask(ctx, taskID)
}

func (e *Engine) List(ctx context.Context) ([]*storage.Task, error) {
	return e.repo.ListTasks(ctx)
}

// Run fetches every chunk that is not completed yet. Chunks that exhaust
// their retries are marked failed without stopping their siblings, and Run
// then returns an *ImpairedError. A paused run returns ErrPaused; a run whose
// context ends is persisted as paused and returns the context error.
func (e *Engine) Run(ctx context.Context, taskID string) (*storage.Task, error) {
	lock := e.taskLock(taskID)
	if !lock.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrTaskBusy, taskID)
	}
	defer lock.Unlock()

	ctx, logger := logctx.With(ctx, "task_id", taskID)

	task, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	if task.Complete() {
		return task, nil
	}

	if err := os.MkdirAll(e.taskDir(taskID), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create task directory: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.running[taskID] = run
	e.mu.Unlock()

	defer func() {
		cancel()

		e.mu.Lock()
		delete(e.running, taskID)
		e.mu.Unlock()

		close(run.done)
	}()

	if err := e.repo.UpdateTaskStatus(ctx, taskID, storage.TaskRunning); err != nil {
		return nil, fmt.Errorf("failed to mark task running: %w", err)
	}

	st := &runState{task: task, meter: progress.NewMeter(throughputWindow)}
	st.completed.Store(task.CompletedBytes())

	logger.InfoContext(ctx, "starting task",
		"remaining_chunks", len(task.Incomplete()),
		"completed", humanize.Bytes(uint64(st.completed.Load())),
		"total", humanize.Bytes(uint64(task.TotalSize)))

	var wg errgroup.Group

	sem := make(chan struct{}, e.opts.MaxParallel)

loop:
	for i := range task.Chunks {
		chunk := &task.Chunks[i]
		if chunk.Status == storage.ChunkCompleted {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-runCtx.Done():
			break loop
		}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			return e.runChunk(runCtx, st, chunk)
		})
	}

	waitErr := wg.Wait()

	e.mu.Lock()
	reason := run.reason
	e.mu.Unlock()

	persistCtx := context.WithoutCancel(ctx)

	switch {
	case errors.Is(reason, ErrCanceled):
		return nil, ErrCanceled
	case errors.Is(reason, ErrPaused) || ctx.Err() != nil:
		if err := e.settleInterrupted(persistCtx, task); err != nil {
			return task, err
		}

		logger.InfoContext(ctx, "task paused", "fraction", humanize.FtoaWithDigits(task.Fraction(), 3))

		if reason != nil {
			return task, ErrPaused
		}

		return task, ctx.Err()
	case waitErr != nil:
		return task, fmt.Errorf("failed to persist chunk state: %w", waitErr)
	}

	if len(st.failed) > 0 {
		sort.Ints(st.failed)

		if err := e.repo.UpdateTaskStatus(persistCtx, taskID, storage.TaskImpaired); err != nil {
			return task, fmt.Errorf("failed to mark task impaired: %w", err)
		}

		task.Status = storage.TaskImpaired

		e.opts.Events.Publish(events.TopicDownloadFailed, events.DownloadFailed{TaskID: taskID, Chunks: st.failed, Err: st.lastErr})

		logger.WarnContext(ctx, "task impaired", "failed_chunks", st.failed, "err", st.lastErr)

		return task, &ImpairedError{TaskID: taskID, Failed: st.failed, Err: st.lastErr}
	}

	if err := e.repo.UpdateTaskStatus(persistCtx, taskID, storage.TaskCompleted); err != nil {
		return task, fmt.Errorf("failed to mark task completed: %w", err)
	}

	task.Status = storage.TaskCompleted

	logger.InfoContext(ctx, "all chunks downloaded")

	return task, nil
}

// runChunk returns an error only when chunk state could not be persisted.
// Fetch failures are recorded on st.
func (e *Engine) runChunk(ctx context.Context, st *runState, chunk *storage.Chunk) error {
	logger := logctx.LoggerFromContext(ctx).With("chunk", chunk.Index)
	taskID := st.task.ID

	chunk.Status = storage.ChunkDownloading
	if err := e.repo.UpdateChunk(ctx, taskID, *chunk); err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.Retry.Base
	bo.MaxInterval = e.opts.Retry.Max

	var sum string

	err := e.opts.Telemetry.InstrumentChunkFetch(ctx, func(ctx context.Context) (int64, error) {
		var err error

		sum, err = backoff.Retry(ctx, func() (string, error) {
			chunk.Attempts++

			sum, err := e.fetchOnce(ctx, st, chunk)
			if err != nil && !IsTransient(err) {
				return "", backoff.Permanent(err)
			}

			return sum, err
		},
			backoff.WithBackOff(bo),
			backoff.WithMaxTries(e.opts.Retry.Attempts),
			backoff.WithNotify(func(err error, next time.Duration) {
				logger.WarnContext(ctx, "chunk fetch failed, retrying", "attempt", chunk.Attempts, "retry_in", next, "err", err)
				e.opts.Telemetry.RecordChunkRetry(ctx)
			}),
		)
		if err != nil {
			return 0, err
		}

		return chunk.Size(), nil
	})

	if ctx.Err() != nil {
		// Paused or canceled; settleInterrupted puts the chunk back to pending.
		return nil
	}

	if err != nil {
		chunk.Status = storage.ChunkFailed
		st.fail(chunk.Index, err)

		logger.ErrorContext(ctx, "chunk failed", "attempts", chunk.Attempts, "err", err)

		return e.repo.UpdateChunk(ctx, taskID, *chunk)
	}

	chunk.Status = storage.ChunkCompleted
	chunk.Checksum = sum

	if err := e.repo.UpdateChunk(ctx, taskID, *chunk); err != nil {
		return err
	}

	st.completed.Add(chunk.Size())
	e.publishProgress(st)

	logger.DebugContext(ctx, "chunk completed",
		"size", humanize.Bytes(uint64(chunk.Size())),
		"rate", humanize.Bytes(uint64(st.meter.Rate()))+"/s")

	return nil
}

// fetchOnce streams one chunk into a .part file and renames it into place
// only after the expected number of bytes arrived.
func (e *Engine) fetchOnce(ctx context.Context, st *runState, chunk *storage.Chunk) (string, error) {
	body, err := e.fetcher.FetchRange(ctx, st.task.URI, chunk.Start, chunk.End)
	if err != nil {
		return "", err
	}
	defer body.Close()

	path := storage.ChunkFile(e.taskDir(st.task.ID), chunk.Index)
	part := path + ".part"

	out, err := os.Create(part)
	if err != nil {
		return "", fmt.Errorf("failed to create chunk file: %w", err)
	}

	h := sha256.New()
	reader := progress.NewReader(io.LimitReader(body, chunk.Size()+1), chunk.Size(), progressInterval, func(delta, _, _ int64) {
		st.meter.Add(delta)
		e.publishProgress(st)
	})

	n, copyErr := io.Copy(io.MultiWriter(out, h), reader)
	closeErr := out.Close()

	switch {
	case copyErr != nil:
		os.Remove(part)

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		return "", &NetworkError{Operation: "read_chunk", Message: copyErr.Error(), Transient: true, Err: copyErr}
	case closeErr != nil:
		os.Remove(part)

		return "", fmt.Errorf("failed to write chunk file: %w", closeErr)
	case n != chunk.Size():
		os.Remove(part)

		return "", &NetworkError{
			Operation: "read_chunk",
			Message:   fmt.Sprintf("received %d bytes, expected %d", n, chunk.Size()),
			Transient: true,
			Err:       io.ErrUnexpectedEOF,
		}
	}

	if err := os.Rename(part, path); err != nil {
		return "", fmt.Errorf("failed to finalize chunk file: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func (e *Engine) publishProgress(st *runState) {
	done := st.completed.Load()

	e.opts.Events.Publish(events.TopicDownloadProgress, events.DownloadProgress{
		TaskID:     st.task.ID,
		Fraction:   float64(done) / float64(st.task.TotalSize),
		Bytes:      done,
		TotalBytes: st.task.TotalSize,
		Throughput: st.meter.Rate(),
	})
}

// settleInterrupted returns in-flight chunks to pending and marks the task paused.
func (e *Engine) settleInterrupted(ctx context.Context, task *storage.Task) error {
	for i := range task.Chunks {
		c := &task.Chunks[i]
		if c.Status != storage.ChunkDownloading {
			continue
		}

		c.Status = storage.ChunkPending
		if err := e.repo.UpdateChunk(ctx, task.ID, *c); err != nil {
			return fmt.Errorf("failed to reset chunk %d: %w", c.Index, err)
		}

		os.Remove(storage.ChunkFile(e.taskDir(task.ID), c.Index) + ".part")
	}

	task.Status = storage.TaskPaused

	return e.repo.UpdateTaskStatus(ctx, task.ID, storage.TaskPaused)
}

// Pause stops a running task and waits until its state is persisted. The
// interrupted Run returns ErrPaused; calling Run again resumes the task.
func (e *Engine) Pause(taskID string) error {
	e.mu.Lock()
	run, ok := e.running[taskID]
	if ok && run.reason == nil {
		run.reason = ErrPaused
		run.cancel()
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, taskID)
	}

	<-run.done

	return nil
}

// Cancel stops the task if it is running, then deletes its chunk files and
// metadata. It is safe to call for any task in any state, including unknown ids.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	e.mu.Lock()
	run, ok := e.running[taskID]
	if ok {
		run.reason = ErrCanceled
		run.cancel()
	}
	e.mu.Unlock()

	if ok {
		<-run.done
	}

	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.remove(ctx, taskID); err != nil {
		return err
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "task canceled", "task_id", taskID)

	return nil
}

// Remove forgets a task once its artifact has been assembled and handed
// off. A task that is running or assembling returns ErrTaskBusy.
func (e *Engine) Remove(ctx context.Context, taskID string) error {
	lock := e.taskLock(taskID)
	if !lock.TryLock() {
		return fmt.Errorf("%w: %s", ErrTaskBusy, taskID)
	}
	defer lock.Unlock()

	if err := e.remove(ctx, taskID); err != nil {
		return err
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "task removed", "task_id", taskID)

	return nil
}

func (e *Engine) remove(ctx context.Context, taskID string) error {
	if err := os.RemoveAll(e.taskDir(taskID)); err != nil {
		return fmt.Errorf("failed to remove task directory: %w", err)
	}

	if err := e.repo.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// Assemble joins the task's chunks into dest, checks the whole-file checksum
// and runs the structural check for kind. It never overlaps a Run of the
// same task. After an integrity failure the chunks are revalidated so the
// next Run refetches whatever was bad.
func (e *Engine) Assemble(ctx context.Context, taskID, dest string, kind validate.Kind) error {
	lock := e.taskLock(taskID)
	if !lock.TryLock() {
		return fmt.Errorf("%w: %s", ErrTaskBusy, taskID)
	}
	defer lock.Unlock()

	ctx, logger := logctx.With(ctx, "task_id", taskID)

	task, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}

	err = validate.Assemble(ctx, task, e.taskDir(taskID), dest)
	if err == nil {
		err = validate.Structure(ctx, dest, kind)
	}

	if err != nil {
		e.opts.Telemetry.RecordAssembly(ctx, "error")

		if errors.Is(err, validate.ErrChecksumMismatch) || errors.Is(err, validate.ErrChunkNotFound) {
			reset, rerr := e.revalidate(ctx, task, true)
			if rerr != nil {
				logger.ErrorContext(ctx, "failed to revalidate chunks", "err", rerr)
			} else {
				logger.WarnContext(ctx, "chunks reset after failed assembly", "chunks", reset)
			}
		}

		e.opts.Events.Publish(events.TopicDownloadFailed, events.DownloadFailed{TaskID: taskID, Err: err})

		return fmt.Errorf("failed to assemble %s: %w", taskID, err)
	}

	if err := os.RemoveAll(e.taskDir(taskID)); err != nil {
		logger.WarnContext(ctx, "failed to remove chunk files", "err", err)
	}

	e.opts.Telemetry.RecordAssembly(ctx, "success")
	e.opts.Events.Publish(events.TopicDownloadCompleted, events.DownloadCompleted{TaskID: taskID, Path: dest})

	return nil
}

// Revalidate rehashes every completed chunk file and resets the chunks
// whose file is missing or no longer matches the recorded checksum.
func (e *Engine) Revalidate(ctx context.Context, taskID string) ([]int, error) {
	lock := e.taskLock(taskID)
	if !lock.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrTaskBusy, taskID)
	}
	defer lock.Unlock()

	task, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	return e.revalidate(ctx, task, false)
}

// revalidate resets bad chunks. With resetAllIfClean, a task whose chunks
// all still match is reset entirely: the bytes were wrong when fetched.
func (e *Engine) revalidate(ctx context.Context, task *storage.Task, resetAllIfClean bool) ([]int, error) {
	var reset []int

	for i := range task.Chunks {
		c := &task.Chunks[i]
		if c.Status != storage.ChunkCompleted {
			continue
		}

		sum, err := validate.FileChecksum(storage.ChunkFile(e.taskDir(task.ID), c.Index))
		if err == nil && sum == c.Checksum {
			continue
		}

		reset = append(reset, c.Index)
	}

	if len(reset) == 0 && resetAllIfClean {
		for _, c := range task.Chunks {
			reset = append(reset, c.Index)
		}
	}

	for _, idx := range reset {
		c := &task.Chunks[idx]
		c.Status = storage.ChunkPending
		c.Checksum = ""

		os.Remove(storage.ChunkFile(e.taskDir(task.ID), c.Index))

		if err := e.repo.UpdateChunk(ctx, task.ID, *c); err != nil {
			return reset, fmt.Errorf("failed to reset chunk %d: %w", c.Index, err)
		}
	}

	if len(reset) > 0 {
		if err := e.repo.UpdateTaskStatus(ctx, task.ID, storage.TaskPending); err != nil {
			return reset, err
		}
	}

	return reset, nil
}
