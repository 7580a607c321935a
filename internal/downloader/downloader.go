// Package downloader syncs the modules a manifest lists: each one is
// fetched in chunks, assembled, verified and installed.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/prepperapp/prepper/internal/catalog"
	"github.com/prepperapp/prepper/internal/logctx"
	"github.com/prepperapp/prepper/internal/manifest"
	"github.com/prepperapp/prepper/internal/storage"
	"github.com/prepperapp/prepper/internal/transfer"
	"github.com/prepperapp/prepper/internal/validate"
)

const dirPerm = 0o755

// ErrInstalled marks a module whose listed version is already installed.
var ErrInstalled = errors.New("module already installed")

type Engine interface {
	Enqueue(ctx context.Context, d transfer.Descriptor) (*storage.Task, error)
	Run(ctx context.Context, taskID string) (*storage.Task, error)
	Assemble(ctx context.Context, taskID, dest string, kind validate.Kind) error
	Remove(ctx context.Context, taskID string) error
}

type Installer interface {
	Install(ctx context.Context, packagePath, destRoot string) (catalog.Record, error)
}

type Installed interface {
	Get(id string) (catalog.Record, error)
}

// Result is the outcome for one manifest entry.
type Result struct {
	ModuleID string
	Version  string
	// Path is set for artifacts that are not module packages; they are
	// left assembled in the download directory.
	Path    string
	Record  catalog.Record
	Skipped bool
	Err     error
}

type Downloader struct {
	engine      Engine
	installer   Installer
	installed   Installed
	downloadDir string
	modulesDir  string
	maxParallel int
}

func NewDownloader(engine Engine, installer Installer, installed Installed, downloadDir, modulesDir string, maxParallel int) *Downloader {
	if maxParallel < 1 {
		maxParallel = 1
	}

	return &Downloader{
		engine:      engine,
		installer:   installer,
		installed:   installed,
		downloadDir: downloadDir,
		modulesDir:  modulesDir,
		maxParallel: maxParallel,
	}
}

// Sync downloads the entries named by ids, or every entry when ids is
// empty, in recommended order with at most maxParallel modules in flight.
// One module failing does not stop the others; the joined error lists
// every failure.
func (d *Downloader) Sync(ctx context.Context, m *manifest.Manifest, ids []string) ([]Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := selectEntries(m, ids)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(d.downloadDir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	results := make([]Result, len(entries))

	var (
		mu   sync.Mutex
		errs []error
	)

	wg, ctx := errgroup.WithContext(ctx)
	wg.SetLimit(d.maxParallel)

	for i, e := range entries {
		wg.Go(func() error {
			res := Result{ModuleID: e.ID, Version: e.Version}

			res.Record, res.Path, res.Err = d.DownloadModule(ctx, m, e)
			if errors.Is(res.Err, ErrInstalled) {
				res.Skipped, res.Err = true, nil
			}

			if res.Err != nil {
				logger.Error("failed to download module", "module_id", e.ID, "err", res.Err)

				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", e.ID, res.Err))
				mu.Unlock()
			}

			results[i] = res

			// Failures are collected, not propagated, so siblings keep going.
			return nil
		})
	}

	_ = wg.Wait()

	return results, errors.Join(errs...)
}

func selectEntries(m *manifest.Manifest, ids []string) ([]manifest.Entry, error) {
	if len(ids) == 0 {
		return m.Ordered(), nil
	}

	want := make(map[string]bool, len(ids))

	for _, id := range ids {
		if _, err := m.Find(id); err != nil {
			return nil, err
		}

		want[id] = true
	}

	var out []manifest.Entry

	for _, e := range m.Ordered() {
		if want[e.ID] {
			out = append(out, e)
		}
	}

	return out, nil
}

// DownloadModule fetches one entry. Packages are installed into the modules
// directory and their catalog record returned; other artifacts stay at the
// returned path.
func (d *Downloader) DownloadModule(ctx context.Context, m *manifest.Manifest, e manifest.Entry) (catalog.Record, string, error) {
	ctx, logger := logctx.With(ctx, "module_id", e.ID)

	kind := e.ArtifactKind()

	if kind == validate.KindPackage {
		if rec, err := d.installed.Get(e.ID); err == nil && rec.Version == e.Version {
			logger.Debug("module already installed", "version", e.Version)

			return rec, "", ErrInstalled
		}
	}

	desc, err := m.Descriptor(e)
	if err != nil {
		return catalog.Record{}, "", err
	}

	task, err := d.engine.Enqueue(ctx, desc)
	if err != nil {
		return catalog.Record{}, "", fmt.Errorf("failed to enqueue: %w", err)
	}

	logger.Info("downloading module", "version", e.Version, "size", humanize.IBytes(uint64(e.Size)), "task_id", task.ID)

	if _, err := d.engine.Run(ctx, task.ID); err != nil {
		return catalog.Record{}, "", err
	}

	target := filepath.Join(d.downloadDir, artifactName(e))
	if err := d.engine.Assemble(ctx, task.ID, target, kind); err != nil {
		return catalog.Record{}, "", err
	}

	// The assembled file now holds everything the task did.
	if err := d.engine.Remove(ctx, task.ID); err != nil {
		logger.Warn("failed to remove finished task", "task_id", task.ID, "err", err)
	}

	if kind != validate.KindPackage {
		logger.Info("artifact downloaded", "path", target)

		return catalog.Record{}, target, nil
	}

	defer os.Remove(target)

	rec, err := d.installer.Install(ctx, target, d.modulesDir)
	if err != nil {
		return catalog.Record{}, "", fmt.Errorf("failed to install: %w", err)
	}

	if rec.ID != e.ID {
		logger.Warn("package installed under a different id", "installed_id", rec.ID)
	}

	return rec, "", nil
}

func artifactName(e manifest.Entry) string {
	name := e.ID
	if e.Version != "" {
		name += "-" + e.Version
	}

	if e.ArtifactKind() == validate.KindPackage {
		name += ".tar"
	}

	return name
}
