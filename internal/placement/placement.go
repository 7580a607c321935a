// Package placement moves and installs modules across storage devices. A
// module is copied into a staging directory next to its destination,
// verified there, and only then activated. The source copy is removed last,
// so an interruption at any point leaves one complete copy in the catalog.
package placement

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/prepperapp/prepper/internal/catalog"
	"github.com/prepperapp/prepper/internal/devices"
	"github.com/prepperapp/prepper/internal/events"
	"github.com/prepperapp/prepper/internal/logctx"
	"github.com/prepperapp/prepper/internal/module"
	"github.com/prepperapp/prepper/internal/registry"
	"github.com/prepperapp/prepper/internal/telemetry"
)

const (
	stagingSuffix  = ".staging"
	previousSuffix = ".previous"
)

var ErrDestinationExists = errors.New("destination already exists")

// InsufficientSpaceError is returned before anything is written when the
// destination device cannot hold the module.
type InsufficientSpaceError struct {
	Path      string
	Needed    uint64
	Available uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient space on %s: need %s, have %s",
		e.Path, humanize.IBytes(e.Needed), humanize.IBytes(e.Available))
}

// Catalog is the subset of catalog.Catalog placement needs.
type Catalog interface {
	Get(id string) (catalog.Record, error)
	Put(rec catalog.Record) error
}

// Devices resolves a path to the device holding it.
type Devices interface {
	Locate(ctx context.Context, path string) (devices.Device, error)
	Invalidate()
}

// Registry is the subset of registry.Registry placement needs.
type Registry interface {
	State(id string) registry.State
	Reload(ctx context.Context, id, dir string) error
	Unload(ctx context.Context, id string) error
}

type Placer struct {
	catalog   Catalog
	devices   Devices
	registry  Registry
	bus       *events.Bus
	telemetry *telemetry.Telemetry

	// Headroom is kept free on the destination beyond the module size.
	Headroom uint64
	now      func() time.Time
}

// New builds a Placer. reg, bus and tel may be nil.
func New(cat Catalog, devs Devices, reg Registry, bus *events.Bus, tel *telemetry.Telemetry) *Placer {
	return &Placer{
		catalog:   cat,
		devices:   devs,
		registry:  reg,
		bus:       bus,
		telemetry: tel,
		now:       time.Now,
	}
}

// Place moves an installed module to destRoot/<id>.
func (p *Placer) Place(ctx context.Context, id, destRoot string) (catalog.Record, error) {
	ctx, logger := logctx.With(ctx, "module_id", id)

	rec, err := p.catalog.Get(id)
	if err != nil {
		return catalog.Record{}, err
	}

	dest, err := filepath.Abs(filepath.Join(destRoot, id))
	if err != nil {
		return catalog.Record{}, err
	}

	if src, _ := filepath.Abs(rec.Path); src == dest {
		return rec, nil
	}

	if _, err := os.Stat(dest); err == nil {
		return catalog.Record{}, fmt.Errorf("%w: %s", ErrDestinationExists, dest)
	}

	size, err := treeSize(rec.Path)
	if err != nil {
		return catalog.Record{}, fmt.Errorf("failed to size module %s: %w", id, err)
	}

	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return catalog.Record{}, err
	}

	dev, err := p.reserve(ctx, destRoot, size)
	if err != nil {
		return catalog.Record{}, err
	}

	staging := dest + stagingSuffix
	if err := os.RemoveAll(staging); err != nil {
		return catalog.Record{}, err
	}

	logger.InfoContext(ctx, "placing module", "from", rec.Path, "to", dest, "size", humanize.IBytes(uint64(size)))

	var desc *module.Descriptor

	err = p.telemetry.InstrumentOperation(ctx, "place_module", "placement", func(ctx context.Context) error {
		progress := func(n int64) {
			p.bus.Publish(events.TopicPlacementProgress, events.PlacementProgress{ModuleID: id, Bytes: n, TotalBytes: size})
		}

		if err := copyTree(ctx, rec.Path, staging, progress); err != nil {
			return fmt.Errorf("failed to copy module: %w", err)
		}

		var err error

		desc, err = module.Verify(ctx, staging)

		return err
	})
	if err != nil {
		os.RemoveAll(staging)

		return catalog.Record{}, err
	}

	if desc.ID != id {
		os.RemoveAll(staging)

		return catalog.Record{}, fmt.Errorf("module at %s identifies as %q, not %q", rec.Path, desc.ID, id)
	}

	placed, err := p.activate(ctx, desc, staging, dest, dev)
	if err != nil {
		return catalog.Record{}, err
	}

	if err := p.reload(ctx, id, dest); err != nil {
		return placed, fmt.Errorf("module placed but still served from %s: %w", rec.Path, err)
	}

	if err := os.RemoveAll(rec.Path); err != nil {
		logger.WarnContext(ctx, "failed to remove previous copy", "path", rec.Path, "err", err)
	}

	p.devices.Invalidate()

	return placed, nil
}

// Install unpacks a module package into destRoot, verifies it and activates
// it. An installed module of the same id is replaced.
func (p *Placer) Install(ctx context.Context, packagePath, destRoot string) (catalog.Record, error) {
	logger := logctx.LoggerFromContext(ctx)

	fi, err := os.Stat(packagePath)
	if err != nil {
		return catalog.Record{}, err
	}

	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return catalog.Record{}, err
	}

	dev, err := p.reserve(ctx, destRoot, fi.Size())
	if err != nil {
		return catalog.Record{}, err
	}

	workDir := filepath.Join(destRoot, ".install-"+uuid.NewString())
	defer os.RemoveAll(workDir)

	unpacked, err := module.Unpack(ctx, packagePath, workDir)
	if err != nil {
		return catalog.Record{}, fmt.Errorf("failed to unpack %s: %w", packagePath, err)
	}

	desc, err := module.Verify(ctx, unpacked)
	if err != nil {
		return catalog.Record{}, err
	}

	dest, err := filepath.Abs(filepath.Join(destRoot, desc.ID))
	if err != nil {
		return catalog.Record{}, err
	}

	if _, err := RestoreInterrupted(ctx, dest); err != nil {
		return catalog.Record{}, err
	}

	// An existing copy moves aside next to dest and is restored if
	// activation fails. A crash in between leaves it for RestoreInterrupted.
	var previous string

	if _, err := os.Stat(dest); err == nil {
		previous = dest + previousSuffix
		if err := os.Rename(dest, previous); err != nil {
			return catalog.Record{}, err
		}
	}

	rec, err := p.activate(ctx, desc, unpacked, dest, dev)
	if err != nil {
		if previous != "" {
			if rerr := os.Rename(previous, dest); rerr != nil {
				logger.ErrorContext(ctx, "failed to restore previous module copy", "path", dest, "err", rerr)
			}
		}

		return catalog.Record{}, err
	}

	// The previous copy is deleted below, so nothing may keep serving it.
	reloadErr := p.reload(ctx, desc.ID, dest)
	if reloadErr != nil {
		if uerr := p.registry.Unload(ctx, desc.ID); uerr != nil {
			logger.ErrorContext(ctx, "failed to unload module after reload failure", "module_id", desc.ID, "err", uerr)
		}
	}

	if previous != "" {
		if err := os.RemoveAll(previous); err != nil {
			logger.WarnContext(ctx, "failed to remove previous copy", "path", previous, "err", err)
		}
	}

	if reloadErr != nil {
		return rec, reloadErr
	}

	logger.InfoContext(ctx, "module installed", "module_id", desc.ID, "version", desc.Version, "path", dest)

	p.devices.Invalidate()

	return rec, nil
}

// RestoreInterrupted repairs dir after an install that stopped between
// moving the old copy aside and activating the new one. When dir is missing
// the set-aside copy is moved back; when both exist the set-aside copy is
// stale and removed. It reports whether a copy was moved back.
func RestoreInterrupted(ctx context.Context, dir string) (bool, error) {
	previous := dir + previousSuffix

	if _, err := os.Stat(previous); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, err
	}

	if _, err := os.Stat(dir); err == nil {
		return false, os.RemoveAll(previous)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	if err := os.Rename(previous, dir); err != nil {
		return false, fmt.Errorf("failed to restore %s: %w", dir, err)
	}

	logctx.LoggerFromContext(ctx).WarnContext(ctx, "restored module copy from interrupted install", "path", dir)

	return true, nil
}

func (p *Placer) reserve(ctx context.Context, destRoot string, size int64) (devices.Device, error) {
	dev, err := p.devices.Locate(ctx, destRoot)
	if err != nil {
		return devices.Device{}, err
	}

	needed := uint64(size) + p.Headroom
	if dev.Available < needed {
		return devices.Device{}, &InsufficientSpaceError{Path: destRoot, Needed: needed, Available: dev.Available}
	}

	return dev, nil
}

// activate renames a verified copy into place and records it.
func (p *Placer) activate(ctx context.Context, desc *module.Descriptor, staged, dest string, dev devices.Device) (catalog.Record, error) {
	if err := os.Rename(staged, dest); err != nil {
		os.RemoveAll(staged)

		return catalog.Record{}, fmt.Errorf("failed to activate module %s: %w", desc.ID, err)
	}

	size, err := treeSize(dest)
	if err != nil {
		return catalog.Record{}, err
	}

	rec := catalog.Record{
		ID:          desc.ID,
		Version:     desc.Version,
		Path:        dest,
		DeviceID:    dev.ID,
		Bytes:       size,
		Checksum:    desc.Checksum,
		Tiers:       desc.Tiers,
		InstalledAt: p.now().UTC(),
	}

	if err := p.catalog.Put(rec); err != nil {
		os.RemoveAll(dest)

		return catalog.Record{}, fmt.Errorf("failed to record placement: %w", err)
	}

	return rec, nil
}

// reload swaps the module at dir into the registry when it is loaded.
func (p *Placer) reload(ctx context.Context, id, dir string) error {
	if p.registry == nil || p.registry.State(id) == registry.StateUnloaded {
		return nil
	}

	return p.registry.Reload(ctx, id, dir)
}
