// Package devices keeps a cached view of the storage devices modules can
// live on.
package devices

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/prepperapp/prepper/internal/catalog"
	"github.com/prepperapp/prepper/internal/events"
	"github.com/prepperapp/prepper/internal/logctx"
	"github.com/prepperapp/prepper/internal/telemetry"
)

var ErrUnknownDevice = errors.New("unknown device")

type Kind string

const (
	KindFixed     Kind = "fixed"
	KindRemovable Kind = "removable"
)

// Device is a mounted filesystem and the modules placed on it. A block
// device is identified by its kernel name (sdb1) and may be mounted at
// several points; any other filesystem is identified by source and mount
// point (tmpfs@/dev/shm).
type Device struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	// Mounts lists every mount point of the device, Path included.
	Mounts    []string `json:"mounts"`
	Kind      Kind     `json:"kind"`
	FSType    string   `json:"fs_type"`
	Total     uint64   `json:"total"`
	Available uint64   `json:"available"`
	Writable  bool     `json:"writable"`
	Modules   []string `json:"modules,omitempty"`
}

// Locator lists the catalog records placed on a device.
type Locator interface {
	OnDevice(deviceID string) ([]catalog.Record, error)
}

// Manager caches the device view until it is invalidated.
type Manager struct {
	host      Host
	locator   Locator
	bus       *events.Bus
	telemetry *telemetry.Telemetry

	mu      sync.Mutex
	cached  []Device
	valid   bool
	scanned bool
}

// NewManager builds a Manager. locator, bus and tel may be nil.
func NewManager(host Host, locator Locator, bus *events.Bus, tel *telemetry.Telemetry) *Manager {
	return &Manager{host: host, locator: locator, bus: bus, telemetry: tel}
}

// Devices returns the cached view, scanning when it is stale.
func (m *Manager) Devices(ctx context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.valid {
		return slices.Clone(m.cached), nil
	}

	return m.refreshLocked(ctx)
}

// Refresh rescans unconditionally.
func (m *Manager) Refresh(ctx context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.refreshLocked(ctx)
}

// Invalidate marks the view stale; the next Devices call scans again.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.valid = false
	m.mu.Unlock()
}

func (m *Manager) Device(ctx context.Context, id string) (Device, error) {
	devs, err := m.Devices(ctx)
	if err != nil {
		return Device{}, err
	}

	for _, d := range devs {
		if d.ID == id {
			return d, nil
		}
	}

	return Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
}

// Locate returns the device holding path: the one with the longest mount
// point containing it. Symlinks in the existing part of path are resolved
// first, so a link onto another filesystem is attributed to that one.
func (m *Manager) Locate(ctx context.Context, path string) (Device, error) {
	abs, err := resolve(path)
	if err != nil {
		return Device{}, err
	}

	devs, err := m.Devices(ctx)
	if err != nil {
		return Device{}, err
	}

	best, bestLen := -1, -1

	for i, d := range devs {
		for _, mp := range d.Mounts {
			if within(abs, mp) && len(mp) > bestLen {
				best, bestLen = i, len(mp)
			}
		}
	}

	if best < 0 {
		return Device{}, fmt.Errorf("%w: no mount holds %s", ErrUnknownDevice, path)
	}

	return devs[best], nil
}

// resolve makes path absolute and resolves symlinks in its deepest
// existing ancestor. The rest may not exist yet.
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	rest := ""

	for dir := abs; ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest), nil
		}

		if dir == filepath.Dir(dir) {
			return abs, nil
		}

		rest = filepath.Join(filepath.Base(dir), rest)
	}
}

func within(path, root string) bool {
	if root == "/" {
		return strings.HasPrefix(path, "/")
	}

	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// visibleMounts drops mounts hidden by a later mount at the same point,
// keeping kernel order otherwise.
func visibleMounts(mounts []Mount) []Mount {
	last := make(map[string]int, len(mounts))
	for i, mt := range mounts {
		last[mt.Path] = i
	}

	out := make([]Mount, 0, len(last))

	for i, mt := range mounts {
		if last[mt.Path] == i {
			out = append(out, mt)
		}
	}

	return out
}

func deviceID(mt Mount) string {
	if blockBacked(mt.Source) {
		return filepath.Base(mt.Source)
	}

	return mt.Source + "@" + mt.Path
}

func (m *Manager) refreshLocked(ctx context.Context) ([]Device, error) {
	logger := logctx.LoggerFromContext(ctx)

	mounts, err := m.host.Mounts(ctx)
	if err != nil {
		return nil, err
	}

	// Bind mounts of one block device collapse into a single device whose
	// Path is its shortest mount point.
	var order []string

	groups := make(map[string][]Mount)

	for _, mt := range visibleMounts(mounts) {
		id := deviceID(mt)
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}

		groups[id] = append(groups[id], mt)
	}

	devs := make([]Device, 0, len(groups))

	for _, id := range order {
		group := groups[id]
		sort.Slice(group, func(i, j int) bool { return len(group[i].Path) < len(group[j].Path) })

		mt := group[0]

		usage, err := m.host.Usage(mt.Path)
		if err != nil {
			logger.Warn("skipping unreadable mount", "path", mt.Path, "err", err)

			continue
		}

		d := Device{
			ID:        id,
			Path:      mt.Path,
			Kind:      KindFixed,
			FSType:    mt.FSType,
			Total:     usage.Total,
			Available: usage.Available,
			Writable:  m.host.Writable(mt.Path),
		}

		for _, g := range group {
			d.Mounts = append(d.Mounts, g.Path)
		}

		if blockBacked(mt.Source) && m.host.Removable(mt.Source) {
			d.Kind = KindRemovable
		}

		if m.locator != nil {
			recs, err := m.locator.OnDevice(d.ID)
			if err != nil {
				logger.Warn("failed to list modules on device", "device_id", d.ID, "err", err)
			}

			for _, r := range recs {
				d.Modules = append(d.Modules, r.ID)
			}
		}

		m.telemetry.RecordDeviceAvailable(ctx, d.ID, d.Available)

		devs = append(devs, d)
	}

	sort.Slice(devs, func(i, j int) bool { return devs[i].Path < devs[j].Path })

	if m.scanned {
		if added, removed := diff(m.cached, devs); len(added)+len(removed) > 0 {
			logger.Info("storage devices changed", "added", added, "removed", removed)
			m.bus.Publish(events.TopicDevicesChanged, events.DevicesChanged{Added: added, Removed: removed})
		}
	}

	m.cached = devs
	m.valid = true
	m.scanned = true

	return slices.Clone(devs), nil
}

func diff(before, after []Device) (added, removed []string) {
	old := make(map[string]bool, len(before))
	for _, d := range before {
		old[d.ID] = true
	}

	cur := make(map[string]bool, len(after))

	for _, d := range after {
		cur[d.ID] = true

		if !old[d.ID] {
			added = append(added, d.ID)
		}
	}

	for _, d := range before {
		if !cur[d.ID] {
			removed = append(removed, d.ID)
		}
	}

	return added, removed
}
