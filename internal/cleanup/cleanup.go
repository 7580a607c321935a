// Package cleanup watches free space on every device and reclaims it when a
// device runs low: first the content cache, then whole modules nobody has
// used recently.
package cleanup

import (
	"context"
	"errors"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/prepperapp/prepper/internal/catalog"
	"github.com/prepperapp/prepper/internal/devices"
	"github.com/prepperapp/prepper/internal/events"
	"github.com/prepperapp/prepper/internal/logctx"
	"github.com/prepperapp/prepper/internal/registry"
	"github.com/prepperapp/prepper/internal/telemetry"
)

const (
	levelLow      = "low"
	levelCritical = "critical"
)

type Config struct {
	Interval time.Duration
	// Low clears the cache; Critical removes modules.
	Low      uint64
	Critical uint64
	// RecentWindow protects modules accessed within it from removal.
	RecentWindow time.Duration
}

type Devices interface {
	Refresh(ctx context.Context) ([]devices.Device, error)
}

type Registry interface {
	Info(id string) (registry.Info, bool)
	LeastRecentlyUsed(since time.Time) []registry.Info
	Unload(ctx context.Context, id string) error
}

type Catalog interface {
	OnDevice(deviceID string) ([]catalog.Record, error)
	Delete(id string) error
}

type Cache interface {
	Clear() int64
}

// Monitor is the periodic space check.
type Monitor struct {
	cfg       Config
	devices   Devices
	registry  Registry
	catalog   Catalog
	cache     Cache
	bus       *events.Bus
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

// NewMonitor builds a Monitor. cache, bus and tel may be nil.
func NewMonitor(cfg Config, devs Devices, reg Registry, cat Catalog, c Cache, bus *events.Bus, tel *telemetry.Telemetry) *Monitor {
	return &Monitor{
		cfg:       cfg,
		devices:   devs,
		registry:  reg,
		catalog:   cat,
		cache:     c,
		bus:       bus,
		telemetry: tel,
		now:       time.Now,
	}
}

// Run checks immediately and then every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := m.Check(ctx); err != nil {
			logger.Error("space check failed", "err", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("space monitor shutting down.")

			return
		case <-ticker.C:
		}
	}
}

// Check runs one pass over every device.
func (m *Monitor) Check(ctx context.Context) error {
	devs, err := m.devices.Refresh(ctx)
	if err != nil {
		return err
	}

	var errs []error

	for _, d := range devs {
		if d.Available >= m.cfg.Low {
			continue
		}

		m.relieveLow(ctx, d)

		if d.Available < m.cfg.Critical {
			if err := m.relieveCritical(ctx, d); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

func (m *Monitor) event(d devices.Device, threshold uint64) events.StorageEvent {
	return events.StorageEvent{
		DeviceID:  d.ID,
		Path:      d.Path,
		Available: d.Available,
		Threshold: threshold,
		At:        m.now(),
	}
}

// relieveLow drops cached content.
func (m *Monitor) relieveLow(ctx context.Context, d devices.Device) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Warn("device low on space", "device_id", d.ID, "available", humanize.IBytes(d.Available))
	m.bus.Publish(events.TopicStorageLow, m.event(d, m.cfg.Low))

	if m.cache == nil {
		return
	}

	if freed := m.cache.Clear(); freed > 0 {
		logger.Info("content cache cleared", "freed", humanize.IBytes(uint64(freed)))
	}

	m.telemetry.RecordRemediation(ctx, levelLow, "cache_clear")
}

type candidate struct {
	rec        catalog.Record
	loaded     bool
	lastAccess time.Time
}

// relieveCritical removes modules on d until it is back above the critical
// threshold. Modules never loaded go first, then loaded ones by last access.
// Anything accessed within the recent window stays.
func (m *Monitor) relieveCritical(ctx context.Context, d devices.Device) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Error("device critically low on space", "device_id", d.ID, "available", humanize.IBytes(d.Available))
	m.bus.Publish(events.TopicStorageCritical, m.event(d, m.cfg.Critical))

	cands, err := m.candidates(d.ID)
	if err != nil {
		return err
	}

	available := d.Available

	for _, c := range cands {
		if available >= m.cfg.Critical {
			break
		}

		if err := m.remove(ctx, c); err != nil {
			logger.Error("failed to remove module", "module_id", c.rec.ID, "err", err)

			continue
		}

		available += uint64(c.rec.Bytes)

		m.bus.Publish(events.TopicModuleRemoved, events.ModuleRemoved{
			ModuleID: c.rec.ID,
			DeviceID: d.ID,
			Reason:   "storage critical",
		})
		m.telemetry.RecordRemediation(ctx, levelCritical, "module_removed")

		logger.Warn("module removed to free space", "module_id", c.rec.ID, "device_id", d.ID,
			"freed", humanize.IBytes(uint64(c.rec.Bytes)))
	}

	if available < m.cfg.Critical {
		logger.Error("device still critically low, no removable modules left", "device_id", d.ID,
			"available", humanize.IBytes(available))
	}

	return nil
}

func (m *Monitor) candidates(deviceID string) ([]candidate, error) {
	recs, err := m.catalog.OnDevice(deviceID)
	if err != nil {
		return nil, err
	}

	stale := map[string]registry.Info{}
	for _, info := range m.registry.LeastRecentlyUsed(m.now().Add(-m.cfg.RecentWindow)) {
		stale[info.ID] = info
	}

	var out []candidate

	for _, rec := range recs {
		if info, ok := stale[rec.ID]; ok {
			out = append(out, candidate{rec: rec, loaded: true, lastAccess: info.LastAccess})

			continue
		}

		if _, loaded := m.registry.Info(rec.ID); loaded {
			continue
		}

		out = append(out, candidate{rec: rec})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].loaded != out[j].loaded {
			return !out[i].loaded
		}

		if !out[i].lastAccess.Equal(out[j].lastAccess) {
			return out[i].lastAccess.Before(out[j].lastAccess)
		}

		return out[i].rec.ID < out[j].rec.ID
	})

	return out, nil
}

func (m *Monitor) remove(ctx context.Context, c candidate) error {
	if c.loaded {
		if err := m.registry.Unload(ctx, c.rec.ID); err != nil && !errors.Is(err, registry.ErrModuleNotLoaded) {
			return err
		}
	}

	if err := os.RemoveAll(c.rec.Path); err != nil {
		return err
	}

	return m.catalog.Delete(c.rec.ID)
}
