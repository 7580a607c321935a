// Package registry tracks loaded modules and runs searches across them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prepperapp/prepper/internal/cache"
	"github.com/prepperapp/prepper/internal/contentstore"
	"github.com/prepperapp/prepper/internal/curation"
	"github.com/prepperapp/prepper/internal/index"
	"github.com/prepperapp/prepper/internal/logctx"
	"github.com/prepperapp/prepper/internal/module"
	"github.com/prepperapp/prepper/internal/telemetry"
)

var (
	ErrAlreadyLoaded   = errors.New("module already loaded")
	ErrModuleNotLoaded = errors.New("module not loaded")
	ErrModuleBusy      = errors.New("module is changing state")
)

type State string

const (
	StateUnloaded  State = "unloaded"
	StateLoading   State = "loading"
	StateLoaded    State = "loaded"
	StateUnloading State = "unloading"
	StateReloading State = "reloading"
)

// Module is an opened content module.
type Module interface {
	Search(ctx context.Context, q index.Query) ([]index.Hit, error)
	Record(ctx context.Context, id string) (*curation.ContentRecord, error)
	Titles(ctx context.Context) ([]contentstore.Title, error)
	Close() error
}

// describer is implemented by modules that carry a descriptor.
type describer interface {
	Describe() *module.Descriptor
}

type OpenFunc func(ctx context.Context, dir string) (Module, error)

// OpenModule opens a module directory from disk.
func OpenModule(ctx context.Context, dir string) (Module, error) {
	h, err := module.Open(ctx, dir)
	if err != nil {
		return nil, err
	}

	return h, nil
}

// usage survives reloads of the same module id.
type usage struct {
	count      atomic.Int64
	lastAccess atomic.Int64
}

func (u *usage) touch(now time.Time) {
	u.count.Add(1)
	u.lastAccess.Store(now.UnixNano())
}

type instance struct {
	id       string
	dir      string
	mod      Module
	loadedAt time.Time
	usage    *usage
	inflight sync.WaitGroup

	titlesOnce sync.Once
	titles     []contentstore.Title
	titlesErr  error
}

func (i *instance) release() {
	i.inflight.Done()
}

// Info describes one module known to the registry.
type Info struct {
	ID         string             `json:"id"`
	State      State              `json:"state"`
	Dir        string             `json:"dir,omitempty"`
	Descriptor *module.Descriptor `json:"descriptor,omitempty"`
	LoadedAt   time.Time          `json:"loaded_at,omitempty"`
	LastAccess time.Time          `json:"last_access,omitempty"`
	Accesses   int64              `json:"accesses"`
}

// Registry owns the set of loaded modules. Searches read an immutable view
// of loaded modules; Load, Unload and Reload are serialized per module id
// and swap the view under a short write lock, so a search sees a module
// either fully loaded or not at all.
type Registry struct {
	open      OpenFunc
	cache     *cache.Cache
	telemetry *telemetry.Telemetry
	defaults  SearchConfig
	now       func() time.Time

	mu     sync.RWMutex
	view   map[string]*instance
	states map[string]State
	usage  map[string]*usage

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(open OpenFunc, c *cache.Cache, defaults SearchConfig, tel *telemetry.Telemetry) *Registry {
	if open == nil {
		open = OpenModule
	}

	if c == nil {
		c = cache.New(32<<20, 512)
	}

	return &Registry{
		open:      open,
		cache:     c,
		telemetry: tel,
		defaults:  defaults.withDefaults(SearchConfig{Limit: 20, Timeout: 2 * time.Second}),
		now:       time.Now,
		view:      make(map[string]*instance),
		states:    make(map[string]State),
		usage:     make(map[string]*usage),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (r *Registry) Cache() *cache.Cache {
	return r.cache
}

func (r *Registry) lock(id string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}

	return l
}

func (r *Registry) setState(id string, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s == StateUnloaded {
		delete(r.states, id)

		return
	}

	r.states[id] = s
}

func (r *Registry) State(id string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.states[id]; ok {
		return s
	}

	return StateUnloaded
}

func (r *Registry) newInstance(id, dir string, mod Module) *instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.usage[id]
	if !ok {
		u = &usage{}
		r.usage[id] = u
	}

	return &instance{id: id, dir: dir, mod: mod, loadedAt: r.now(), usage: u}
}

// Load opens the module in dir and makes it searchable under id.
func (r *Registry) Load(ctx context.Context, id, dir string) error {
	l := r.lock(id)
	l.Lock()
	defer l.Unlock()

	if st := r.State(id); st != StateUnloaded {
		if st == StateLoaded {
			return fmt.Errorf("%w: %s", ErrAlreadyLoaded, id)
		}

		return fmt.Errorf("%w: %s is %s", ErrModuleBusy, id, st)
	}

	r.setState(id, StateLoading)

	mod, err := r.open(ctx, dir)
	if err != nil {
		r.setState(id, StateUnloaded)

		return fmt.Errorf("failed to load module %s: %w", id, err)
	}

	inst := r.newInstance(id, dir, mod)

	r.mu.Lock()
	r.view[id] = inst
	r.states[id] = StateLoaded
	r.mu.Unlock()

	r.telemetry.AddLoadedModules(ctx, 1)
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "module loaded", "module_id", id, "dir", dir)

	return nil
}

// Unload removes the module from the searchable view, waits for searches
// already using it, then closes it. The id can be loaded again once Unload
// returns.
func (r *Registry) Unload(ctx context.Context, id string) error {
	l := r.lock(id)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	inst, ok := r.view[id]
	if !ok {
		r.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrModuleNotLoaded, id)
	}

	delete(r.view, id)
	r.states[id] = StateUnloading
	r.mu.Unlock()

	err := r.retire(inst)

	r.mu.Lock()
	delete(r.states, id)
	delete(r.usage, id)
	r.mu.Unlock()

	r.telemetry.AddLoadedModules(ctx, -1)
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "module unloaded", "module_id", id)

	return err
}

// Reload opens the module again, from dir or from its current directory
// when dir is empty, and swaps it in. Searches keep using the old copy
// until the swap; it is closed once they finish.
func (r *Registry) Reload(ctx context.Context, id, dir string) error {
	l := r.lock(id)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	old, ok := r.view[id]
	if !ok {
		r.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrModuleNotLoaded, id)
	}

	r.states[id] = StateReloading
	r.mu.Unlock()

	if dir == "" {
		dir = old.dir
	}

	mod, err := r.open(ctx, dir)
	if err != nil {
		r.setState(id, StateLoaded)

		return fmt.Errorf("failed to reload module %s: %w", id, err)
	}

	inst := r.newInstance(id, dir, mod)

	r.mu.Lock()
	r.view[id] = inst
	r.states[id] = StateLoaded
	r.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "module reloaded", "module_id", id, "dir", dir)

	return r.retire(old)
}

// retire waits for in-flight users of an instance that is no longer in the
// view, then releases it.
func (r *Registry) retire(inst *instance) error {
	inst.inflight.Wait()
	r.cache.RemovePrefix(cacheKey(inst.id, ""))

	return inst.mod.Close()
}

// Close unloads every module.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error

	for _, id := range r.LoadedIDs() {
		if err := r.Unload(ctx, id); err != nil && !errors.Is(err, ErrModuleNotLoaded) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// acquire pins the loaded modules that pass keep. Callers must release
// every returned instance.
func (r *Registry) acquire(keep func(id string) bool) []*instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*instance, 0, len(r.view))

	for id, inst := range r.view {
		if keep != nil && !keep(id) {
			continue
		}

		inst.inflight.Add(1)
		out = append(out, inst)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })

	return out
}

func (r *Registry) acquireOne(id string) (*instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.view[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotLoaded, id)
	}

	inst.inflight.Add(1)

	return inst, nil
}

func (r *Registry) LoadedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.view))
	for id := range r.view {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Modules lists every module the registry knows about, including those
// mid-transition.
func (r *Registry) Modules() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.states))

	for id, st := range r.states {
		info := Info{ID: id, State: st}

		if inst, ok := r.view[id]; ok {
			info.Dir = inst.dir
			info.LoadedAt = inst.loadedAt
			info.Accesses = inst.usage.count.Load()

			if ns := inst.usage.lastAccess.Load(); ns > 0 {
				info.LastAccess = time.Unix(0, ns)
			}

			if d, ok := inst.mod.(describer); ok {
				info.Descriptor = d.Describe()
			}
		}

		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

func (r *Registry) Info(id string) (Info, bool) {
	for _, info := range r.Modules() {
		if info.ID == id {
			return info, true
		}
	}

	return Info{}, false
}

// LeastRecentlyUsed returns loaded modules ordered by last access,
// never accessed first, skipping any accessed since cutoff.
func (r *Registry) LeastRecentlyUsed(since time.Time) []Info {
	var out []Info

	for _, info := range r.Modules() {
		if info.State != StateLoaded {
			continue
		}

		if !info.LastAccess.IsZero() && !info.LastAccess.Before(since) {
			continue
		}

		out = append(out, info)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastAccess.Before(out[j].LastAccess)
	})

	return out
}
