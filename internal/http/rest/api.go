package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/prepperapp/prepper/internal/catalog"
	"github.com/prepperapp/prepper/internal/contentstore"
	"github.com/prepperapp/prepper/internal/curation"
	"github.com/prepperapp/prepper/internal/devices"
	"github.com/prepperapp/prepper/internal/logctx"
	"github.com/prepperapp/prepper/internal/registry"
	"github.com/prepperapp/prepper/internal/storage"
	"github.com/prepperapp/prepper/internal/telemetry"
)

const suggestionLimit = 5

// Registry is the subset of registry.Registry the API serves.
type Registry interface {
	Search(ctx context.Context, text string, cfg registry.SearchConfig) ([]registry.Result, error)
	Suggest(ctx context.Context, text string, limit int) ([]registry.Suggestion, error)
	Content(ctx context.Context, moduleID, id string) (*curation.ContentRecord, error)
	Modules() []registry.Info
	Load(ctx context.Context, id, dir string) error
	Unload(ctx context.Context, id string) error
	Reload(ctx context.Context, id, dir string) error
}

type Catalog interface {
	Get(id string) (catalog.Record, error)
	List() ([]catalog.Record, error)
}

type Devices interface {
	Devices(ctx context.Context) ([]devices.Device, error)
}

type Tasks interface {
	List(ctx context.Context) ([]*storage.Task, error)
}

// API exposes search, content and module management over HTTP.
type API struct {
	registry  Registry
	catalog   Catalog
	devices   Devices
	tasks     Tasks
	telemetry *telemetry.Telemetry

	// Fuzzy attaches title suggestions to searches with no hits.
	Fuzzy bool
}

// NewAPI builds the handler set. devs, tasks and tel may be nil; their
// endpoints then report empty lists.
func NewAPI(reg Registry, cat Catalog, devs Devices, tasks Tasks, tel *telemetry.Telemetry) *API {
	return &API{
		registry:  reg,
		catalog:   cat,
		devices:   devs,
		tasks:     tasks,
		telemetry: tel,
		Fuzzy:     true,
	}
}

func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(a.telemetry).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.telemetry.Handler())

	r.Get("/search", a.handleSearch)
	r.Get("/suggest", a.handleSuggest)

	r.Route("/modules", func(r chi.Router) {
		r.Get("/", a.handleModules)
		r.Post("/{id}/load", a.handleLoad)
		r.Post("/{id}/unload", a.handleUnload)
		r.Post("/{id}/reload", a.handleReload)
		r.Get("/{id}/content/{contentID}", a.handleContent)
	})

	r.Get("/devices", a.handleDevices)
	r.Get("/downloads", a.handleDownloads)

	return r
}

type searchResponse struct {
	Query       string                `json:"query"`
	Results     []registry.Result     `json:"results"`
	Suggestions []registry.Suggestion `json:"suggestions,omitempty"`
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	text := strings.TrimSpace(q.Get("q"))
	if text == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("missing query parameter q"))

		return
	}

	cfg := registry.SearchConfig{Modules: splitList(q.Get("modules"))}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeError(w, r, http.StatusBadRequest, errors.New("limit must be a positive integer"))

			return
		}

		cfg.Limit = limit
	}

	if v := q.Get("emergency"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, errors.New("emergency must be a boolean"))

			return
		}

		cfg.EmergencyOnly = on
	}

	if v := q.Get("weights"); v != "" {
		weights, err := parseWeights(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err)

			return
		}

		cfg.Weights = weights
	}

	results, err := a.registry.Search(ctx, text, cfg)
	if err != nil {
		writeError(w, r, statusFor(err), err)

		return
	}

	resp := searchResponse{Query: text, Results: results}

	if len(results) == 0 && a.Fuzzy {
		resp.Suggestions, err = a.registry.Suggest(ctx, text, suggestionLimit)
		if err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "suggestions failed", "err", err)
		}
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func (a *API) handleSuggest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := suggestionLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, errors.New("limit must be a positive integer"))

			return
		}

		limit = n
	}

	out, err := a.registry.Suggest(r.Context(), q.Get("q"), limit)
	if err != nil {
		writeError(w, r, statusFor(err), err)

		return
	}

	writeJSON(w, r, http.StatusOK, out)
}

// moduleView joins a catalog record with the module's registry state.
type moduleView struct {
	ID          string         `json:"id"`
	Version     string         `json:"version,omitempty"`
	Path        string         `json:"path"`
	DeviceID    string         `json:"device_id,omitempty"`
	Bytes       int64          `json:"bytes"`
	Tiers       []string       `json:"tiers,omitempty"`
	InstalledAt *time.Time     `json:"installed_at,omitempty"`
	State       registry.State `json:"state"`
	Accesses    int64          `json:"accesses"`
	LastAccess  *time.Time     `json:"last_access,omitempty"`
}

func (a *API) handleModules(w http.ResponseWriter, r *http.Request) {
	recs, err := a.catalog.List()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)

		return
	}

	views := map[string]*moduleView{}

	for _, rec := range recs {
		installed := rec.InstalledAt
		views[rec.ID] = &moduleView{
			ID:          rec.ID,
			Version:     rec.Version,
			Path:        rec.Path,
			DeviceID:    rec.DeviceID,
			Bytes:       rec.Bytes,
			Tiers:       rec.Tiers,
			InstalledAt: &installed,
			State:       registry.StateUnloaded,
		}
	}

	for _, info := range a.registry.Modules() {
		v, ok := views[info.ID]
		if !ok {
			v = &moduleView{ID: info.ID, Path: info.Dir}
			views[info.ID] = v
		}

		v.State = info.State
		v.Accesses = info.Accesses

		if !info.LastAccess.IsZero() {
			last := info.LastAccess
			v.LastAccess = &last
		}
	}

	out := make([]*moduleView, 0, len(views))
	for _, v := range views {
		out = append(out, v)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	writeJSON(w, r, http.StatusOK, out)
}

func (a *API) handleLoad(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := a.catalog.Get(id)
	if err != nil {
		writeError(w, r, statusFor(err), err)

		return
	}

	if err := a.registry.Load(r.Context(), id, rec.Path); err != nil {
		writeError(w, r, statusFor(err), err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"id": id, "state": string(registry.StateLoaded)})
}

func (a *API) handleUnload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := a.registry.Unload(r.Context(), id); err != nil {
		writeError(w, r, statusFor(err), err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"id": id, "state": string(registry.StateUnloaded)})
}

// handleReload reopens a module from its catalog location, falling back to
// the directory it was loaded from.
func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var dir string
	if rec, err := a.catalog.Get(id); err == nil {
		dir = rec.Path
	}

	if err := a.registry.Reload(r.Context(), id, dir); err != nil {
		writeError(w, r, statusFor(err), err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"id": id, "state": string(registry.StateLoaded)})
}

func (a *API) handleContent(w http.ResponseWriter, r *http.Request) {
	rec, err := a.registry.Content(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "contentID"))
	if err != nil {
		writeError(w, r, statusFor(err), err)

		return
	}

	writeJSON(w, r, http.StatusOK, rec)
}

func (a *API) handleDevices(w http.ResponseWriter, r *http.Request) {
	if a.devices == nil {
		writeJSON(w, r, http.StatusOK, []devices.Device{})

		return
	}

	devs, err := a.devices.Devices(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)

		return
	}

	writeJSON(w, r, http.StatusOK, devs)
}

type downloadView struct {
	ID         string             `json:"id"`
	URI        string             `json:"uri"`
	Status     storage.TaskStatus `json:"status"`
	TotalSize  int64              `json:"total_size"`
	Completed  int64              `json:"completed_bytes"`
	Fraction   float64            `json:"fraction"`
	Chunks     int                `json:"chunks"`
	Incomplete []int              `json:"incomplete,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

func (a *API) handleDownloads(w http.ResponseWriter, r *http.Request) {
	out := []downloadView{}

	if a.tasks != nil {
		tasks, err := a.tasks.List(r.Context())
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)

			return
		}

		for _, t := range tasks {
			out = append(out, downloadView{
				ID:         t.ID,
				URI:        t.URI,
				Status:     t.Status,
				TotalSize:  t.TotalSize,
				Completed:  t.CompletedBytes(),
				Fraction:   t.Fraction(),
				Chunks:     len(t.Chunks),
				Incomplete: t.Incomplete(),
				UpdatedAt:  t.UpdatedAt,
			})
		}
	}

	writeJSON(w, r, http.StatusOK, out)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	loaded := 0

	for _, info := range a.registry.Modules() {
		if info.State == registry.StateLoaded {
			loaded++
		}
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"status": "ok", "modules_loaded": loaded})
}

func splitList(v string) []string {
	var out []string

	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	return out
}

// parseWeights reads "core:1.5,medical:0.5" into per-module weights.
func parseWeights(v string) (map[string]float64, error) {
	out := make(map[string]float64)

	for _, pair := range splitList(v) {
		id, raw, ok := strings.Cut(pair, ":")
		id = strings.TrimSpace(id)

		if !ok || id == "" {
			return nil, fmt.Errorf("weights: %q is not module:weight", pair)
		}

		weight, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
			return nil, fmt.Errorf("weights: %q needs a non-negative number", pair)
		}

		out[id] = weight
	}

	return out, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrModuleNotLoaded),
		errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, contentstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyLoaded),
		errors.Is(err, registry.ErrModuleBusy):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}

	writeJSON(w, r, status, map[string]string{"error": err.Error()})
}
