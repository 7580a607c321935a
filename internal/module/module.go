// Package module defines the on-disk layout of a content module: a
// descriptor, a content store and a search index in one directory.
package module

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/prepperapp/prepper/internal/contentstore"
	"github.com/prepperapp/prepper/internal/curation"
	"github.com/prepperapp/prepper/internal/index"
	"github.com/prepperapp/prepper/internal/validate"
)

const (
	DescriptorFile = "module.json"
	IndexDir       = "index"
)

var ErrNotAModule = errors.New("not a module directory")

// Descriptor identifies a module and pins the checksum of its content.
type Descriptor struct {
	ID           string     `json:"id"`
	Version      string     `json:"version"`
	Description  string     `json:"description,omitempty"`
	Tiers        []string   `json:"tiers"`
	Documents    int64      `json:"documents"`
	Bytes        int64      `json:"bytes"`
	Checksum     string     `json:"content_sha256"`
	IndexMode    index.Mode `json:"index_mode"`
	StoreSummary bool       `json:"store_summary"`
	CreatedAt    time.Time  `json:"created_at"`
}

func ContentPath(dir string) string {
	return filepath.Join(dir, contentstore.FileName)
}

func IndexPath(dir string) string {
	return filepath.Join(dir, IndexDir)
}

func ReadDescriptor(dir string) (*Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotAModule, dir)
	}

	if err != nil {
		return nil, err
	}

	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode module descriptor: %w", err)
	}

	if d.ID == "" {
		return nil, fmt.Errorf("%w: descriptor in %s has no id", ErrNotAModule, dir)
	}

	return &d, nil
}

func WriteDescriptor(dir string, d *Descriptor) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, DescriptorFile), data, 0o644)
}

// Seal completes a built module directory. It fills in the content
// checksum, document count, tiers and index settings, then writes the
// descriptor. After Seal the module must not change.
func Seal(ctx context.Context, dir string, d Descriptor) (*Descriptor, error) {
	if d.ID == "" {
		return nil, errors.New("module id is required")
	}

	sum, err := validate.FileChecksum(ContentPath(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to hash content store: %w", err)
	}

	store, err := contentstore.Open(ContentPath(dir))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	titles, err := store.Titles(ctx)
	if err != nil {
		return nil, err
	}

	settings, err := index.ReadSettings(IndexPath(dir))
	if err != nil {
		return nil, err
	}

	tiers := map[curation.Tier]bool{}
	for _, t := range titles {
		tiers[t.Priority] = true
	}

	d.Tiers = d.Tiers[:0]
	for _, t := range curation.Tiers {
		if tiers[t] {
			d.Tiers = append(d.Tiers, t.String())
		}
	}

	d.Checksum = sum
	d.Documents = int64(len(titles))
	d.IndexMode = settings.Mode
	d.StoreSummary = settings.StoreSummary

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	d.Bytes, err = dirSize(dir)
	if err != nil {
		return nil, err
	}

	if err := WriteDescriptor(dir, &d); err != nil {
		return nil, err
	}

	return &d, nil
}

// Verify checks a module directory against its descriptor: the content
// store must pass sqlite's integrity check and match the pinned checksum,
// and the index must be present. Nothing is deleted.
func Verify(ctx context.Context, dir string) (*Descriptor, error) {
	d, err := ReadDescriptor(dir)
	if err != nil {
		return nil, err
	}

	if err := validate.Check(ctx, ContentPath(dir), validate.KindDatabase); err != nil {
		return d, err
	}

	sum, err := validate.FileChecksum(ContentPath(dir))
	if err != nil {
		return d, err
	}

	if d.Checksum != "" && sum != validate.NormalizeChecksum(d.Checksum) {
		return d, &validate.IntegrityError{
			Path:     ContentPath(dir),
			Kind:     validate.KindDatabase,
			Expected: d.Checksum,
			Actual:   sum,
			Err:      validate.ErrChecksumMismatch,
		}
	}

	if err := validate.Check(ctx, IndexPath(dir), validate.KindIndex); err != nil {
		return d, err
	}

	return d, nil
}

// Handle is an opened module ready to serve searches and content.
type Handle struct {
	Dir        string
	Descriptor *Descriptor
	Index      *index.Index
	Content    *contentstore.Reader
}

func Open(_ context.Context, dir string) (*Handle, error) {
	d, err := ReadDescriptor(dir)
	if err != nil {
		return nil, err
	}

	content, err := contentstore.Open(ContentPath(dir))
	if err != nil {
		return nil, err
	}

	idx, err := index.Open(IndexPath(dir))
	if err != nil {
		content.Close()

		return nil, err
	}

	return &Handle{Dir: dir, Descriptor: d, Index: idx, Content: content}, nil
}

func (h *Handle) Close() error {
	return errors.Join(h.Index.Close(), h.Content.Close())
}

// ListDir returns the module directories directly under root, sorted by id.
// Entries that are not modules are skipped.
func ListDir(root string) ([]*Descriptor, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var out []*Descriptor

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		d, err := ReadDescriptor(filepath.Join(root, e.Name()))
		if err != nil {
			continue
		}

		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func dirSize(dir string) (int64, error) {
	var total int64

	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			total += info.Size()
		}

		return nil
	})

	return total, err
}

// Search runs q against the module's index.
func (h *Handle) Search(ctx context.Context, q index.Query) ([]index.Hit, error) {
	return h.Index.Search(ctx, q)
}

// Record returns the full record for id from the content store.
func (h *Handle) Record(ctx context.Context, id string) (*curation.ContentRecord, error) {
	return h.Content.Get(ctx, id)
}

func (h *Handle) Titles(ctx context.Context) ([]contentstore.Title, error) {
	return h.Content.Titles(ctx)
}

func (h *Handle) Describe() *Descriptor {
	return h.Descriptor
}
