// Package manifest describes the published modules a device can download.
// The manifest is the source of truth for sizes and checksums.
package manifest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/prepperapp/prepper/internal/curation"
	"github.com/prepperapp/prepper/internal/transfer"
	"github.com/prepperapp/prepper/internal/validate"
)

// maxManifestBytes bounds a fetched manifest.
const maxManifestBytes = 4 << 20

var ErrModuleNotListed = errors.New("module not listed in manifest")

type Manifest struct {
	Version          string    `json:"version"`
	Created          time.Time `json:"created"`
	BaseURL          string    `json:"base_url,omitempty"`
	Modules          []Entry   `json:"modules"`
	RecommendedOrder []string  `json:"recommended_order,omitempty"`
}

// Entry is one downloadable artifact, usually a packaged module.
type Entry struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	// URI is absolute, or relative to the manifest's BaseURL.
	URI         string   `json:"uri"`
	Size        int64    `json:"size"`
	Checksum    string   `json:"sha256"`
	ChunkSize   int64    `json:"chunk_size,omitempty"`
	Tiers       []string `json:"tiers,omitempty"`
	Kind        string   `json:"kind,omitempty"`
	Description string   `json:"description,omitempty"`
}

func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes and validates a manifest.
func Parse(r io.Reader) (*Manifest, error) {
	var m Manifest

	dec := json.NewDecoder(r)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Fetch downloads the manifest at rawURL. The client carries any auth.
func Fetch(ctx context.Context, client *http.Client, rawURL string) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &transfer.NetworkError{Operation: "fetch_manifest", Message: err.Error(), Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &transfer.NetworkError{
			Operation:  "fetch_manifest",
			StatusCode: resp.StatusCode,
			Message:    resp.Status,
			Transient:  resp.StatusCode >= 500,
		}
	}

	m, err := Parse(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, err
	}

	if m.BaseURL == "" {
		if u, err := url.Parse(rawURL); err == nil {
			u.Path = u.Path[:strings.LastIndex(u.Path, "/")+1]
			u.RawQuery = ""
			m.BaseURL = u.String()
		}
	}

	return m, nil
}

func (m *Manifest) Validate() error {
	if len(m.Modules) == 0 {
		return errors.New("manifest lists no modules")
	}

	seen := make(map[string]struct{}, len(m.Modules))

	for i := range m.Modules {
		e := &m.Modules[i]

		if err := e.Validate(); err != nil {
			return err
		}

		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("manifest lists module %q twice", e.ID)
		}

		seen[e.ID] = struct{}{}
	}

	for _, id := range m.RecommendedOrder {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("recommended order names unknown module %q", id)
		}
	}

	return nil
}

// Validate checks a single entry and normalizes its checksum and chunk size.
func (e *Entry) Validate() error {
	if e.ID == "" {
		return errors.New("manifest entry without id")
	}

	if strings.ContainsAny(e.ID, `/\`) || e.ID == "." || e.ID == ".." {
		return fmt.Errorf("module %q: id must be a plain name", e.ID)
	}

	if e.URI == "" {
		return fmt.Errorf("module %s: uri is required", e.ID)
	}

	if e.Size <= 0 {
		return fmt.Errorf("module %s: size must be positive, got %d", e.ID, e.Size)
	}

	e.Checksum = validate.NormalizeChecksum(e.Checksum)
	if b, err := hex.DecodeString(e.Checksum); err != nil || len(b) != 32 {
		return fmt.Errorf("module %s: malformed sha256 %q", e.ID, e.Checksum)
	}

	if e.ChunkSize < 0 {
		return fmt.Errorf("module %s: chunk size must not be negative", e.ID)
	}

	if e.ChunkSize == 0 {
		e.ChunkSize = transfer.DefaultChunkSize
	}

	for _, t := range e.Tiers {
		if _, err := curation.ParseTier(t); err != nil {
			return fmt.Errorf("module %s: %w", e.ID, err)
		}
	}

	if _, err := validate.ParseKind(e.Kind); err != nil {
		return fmt.Errorf("module %s: %w", e.ID, err)
	}

	return nil
}

func (m *Manifest) Find(id string) (Entry, error) {
	for _, e := range m.Modules {
		if e.ID == id {
			return e, nil
		}
	}

	return Entry{}, fmt.Errorf("%w: %s", ErrModuleNotListed, id)
}

// Ordered returns the entries in recommended order, followed by the rest
// in manifest order.
func (m *Manifest) Ordered() []Entry {
	out := make([]Entry, 0, len(m.Modules))
	placed := make(map[string]bool, len(m.Modules))

	for _, id := range m.RecommendedOrder {
		if e, err := m.Find(id); err == nil && !placed[id] {
			out = append(out, e)
			placed[id] = true
		}
	}

	for _, e := range m.Modules {
		if !placed[e.ID] {
			out = append(out, e)
		}
	}

	return out
}

// ResolveURI makes an entry's URI absolute against the manifest base.
func (m *Manifest) ResolveURI(e Entry) (string, error) {
	ref, err := url.Parse(e.URI)
	if err != nil {
		return "", fmt.Errorf("module %s: bad uri: %w", e.ID, err)
	}

	if ref.IsAbs() || m.BaseURL == "" {
		return ref.String(), nil
	}

	base, err := url.Parse(m.BaseURL)
	if err != nil {
		return "", fmt.Errorf("bad manifest base url: %w", err)
	}

	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	return base.ResolveReference(ref).String(), nil
}

// Descriptor derives the transfer descriptor for an entry. The task id is
// the module id plus version so a new version never resumes an old task.
func (m *Manifest) Descriptor(e Entry) (transfer.Descriptor, error) {
	uri, err := m.ResolveURI(e)
	if err != nil {
		return transfer.Descriptor{}, err
	}

	id := e.ID
	if e.Version != "" {
		id += "@" + e.Version
	}

	return transfer.Descriptor{
		ID:        id,
		URI:       uri,
		TotalSize: e.Size,
		ChunkSize: e.ChunkSize,
		Checksum:  e.Checksum,
	}, nil
}

// ArtifactKind returns the structural check to run on the entry's artifact.
func (e Entry) ArtifactKind() validate.Kind {
	k, err := validate.ParseKind(e.Kind)
	if err != nil {
		return validate.KindGeneric
	}

	return k
}

// Describe builds an entry for a local artifact, hashing it.
func Describe(path, id, version, uri string) (Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Entry{}, err
	}

	sum, err := validate.FileChecksum(path)
	if err != nil {
		return Entry{}, err
	}

	return Entry{
		ID:        id,
		Version:   version,
		URI:       uri,
		Size:      info.Size(),
		Checksum:  sum,
		ChunkSize: transfer.DefaultChunkSize,
		Kind:      validate.KindPackage.String(),
	}, nil
}

// Write stores the manifest as indented JSON.
func (m *Manifest) Write(path string) error {
	if m.Created.IsZero() {
		m.Created = time.Now().UTC()
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}
