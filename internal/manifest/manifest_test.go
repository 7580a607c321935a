package manifest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepperapp/prepper/internal/transfer"
	"github.com/prepperapp/prepper/internal/validate"
)

const sum = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

var sampleManifest = `{
  "version": "1.0",
  "base_url": "https://cdn.example.org/prepper/",
  "modules": [
    {"id": "water", "version": "1.0.0", "uri": "modules/water.tar", "size": 2048, "sha256": "` + sum + `", "tiers": ["important"], "kind": "package"},
    {"id": "core", "version": "2.1.0", "uri": "https://mirror.example.org/core.tar", "size": 10485760, "sha256": "SHA256:` + strings.ToUpper(sum) + `", "chunk_size": 1048576, "tiers": ["critical", "important"]}
  ],
  "recommended_order": ["core"]
}`

func TestParse(t *testing.T) {
	m, err := Parse(strings.NewReader(sampleManifest))
	require.NoError(t, err)
	require.Len(t, m.Modules, 2)

	water, err := m.Find("water")
	require.NoError(t, err)
	assert.Equal(t, transfer.DefaultChunkSize, water.ChunkSize)
	assert.Equal(t, validate.KindPackage, water.ArtifactKind())

	core, err := m.Find("core")
	require.NoError(t, err)
	assert.Equal(t, sum, core.Checksum)
	assert.Equal(t, validate.KindGeneric, core.ArtifactKind())

	_, err = m.Find("plants")
	assert.ErrorIs(t, err, ErrModuleNotListed)

	ordered := m.Ordered()
	require.Len(t, ordered, 2)
	assert.Equal(t, "core", ordered[0].ID)
	assert.Equal(t, "water", ordered[1].ID)
}

func TestDescriptor(t *testing.T) {
	m, err := Parse(strings.NewReader(sampleManifest))
	require.NoError(t, err)

	water, _ := m.Find("water")
	d, err := m.Descriptor(water)
	require.NoError(t, err)
	assert.Equal(t, transfer.Descriptor{
		ID:        "water@1.0.0",
		URI:       "https://cdn.example.org/prepper/modules/water.tar",
		TotalSize: 2048,
		ChunkSize: transfer.DefaultChunkSize,
		Checksum:  sum,
	}, d)
	require.NoError(t, d.Validate())

	core, _ := m.Find("core")
	d, err = m.Descriptor(core)
	require.NoError(t, err)
	assert.Equal(t, "https://mirror.example.org/core.tar", d.URI)
	assert.Equal(t, int64(1048576), d.ChunkSize)
}

func TestValidate_Rejects(t *testing.T) {
	valid := func() Entry {
		return Entry{ID: "core", URI: "core.tar", Size: 10, Checksum: sum}
	}

	tests := []struct {
		name    string
		mutate  func(m *Manifest)
		wantErr string
	}{
		{name: "no modules", mutate: func(m *Manifest) { m.Modules = nil }, wantErr: "no modules"},
		{name: "empty id", mutate: func(m *Manifest) { m.Modules[0].ID = "" }, wantErr: "without id"},
		{name: "path id", mutate: func(m *Manifest) { m.Modules[0].ID = "../core" }, wantErr: "plain name"},
		{name: "zero size", mutate: func(m *Manifest) { m.Modules[0].Size = 0 }, wantErr: "size must be positive"},
		{name: "short checksum", mutate: func(m *Manifest) { m.Modules[0].Checksum = "abc" }, wantErr: "malformed sha256"},
		{name: "unknown tier", mutate: func(m *Manifest) { m.Modules[0].Tiers = []string{"luxury"} }, wantErr: "unknown tier"},
		{name: "unknown kind", mutate: func(m *Manifest) { m.Modules[0].Kind = "iso" }, wantErr: "unknown artifact kind"},
		{name: "duplicate", mutate: func(m *Manifest) { m.Modules = append(m.Modules, valid()) }, wantErr: "twice"},
		{name: "bad order", mutate: func(m *Manifest) { m.RecommendedOrder = []string{"plants"} }, wantErr: "unknown module"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{Modules: []Entry{valid()}}
			tt.mutate(m)

			err := m.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/manifest.json":
			w.Write([]byte(strings.Replace(sampleManifest, `"base_url": "https://cdn.example.org/prepper/",`, "", 1)))
		case "/broken/manifest.json":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	m, err := Fetch(context.Background(), srv.Client(), srv.URL+"/v1/manifest.json")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/v1/", m.BaseURL)

	water, _ := m.Find("water")
	uri, err := m.ResolveURI(water)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/v1/modules/water.tar", uri)

	_, err = Fetch(context.Background(), srv.Client(), srv.URL+"/broken/manifest.json")

	var netErr *transfer.NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Transient)
	assert.Equal(t, http.StatusBadGateway, netErr.StatusCode)

	_, err = Fetch(context.Background(), srv.Client(), srv.URL+"/missing.json")
	require.True(t, errors.As(err, &netErr))
	assert.False(t, netErr.Transient)
}

func TestDescribeAndWrite(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "core.tar")
	require.NoError(t, os.WriteFile(artifact, []byte("test"), 0o644))

	e, err := Describe(artifact, "core", "1.0.0", "core.tar")
	require.NoError(t, err)
	assert.Equal(t, int64(4), e.Size)
	assert.Equal(t, sum, e.Checksum)

	m := &Manifest{Version: "1.0", Modules: []Entry{e}}
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, m.Write(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, e, loaded.Modules[0])
	assert.False(t, loaded.Created.IsZero())
}
