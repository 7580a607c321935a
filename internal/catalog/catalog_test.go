package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openCatalog(t *testing.T) *Catalog {
	t.Helper()

	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c
}

func TestCatalog_PutGetDelete(t *testing.T) {
	c := openCatalog(t)

	rec := Record{
		ID:          "core",
		Version:     "1.0.0",
		Path:        "/media/usb/prepper/core",
		DeviceID:    "8:1",
		Bytes:       1 << 20,
		Tiers:       []string{"critical"},
		InstalledAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, c.Put(rec))

	got, err := c.Get("core")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	rec.Path = "/data/modules/core"
	rec.DeviceID = "259:2"
	require.NoError(t, c.Put(rec))

	got, err = c.Get("core")
	require.NoError(t, err)
	assert.Equal(t, "259:2", got.DeviceID)

	require.NoError(t, c.Delete("core"))
	require.NoError(t, c.Delete("core"))

	_, err = c.Get("core")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, c.Put(Record{}))
}

func TestCatalog_ListAndOnDevice(t *testing.T) {
	c := openCatalog(t)

	require.NoError(t, c.Put(Record{ID: "water", DeviceID: "usb"}))
	require.NoError(t, c.Put(Record{ID: "core", DeviceID: "internal"}))
	require.NoError(t, c.Put(Record{ID: "plants", DeviceID: "usb"}))

	all, err := c.List()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "core", all[0].ID)

	usb, err := c.OnDevice("usb")
	require.NoError(t, err)
	require.Len(t, usb, 2)
	assert.Equal(t, "plants", usb[0].ID)
	assert.Equal(t, "water", usb[1].ID)
}

func TestCatalog_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")

	c, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c.Put(Record{ID: "core"}))
	require.NoError(t, c.Close())

	c, err = Open(path)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get("core")
	assert.NoError(t, err)
}
