// Package catalog records where each installed module lives on disk.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketModules = []byte("modules")

var ErrNotFound = errors.New("module not in catalog")

// Record is the placement of one installed module.
type Record struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Path        string    `json:"path"`
	DeviceID    string    `json:"device_id"`
	Bytes       int64     `json:"bytes"`
	Checksum    string    `json:"checksum"`
	Tiers       []string  `json:"tiers,omitempty"`
	InstalledAt time.Time `json:"installed_at"`
}

// Catalog is a bbolt-backed table of module records keyed by id.
type Catalog struct {
	db *bolt.DB
}

func Open(path string) (*Catalog, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketModules)

		return err
	})
	if err != nil {
		db.Close()

		return nil, err
	}

	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// Put inserts or replaces the record for rec.ID.
func (c *Catalog) Put(rec Record) error {
	if rec.ID == "" {
		return errors.New("catalog record without id")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModules).Put([]byte(rec.ID), data)
	})
}

func (c *Catalog) Get(id string) (Record, error) {
	var rec Record

	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketModules).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		return json.Unmarshal(v, &rec)
	})

	return rec, err
}

// List returns every record ordered by id.
func (c *Catalog) List() ([]Record, error) {
	var out []Record

	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModules).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			out = append(out, rec)

			return nil
		})
	})

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, err
}

// OnDevice returns the records placed on deviceID.
func (c *Catalog) OnDevice(deviceID string) ([]Record, error) {
	all, err := c.List()
	if err != nil {
		return nil, err
	}

	var out []Record

	for _, rec := range all {
		if rec.DeviceID == deviceID {
			out = append(out, rec)
		}
	}

	return out, nil
}

// Delete removes id. Deleting an unknown id is not an error.
func (c *Catalog) Delete(id string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModules).Delete([]byte(id))
	})
}
