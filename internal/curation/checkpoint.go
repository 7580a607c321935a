package curation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"time"
)

type Phase string

const (
	// PhaseScan is the single pass over the source.
	PhaseScan Phase = "scan"
	// PhaseExpansion rescans the source for wanted entries that were
	// passed before anything referenced them.
	PhaseExpansion Phase = "expansion"
	PhaseDone      Phase = "done"
)

// Want is a pending one-hop expansion target.
type Want struct {
	Tier Tier   `json:"tier"`
	Via  string `json:"via"`
}

type Stats struct {
	Scanned    int64            `json:"scanned"`
	Selected   int64            `json:"selected"`
	Expanded   int64            `json:"expanded"`
	Rejected   int64            `json:"rejected"`
	Redirects  int64            `json:"redirects_skipped"`
	Malformed  int64            `json:"malformed"`
	Filtered   int64            `json:"filtered"`
	Duplicates int64            `json:"duplicates"`
	Queued     int64            `json:"expansions_queued"`
	Unresolved int64            `json:"expansions_unresolved"`
	ByTier     map[string]int64 `json:"by_tier"`
}

func newStats() Stats {
	return Stats{ByTier: map[string]int64{}}
}

func (s Stats) clone() Stats {
	c := s
	c.ByTier = maps.Clone(s.ByTier)

	if c.ByTier == nil {
		c.ByTier = map[string]int64{}
	}

	return c
}

// Checkpoint is written after every successful batch. Resuming from it
// replays nothing that was committed and loses nothing that was not.
type Checkpoint struct {
	Phase        Phase           `json:"phase"`
	SourceOffset int64           `json:"source_offset"`
	RecordOffset int64           `json:"record_offset"`
	Batches      int             `json:"batches"`
	Stats        Stats           `json:"stats"`
	Wants        map[string]Want `json:"wants,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func newCheckpoint() *Checkpoint {
	return &Checkpoint{Phase: PhaseScan, Stats: newStats(), Wants: map[string]Want{}}
}

// LoadCheckpoint returns a fresh checkpoint when none exists at path.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return newCheckpoint(), nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	cp := newCheckpoint()
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	if cp.Wants == nil {
		cp.Wants = map[string]Want{}
	}

	if cp.Stats.ByTier == nil {
		cp.Stats.ByTier = map[string]int64{}
	}

	return cp, nil
}

// Save writes the checkpoint atomically.
func (cp *Checkpoint) Save(path string) error {
	cp.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return err
	}

	return os.Rename(tmp.Name(), path)
}

func (cp *Checkpoint) clone() *Checkpoint {
	c := *cp
	c.Stats = cp.Stats.clone()
	c.Wants = maps.Clone(cp.Wants)

	return &c
}
