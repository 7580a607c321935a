package validate

import (
	"errors"
	"fmt"
)

var (
	ErrIncompleteChunks  = errors.New("incomplete chunks")
	ErrChunkNotFound     = errors.New("chunk not found")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrDatabaseCorrupted = errors.New("database corrupted")
	ErrInvalidStructure  = errors.New("invalid structure")
)

// IntegrityError reports an artifact that failed verification. The artifact
// has already been removed when Removed is true.
type IntegrityError struct {
	Path     string
	Kind     Kind
	Expected string
	Actual   string
	Removed  bool
	Err      error
}

func (e *IntegrityError) Error() string {
	if e.Expected != "" || e.Actual != "" {
		return fmt.Sprintf("integrity check failed for %s: %v (expected %s, got %s)", e.Path, e.Err, e.Expected, e.Actual)
	}

	return fmt.Sprintf("integrity check failed for %s (%s): %v", e.Path, e.Kind, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}
