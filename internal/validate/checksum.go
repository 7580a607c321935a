package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// FileChecksum returns the hex sha256 of the file at path.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// NormalizeChecksum lowercases a checksum and strips an optional "sha256:" prefix.
func NormalizeChecksum(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	return strings.TrimPrefix(s, "sha256:")
}

// VerifyFile compares the file's sha256 with expected. On mismatch the file
// is deleted and an *IntegrityError wrapping ErrChecksumMismatch is returned.
func VerifyFile(path, expected string) error {
	actual, err := FileChecksum(path)
	if err != nil {
		return err
	}

	if actual == NormalizeChecksum(expected) {
		return nil
	}

	removeErr := os.Remove(path)

	return &IntegrityError{
		Path:     path,
		Expected: NormalizeChecksum(expected),
		Actual:   actual,
		Removed:  removeErr == nil,
		Err:      ErrChecksumMismatch,
	}
}
