package validate

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// Kind selects the structural check run on an artifact.
type Kind int

const (
	KindGeneric Kind = iota
	KindDatabase
	KindArchive
	KindPackage
	KindIndex
)

var kindNames = map[Kind]string{
	KindGeneric:  "generic",
	KindDatabase: "database",
	KindArchive:  "archive",
	KindPackage:  "package",
	KindIndex:    "index",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a manifest kind name to a Kind. Empty means generic.
func ParseKind(s string) (Kind, error) {
	if s == "" {
		return KindGeneric, nil
	}

	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}

	return KindGeneric, fmt.Errorf("unknown artifact kind %q", s)
}

// IndexMetaFile marks a directory as a search index.
const IndexMetaFile = "index_meta.json"

var (
	sqliteHeader = []byte("SQLite format 3\x00")
	gzipMagic    = []byte{0x1f, 0x8b}
	zimMagic     = []byte{0x5a, 0x49, 0x4d, 0x04}
	tarMagic     = []byte("ustar")
)

const tarMagicOffset = 257

type checkFunc func(ctx context.Context, path string) error

var checks = map[Kind]checkFunc{
	KindGeneric:  checkGeneric,
	KindDatabase: checkDatabase,
	KindArchive:  checkArchive,
	KindPackage:  checkPackage,
	KindIndex:    checkIndex,
}

// Check runs the structural check for kind without touching the artifact.
// These are cheap sanity checks, not full parses.
func Check(ctx context.Context, path string, kind Kind) error {
	fn, ok := checks[kind]
	if !ok {
		return fmt.Errorf("no check registered for %s", kind)
	}

	if err := fn(ctx, path); err != nil {
		return &IntegrityError{Path: path, Kind: kind, Err: err}
	}

	return nil
}

// Structure runs Check and deletes a failing file artifact. Directory
// artifacts are left in place for the caller to dispose of.
func Structure(ctx context.Context, path string, kind Kind) error {
	err := Check(ctx, path, kind)
	if err == nil {
		return nil
	}

	if info, statErr := os.Stat(path); statErr == nil && !info.IsDir() {
		if rmErr := os.Remove(path); rmErr == nil {
			if ie, ok := err.(*IntegrityError); ok {
				ie.Removed = true
			}
		}
	}

	return err
}

func readHeader(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)

	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}

	return buf[:read], nil
}

func checkGeneric(_ context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: not a regular file", ErrInvalidStructure)
	}

	if info.Size() == 0 {
		return fmt.Errorf("%w: empty file", ErrInvalidStructure)
	}

	return nil
}

func checkDatabase(ctx context.Context, path string) error {
	header, err := readHeader(path, len(sqliteHeader))
	if err != nil {
		return err
	}

	if !bytes.Equal(header, sqliteHeader) {
		return fmt.Errorf("%w: missing sqlite header", ErrDatabaseCorrupted)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseCorrupted, err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseCorrupted, err)
	}

	if result != "ok" {
		return fmt.Errorf("%w: integrity_check returned %q", ErrDatabaseCorrupted, result)
	}

	return nil
}

// checkArchive accepts gzip, ZIM or plain JSON lines source archives.
func checkArchive(_ context.Context, path string) error {
	header, err := readHeader(path, 4)
	if err != nil {
		return err
	}

	if bytes.HasPrefix(header, gzipMagic) || bytes.Equal(header, zimMagic) {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	for {
		b, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: unrecognised archive format", ErrInvalidStructure)
		}

		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return nil
		default:
			return fmt.Errorf("%w: unrecognised archive format", ErrInvalidStructure)
		}
	}
}

func checkPackage(_ context.Context, path string) error {
	header, err := readHeader(path, tarMagicOffset+len(tarMagic))
	if err != nil {
		return err
	}

	if len(header) < tarMagicOffset+len(tarMagic) || !bytes.Equal(header[tarMagicOffset:], tarMagic) {
		return fmt.Errorf("%w: not a tar package", ErrInvalidStructure)
	}

	return nil
}

func checkIndex(_ context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: index is not a directory", ErrInvalidStructure)
	}

	meta, err := os.Stat(filepath.Join(path, IndexMetaFile))
	if err != nil || meta.Size() == 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidStructure, IndexMetaFile)
	}

	return nil
}
