package module

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Package writes the module directory as an uncompressed tar rooted at the
// module id. The content store and index are already compact; compressing
// them again would cost a pass for little gain.
func Package(ctx context.Context, dir, out string) error {
	d, err := ReadDescriptor(dir)
	if err != nil {
		return err
	}

	tmp := out + ".partial"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if err := writeTar(ctx, f, dir, d.ID); err != nil {
		f.Close()
		os.Remove(tmp)

		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)

		return err
	}

	return os.Rename(tmp, out)
}

func writeTar(ctx context.Context, w io.Writer, dir, root string) error {
	tw := tar.NewWriter(w)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}

		hdr.Name = filepath.ToSlash(filepath.Join(root, rel))
		hdr.Format = tar.FormatPAX

		if info.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)

		return err
	})
	if err != nil {
		return fmt.Errorf("failed to package module: %w", err)
	}

	return tw.Close()
}

// Unpack extracts a module package into dest and returns the module
// directory. Entries that would land outside dest are rejected. On error
// everything extracted so far is removed.
func Unpack(ctx context.Context, tarPath, dest string) (string, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}

	var created []string

	root, err := extract(ctx, tar.NewReader(f), dest, &created)
	if err != nil {
		for i := len(created) - 1; i >= 0; i-- {
			os.RemoveAll(created[i])
		}

		return "", err
	}

	if root == "" {
		return "", errors.New("module package is empty")
	}

	return filepath.Join(dest, root), nil
}

func extract(ctx context.Context, tr *tar.Reader, dest string, created *[]string) (string, error) {
	var root string

	cleanDest := filepath.Clean(dest) + string(os.PathSeparator)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return root, nil
		}

		if err != nil {
			return "", fmt.Errorf("failed to read module package: %w", err)
		}

		name := filepath.FromSlash(hdr.Name)
		target := filepath.Join(dest, name)

		if !strings.HasPrefix(target+string(os.PathSeparator), cleanDest) || filepath.IsAbs(name) {
			return "", fmt.Errorf("package entry %q escapes destination", hdr.Name)
		}

		top := strings.SplitN(filepath.ToSlash(filepath.Clean(name)), "/", 2)[0]
		if root == "" {
			root = top

			if _, err := os.Stat(filepath.Join(dest, root)); err == nil {
				return "", fmt.Errorf("module directory %s already exists", filepath.Join(dest, root))
			}

			*created = append(*created, filepath.Join(dest, root))
		} else if top != root {
			return "", fmt.Errorf("package entry %q is outside module %s", hdr.Name, root)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", err
			}
		case tar.TypeReg:
			if err := writeFile(tr, target, hdr.Size); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("package entry %q has unsupported type %c", hdr.Name, hdr.Typeflag)
		}
	}
}

func writeFile(r io.Reader, target string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.CopyN(f, r, size); err != nil {
		f.Close()

		return err
	}

	return f.Close()
}
