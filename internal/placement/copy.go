package placement

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const progressEvery = 8 << 20

// copyTree copies a module directory. Only directories and regular files
// are allowed; modules never contain links.
func copyTree(ctx context.Context, src, dst string, progress func(copied int64)) error {
	var copied, reported int64

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			n, err := copyFile(ctx, path, target)
			if err != nil {
				return err
			}

			copied += n
			if copied-reported >= progressEvery {
				reported = copied
				progress(copied)
			}

			return nil
		default:
			return fmt.Errorf("unsupported file type in module: %s", rel)
		}
	})
}

func copyFile(ctx context.Context, src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, &ctxReader{ctx: ctx, r: in})
	if err != nil {
		out.Close()

		return n, err
	}

	if err := out.Sync(); err != nil {
		out.Close()

		return n, err
	}

	return n, out.Close()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}

func treeSize(dir string) (int64, error) {
	var total int64

	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}

			total += info.Size()
		}

		return nil
	})

	return total, err
}
