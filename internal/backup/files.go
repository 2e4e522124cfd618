package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"mysql-backup-orchestrator/internal/archive"
	apperrors "mysql-backup-orchestrator/internal/errors"
)

// FileCaptureResult describes one companion file capture
type FileCaptureResult struct {
	Files int
	Bytes int64
	// Manifest is the state of every file under the roots, to be saved once
	// the backup completes
	Manifest archive.Manifest
}

// captureFiles copies files under roots into dest/<root base name>/. With a
// base manifest only files whose content hash changed are copied.
func captureFiles(ctx context.Context, roots []string, dest string, base archive.Manifest) (*FileCaptureResult, error) {
	result := &FileCaptureResult{Manifest: archive.Manifest{}}
	used := map[string]int{}

	for _, root := range roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, apperrors.NewCaptureError(fmt.Sprintf("failed to resolve %s", root), err)
		}
		current, err := archive.Scan(ctx, []string{absRoot})
		if err != nil {
			return nil, apperrors.NewCaptureError("failed to scan companion files", err)
		}
		if len(current) == 0 {
			continue
		}

		name := filepath.Base(absRoot)
		if n := used[name]; n > 0 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		used[filepath.Base(absRoot)]++
		target := filepath.Join(dest, name)

		paths := make([]string, 0, len(current))
		for path, state := range current {
			result.Manifest[path] = state
			paths = append(paths, path)
		}
		if base != nil {
			paths = base.Changed(current)
		}
		sort.Strings(paths)

		for _, path := range paths {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rel, err := filepath.Rel(absRoot, path)
			if err != nil {
				return nil, apperrors.NewCaptureError("failed to place companion file", err)
			}
			out := target
			if rel != "." {
				out = filepath.Join(target, rel)
			}
			n, err := copyFile(path, out)
			if err != nil {
				return nil, apperrors.NewCaptureError(fmt.Sprintf("failed to copy %s", path), err)
			}
			result.Files++
			result.Bytes += n
		}
	}
	return result, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}
	return n, os.Chtimes(dst, info.ModTime(), info.ModTime())
}
