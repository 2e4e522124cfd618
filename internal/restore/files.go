package restore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "mysql-backup-orchestrator/internal/errors"
)

// filesResult counts restored companion files
type filesResult struct {
	Files    int
	Warnings []string
}

// rootTargets maps artifact directory names back to configured roots. The
// backup names each root after its base name, suffixing _N on clashes.
func rootTargets(roots []string) map[string]string {
	out := make(map[string]string, len(roots))
	used := map[string]int{}
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		base := filepath.Base(abs)
		name := base
		if n := used[base]; n > 0 {
			name = fmt.Sprintf("%s_%d", base, n)
		}
		used[base]++
		out[name] = abs
	}
	return out
}

// restoreFiles copies every file under src/<name>/ over the matching
// configured root
func restoreFiles(ctx context.Context, src string, roots []string) (*filesResult, error) {
	result := &filesResult{}
	entries, err := os.ReadDir(src)
	if os.IsNotExist(err) {
		return result, nil
	}
	if err != nil {
		return nil, apperrors.NewCaptureError("failed to read files from artifact", err)
	}

	targets := rootTargets(roots)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		target, ok := targets[name]
		if !ok {
			result.Warnings = append(result.Warnings, fmt.Sprintf("no configured file root matches %q; skipped", name))
			continue
		}
		base := filepath.Join(src, name)
		err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(base, path)
			if err != nil || strings.HasPrefix(rel, "..") {
				return fmt.Errorf("bad path %s in artifact", path)
			}
			dst := target
			if rel != "." {
				dst = filepath.Join(target, rel)
			}
			if err := copyOver(path, dst, info.Mode().Perm()); err != nil {
				return err
			}
			result.Files++
			return nil
		})
		if err != nil {
			return result, apperrors.NewCaptureError(fmt.Sprintf("failed to restore files into %s", target), err)
		}
	}
	return result, nil
}

func copyOver(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
