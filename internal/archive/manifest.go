package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FileState is what the incremental capture remembers about one file
type FileState struct {
	Hash  string    `json:"hash"`
	Size  int64     `json:"size"`
	MTime time.Time `json:"mtime"`
}

// Manifest maps a file path to its state at the last capture
type Manifest map[string]FileState

// LoadManifest reads the manifest at path. A missing file is an empty
// manifest, so the first incremental run captures everything.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m := Manifest{}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return m, nil
}

// Save replaces the manifest at path with m
func (m Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

// Changed lists the paths in current whose content hash differs from m,
// including paths m has never seen, in sorted order
func (m Manifest) Changed(current Manifest) []string {
	var changed []string
	for path, state := range current {
		prev, ok := m[path]
		if !ok || prev.Hash != state.Hash {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}

// Scan hashes every regular file under roots. Roots that do not exist are
// skipped; a root may be a single file.
func Scan(ctx context.Context, roots []string) (Manifest, error) {
	m := Manifest{}
	for _, root := range roots {
		if _, err := os.Lstat(root); os.IsNotExist(err) {
			continue
		}
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			sum, err := Checksum(path)
			if err != nil {
				return err
			}
			m[path] = FileState{Hash: sum, Size: info.Size(), MTime: info.ModTime().UTC()}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", root, err)
		}
	}
	return m, nil
}
