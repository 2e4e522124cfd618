package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"mysql-backup-orchestrator/internal/config"
)

// LocalProvider implements Provider for local file system storage
type LocalProvider struct {
	basePath    string
	permissions os.FileMode
}

// NewLocalProvider creates a new LocalProvider and its base directory
func NewLocalProvider(cfg *config.LocalConfig) (*LocalProvider, error) {
	if cfg == nil {
		return nil, NewValidationError("local storage configuration is required", nil)
	}
	if cfg.BasePath == "" {
		return nil, NewValidationError("local storage base path is required", nil)
	}

	perm := cfg.Permissions
	if perm == 0 {
		perm = 0755
	}

	provider := &LocalProvider{
		basePath:    cfg.BasePath,
		permissions: perm,
	}

	if err := os.MkdirAll(provider.basePath, provider.permissions); err != nil {
		return nil, NewStorageError("failed to create base directory", err).WithProvider(string(config.ProviderLocal))
	}

	return provider, nil
}

// Name identifies the provider
func (lp *LocalProvider) Name() config.ProviderType {
	return config.ProviderLocal
}

// Path returns where the artifact for id lives
func (lp *LocalProvider) Path(id string) string {
	return filepath.Join(lp.basePath, sanitizeID(id)+ArtifactSuffix)
}

// Upload copies the artifact into the base directory
func (lp *LocalProvider) Upload(ctx context.Context, path, id string) (Locator, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	dest := lp.Path(id)
	size, err := copyFileAtomic(ctx, path, dest)
	if err != nil {
		return nil, NewStorageError("failed to store artifact", err).WithProvider(string(config.ProviderLocal))
	}

	return Locator{
		"provider": string(config.ProviderLocal),
		"size":     size,
		"path":     dest,
	}, nil
}

// Download copies the stored artifact to dest
func (lp *LocalProvider) Download(ctx context.Context, id, dest string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	src := lp.Path(id)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return false, nil
	}

	if _, err := copyFileAtomic(ctx, src, dest); err != nil {
		return false, NewStorageError(fmt.Sprintf("failed to read artifact %s", id), err).WithProvider(string(config.ProviderLocal))
	}
	return true, nil
}

// Delete removes the stored artifact
func (lp *LocalProvider) Delete(_ context.Context, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	err := os.Remove(lp.Path(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, NewStorageError("failed to delete artifact", err).WithProvider(string(config.ProviderLocal))
	}
	return true, nil
}

// Exists reports whether an artifact is stored for id
func (lp *LocalProvider) Exists(_ context.Context, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	_, err := os.Stat(lp.Path(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, NewStorageError("failed to stat artifact", err).WithProvider(string(config.ProviderLocal))
	}
	return true, nil
}

// HealthCheck verifies the base directory is writable
func (lp *LocalProvider) HealthCheck(_ context.Context) error {
	probe, err := os.CreateTemp(lp.basePath, ".health-*")
	if err != nil {
		return NewStorageError("base directory is not writable", err).WithProvider(string(config.ProviderLocal))
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

// copyFileAtomic copies src to dst through a temporary file in dst's
// directory, so readers never observe a half-written artifact
func copyFileAtomic(ctx context.Context, src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, &contextReader{ctx: ctx, r: in})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, err
	}

	if err := os.Rename(tmpName, dst); err != nil {
		return 0, err
	}
	return n, nil
}

// contextReader stops a copy once the context is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
