package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"mysql-backup-orchestrator/internal/config"
)

// GCSProvider implements Provider for Google Cloud Storage
type GCSProvider struct {
	client     *storage.Client
	bucketName string
	prefix     string
}

// NewGCSProvider creates a new GCSProvider instance
func NewGCSProvider(ctx context.Context, cfg *config.GCSConfig) (*GCSProvider, error) {
	if cfg == nil {
		return nil, NewValidationError("GCS storage configuration is required", nil)
	}
	if cfg.Bucket == "" {
		return nil, NewValidationError("GCS bucket is required", nil)
	}

	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, NewStorageError("failed to create GCS client", err).WithProvider(string(config.ProviderGCS))
	}

	return &GCSProvider{
		client:     client,
		bucketName: cfg.Bucket,
		prefix:     cfg.Prefix,
	}, nil
}

// Name identifies the provider
func (p *GCSProvider) Name() config.ProviderType {
	return config.ProviderGCS
}

func (p *GCSProvider) object(id string) *storage.ObjectHandle {
	return p.client.Bucket(p.bucketName).Object(objectKey(p.prefix, id))
}

// Upload streams the artifact into the bucket
func (p *GCSProvider) Upload(ctx context.Context, path, id string) (Locator, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, NewStorageError("failed to open artifact", err).WithProvider(string(config.ProviderGCS))
	}
	defer f.Close()

	w := p.object(id).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{"backup-id": id}

	size, err := io.Copy(w, f)
	if err != nil {
		w.Close()
		return nil, NewNetworkError("failed to upload artifact to GCS", err).WithProvider(string(config.ProviderGCS))
	}
	if err := w.Close(); err != nil {
		return nil, NewNetworkError("failed to finalize GCS upload", err).WithProvider(string(config.ProviderGCS))
	}

	key := objectKey(p.prefix, id)
	return Locator{
		"provider": string(config.ProviderGCS),
		"size":     size,
		"bucket":   p.bucketName,
		"key":      key,
		"url":      fmt.Sprintf("gs://%s/%s", p.bucketName, key),
	}, nil
}

// Download fetches the artifact into dest
func (p *GCSProvider) Download(ctx context.Context, id, dest string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	r, err := p.object(id).NewReader(ctx)
	if stderrors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, NewNetworkError(fmt.Sprintf("failed to download artifact %s from GCS", id), err).
			WithProvider(string(config.ProviderGCS))
	}
	defer r.Close()

	f, err := os.Create(dest)
	if err != nil {
		return false, NewStorageError("failed to create download target", err).WithProvider(string(config.ProviderGCS))
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(dest)
		return false, NewNetworkError("failed to read artifact from GCS", err).WithProvider(string(config.ProviderGCS))
	}
	return true, nil
}

// Delete removes the artifact object
func (p *GCSProvider) Delete(ctx context.Context, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	err := p.object(id).Delete(ctx)
	if stderrors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, NewNetworkError("failed to delete artifact from GCS", err).WithProvider(string(config.ProviderGCS))
	}
	return true, nil
}

// Exists checks the object's attributes
func (p *GCSProvider) Exists(ctx context.Context, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	_, err := p.object(id).Attrs(ctx)
	if stderrors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, NewNetworkError("failed to check artifact in GCS", err).WithProvider(string(config.ProviderGCS))
	}
	return true, nil
}

// HealthCheck verifies the bucket can be listed
func (p *GCSProvider) HealthCheck(ctx context.Context) error {
	it := p.client.Bucket(p.bucketName).Objects(ctx, &storage.Query{Prefix: p.prefix})
	if _, err := it.Next(); err != nil && err != iterator.Done {
		return NewNetworkError("GCS bucket is not accessible", err).WithProvider(string(config.ProviderGCS))
	}
	return nil
}

// Close releases the client
func (p *GCSProvider) Close() error {
	return p.client.Close()
}
