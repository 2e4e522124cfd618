package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"os"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"mysql-backup-orchestrator/internal/config"
)

// AzureProvider implements Provider for Azure Blob Storage
type AzureProvider struct {
	containerURL  azblob.ContainerURL
	containerName string
	prefix        string
}

// NewAzureProvider creates a new AzureProvider instance
func NewAzureProvider(cfg *config.AzureConfig) (*AzureProvider, error) {
	if cfg == nil {
		return nil, NewValidationError("Azure storage configuration is required", nil)
	}
	if cfg.AccountName == "" || cfg.ContainerName == "" {
		return nil, NewValidationError("Azure account name and container name are required", nil)
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, NewStorageError("failed to create Azure credentials", err).WithProvider(string(config.ProviderAzure))
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName))
	if err != nil {
		return nil, NewStorageError("failed to parse Azure service URL", err).WithProvider(string(config.ProviderAzure))
	}

	return &AzureProvider{
		containerURL:  azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(cfg.ContainerName),
		containerName: cfg.ContainerName,
		prefix:        cfg.Prefix,
	}, nil
}

// Name identifies the provider
func (p *AzureProvider) Name() config.ProviderType {
	return config.ProviderAzure
}

func (p *AzureProvider) blob(id string) azblob.BlockBlobURL {
	return p.containerURL.NewBlockBlobURL(objectKey(p.prefix, id))
}

// Upload sends the artifact as a block blob
func (p *AzureProvider) Upload(ctx context.Context, path, id string) (Locator, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, NewStorageError("failed to open artifact", err).WithProvider(string(config.ProviderAzure))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, NewStorageError("failed to stat artifact", err).WithProvider(string(config.ProviderAzure))
	}

	blobURL := p.blob(id)
	_, err = azblob.UploadFileToBlockBlob(ctx, f, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024, // 4MB blocks
		Parallelism: 16,
		Metadata: azblob.Metadata{
			"backupid": id,
		},
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return nil, NewNetworkError("failed to upload artifact to Azure", err).WithProvider(string(config.ProviderAzure))
	}

	u := blobURL.URL()
	return Locator{
		"provider":  string(config.ProviderAzure),
		"size":      info.Size(),
		"container": p.containerName,
		"key":       objectKey(p.prefix, id),
		"url":       u.String(),
	}, nil
}

// Download fetches the artifact into dest
func (p *AzureProvider) Download(ctx context.Context, id, dest string) (bool, error) {
	exists, err := p.Exists(ctx, id)
	if err != nil || !exists {
		return false, err
	}

	f, err := os.Create(dest)
	if err != nil {
		return false, NewStorageError("failed to create download target", err).WithProvider(string(config.ProviderAzure))
	}
	defer f.Close()

	err = azblob.DownloadBlobToFile(ctx, p.blob(id).BlobURL, 0, azblob.CountToEnd, f, azblob.DownloadFromBlobOptions{
		RetryReaderOptionsPerBlock: azblob.RetryReaderOptions{MaxRetryRequests: 20},
	})
	if err != nil {
		os.Remove(dest)
		return false, NewNetworkError(fmt.Sprintf("failed to download artifact %s from Azure", id), err).
			WithProvider(string(config.ProviderAzure))
	}
	return true, nil
}

// Delete removes the blob and its snapshots
func (p *AzureProvider) Delete(ctx context.Context, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	_, err := p.blob(id).Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if isAzureNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, NewNetworkError("failed to delete artifact from Azure", err).WithProvider(string(config.ProviderAzure))
	}
	return true, nil
}

// Exists reads the blob's properties
func (p *AzureProvider) Exists(ctx context.Context, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	_, err := p.blob(id).GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err == nil {
		return true, nil
	}
	if isAzureNotFound(err) {
		return false, nil
	}
	return false, NewNetworkError("failed to check artifact in Azure", err).WithProvider(string(config.ProviderAzure))
}

// HealthCheck verifies the container is reachable
func (p *AzureProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.containerURL.GetProperties(ctx, azblob.LeaseAccessConditions{}); err != nil {
		return NewNetworkError("Azure container is not accessible", err).WithProvider(string(config.ProviderAzure))
	}
	return nil
}

func isAzureNotFound(err error) bool {
	var storageErr azblob.StorageError
	if stderrors.As(err, &storageErr) {
		switch storageErr.ServiceCode() {
		case azblob.ServiceCodeBlobNotFound, azblob.ServiceCodeContainerNotFound:
			return true
		}
	}
	return false
}
