package storage

import (
	"context"
	"fmt"

	"mysql-backup-orchestrator/internal/config"
)

// ProviderFactory creates storage providers from configuration
type ProviderFactory struct{}

// NewProviderFactory creates a new provider factory
func NewProviderFactory() *ProviderFactory {
	return &ProviderFactory{}
}

// CreateProvider creates one provider
func (f *ProviderFactory) CreateProvider(ctx context.Context, providerType config.ProviderType, cfg config.StorageConfig) (Provider, error) {
	switch providerType {
	case config.ProviderLocal:
		return NewLocalProvider(cfg.Local)
	case config.ProviderS3:
		return NewS3Provider(cfg.S3)
	case config.ProviderGCS:
		return NewGCSProvider(ctx, cfg.GCS)
	case config.ProviderAzure:
		return NewAzureProvider(cfg.Azure)
	default:
		return nil, NewConfigurationError(fmt.Sprintf("unsupported storage provider: %s", providerType), nil)
	}
}

// CreateProviders creates every configured provider, in retrieval order
func (f *ProviderFactory) CreateProviders(ctx context.Context, cfg config.StorageConfig) ([]Provider, error) {
	if len(cfg.Providers) == 0 {
		return nil, NewConfigurationError("at least one storage provider is required", nil)
	}

	providers := make([]Provider, 0, len(cfg.Providers))
	seen := make(map[config.ProviderType]bool)
	for _, pt := range cfg.Providers {
		if seen[pt] {
			return nil, NewConfigurationError(fmt.Sprintf("storage provider %s listed twice", pt), nil)
		}
		seen[pt] = true

		p, err := f.CreateProvider(ctx, pt, cfg)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}
