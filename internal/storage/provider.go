// Package storage moves backup artifacts to and from one or more providers
// (local disk, S3, Google Cloud Storage, Azure Blob Storage) with optional
// symmetric encryption applied on the way out and reversed on the way in.
package storage

import (
	"context"
	"strings"

	"mysql-backup-orchestrator/internal/config"
)

// ArtifactSuffix is appended to the backup id to form an object name
const ArtifactSuffix = ".artifact"

// Locator describes where a provider put an artifact. It always carries
// "provider" and "size"; the rest is provider-specific.
type Locator map[string]interface{}

// Provider stores artifacts under their backup id.
//
// Download, Delete and Exists report a missing object as false with a nil
// error; a non-nil error means the provider could not answer.
type Provider interface {
	Name() config.ProviderType
	Upload(ctx context.Context, path, id string) (Locator, error)
	Download(ctx context.Context, id, dest string) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
	HealthCheck(ctx context.Context) error
}

// sanitizeID makes a backup id safe for object keys and file names
func sanitizeID(id string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")
	return replacer.Replace(id)
}

// objectKey builds the remote key for a backup id
func objectKey(prefix, id string) string {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + sanitizeID(id) + ArtifactSuffix
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return NewValidationError("backup ID cannot be empty", nil)
	}
	return nil
}
