package reconcile

import (
	"context"
	"os"

	"mysql-backup-orchestrator/internal/jobs"
)

// ArtifactRef identifies the artifact a job record points at
type ArtifactRef struct {
	BackupID string
	FilePath string
	Type     jobs.BackupType
}

// ArtifactChecker answers whether a backup's artifact still exists.
// verifiable is false when the checker could not reach a definite answer.
type ArtifactChecker interface {
	ArtifactExists(ctx context.Context, ref ArtifactRef) (exists, verifiable bool, err error)
}

// RemoteLocator is the part of storage.Manager the checker needs
type RemoteLocator interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// StorageChecker looks for the artifact on local disk first, then in the
// configured storage providers
type StorageChecker struct {
	remote RemoteLocator
}

// NewStorageChecker creates a checker; remote may be nil for disk-only checks
func NewStorageChecker(remote RemoteLocator) *StorageChecker {
	return &StorageChecker{remote: remote}
}

func (c *StorageChecker) ArtifactExists(ctx context.Context, ref ArtifactRef) (bool, bool, error) {
	if ref.FilePath != "" {
		info, err := os.Stat(ref.FilePath)
		if err == nil && info.Mode().IsRegular() {
			return true, true, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return false, false, err
		}
	}

	if c.remote != nil {
		found, err := c.remote.Exists(ctx, ref.BackupID)
		if err != nil {
			return false, false, err
		}
		if found {
			return true, true, nil
		}
	}

	// Physical captures may live only inside the database volume host, which
	// this process cannot inspect.
	if ref.Type == jobs.BackupTypePhysical {
		return false, false, nil
	}
	return false, true, nil
}

func refFromJob(job *jobs.BackupJob) ArtifactRef {
	return ArtifactRef{BackupID: job.ID, FilePath: job.FilePath, Type: job.Type}
}

func refFromRecord(rec *ExternalMetadataRecord) ArtifactRef {
	return ArtifactRef{BackupID: rec.BackupID, FilePath: rec.FilePath, Type: rec.Type}
}
