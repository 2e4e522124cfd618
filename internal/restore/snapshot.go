package restore

import (
	"context"
	"fmt"

	"mysql-backup-orchestrator/internal/backup"
	"mysql-backup-orchestrator/internal/jobs"
)

// SafetySnapshotter takes a database-only backup before a restore
type SafetySnapshotter interface {
	Snapshot(ctx context.Context) (string, error)
}

// BackupSnapshotter submits snapshot jobs to a backup orchestrator and
// waits for them
type BackupSnapshotter struct {
	orch  *backup.Orchestrator
	store jobs.BackupStore
}

// NewBackupSnapshotter creates a snapshotter over orch, reading outcomes from store
func NewBackupSnapshotter(orch *backup.Orchestrator, store jobs.BackupStore) *BackupSnapshotter {
	return &BackupSnapshotter{orch: orch, store: store}
}

// Snapshot returns the id of a completed database-only backup
func (s *BackupSnapshotter) Snapshot(ctx context.Context) (string, error) {
	id, err := s.orch.Submit(ctx, jobs.BackupTypeSnapshot, backup.Options{IncludeDatabase: true, SkipUpload: true})
	if err != nil {
		return "", err
	}
	if err := s.orch.Wait(ctx, id); err != nil {
		return id, err
	}
	job, err := s.store.GetBackup(ctx, id)
	if err != nil {
		return id, err
	}
	if job.Status != jobs.StatusCompleted {
		return id, fmt.Errorf("safety snapshot %s ended %s: %s", id, job.Status, job.ErrorMessage)
	}
	return id, nil
}
