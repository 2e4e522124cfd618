// Package reconcile mirrors backup job records into an independent shadow
// store and settles disagreements between the two.
package reconcile

import (
	"context"
	"time"

	"mysql-backup-orchestrator/internal/jobs"
)

// SyncStatus tracks a shadow record's agreement with the primary
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
	SyncVerified SyncStatus = "verified"
)

// Sync log operations
const (
	OpCreate      = "create"
	OpUpdate      = "update"
	OpAdopt       = "adopt_primary"
	OpConflict    = "conflict"
	OpMirror      = "mirror"
	OpResolve     = "resolve"
	OpReverseSync = "reverse_sync"
)

// ExternalMetadataRecord is the shadow copy of a backup job's status fields
type ExternalMetadataRecord struct {
	BackupID     string          `json:"backup_id"`
	Type         jobs.BackupType `json:"type"`
	Status       jobs.Status     `json:"status"`
	FilePath     string          `json:"file_path,omitempty"`
	FileSize     int64           `json:"file_size"`
	Checksum     string          `json:"checksum,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`

	// PrimaryStatus is the primary's status when the record was last compared
	PrimaryStatus  jobs.Status `json:"primary_status,omitempty"`
	SyncStatus     SyncStatus  `json:"sync_status"`
	ConflictReason string      `json:"conflict_reason,omitempty"`
	Resolution     string      `json:"resolution,omitempty"`
	LastSyncAt     *time.Time  `json:"last_sync_at,omitempty"`
	FileVerifiedAt *time.Time  `json:"file_verified_at,omitempty"`
}

// RecordFromJob copies a job's status fields
func RecordFromJob(job *jobs.BackupJob) *ExternalMetadataRecord {
	r := &ExternalMetadataRecord{BackupID: job.ID, PrimaryStatus: job.Status}
	r.adopt(job)
	return r
}

// adopt overwrites the mirrored fields with the primary's
func (r *ExternalMetadataRecord) adopt(job *jobs.BackupJob) {
	r.Type = job.Type
	r.Status = job.Status
	r.FilePath = job.FilePath
	r.FileSize = job.FileSize
	r.Checksum = job.Checksum
	r.CreatedAt = job.CreatedAt
	r.StartedAt = copyTime(job.StartedAt)
	r.CompletedAt = copyTime(job.CompletedAt)
	r.ErrorMessage = job.ErrorMessage
	r.PrimaryStatus = job.Status
}

// refresh adopts the primary's fields but keeps artifact fields the primary
// has not recorded
func (r *ExternalMetadataRecord) refresh(job *jobs.BackupJob) {
	path, size, sum := r.FilePath, r.FileSize, r.Checksum
	r.adopt(job)
	if r.FilePath == "" {
		r.FilePath = path
	}
	if r.FileSize == 0 {
		r.FileSize = size
	}
	if r.Checksum == "" {
		r.Checksum = sum
	}
}

// fillArtifact copies the record's artifact fields onto job where present
func (r *ExternalMetadataRecord) fillArtifact(job *jobs.BackupJob) {
	if r.FilePath != "" {
		job.FilePath = r.FilePath
	}
	if r.FileSize != 0 {
		job.FileSize = r.FileSize
	}
	if r.Checksum != "" {
		job.Checksum = r.Checksum
	}
}

// mirrorsJob reports whether every mirrored field already matches job. An
// artifact field the primary left blank matches whatever the record holds.
func (r *ExternalMetadataRecord) mirrorsJob(job *jobs.BackupJob) bool {
	return r.Type == job.Type &&
		r.Status == job.Status &&
		r.PrimaryStatus == job.Status &&
		(job.FilePath == "" || r.FilePath == job.FilePath) &&
		(job.FileSize == 0 || r.FileSize == job.FileSize) &&
		(job.Checksum == "" || r.Checksum == job.Checksum) &&
		r.ErrorMessage == job.ErrorMessage &&
		sameTime(r.StartedAt, job.StartedAt) &&
		sameTime(r.CompletedAt, job.CompletedAt)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// SyncLogEntry is one append-only reconciliation decision
type SyncLogEntry struct {
	ID               int64       `json:"id"`
	BackupID         string      `json:"backup_id"`
	Operation        string      `json:"operation"`
	OldStatus        jobs.Status `json:"old_status,omitempty"`
	NewStatus        jobs.Status `json:"new_status,omitempty"`
	FileExists       *bool       `json:"file_exists,omitempty"`
	ConflictResolved bool        `json:"conflict_resolved"`
	Message          string      `json:"message,omitempty"`
	Timestamp        time.Time   `json:"timestamp"`
}

// ShadowStore persists shadow records and the sync log. GetRecord returns
// nil with a nil error for unknown ids.
type ShadowStore interface {
	GetRecord(ctx context.Context, backupID string) (*ExternalMetadataRecord, error)
	UpsertRecord(ctx context.Context, record *ExternalMetadataRecord) error
	ListRecords(ctx context.Context, statuses ...SyncStatus) ([]*ExternalMetadataRecord, error)
	AppendLog(ctx context.Context, entry *SyncLogEntry) error
	ListLog(ctx context.Context, backupID string, limit int) ([]*SyncLogEntry, error)
	Close() error
}
