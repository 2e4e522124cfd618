// Package jobs holds the persisted backup and restore job records, their
// status state machines and the stores that keep them.
package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BackupType selects what a backup job captures
type BackupType string

const (
	BackupTypeFull        BackupType = "full"
	BackupTypeIncremental BackupType = "incremental"
	BackupTypeSnapshot    BackupType = "snapshot"
	BackupTypePhysical    BackupType = "physical"
)

// Status is the lifecycle state shared by backup and restore jobs
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusPartial is only valid for backups
	StatusPartial Status = "partial"
)

// RestoreType selects what a restore job applies
type RestoreType string

const (
	RestoreTypeFull         RestoreType = "full"
	RestoreTypeDatabaseOnly RestoreType = "database_only"
	RestoreTypeFilesOnly    RestoreType = "files_only"
	RestoreTypePartial      RestoreType = "partial"
)

// Well-known keys of BackupJob.Extra
const (
	ExtraPartialBackup   = "partial_backup"
	ExtraIncludeDatabase = "include_database"
	ExtraIncludeFiles    = "include_files"
	ExtraStorage         = "storage"
	ExtraCompression     = "compression"
	ExtraPhysicalMode    = "physical_mode"
	ExtraBaseManifest    = "base_manifest"
	ExtraWarnings        = "warnings"
)

// BackupJob is one unit of work producing a durable artifact
type BackupJob struct {
	ID               string                 `json:"id"`
	Type             BackupType             `json:"type"`
	Status           Status                 `json:"status"`
	CreatedAt        time.Time              `json:"created_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	HeartbeatAt      *time.Time             `json:"heartbeat_at,omitempty"`
	FilePath         string                 `json:"file_path,omitempty"`
	FileSize         int64                  `json:"file_size"`
	CompressedSize   int64                  `json:"compressed_size"`
	CompressionRatio float64                `json:"compression_ratio"`
	Checksum         string                 `json:"checksum,omitempty"`
	FilesCount       int                    `json:"files_count"`
	DatabasesCount   int                    `json:"databases_count"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	Extra            map[string]interface{} `json:"extra,omitempty"`
}

// RestoreJob is one unit of work applying an artifact back onto the datastore
type RestoreJob struct {
	ID            string      `json:"id"`
	BackupID      string      `json:"backup_id"`
	Type          RestoreType `json:"type"`
	Status        Status      `json:"status"`
	Progress      int         `json:"progress"`
	StatusMessage string      `json:"status_message,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	RequestedBy   string      `json:"requested_by,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// IsTerminal reports whether no further transitions are allowed
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusPartial:
		return true
	}
	return false
}

// CanTransition allows only forward moves: pending to running or straight to
// a terminal state, running to any terminal state. Staying in the same state
// is permitted so field refreshes do not count as re-entry.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed || to == StatusCancelled
	case StatusRunning:
		return to.IsTerminal()
	}
	return false
}

// canRestoreTransition is CanTransition without the backup-only partial state
func canRestoreTransition(from, to Status) bool {
	if to == StatusPartial || from == StatusPartial {
		return false
	}
	return CanTransition(from, to)
}

// TransitionError reports a rejected status change
type TransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid status transition %s -> %s", e.JobID, e.From, e.To)
}

// SetStatus moves the job to a new status and maintains the timestamps:
// StartedAt on entering running, CompletedAt exactly when terminal
func (j *BackupJob) SetStatus(to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return &TransitionError{JobID: j.ID, From: j.Status, To: to}
	}
	applyTimestamps(to, now, &j.StartedAt, &j.CompletedAt)
	j.Status = to
	return nil
}

// SetStatus moves the restore to a new status, see BackupJob.SetStatus
func (j *RestoreJob) SetStatus(to Status, now time.Time) error {
	if !canRestoreTransition(j.Status, to) {
		return &TransitionError{JobID: j.ID, From: j.Status, To: to}
	}
	applyTimestamps(to, now, &j.StartedAt, &j.CompletedAt)
	j.Status = to
	return nil
}

func applyTimestamps(to Status, now time.Time, started, completed **time.Time) {
	now = now.UTC()
	if to == StatusRunning && *started == nil {
		*started = &now
	}
	if to.IsTerminal() {
		if *completed == nil {
			*completed = &now
		}
	} else {
		*completed = nil
	}
}

// SetExtra records one value in the extra map
func (j *BackupJob) SetExtra(key string, value interface{}) {
	if j.Extra == nil {
		j.Extra = make(map[string]interface{})
	}
	j.Extra[key] = value
}

// ExtraBool reads a boolean from the extra map
func (j *BackupJob) ExtraBool(key string) bool {
	v, ok := j.Extra[key].(bool)
	return ok && v
}

// ExtraString reads a string from the extra map
func (j *BackupJob) ExtraString(key string) string {
	v, _ := j.Extra[key].(string)
	return v
}

// Clone returns a deep copy so stores never share memory with callers
func (j *BackupJob) Clone() *BackupJob {
	c := *j
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.HeartbeatAt = cloneTime(j.HeartbeatAt)
	if j.Extra != nil {
		c.Extra = make(map[string]interface{}, len(j.Extra))
		for k, v := range j.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// Clone returns a copy of the restore job
func (j *RestoreJob) Clone() *RestoreJob {
	c := *j
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// NewBackupID returns a sortable, unique backup id
func NewBackupID(now time.Time) string {
	return newID("backup", now)
}

// NewRestoreID returns a sortable, unique restore id
func NewRestoreID(now time.Time) string {
	return newID("restore", now)
}

func newID(prefix string, now time.Time) string {
	shortUUID := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s", prefix, now.UTC().Format("20060102-150405"), shortUUID)
}

// IsValidBackupType reports whether t is a known backup type
func IsValidBackupType(t BackupType) bool {
	switch t {
	case BackupTypeFull, BackupTypeIncremental, BackupTypeSnapshot, BackupTypePhysical:
		return true
	}
	return false
}

// IsValidRestoreType reports whether t is a known restore type
func IsValidRestoreType(t RestoreType) bool {
	switch t {
	case RestoreTypeFull, RestoreTypeDatabaseOnly, RestoreTypeFilesOnly, RestoreTypePartial:
		return true
	}
	return false
}
