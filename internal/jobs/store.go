package jobs

import (
	"context"
	stderrors "errors"
	"fmt"

	"mysql-backup-orchestrator/internal/errors"
)

// BackupFilter narrows ListBackups. Zero values mean no restriction.
type BackupFilter struct {
	Statuses []Status
	Types    []BackupType
	Limit    int
}

// Matches reports whether a job passes the filter, ignoring Limit
func (f BackupFilter) Matches(j *BackupJob) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, j.Status) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == j.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// BackupStore persists backup jobs. SaveBackup is guarded: the write is
// rejected with a *TransitionError when the persisted status cannot move to
// the job's status, so a concurrent cancel always wins over a stale worker.
type BackupStore interface {
	CreateBackup(ctx context.Context, job *BackupJob) error
	GetBackup(ctx context.Context, id string) (*BackupJob, error)
	SaveBackup(ctx context.Context, job *BackupJob) error
	ListBackups(ctx context.Context, filter BackupFilter) ([]*BackupJob, error)
	// CorrectBackup overwrites status, completion time, error message and
	// extra without the transition guard. Only reconciliation uses it, to
	// repair a record whose status was proven wrong.
	CorrectBackup(ctx context.Context, job *BackupJob) error
}

// RestoreStore persists restore jobs with the same guard as BackupStore
type RestoreStore interface {
	CreateRestore(ctx context.Context, job *RestoreJob) error
	GetRestore(ctx context.Context, id string) (*RestoreJob, error)
	SaveRestore(ctx context.Context, job *RestoreJob) error
	ListRestores(ctx context.Context, limit int) ([]*RestoreJob, error)
}

// Store is the full job-tracking store
type Store interface {
	BackupStore
	RestoreStore
}

// NotFound builds the error stores return for unknown ids
func NotFound(kind, id string) error {
	return errors.NewNotFoundError(fmt.Sprintf("%s job %s not found", kind, id)).
		WithContext("job_id", id)
}

// IsNotFound reports whether err means the job does not exist
func IsNotFound(err error) bool {
	return errors.IsType(err, errors.ErrorTypeNotFound)
}

// AsTransitionError extracts a rejected transition from err
func AsTransitionError(err error) (*TransitionError, bool) {
	var te *TransitionError
	if stderrors.As(err, &te) {
		return te, true
	}
	return nil, false
}
