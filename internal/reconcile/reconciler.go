package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"

	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/jobs"
	"mysql-backup-orchestrator/internal/logging"
)

// Resolution labels written to ExternalMetadataRecord.Resolution
const (
	ResolutionMarkedCompleted = "artifact present, marked completed"
	ResolutionMarkedFailed    = "artifact missing, marked failed"
	ResolutionTrustShadow     = "trusted shadow completion"
	ResolutionNoChange        = "verified, no change"
)

// MissingArtifactMessage is the error message given to backups whose
// completed status could not be backed by an artifact
const MissingArtifactMessage = "backup artifact not found during reconciliation"

// Reconciler keeps the shadow store in step with the primary job store
type Reconciler struct {
	primary jobs.BackupStore
	shadow  ShadowStore
	checker ArtifactChecker
	clock   clock.Clock
	logger  *logging.Logger
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithClock replaces the wall clock
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a reconciler
func New(primary jobs.BackupStore, shadow ShadowStore, checker ArtifactChecker, opts ...Option) *Reconciler {
	r := &Reconciler{
		primary: primary,
		shadow:  shadow,
		checker: checker,
		clock:   clock.WallClock,
		logger:  logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SyncResult counts the decisions of one Sync pass
type SyncResult struct {
	Created   int
	Updated   int
	Adopted   int
	Conflicts int
	Unchanged int
}

// Summary is the outcome of a full Reconcile pass
type Summary struct {
	Sync          SyncResult
	Resolved      int
	ReverseSynced int
}

func (r *Reconciler) now() time.Time {
	return r.clock.Now().UTC()
}

// Sync mirrors every primary job into the shadow store, classifying any
// status disagreement
func (r *Reconciler) Sync(ctx context.Context) (*SyncResult, error) {
	list, err := r.primary.ListBackups(ctx, jobs.BackupFilter{})
	if err != nil {
		return nil, apperrors.NewBookkeepingError("failed to list primary backup jobs", err)
	}

	result := &SyncResult{}
	for _, job := range list {
		op, err := r.syncJob(ctx, job)
		if err != nil {
			return result, err
		}
		switch op {
		case OpCreate:
			result.Created++
		case OpUpdate:
			result.Updated++
		case OpAdopt:
			result.Adopted++
		case OpConflict:
			result.Conflicts++
		default:
			result.Unchanged++
		}
	}

	r.logger.WithFields(map[string]interface{}{
		"created":   result.Created,
		"updated":   result.Updated,
		"adopted":   result.Adopted,
		"conflicts": result.Conflicts,
		"unchanged": result.Unchanged,
	}).Info("Shadow sync finished")
	return result, nil
}

// syncJob returns the operation it logged, or "" when nothing changed
func (r *Reconciler) syncJob(ctx context.Context, job *jobs.BackupJob) (string, error) {
	rec, err := r.shadow.GetRecord(ctx, job.ID)
	if err != nil {
		return "", err
	}
	now := r.now()

	if rec == nil {
		rec = RecordFromJob(job)
		rec.SyncStatus = SyncSynced
		rec.LastSyncAt = &now
		return OpCreate, r.write(ctx, rec, &SyncLogEntry{
			BackupID:  job.ID,
			Operation: OpCreate,
			NewStatus: job.Status,
			Message:   "shadow record created",
		})
	}

	if rec.Status == job.Status {
		if rec.mirrorsJob(job) && (rec.SyncStatus == SyncSynced || rec.SyncStatus == SyncVerified) {
			return "", nil
		}
		rec.refresh(job)
		rec.SyncStatus = SyncSynced
		rec.ConflictReason = ""
		rec.LastSyncAt = &now
		return OpUpdate, r.write(ctx, rec, &SyncLogEntry{
			BackupID:  job.ID,
			Operation: OpUpdate,
			OldStatus: rec.Status,
			NewStatus: job.Status,
			Message:   "shadow fields refreshed",
		})
	}

	conflict, reason, exists := r.classify(ctx, job, rec)
	if conflict {
		if rec.SyncStatus == SyncConflict && rec.PrimaryStatus == job.Status && rec.ConflictReason == reason {
			return "", nil
		}
		old := rec.Status
		rec.PrimaryStatus = job.Status
		rec.SyncStatus = SyncConflict
		rec.ConflictReason = reason
		rec.Resolution = ""
		rec.LastSyncAt = &now
		r.logger.WithFields(map[string]interface{}{
			"backup_id":      job.ID,
			"primary_status": job.Status,
			"shadow_status":  old,
		}).Warn("Status conflict: " + reason)
		return OpConflict, r.write(ctx, rec, &SyncLogEntry{
			BackupID:   job.ID,
			Operation:  OpConflict,
			OldStatus:  old,
			NewStatus:  job.Status,
			FileExists: exists,
			Message:    reason,
		})
	}

	old := rec.Status
	rec.adopt(job)
	rec.SyncStatus = SyncSynced
	rec.ConflictReason = ""
	rec.LastSyncAt = &now
	return OpAdopt, r.write(ctx, rec, &SyncLogEntry{
		BackupID:   job.ID,
		Operation:  OpAdopt,
		OldStatus:  old,
		NewStatus:  job.Status,
		FileExists: exists,
		Message:    "benign disagreement, primary adopted",
	})
}

// classify applies the disagreement table. exists is nil when the artifact
// was never consulted.
func (r *Reconciler) classify(ctx context.Context, job *jobs.BackupJob, rec *ExternalMetadataRecord) (bool, string, *bool) {
	primaryActive := job.Status == jobs.StatusRunning || job.Status == jobs.StatusPending
	shadowActive := rec.Status == jobs.StatusRunning || rec.Status == jobs.StatusPending

	if job.Status == jobs.StatusCompleted && job.CompletedAt != nil && shadowActive {
		return false, "", nil
	}
	if !primaryActive && job.Status != jobs.StatusCompleted {
		return false, "", nil
	}

	present := r.artifactPresent(ctx, refFromJob(job))
	exists := &present

	switch {
	case primaryActive && rec.Status == jobs.StatusCompleted && present:
		return true, fmt.Sprintf("shadow reports completed while primary is %s and the artifact exists", job.Status), exists
	case job.Status == jobs.StatusCompleted && !present:
		return true, fmt.Sprintf("primary reports completed but the artifact is missing (shadow %s)", rec.Status), exists
	case primaryActive && present:
		return true, fmt.Sprintf("primary is %s but a finished artifact exists (shadow %s)", job.Status, rec.Status), exists
	}
	return false, "", exists
}

// artifactPresent counts only verified presence; failures to check are
// logged and read as absent
func (r *Reconciler) artifactPresent(ctx context.Context, ref ArtifactRef) bool {
	exists, _, err := r.checker.ArtifactExists(ctx, ref)
	if err != nil {
		r.logger.WithField("backup_id", ref.BackupID).WithError(err).Warn("Failed to check backup artifact")
		return false
	}
	return exists
}

func (r *Reconciler) write(ctx context.Context, rec *ExternalMetadataRecord, entry *SyncLogEntry) error {
	if err := r.shadow.UpsertRecord(ctx, rec); err != nil {
		return err
	}
	entry.Timestamp = r.now()
	return r.shadow.AppendLog(ctx, entry)
}

// Mirror writes a job's current state straight into the shadow store. The
// backup worker calls it whenever it persists a transition.
func (r *Reconciler) Mirror(ctx context.Context, job *jobs.BackupJob) error {
	prev, err := r.shadow.GetRecord(ctx, job.ID)
	if err != nil {
		return err
	}
	now := r.now()
	rec := RecordFromJob(job)
	rec.SyncStatus = SyncSynced
	rec.LastSyncAt = &now

	entry := &SyncLogEntry{BackupID: job.ID, Operation: OpMirror, NewStatus: job.Status, Message: "mirrored by worker"}
	if prev != nil {
		entry.OldStatus = prev.Status
		rec.FileVerifiedAt = prev.FileVerifiedAt
	}
	return r.write(ctx, rec, entry)
}

// ResolveConflict settles one conflicting record by re-checking the artifact.
// The shadow record ends in sync_status=verified holding the authoritative
// status, which ReverseSync later writes to the primary.
func (r *Reconciler) ResolveConflict(ctx context.Context, rec *ExternalMetadataRecord) error {
	now := r.now()
	recordStatus := rec.PrimaryStatus
	if recordStatus == "" {
		recordStatus = rec.Status
	}
	old := rec.Status
	entry := &SyncLogEntry{BackupID: rec.BackupID, Operation: OpResolve, OldStatus: recordStatus, ConflictResolved: true}

	if rec.Status == jobs.StatusCompleted && recordStatus == jobs.StatusRunning {
		// A finished restore leaves exactly this signature behind.
		r.logger.WithField("backup_id", rec.BackupID).
			Warn("Trusting shadow completion without re-verifying the artifact")
		rec.Resolution = ResolutionTrustShadow
		rec.SyncStatus = SyncVerified
		rec.ConflictReason = ""
		rec.LastSyncAt = &now
		entry.NewStatus = rec.Status
		entry.Message = ResolutionTrustShadow
		return r.write(ctx, rec, entry)
	}

	exists, verifiable, err := r.checker.ArtifactExists(ctx, refFromRecord(rec))
	if err != nil && rec.Type != jobs.BackupTypePhysical {
		return apperrors.NewIntegrityError("failed to verify backup artifact", err).
			WithContext("backup_id", rec.BackupID)
	}
	if !verifiable && rec.Type == jobs.BackupTypePhysical {
		exists = true
	}
	entry.FileExists = &exists

	switch {
	case exists && (recordStatus == jobs.StatusPending || recordStatus == jobs.StatusRunning):
		rec.Status = jobs.StatusCompleted
		if rec.CompletedAt == nil {
			rec.CompletedAt = &now
		}
		rec.ErrorMessage = ""
		rec.Resolution = ResolutionMarkedCompleted
		rec.FileVerifiedAt = &now
	case !exists && recordStatus == jobs.StatusCompleted:
		rec.Status = jobs.StatusFailed
		rec.ErrorMessage = MissingArtifactMessage
		rec.Resolution = ResolutionMarkedFailed
	default:
		rec.Status = recordStatus
		rec.Resolution = ResolutionNoChange
		if exists {
			rec.FileVerifiedAt = &now
		}
	}

	rec.SyncStatus = SyncVerified
	rec.ConflictReason = ""
	rec.LastSyncAt = &now
	entry.NewStatus = rec.Status
	entry.Message = rec.Resolution

	r.logger.WithFields(map[string]interface{}{
		"backup_id":   rec.BackupID,
		"from":        old,
		"to":          rec.Status,
		"file_exists": exists,
	}).Info("Conflict resolved: " + rec.Resolution)
	return r.write(ctx, rec, entry)
}

// ResolveConflicts resolves every record in conflict. A record that cannot be
// resolved stays in conflict for the next pass.
func (r *Reconciler) ResolveConflicts(ctx context.Context) (int, error) {
	records, err := r.shadow.ListRecords(ctx, SyncConflict)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		if err := r.ResolveConflict(ctx, rec); err != nil {
			r.logger.WithField("backup_id", rec.BackupID).WithError(err).Warn("Failed to resolve conflict")
			continue
		}
		resolved++
	}
	return resolved, nil
}

// ReverseSync writes verified shadow state back to the primary. Transitions
// the state machine allows go through the guarded save; the rest, such as a
// completed backup proven to have no artifact, use the unguarded correction.
func (r *Reconciler) ReverseSync(ctx context.Context) (int, error) {
	records, err := r.shadow.ListRecords(ctx, SyncVerified)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, rec := range records {
		job, err := r.primary.GetBackup(ctx, rec.BackupID)
		if err != nil {
			if jobs.IsNotFound(err) {
				continue
			}
			return written, apperrors.NewBookkeepingError("primary unreachable during reverse sync", err)
		}

		now := r.now()
		old := job.Status
		if job.Status != rec.Status {
			if err := r.writeBack(ctx, job, rec, now); err != nil {
				if _, raced := jobs.AsTransitionError(err); raced {
					r.logger.WithField("backup_id", rec.BackupID).Warn("Primary changed during reverse sync, retrying next pass")
					continue
				}
				return written, err
			}
			written++
		}

		rec.PrimaryStatus = rec.Status
		rec.SyncStatus = SyncSynced
		rec.LastSyncAt = &now
		if err := r.write(ctx, rec, &SyncLogEntry{
			BackupID:         rec.BackupID,
			Operation:        OpReverseSync,
			OldStatus:        old,
			NewStatus:        rec.Status,
			ConflictResolved: true,
			Message:          rec.Resolution,
		}); err != nil {
			return written, err
		}
	}
	return written, nil
}

// writeBack carries the record's status and artifact fields to the primary
func (r *Reconciler) writeBack(ctx context.Context, job *jobs.BackupJob, rec *ExternalMetadataRecord, now time.Time) error {
	rec.fillArtifact(job)
	if jobs.CanTransition(job.Status, rec.Status) {
		if err := job.SetStatus(rec.Status, now); err != nil {
			return err
		}
		if rec.CompletedAt != nil && rec.Status.IsTerminal() {
			job.CompletedAt = copyTime(rec.CompletedAt)
		}
		if rec.ErrorMessage != "" {
			job.ErrorMessage = rec.ErrorMessage
		}
		return r.primary.SaveBackup(ctx, job)
	}

	job.Status = rec.Status
	job.ErrorMessage = rec.ErrorMessage
	job.CompletedAt = copyTime(rec.CompletedAt)
	if job.CompletedAt == nil && rec.Status.IsTerminal() {
		job.CompletedAt = &now
	}
	job.SetExtra("reconciled_at", now.Format(time.RFC3339))
	return r.primary.CorrectBackup(ctx, job)
}

// Reconcile runs sync, conflict resolution and reverse sync in order
func (r *Reconciler) Reconcile(ctx context.Context) (*Summary, error) {
	done := r.logger.LogOperationStart("reconcile", nil)

	summary := &Summary{}
	syncResult, err := r.Sync(ctx)
	if syncResult != nil {
		summary.Sync = *syncResult
	}
	if err != nil {
		done(err)
		return summary, err
	}

	if summary.Resolved, err = r.ResolveConflicts(ctx); err != nil {
		done(err)
		return summary, err
	}

	summary.ReverseSynced, err = r.ReverseSync(ctx)
	done(err)
	return summary, err
}

// Run reconciles every interval until ctx is done
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	for {
		if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
			r.logger.WithError(err).Error("Reconcile pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(interval):
		}
	}
}

// Log returns sync log entries newest first
func (r *Reconciler) Log(ctx context.Context, backupID string, limit int) ([]*SyncLogEntry, error) {
	return r.shadow.ListLog(ctx, backupID, limit)
}

// Records lists shadow records, optionally filtered by sync status
func (r *Reconciler) Records(ctx context.Context, statuses ...SyncStatus) ([]*ExternalMetadataRecord, error) {
	return r.shadow.ListRecords(ctx, statuses...)
}
