package restore

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"mysql-backup-orchestrator/internal/archive"
	"mysql-backup-orchestrator/internal/backup"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/jobs"
)

// Phase names, as logged
const (
	PhaseSnapshot = "snapshot"
	PhaseFetch    = "fetch"
	PhaseExtract  = "extract"
	PhaseValidate = "validate"
	PhaseApply    = "apply"
	PhaseFiles    = "files"
)

var errCancelled = stderrors.New("restore cancelled")

type worker struct {
	o           *Orchestrator
	id          string
	backup      *jobs.BackupJob
	restoreType jobs.RestoreType

	dir      string
	warnings []string
	applied  *Result
	files    int
}

func (w *worker) execute(ctx context.Context) {
	if w.o.isCancelled(ctx, w.id) {
		w.finishCancelled(ctx)
		return
	}
	started := w.o.books.Update(ctx, w.id, func(j *jobs.RestoreJob) error {
		j.Progress = ProgressStarted
		j.StatusMessage = "restore started"
		return j.SetStatus(jobs.StatusRunning, w.o.clock.Now())
	})
	if started == nil && w.o.isCancelled(ctx, w.id) {
		w.finishCancelled(ctx)
		return
	}

	err := w.pipeline(ctx)
	switch {
	case err == nil:
		w.finishCompleted(ctx)
	case stderrors.Is(err, errCancelled):
		w.finishCancelled(ctx)
	default:
		w.finishFailed(ctx, err)
	}
}

func (w *worker) pipeline(ctx context.Context) error {
	w.dir = filepath.Join(w.o.config.WorkDir, w.id)
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return apperrors.NewCaptureError("failed to create restore working directory", err)
	}

	if restoresDatabase(w.restoreType) && w.o.snapshots != nil && !w.o.config.SkipSafetySnapshot {
		if w.o.isCancelled(ctx, w.id) {
			return errCancelled
		}
		w.progress(ctx, ProgressStarted, "taking safety snapshot")
		_ = w.phase(PhaseSnapshot, func() error {
			id, err := w.o.snapshots.Snapshot(ctx)
			if err != nil {
				w.warn(fmt.Sprintf("safety snapshot failed: %v", err))
				return err
			}
			w.warn(fmt.Sprintf("safety snapshot %s taken", id))
			return nil
		})
	}

	if w.o.isCancelled(ctx, w.id) {
		return errCancelled
	}
	var artifact string
	if err := w.phase(PhaseFetch, func() error {
		var err error
		artifact, err = w.locate(ctx)
		return err
	}); err != nil {
		return err
	}

	var root string
	if err := w.phase(PhaseExtract, func() error {
		if err := archive.Verify(artifact, w.backup.Checksum); err != nil {
			return apperrors.NewIntegrityError(fmt.Sprintf("artifact of backup %s failed verification", w.backup.ID), err)
		}
		var err error
		root, err = archive.Extract(ctx, artifact, filepath.Join(w.dir, "extract"))
		if err != nil {
			return apperrors.NewIntegrityError("failed to extract artifact", err)
		}
		return nil
	}); err != nil {
		return err
	}
	w.progress(ctx, ProgressExtracted, "artifact verified and extracted")

	var dump string
	if restoresDatabase(w.restoreType) {
		var err error
		if dump, err = w.findDump(root); err != nil {
			return err
		}
	}

	if dump != "" && w.o.checker != nil {
		if w.o.isCancelled(ctx, w.id) {
			return errCancelled
		}
		if err := w.phase(PhaseValidate, func() error { return w.validate(ctx, dump) }); err != nil {
			return err
		}
	}
	w.progress(ctx, ProgressVerified, "dump validated")

	if dump != "" {
		if !w.o.beginApply(ctx, w.id) {
			return errCancelled
		}
		w.progress(ctx, ProgressApplying, "applying dump")
		if err := w.phase(PhaseApply, func() error { return w.apply(ctx, dump) }); err != nil {
			return err
		}
		w.progress(ctx, ProgressApplied, fmt.Sprintf("dump applied with %s strategy", w.applied.Strategy))
	}

	if restoresFiles(w.restoreType) {
		if err := w.phase(PhaseFiles, func() error { return w.restoreFiles(ctx, root) }); err != nil {
			return err
		}
		w.progress(ctx, ProgressFiles, fmt.Sprintf("%d files restored", w.files))
	}
	return nil
}

// locate returns the local artifact path, downloading it when the file
// recorded on the backup is gone
func (w *worker) locate(ctx context.Context) (string, error) {
	if w.backup.FilePath != "" {
		if _, err := os.Stat(w.backup.FilePath); err == nil {
			return w.backup.FilePath, nil
		}
	}
	if w.o.fetcher == nil {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("artifact of backup %s is not on local disk", w.backup.ID))
	}
	ext := ".tar.gz"
	if w.backup.FilePath != "" {
		if base := filepath.Base(w.backup.FilePath); strings.HasPrefix(base, w.backup.ID) {
			ext = strings.TrimPrefix(base, w.backup.ID)
		}
	}
	dest := filepath.Join(w.dir, w.backup.ID+ext)
	provider, err := w.o.fetcher.Download(ctx, w.backup.ID, dest)
	if err != nil {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("artifact of backup %s could not be downloaded", w.backup.ID)).
			WithContext("cause", err.Error())
	}
	w.o.logger.WithFields(map[string]interface{}{
		"restore_id": w.id,
		"backup_id":  w.backup.ID,
		"provider":   provider,
	}).Info("Downloaded artifact for restore")
	return dest, nil
}

// findDump picks the database dump out of the extracted artifact. An
// empty result means there is nothing to apply and that is acceptable.
func (w *worker) findDump(root string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(root, "database_*.sql"))
	if err != nil {
		return "", apperrors.NewCaptureError("failed to search artifact for a dump", err)
	}
	if len(matches) > 0 {
		sort.Strings(matches)
		return matches[len(matches)-1], nil
	}

	physical := false
	if _, err := os.Stat(filepath.Join(root, backup.PhysicalDataFile)); err == nil {
		physical = true
	}
	switch {
	case w.restoreType == jobs.RestoreTypePartial:
		if physical {
			w.warn("artifact holds a physical data copy, which is not applied by a restore")
		}
		return "", nil
	case physical:
		return "", apperrors.NewValidationError("artifact holds a physical data copy; it cannot be applied as a dump")
	case w.restoreType == jobs.RestoreTypeFull && !w.backup.ExtraBool(jobs.ExtraIncludeDatabase):
		return "", nil
	default:
		return "", apperrors.NewIntegrityError(fmt.Sprintf("artifact of backup %s contains no database dump", w.backup.ID), nil)
	}
}

// validate refuses dumps whose missing tables are critical or high
func (w *worker) validate(ctx context.Context, dump string) error {
	data, err := os.ReadFile(dump)
	if err != nil {
		return apperrors.NewCaptureError("failed to read dump", err)
	}
	report, err := w.o.checker.Validate(ctx, string(data))
	if err != nil {
		return apperrors.NewIntegrityError("dump completeness could not be established; refusing to restore", err)
	}
	if report.Severity.Blocking() {
		return apperrors.NewIntegrityError(fmt.Sprintf("refusing to restore incomplete dump: %s", report.Summary()), nil)
	}
	if !report.Complete {
		w.warn(report.Summary())
	}
	return nil
}

func (w *worker) apply(ctx context.Context, dump string) error {
	appliers := w.o.appliers
	if w.o.config.IndependentProcess {
		pa, err := NewProcessApplier(w.o.runner, w.o.config.WorkerBinary, w.id, w.o.config.ApplyTimeout)
		if err != nil {
			return err
		}
		appliers = []Applier{pa}
	}

	span := ProgressApplied - ProgressApplying
	result, err := applyFiltered(ctx, dump, w.o.filter, func(filtered string) (*Result, error) {
		return applyChain(ctx, appliers, filtered, w.id, w.o.logger, w.o.metrics, func(attempt, total int) {
			if attempt > 0 {
				w.progress(ctx, ProgressApplying+span*attempt/total,
					fmt.Sprintf("retrying with %s strategy", appliers[attempt].Name()))
			}
		})
	})
	if err != nil {
		return err
	}
	w.applied = result
	for _, warning := range result.Warnings {
		w.warn(warning)
	}
	return nil
}

func (w *worker) restoreFiles(ctx context.Context, root string) error {
	src := filepath.Join(root, backup.FilesDir)
	if _, err := os.Stat(src); err != nil {
		if w.restoreType == jobs.RestoreTypeFilesOnly {
			return apperrors.NewIntegrityError(fmt.Sprintf("artifact of backup %s contains no files", w.backup.ID), nil)
		}
		return nil
	}
	result, err := restoreFiles(ctx, src, w.o.fileRoots)
	if err != nil {
		return err
	}
	w.files = result.Files
	for _, warning := range result.Warnings {
		w.warn(warning)
	}
	return nil
}

// progress records a checkpoint. Checkpoints on a finished restore are dropped.
func (w *worker) progress(ctx context.Context, pct int, message string) {
	w.o.books.Update(ctx, w.id, func(j *jobs.RestoreJob) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("restore %s is already %s", j.ID, j.Status)
		}
		if pct > j.Progress {
			j.Progress = pct
		}
		j.StatusMessage = message
		return nil
	})
}

func (w *worker) warn(message string) {
	w.warnings = append(w.warnings, message)
	w.o.logger.WithField("restore_id", w.id).Warn(message)
}

func (w *worker) phase(name string, fn func() error) error {
	started := time.Now()
	err := fn()
	w.o.logger.LogPhase(w.id, name, time.Since(started), err)
	return err
}

func (w *worker) summary() string {
	var parts []string
	if w.applied != nil {
		parts = append(parts, fmt.Sprintf("dump applied with %s strategy (%d statements)", w.applied.Strategy, w.applied.Executed))
	}
	if restoresFiles(w.restoreType) {
		parts = append(parts, fmt.Sprintf("%d files restored", w.files))
	}
	if len(parts) == 0 {
		parts = append(parts, "nothing to restore")
	}
	msg := "restore completed: " + strings.Join(parts, ", ")
	if len(w.warnings) > 0 {
		msg += "; warnings: " + strings.Join(w.warnings, "; ")
	}
	return msg
}

func (w *worker) finishCompleted(ctx context.Context) {
	saved := w.o.books.Update(ctx, w.id, func(j *jobs.RestoreJob) error {
		if err := j.SetStatus(jobs.StatusCompleted, w.o.clock.Now()); err != nil {
			return err
		}
		j.Progress = ProgressDone
		j.StatusMessage = w.summary()
		j.ErrorMessage = ""
		return nil
	})
	w.o.metrics.jobFinished(w.restoreType, jobs.StatusCompleted)
	entry := w.o.logger.WithFields(map[string]interface{}{
		"restore_id": w.id,
		"backup_id":  w.backup.ID,
		"files":      w.files,
	})
	if saved == nil {
		entry.Warn("Restore completed but its status could not be recorded")
		return
	}
	entry.Info("Restore completed")
}

func (w *worker) finishFailed(ctx context.Context, cause error) {
	w.o.books.Update(ctx, w.id, func(j *jobs.RestoreJob) error {
		if err := j.SetStatus(jobs.StatusFailed, w.o.clock.Now()); err != nil {
			return err
		}
		j.StatusMessage = "restore failed"
		j.ErrorMessage = cause.Error()
		return nil
	})
	w.o.metrics.jobFinished(w.restoreType, jobs.StatusFailed)
	w.o.logger.WithField("restore_id", w.id).WithError(cause).Error("Restore failed")
}

func (w *worker) finishCancelled(ctx context.Context) {
	w.o.books.Update(ctx, w.id, func(j *jobs.RestoreJob) error {
		if err := j.SetStatus(jobs.StatusCancelled, w.o.clock.Now()); err != nil {
			return err
		}
		j.StatusMessage = "restore cancelled before the dump was applied"
		if j.ErrorMessage == "" {
			j.ErrorMessage = "restore cancelled by request"
		}
		return nil
	})
	w.o.metrics.jobFinished(w.restoreType, jobs.StatusCancelled)
	w.o.logger.WithField("restore_id", w.id).Info("Restore cancelled")
}
