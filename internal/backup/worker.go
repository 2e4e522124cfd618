package backup

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mysql-backup-orchestrator/internal/archive"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/jobs"
)

// Phase names, as logged and as passed to the phase hook
const (
	PhaseDatabase = "database"
	PhaseFiles    = "files"
	PhaseArchive  = "archive"
	PhaseChecksum = "checksum"
	PhaseUpload   = "upload"
)

// plan is what Submit resolved for a worker
type plan struct {
	opts     Options
	codec    archive.Codec
	roots    []string
	capturer DatabaseCapturer
}

// errCancelled stops the pipeline once a cancellation is observed
var errCancelled = stderrors.New("backup cancelled")

type worker struct {
	o       *Orchestrator
	store   jobs.BackupStore
	plan    *plan
	jobID   string
	jobType jobs.BackupType

	// mu guards job, which the heartbeat also persists
	mu  sync.Mutex
	job *jobs.BackupJob

	dir      string
	artifact string
	captured int
	manifest archive.Manifest
}

func newWorker(o *Orchestrator, store jobs.BackupStore, job *jobs.BackupJob, p *plan) *worker {
	return &worker{o: o, store: store, plan: p, jobID: job.ID, jobType: job.Type, job: job.Clone()}
}

func (w *worker) id() string { return w.jobID }

func (w *worker) snapshot() *jobs.BackupJob {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.job.Clone()
}

// update applies fn to a copy of the job and persists it through the
// guarded save. The local copy only advances when the save succeeds.
func (w *worker) update(ctx context.Context, fn func(j *jobs.BackupJob) error) error {
	w.mu.Lock()
	next := w.job.Clone()
	if err := fn(next); err != nil {
		w.mu.Unlock()
		return err
	}
	from := w.job.Status
	err := w.store.SaveBackup(ctx, next)
	if err == nil {
		w.job = next
	}
	w.mu.Unlock()

	if err != nil {
		return err
	}
	if from != next.Status {
		w.o.logger.LogJobTransition("backup", next.ID, string(from), string(next.Status))
		w.o.mirrorJob(ctx, next)
	}
	return nil
}

func (w *worker) execute(ctx context.Context) {
	if w.cancelRequested(ctx, "") {
		w.finishCancelled(ctx)
		return
	}

	err := w.update(ctx, func(j *jobs.BackupJob) error {
		now := w.o.clock.Now()
		j.HeartbeatAt = &now
		return j.SetStatus(jobs.StatusRunning, now)
	})
	if err != nil {
		if _, raced := jobs.AsTransitionError(err); raced {
			w.finishCancelled(ctx)
			return
		}
		w.finishFailed(ctx, apperrors.NewBookkeepingError("failed to mark backup running", err))
		return
	}

	stopHeartbeat := w.startHeartbeat(ctx)
	err = w.pipeline(ctx)
	stopHeartbeat()

	switch {
	case err == nil:
		return
	case stderrors.Is(err, errCancelled):
		w.finishCancelled(ctx)
	default:
		w.finishFailed(ctx, err)
	}
}

func (w *worker) pipeline(ctx context.Context) error {
	cfg := w.o.config
	w.dir = filepath.Join(cfg.WorkDir, w.id())
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return apperrors.NewCaptureError("failed to create working directory", err)
	}

	if w.plan.opts.IncludeDatabase {
		if w.cancelRequested(ctx, PhaseDatabase) {
			return errCancelled
		}
		var result *CaptureResult
		err := w.phase(PhaseDatabase, func() error {
			var err error
			result, err = w.plan.capturer.Capture(ctx, w.dir, w.snapshot(), w.plan.opts)
			return err
		})
		if err != nil {
			return err
		}
		w.captured++
		w.withJob(func(j *jobs.BackupJob) {
			j.DatabasesCount = result.Databases
			if result.Mode != "logical" {
				j.SetExtra(jobs.ExtraPhysicalMode, result.Mode)
			}
		})
	}

	if w.plan.opts.IncludeFiles {
		if w.cancelRequested(ctx, PhaseFiles) {
			return errCancelled
		}
		err := w.phase(PhaseFiles, func() error {
			var base archive.Manifest
			if w.jobType == jobs.BackupTypeIncremental {
				m, err := archive.LoadManifest(cfg.ManifestPath)
				if err != nil {
					return apperrors.NewCaptureError("failed to load incremental manifest", err)
				}
				base = m
			}
			result, err := captureFiles(ctx, w.plan.roots, filepath.Join(w.dir, FilesDir), base)
			if err != nil {
				return err
			}
			w.captured += result.Files
			w.manifest = result.Manifest
			w.withJob(func(j *jobs.BackupJob) {
				j.FilesCount = result.Files
				if base != nil {
					j.SetExtra(jobs.ExtraBaseManifest, cfg.ManifestPath)
				}
			})
			return nil
		})
		if err != nil {
			return err
		}
	}

	if w.cancelRequested(ctx, PhaseArchive) {
		return errCancelled
	}

	if err := w.phase(PhaseArchive, func() error { return w.archive(ctx) }); err != nil {
		return err
	}

	var checksum string
	if err := w.phase(PhaseChecksum, func() error {
		var err error
		checksum, err = archive.Checksum(w.artifact)
		return err
	}); err != nil {
		return apperrors.NewCaptureError("failed to checksum artifact", err)
	}

	var warnings []string
	var stored map[string]interface{}
	if w.o.uploader != nil && !w.plan.opts.SkipUpload {
		err := w.phase(PhaseUpload, func() error {
			results, err := w.o.uploader.Upload(ctx, w.artifact, w.id())
			if err != nil {
				return err
			}
			stored = results.AsExtra()
			if results.Succeeded() == 0 {
				warnings = append(warnings, "no storage provider accepted the artifact; it is kept on local disk only")
			}
			return nil
		})
		if err != nil {
			return apperrors.NewCaptureError("failed to upload artifact", err)
		}
	}

	err := w.update(ctx, func(j *jobs.BackupJob) error {
		j.Checksum = checksum
		if stored != nil {
			j.SetExtra(jobs.ExtraStorage, stored)
		}
		if len(warnings) > 0 {
			j.SetExtra(jobs.ExtraWarnings, warnings)
		}
		j.ErrorMessage = ""
		return j.SetStatus(jobs.StatusCompleted, w.o.clock.Now())
	})
	if err != nil {
		if _, raced := jobs.AsTransitionError(err); raced {
			return errCancelled
		}
		return apperrors.NewBookkeepingError("failed to record completed backup", err)
	}

	if w.manifest != nil {
		if err := w.manifest.Save(cfg.ManifestPath); err != nil {
			w.o.logger.WithField("backup_id", w.id()).WithError(err).Warn("Failed to replace incremental manifest")
		}
	}
	if err := os.RemoveAll(w.dir); err != nil {
		w.o.logger.WithField("backup_id", w.id()).WithError(err).Warn("Failed to remove working directory")
	}
	final := w.snapshot()
	w.o.metrics.jobFinished(final)
	w.o.logger.WithFields(map[string]interface{}{
		"backup_id": w.id(),
		"artifact":  w.artifact,
		"size":      final.CompressedSize,
		"files":     final.FilesCount,
	}).Info("Backup completed")
	return nil
}

// archive packs the working directory into WorkDir/<id><ext>, rooted at <id>/
func (w *worker) archive(ctx context.Context) error {
	dest := filepath.Join(w.o.config.WorkDir, w.id()+w.plan.codec.Extension())
	stats, err := archive.Create(ctx, w.dir, w.id(), dest, w.plan.codec)
	if err != nil {
		return apperrors.NewCaptureError("failed to archive backup", err)
	}
	w.artifact = dest
	w.withJob(func(j *jobs.BackupJob) {
		j.FilePath = dest
		j.FileSize = stats.CompressedSize
		j.CompressedSize = stats.CompressedSize
		j.CompressionRatio = stats.CompressionRatio
	})
	return nil
}

func (w *worker) phase(name string, fn func() error) error {
	started := time.Now()
	err := fn()
	d := time.Since(started)
	w.o.logger.LogPhase(w.id(), name, d, err)
	w.o.metrics.phase(name, d, err)
	return err
}

// withJob mutates the local job without persisting it
func (w *worker) withJob(fn func(j *jobs.BackupJob)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(w.job)
}

// cancelRequested checks the in-memory flag, then the persisted status,
// which wins when the two disagree
func (w *worker) cancelRequested(ctx context.Context, phase string) bool {
	if phase != "" && w.o.phaseHook != nil {
		w.o.phaseHook(w.id(), phase)
	}
	if w.o.registry.cancelled(w.id()) {
		return true
	}
	stored, err := w.store.GetBackup(ctx, w.id())
	if err != nil {
		w.o.logger.WithField("backup_id", w.id()).WithError(err).Warn("Failed to read persisted status at phase boundary")
		return false
	}
	return stored.Status == jobs.StatusCancelled
}

func (w *worker) startHeartbeat(ctx context.Context) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	interval := w.o.config.HeartbeatInterval
	go func() {
		defer close(done)
		if interval <= 0 {
			return
		}
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-w.o.clock.After(interval):
			}
			err := w.update(ctx, func(j *jobs.BackupJob) error {
				now := w.o.clock.Now().UTC()
				j.HeartbeatAt = &now
				return nil
			})
			if err != nil {
				w.o.logger.WithField("backup_id", w.id()).WithError(err).Debug("Heartbeat not recorded")
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// finishFailed records the failure, then deletes everything captured
func (w *worker) finishFailed(ctx context.Context, cause error) {
	ctx = context.WithoutCancel(ctx)
	err := w.update(ctx, func(j *jobs.BackupJob) error {
		j.ErrorMessage = cause.Error()
		j.FilePath = ""
		j.Checksum = ""
		return j.SetStatus(jobs.StatusFailed, w.o.clock.Now())
	})
	if err != nil {
		if _, raced := jobs.AsTransitionError(err); raced {
			// the persisted cancellation stands and keeps what was captured
			w.finishCancelled(ctx)
			return
		}
		w.o.logger.WithField("backup_id", w.id()).WithError(err).Error("Failed to record backup failure")
	}

	w.removeOutputs()
	w.o.metrics.jobFinished(w.snapshot())
	w.o.logger.WithField("backup_id", w.id()).WithError(cause).Error("Backup failed")
}

func (w *worker) removeOutputs() {
	if w.dir != "" {
		os.RemoveAll(w.dir)
	}
	if w.artifact != "" {
		os.Remove(w.artifact)
	}
}

// finishCancelled keeps what was captured: the working directory stays on
// disk and is re-archived, tagged as a partial backup
func (w *worker) finishCancelled(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	var message string
	partial := false
	if w.captured == 0 {
		message = "backup cancelled before anything was captured; no artifact was produced"
		if w.dir != "" {
			os.RemoveAll(w.dir)
		}
	} else {
		if w.artifact == "" {
			if err := w.archive(ctx); err != nil {
				w.o.logger.WithField("backup_id", w.id()).WithError(err).Error("Failed to archive partial backup")
			}
		}
		if w.artifact != "" {
			partial = true
			message = fmt.Sprintf("backup cancelled; partial artifact with %d captured items preserved at %s", w.captured, w.artifact)
		} else {
			message = fmt.Sprintf("backup cancelled; captured data preserved in %s", w.dir)
		}
	}

	var checksum string
	if partial {
		if sum, err := archive.Checksum(w.artifact); err == nil {
			checksum = sum
		}
	}

	err := w.update(ctx, func(j *jobs.BackupJob) error {
		j.ErrorMessage = message
		j.SetExtra(jobs.ExtraPartialBackup, partial)
		if partial {
			j.Checksum = checksum
		} else {
			j.FilePath = ""
			j.FileSize = 0
			j.CompressedSize = 0
		}
		return j.SetStatus(jobs.StatusCancelled, w.o.clock.Now())
	})
	if err != nil {
		w.o.logger.WithField("backup_id", w.id()).WithError(err).Error("Failed to record backup cancellation")
	}
	w.o.metrics.jobFinished(w.snapshot())
	w.o.logger.WithFields(map[string]interface{}{
		"backup_id": w.id(),
		"partial":   partial,
		"captured":  w.captured,
	}).Warn("Backup cancelled")
}
