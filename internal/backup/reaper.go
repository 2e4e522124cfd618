package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mysql-backup-orchestrator/internal/archive"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/jobs"
)

// ReapOnce finalizes jobs whose worker stopped reporting. A running job
// whose last heartbeat is older than the reaper timeout becomes completed
// when its artifact is on disk and failed otherwise. Jobs with a live
// worker in this process are left alone.
func (o *Orchestrator) ReapOnce(ctx context.Context) (int, error) {
	stuck, err := o.store.ListBackups(ctx, jobs.BackupFilter{
		Statuses: []jobs.Status{jobs.StatusPending, jobs.StatusRunning},
	})
	if err != nil {
		return 0, apperrors.NewBookkeepingError("failed to list unfinished backups", err)
	}

	now := o.clock.Now().UTC()
	live := make(map[string]bool)
	for _, id := range o.registry.active() {
		live[id] = true
	}

	reaped := 0
	for _, job := range stuck {
		if live[job.ID] {
			continue
		}
		last := lastActivity(job)
		if now.Sub(last) < o.config.ReaperTimeout {
			continue
		}

		from := job.Status
		if err := o.reap(ctx, job, last, now); err != nil {
			if _, raced := jobs.AsTransitionError(err); raced {
				continue
			}
			return reaped, err
		}
		reaped++
		o.metrics.jobReaped(job.Status)
		o.mirrorJob(ctx, job)
		o.logger.LogJobTransition("backup", job.ID, string(from), string(job.Status))
	}
	return reaped, nil
}

func (o *Orchestrator) reap(ctx context.Context, job *jobs.BackupJob, last, now time.Time) error {
	artifact := ""
	if job.Status == jobs.StatusRunning {
		artifact = o.findArtifact(job)
	}

	if artifact != "" {
		info, err := os.Stat(artifact)
		if err != nil {
			return err
		}
		if job.Checksum == "" {
			sum, err := archive.Checksum(artifact)
			if err != nil {
				return apperrors.NewIntegrityError("failed to checksum reaped artifact", err)
			}
			job.Checksum = sum
		}
		job.FilePath = artifact
		job.FileSize = info.Size()
		if job.CompressedSize == 0 {
			job.CompressedSize = info.Size()
		}
		job.SetExtra("reaped", true)
		if err := job.SetStatus(jobs.StatusCompleted, now); err != nil {
			return err
		}
	} else {
		job.ErrorMessage = fmt.Sprintf("worker stopped responding (last activity %s); no artifact found",
			last.Format(time.RFC3339))
		job.SetExtra("reaped", true)
		if err := job.SetStatus(jobs.StatusFailed, now); err != nil {
			return err
		}
	}

	if err := o.store.SaveBackup(ctx, job); err != nil {
		return err
	}
	o.logger.WithFields(map[string]interface{}{
		"backup_id": job.ID,
		"status":    job.Status,
		"artifact":  artifact,
	}).Warn("Reaped stuck backup job")
	return nil
}

// findArtifact looks for the recorded artifact, then for one at the
// worker's default output path
func (o *Orchestrator) findArtifact(job *jobs.BackupJob) string {
	candidates := []string{}
	if job.FilePath != "" {
		candidates = append(candidates, job.FilePath)
	}
	for _, codec := range []archive.Codec{archive.CodecGzip, archive.CodecZstd, archive.CodecLZ4} {
		candidates = append(candidates, filepath.Join(o.config.WorkDir, job.ID+codec.Extension()))
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			return path
		}
	}
	return ""
}

func lastActivity(job *jobs.BackupJob) time.Time {
	switch {
	case job.HeartbeatAt != nil:
		return *job.HeartbeatAt
	case job.StartedAt != nil:
		return *job.StartedAt
	}
	return job.CreatedAt
}

// RunReaper reaps every interval until ctx is done
func (o *Orchestrator) RunReaper(ctx context.Context, interval time.Duration) error {
	for {
		if n, err := o.ReapOnce(ctx); err != nil && ctx.Err() == nil {
			o.logger.WithError(err).Error("Reaper pass failed")
		} else if n > 0 {
			o.logger.WithField("reaped", n).Info("Reaper finalized stuck backups")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.clock.After(interval):
		}
	}
}
