package restore

import (
	"context"
	"time"

	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/jobs"
	"mysql-backup-orchestrator/internal/logging"
)

// SessionFactory opens a short-lived store session for one status write.
// It must not share a connection with the one applying the dump.
type SessionFactory func(ctx context.Context) (jobs.RestoreStore, func() error, error)

// Bookkeeper persists restore status through fresh sessions. Writes are
// retried with backoff and, when they still fail, logged and dropped so a
// bookkeeping outage never changes the outcome of the restore itself.
type Bookkeeper struct {
	open    SessionFactory
	retry   *apperrors.RetryHandler
	logger  *logging.Logger
	metrics *Metrics
}

// NewBookkeeper creates a bookkeeper
func NewBookkeeper(open SessionFactory, retry apperrors.RetryConfig, logger *logging.Logger) *Bookkeeper {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Bookkeeper{open: open, retry: apperrors.NewRetryHandler(retry), logger: logger}
}

// SetMetrics counts dropped writes in m
func (b *Bookkeeper) SetMetrics(m *Metrics) { b.metrics = m }

// StaticSessions serves every write from the same store
func StaticSessions(store jobs.RestoreStore) SessionFactory {
	return func(context.Context) (jobs.RestoreStore, func() error, error) {
		return store, func() error { return nil }, nil
	}
}

// Update loads the restore, applies fn and saves it. It reports the saved
// job, or nil when the write was rejected or given up on. A rejected
// transition is not retried: the persisted status stands.
func (b *Bookkeeper) Update(ctx context.Context, id string, fn func(j *jobs.RestoreJob) error) *jobs.RestoreJob {
	ctx = context.WithoutCancel(ctx)
	var (
		saved    *jobs.RestoreJob
		rejected error
	)
	started := time.Now()
	err := b.retry.RetryAll(ctx, func() error {
		store, closeSession, err := b.open(ctx)
		if err != nil {
			return err
		}
		defer closeSession()

		job, err := store.GetRestore(ctx, id)
		if err != nil {
			return err
		}
		from := job.Status
		if err := fn(job); err != nil {
			rejected = err
			return nil
		}
		if err := store.SaveRestore(ctx, job); err != nil {
			if _, ok := jobs.AsTransitionError(err); ok {
				rejected = err
				return nil
			}
			return err
		}
		if from != job.Status {
			b.logger.LogJobTransition("restore", id, string(from), string(job.Status))
		}
		saved = job
		return nil
	})

	entry := b.logger.WithField("restore_id", id)
	switch {
	case err != nil:
		b.metrics.bookkeepingDropped()
		entry.WithError(err).WithField("elapsed", time.Since(started).String()).
			Error("Giving up on restore status write")
	case rejected != nil:
		entry.WithError(rejected).Warn("Restore status write rejected")
	}
	return saved
}
