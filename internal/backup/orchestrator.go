package backup

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/clock"

	"mysql-backup-orchestrator/internal/archive"
	"mysql-backup-orchestrator/internal/config"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/jobs"
	"mysql-backup-orchestrator/internal/logging"
	"mysql-backup-orchestrator/internal/storage"
)

// Uploader fans an artifact out to storage providers
type Uploader interface {
	Upload(ctx context.Context, path, id string) (storage.UploadResults, error)
}

// Mirror receives every persisted job transition
type Mirror interface {
	Mirror(ctx context.Context, job *jobs.BackupJob) error
}

// SessionFactory opens the store session a worker uses for its own status
// writes. The returned close function releases it.
type SessionFactory func(ctx context.Context) (jobs.BackupStore, func() error, error)

// Orchestrator accepts backup submissions and runs one worker goroutine per job
type Orchestrator struct {
	store    jobs.BackupStore
	sessions SessionFactory
	logical  DatabaseCapturer
	physical DatabaseCapturer
	uploader Uploader
	mirror   Mirror
	config   config.BackupConfig
	clock    clock.Clock
	logger   *logging.Logger
	metrics  *Metrics
	registry *registry

	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc

	// phaseHook runs at every phase boundary, before the cancellation check
	phaseHook func(jobID, phase string)
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithSessions gives each worker its own store session
func WithSessions(f SessionFactory) Option {
	return func(o *Orchestrator) { o.sessions = f }
}

// WithLogicalCapturer sets the capturer for full, incremental and snapshot jobs
func WithLogicalCapturer(c DatabaseCapturer) Option {
	return func(o *Orchestrator) { o.logical = c }
}

// WithPhysicalCapturer sets the capturer for physical jobs
func WithPhysicalCapturer(c DatabaseCapturer) Option {
	return func(o *Orchestrator) { o.physical = c }
}

// WithUploader sets where artifacts are stored after checksumming
func WithUploader(u Uploader) Option {
	return func(o *Orchestrator) { o.uploader = u }
}

// WithMirror sets the shadow store mirror
func WithMirror(m Mirror) Option {
	return func(o *Orchestrator) { o.mirror = m }
}

// WithClock replaces the wall clock
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records worker metrics
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an orchestrator over store. cfg must already carry defaults.
func New(store jobs.BackupStore, cfg config.BackupConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		config:   cfg,
		clock:    clock.WallClock,
		logger:   logging.NewNopLogger(),
		registry: newRegistry(),
	}
	o.sessions = func(context.Context) (jobs.BackupStore, func() error, error) {
		return o.store, func() error { return nil }, nil
	}
	for _, opt := range opts {
		opt(o)
	}
	o.baseCtx, o.stop = context.WithCancel(context.Background())
	return o
}

// Submit validates opts, records a pending job and starts its worker. It
// returns as soon as the pending job is stored.
func (o *Orchestrator) Submit(ctx context.Context, backupType jobs.BackupType, opts Options) (string, error) {
	if err := opts.Validate(backupType); err != nil {
		return "", err
	}

	compression := opts.Compression
	if compression == "" {
		compression = o.config.Compression
	}
	codec, err := archive.ParseCodec(compression)
	if err != nil {
		return "", apperrors.NewValidationError(err.Error())
	}

	var capturer DatabaseCapturer
	if opts.IncludeDatabase {
		capturer = o.capturerFor(backupType)
		if capturer == nil {
			return "", apperrors.NewEnvironmentError(fmt.Sprintf("no database capture configured for %s backups", backupType), nil)
		}
		if err := capturer.Preflight(ctx); err != nil {
			return "", err
		}
	}

	var roots []string
	if opts.IncludeFiles {
		roots = opts.FilePaths
		if len(roots) == 0 {
			roots = o.config.FilePaths
		}
		if len(roots) == 0 {
			return "", apperrors.NewValidationError("file capture requested but no file paths are configured")
		}
	}

	now := o.clock.Now().UTC()
	job := &jobs.BackupJob{
		ID:        jobs.NewBackupID(now),
		Type:      backupType,
		Status:    jobs.StatusPending,
		CreatedAt: now,
		Extra:     opts.extra(codec),
	}
	if err := o.store.CreateBackup(ctx, job); err != nil {
		return "", apperrors.NewBookkeepingError("failed to record backup job", err)
	}
	o.mirrorJob(ctx, job)
	o.logger.LogJobTransition("backup", job.ID, "", string(job.Status))

	o.registry.register(job.ID)
	o.wg.Add(1)
	go o.run(job, &plan{opts: opts, codec: codec, roots: roots, capturer: capturer})

	return job.ID, nil
}

func (o *Orchestrator) capturerFor(t jobs.BackupType) DatabaseCapturer {
	if t == jobs.BackupTypePhysical {
		return o.physical
	}
	return o.logical
}

// Cancel raises the worker's in-memory flag and persists cancelled
// immediately. It reports false when the job had already finished.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (bool, error) {
	job, err := o.store.GetBackup(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status.IsTerminal() {
		return false, nil
	}

	local := o.registry.cancel(id)
	from := job.Status
	if err := job.SetStatus(jobs.StatusCancelled, o.clock.Now()); err != nil {
		return false, err
	}
	job.ErrorMessage = "backup cancelled by request"
	if err := o.store.SaveBackup(ctx, job); err != nil {
		if _, raced := jobs.AsTransitionError(err); raced {
			return false, nil
		}
		return false, apperrors.NewBookkeepingError("failed to persist cancellation", err)
	}
	o.mirrorJob(ctx, job)
	o.logger.LogJobTransition("backup", id, string(from), string(jobs.StatusCancelled))
	o.logger.WithFields(map[string]interface{}{"backup_id": id, "local_worker": local}).Info("Backup cancellation recorded")
	return true, nil
}

// Wait blocks until id's worker exits or ctx is done. It returns at once
// when no worker for id runs in this process.
func (o *Orchestrator) Wait(ctx context.Context, id string) error {
	done := o.registry.wait(id)
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active lists the ids of workers running in this process
func (o *Orchestrator) Active() []string {
	return o.registry.active()
}

// Shutdown interrupts running workers and waits for them to record their
// outcome, or for ctx to expire
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain waits for every running worker without interrupting them
func (o *Orchestrator) Drain() {
	o.wg.Wait()
}

func (o *Orchestrator) run(job *jobs.BackupJob, p *plan) {
	defer o.wg.Done()
	defer o.registry.finish(job.ID)
	o.metrics.workerStarted()
	defer o.metrics.workerStopped()

	ctx := o.baseCtx
	store, closeSession, err := o.sessions(ctx)
	if err != nil {
		o.logger.WithField("backup_id", job.ID).WithError(err).Error("Failed to open worker session, using the shared store")
		store, closeSession = o.store, func() error { return nil }
	}
	defer func() {
		if err := closeSession(); err != nil {
			o.logger.WithError(err).Warn("Failed to close worker session")
		}
	}()

	w := newWorker(o, store, job, p)
	w.execute(ctx)
}

func (o *Orchestrator) mirrorJob(ctx context.Context, job *jobs.BackupJob) {
	if o.mirror == nil {
		return
	}
	if err := o.mirror.Mirror(context.WithoutCancel(ctx), job); err != nil {
		o.logger.WithField("backup_id", job.ID).WithError(err).Warn("Failed to mirror job into the shadow store")
	}
}
