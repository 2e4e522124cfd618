package restore

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/juju/clock"

	"mysql-backup-orchestrator/internal/config"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/execution"
	"mysql-backup-orchestrator/internal/jobs"
	"mysql-backup-orchestrator/internal/logging"
	"mysql-backup-orchestrator/internal/validator"
)

// Progress checkpoints
const (
	ProgressStarted   = 0
	ProgressExtracted = 10
	ProgressVerified  = 30
	ProgressApplying  = 50
	ProgressApplied   = 85
	ProgressFiles     = 90
	ProgressDone      = 100
)

// BackupLookup reads the backup a restore starts from
type BackupLookup interface {
	GetBackup(ctx context.Context, id string) (*jobs.BackupJob, error)
}

// CompletenessChecker decides whether a dump may be restored
type CompletenessChecker interface {
	Validate(ctx context.Context, dumpText string) (*validator.Report, error)
}

// ArtifactFetcher retrieves an artifact that is not on local disk
type ArtifactFetcher interface {
	Download(ctx context.Context, id, dest string) (string, error)
}

// Request describes one restore submission
type Request struct {
	BackupID    string
	Type        jobs.RestoreType
	RequestedBy string
}

// Orchestrator accepts restore submissions and runs one worker per job
type Orchestrator struct {
	store     jobs.RestoreStore
	backups   BackupLookup
	books     *Bookkeeper
	checker   CompletenessChecker
	snapshots SafetySnapshotter
	fetcher   ArtifactFetcher
	appliers  []Applier
	runner    execution.Runner
	filter    *Filter
	config    config.RestoreConfig
	fileRoots []string
	clock     clock.Clock
	logger    *logging.Logger
	metrics   *Metrics

	mu        sync.Mutex
	cancelled map[string]bool
	applying  map[string]bool
	done      map[string]chan struct{}
	wg        sync.WaitGroup
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithBookkeeping routes status writes through sessions opened by f
func WithBookkeeping(f SessionFactory) Option {
	return func(o *Orchestrator) { o.books = NewBookkeeper(f, o.config.Bookkeeping, o.logger) }
}

// WithValidator gates restores on dump completeness
func WithValidator(c CompletenessChecker) Option {
	return func(o *Orchestrator) { o.checker = c }
}

// WithSafetySnapshot takes a database-only backup before each restore
func WithSafetySnapshot(s SafetySnapshotter) Option {
	return func(o *Orchestrator) { o.snapshots = s }
}

// WithFetcher downloads artifacts missing from local disk
func WithFetcher(f ArtifactFetcher) Option {
	return func(o *Orchestrator) { o.fetcher = f }
}

// WithAppliers sets the ordered apply strategies
func WithAppliers(appliers ...Applier) Option {
	return func(o *Orchestrator) { o.appliers = appliers }
}

// WithRunner sets the runner used for out-of-process restores
func WithRunner(r execution.Runner) Option {
	return func(o *Orchestrator) { o.runner = r }
}

// WithFileRoots sets where companion files are restored to
func WithFileRoots(roots []string) Option {
	return func(o *Orchestrator) { o.fileRoots = roots }
}

// WithClock replaces the wall clock
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger. Pass it before WithBookkeeping.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records restore metrics
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates a restore orchestrator. cfg must already carry defaults.
func New(store jobs.RestoreStore, backups BackupLookup, cfg config.RestoreConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		backups:   backups,
		config:    cfg,
		filter:    NewFilter(cfg.ProtectedTables),
		clock:     clock.WallClock,
		logger:    logging.NewNopLogger(),
		cancelled: make(map[string]bool),
		applying:  make(map[string]bool),
		done:      make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.books == nil {
		o.books = NewBookkeeper(StaticSessions(store), cfg.Bookkeeping, o.logger)
	}
	o.books.SetMetrics(o.metrics)
	return o
}

// Filter returns the protected-table filter
func (o *Orchestrator) Filter() *Filter { return o.filter }

func restoresDatabase(t jobs.RestoreType) bool {
	return t != jobs.RestoreTypeFilesOnly
}

func restoresFiles(t jobs.RestoreType) bool {
	return t != jobs.RestoreTypeDatabaseOnly
}

// Submit checks the request, records a pending restore and starts its
// worker. Validation and environment problems are returned here and
// leave nothing behind.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, error) {
	if !jobs.IsValidRestoreType(req.Type) {
		return "", apperrors.NewValidationError(fmt.Sprintf("unknown restore type %q", req.Type))
	}
	if req.BackupID == "" {
		return "", apperrors.NewValidationError("backup id is required")
	}

	b, err := o.backups.GetBackup(ctx, req.BackupID)
	if err != nil {
		if jobs.IsNotFound(err) {
			return "", apperrors.NewValidationError(fmt.Sprintf("backup %s does not exist", req.BackupID))
		}
		return "", apperrors.NewBookkeepingError("failed to load backup", err)
	}
	switch {
	case b.Status == jobs.StatusCompleted:
	case b.Status == jobs.StatusCancelled && b.ExtraBool(jobs.ExtraPartialBackup) && req.Type == jobs.RestoreTypePartial:
	default:
		return "", apperrors.NewValidationError(fmt.Sprintf("backup %s is %s and cannot be restored", b.ID, b.Status))
	}
	if b.Checksum == "" {
		return "", apperrors.NewIntegrityError(fmt.Sprintf("backup %s has no recorded checksum", b.ID), nil)
	}
	if b.FilePath == "" && o.fetcher == nil {
		return "", apperrors.NewValidationError(fmt.Sprintf("backup %s has no artifact", b.ID))
	}
	if b.Type == jobs.BackupTypePhysical && restoresDatabase(req.Type) && req.Type != jobs.RestoreTypePartial {
		return "", apperrors.NewValidationError("physical backups are restored by replacing the data volume, not through the restore pipeline")
	}
	if restoresDatabase(req.Type) && len(o.appliers) == 0 && !o.config.IndependentProcess {
		return "", apperrors.NewEnvironmentError("no apply strategy is available", nil)
	}
	if o.config.IndependentProcess && o.runner == nil {
		return "", apperrors.NewEnvironmentError("independent process restores need a command runner", nil)
	}
	if req.Type == jobs.RestoreTypeFilesOnly && len(o.fileRoots) == 0 {
		return "", apperrors.NewValidationError("files restore requested but no file paths are configured")
	}

	now := o.clock.Now().UTC()
	job := &jobs.RestoreJob{
		ID:            jobs.NewRestoreID(now),
		BackupID:      b.ID,
		Type:          req.Type,
		Status:        jobs.StatusPending,
		StatusMessage: "queued",
		RequestedBy:   req.RequestedBy,
		CreatedAt:     now,
	}
	if err := o.store.CreateRestore(ctx, job); err != nil {
		return "", apperrors.NewBookkeepingError("failed to record restore job", err)
	}
	o.logger.LogJobTransition("restore", job.ID, "", string(job.Status))

	done := make(chan struct{})
	o.mu.Lock()
	o.done[job.ID] = done
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(job.ID, b, req.Type, done)
	return job.ID, nil
}

// Cancel marks a restore cancelled. Workers honor it at phase boundaries
// up to the start of dump application. It reports false when the restore
// had already finished or is applying its dump.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (bool, error) {
	job, err := o.store.GetRestore(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status.IsTerminal() {
		return false, nil
	}

	o.mu.Lock()
	if o.applying[id] {
		o.mu.Unlock()
		return false, nil
	}
	o.cancelled[id] = true
	o.mu.Unlock()

	saved := o.books.Update(ctx, id, func(j *jobs.RestoreJob) error {
		if err := j.SetStatus(jobs.StatusCancelled, o.clock.Now()); err != nil {
			return err
		}
		j.ErrorMessage = "restore cancelled by request"
		return nil
	})
	if saved != nil {
		return true, nil
	}

	// The write was dropped or refused. A job that finished meanwhile was not
	// cancelled; otherwise the flag stops the worker at its next check.
	current, err := o.store.GetRestore(ctx, id)
	if err == nil && current.Status.IsTerminal() && current.Status != jobs.StatusCancelled {
		return false, nil
	}
	o.logger.WithField("restore_id", id).Warn("Cancellation flagged but the cancelled status was not persisted")
	return true, nil
}

func (o *Orchestrator) isCancelled(ctx context.Context, id string) bool {
	o.mu.Lock()
	flagged := o.cancelled[id]
	o.mu.Unlock()
	if flagged {
		return true
	}
	job, err := o.store.GetRestore(ctx, id)
	if err != nil {
		return false
	}
	return job.Status == jobs.StatusCancelled
}

// beginApply closes the cancellation window. It reports false when a
// cancellation got in first.
func (o *Orchestrator) beginApply(ctx context.Context, id string) bool {
	o.mu.Lock()
	if o.cancelled[id] {
		o.mu.Unlock()
		return false
	}
	o.applying[id] = true
	o.mu.Unlock()
	if job, err := o.store.GetRestore(ctx, id); err == nil && job.Status == jobs.StatusCancelled {
		return false
	}
	return true
}

// Wait blocks until id's worker exits or ctx is done
func (o *Orchestrator) Wait(ctx context.Context, id string) error {
	o.mu.Lock()
	done, ok := o.done[id]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active lists restores running in this process
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.done))
	for id := range o.done {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Drain waits for every running worker
func (o *Orchestrator) Drain() {
	o.wg.Wait()
}

func (o *Orchestrator) run(id string, b *jobs.BackupJob, t jobs.RestoreType, done chan struct{}) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.done, id)
		delete(o.cancelled, id)
		delete(o.applying, id)
		o.mu.Unlock()
		close(done)
	}()

	w := &worker{o: o, id: id, backup: b, restoreType: t}
	w.execute(context.Background())
	if !o.config.KeepWorkDir && w.dir != "" {
		if err := os.RemoveAll(w.dir); err != nil {
			o.logger.WithField("restore_id", id).WithError(err).Warn("Failed to remove restore working directory")
		}
	}
}
