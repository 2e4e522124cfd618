// Package application wires the engine together: job stores, storage
// providers, the backup and restore orchestrators and the metadata
// reconciler, plus the long-running serve loop.
package application

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mysql-backup-orchestrator/internal/backup"
	"mysql-backup-orchestrator/internal/config"
	"mysql-backup-orchestrator/internal/database"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/execution"
	"mysql-backup-orchestrator/internal/jobs"
	"mysql-backup-orchestrator/internal/logging"
	"mysql-backup-orchestrator/internal/reconcile"
	"mysql-backup-orchestrator/internal/restore"
	"mysql-backup-orchestrator/internal/storage"
	"mysql-backup-orchestrator/internal/validator"
)

// Sessions opens a short-lived job store session. The close function
// releases it.
type Sessions func(ctx context.Context) (jobs.Store, func() error, error)

// Resources are the opened external dependencies the engine is assembled
// over. New opens them from configuration; tests pass fakes to Assemble.
type Resources struct {
	// Jobs is the job-tracking store
	Jobs jobs.Store
	// Sessions serves worker status writes; nil reuses Jobs
	Sessions Sessions
	// DB backs the read lock and live schema introspection; may be nil
	DB *sql.DB
	// ApplyDB is the connection the direct strategy applies dumps on; nil
	// leaves that strategy out
	ApplyDB   *sql.DB
	Scripts   restore.ScriptExecutor
	Shadow    reconcile.ShadowStore
	Providers []storage.Provider
	Runner    execution.Runner
}

// Application holds every wired component
type Application struct {
	Config     *config.EngineConfig
	Logger     *logging.Logger
	Jobs       jobs.Store
	Storage    *storage.Manager
	Validator  *validator.Validator
	Backups    *backup.Orchestrator
	Restores   *restore.Orchestrator
	Reconciler *reconcile.Reconciler
	// Appliers is the in-process strategy chain, also used by the
	// restore worker subcommand
	Appliers []restore.Applier

	backupMetrics   *backup.Metrics
	restoreMetrics  *restore.Metrics
	shutdownHandler *apperrors.GracefulShutdownHandler

	mu      sync.Mutex
	closers []func() error
}

// New opens the databases, the shadow store and the storage providers
// described by cfg and assembles the engine over them
func New(ctx context.Context, cfg *config.EngineConfig, configPath string, logger *logging.Logger) (*Application, error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	var closers []func() error
	fail := func(err error) (*Application, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}

	svc := database.NewServiceWithLogger(logger)
	db, err := svc.Connect(cfg.Database)
	if err != nil {
		return fail(fmt.Errorf("failed to connect to %s: %w", cfg.Database.Address(), err))
	}
	closers = append(closers, db.Close)

	store := jobs.NewMySQLStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		return fail(fmt.Errorf("failed to prepare job tables: %w", err))
	}

	var applyDB *sql.DB
	if hasStrategy(cfg.Restore.Strategies, config.StrategyDirect) {
		applyDB, err = svc.ConnectForScripts(cfg.Database)
		if err != nil {
			logger.WithError(err).Warn("Direct restore strategy unavailable")
			applyDB = nil
		} else {
			closers = append(closers, applyDB.Close)
		}
	}

	shadow, err := reconcile.OpenSQLiteStore(cfg.Shadow.Path)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, shadow.Close)

	providers, err := storage.NewProviderFactory().CreateProviders(ctx, cfg.Storage)
	if err != nil {
		return fail(fmt.Errorf("failed to create storage providers: %w", err))
	}

	if cfg.Restore.IndependentProcess && cfg.Restore.WorkerBinary == "" {
		binary, err := workerBinary(configPath)
		if err != nil {
			return fail(err)
		}
		cfg.Restore.WorkerBinary = binary
	}

	sessions := func(ctx context.Context) (jobs.Store, func() error, error) {
		sdb, err := svc.OpenSession(cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		return jobs.NewMySQLStore(sdb), sdb.Close, nil
	}

	app, err := Assemble(cfg, logger, Resources{
		Jobs:      store,
		Sessions:  sessions,
		DB:        db,
		ApplyDB:   applyDB,
		Scripts:   svc,
		Shadow:    shadow,
		Providers: providers,
		Runner:    execution.NewExecutor(execution.ExecutionConfig{DefaultTimeout: cfg.Backup.CaptureTimeout, Logger: logger}),
	})
	if err != nil {
		return fail(err)
	}
	app.closers = closers
	return app, nil
}

// workerBinary points out-of-process restores back at this executable
func workerBinary(configPath string) (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", apperrors.NewEnvironmentError("cannot locate the restore worker binary", err)
	}
	argv := []string{exe}
	if configPath != "" {
		argv = append(argv, "--config", configPath)
	}
	return shellquote.Join(argv...), nil
}

func hasStrategy(list []string, name string) bool {
	for _, s := range list {
		if s == name {
			return true
		}
	}
	return false
}

// Assemble builds every component over already opened resources
func Assemble(cfg *config.EngineConfig, logger *logging.Logger, res Resources) (*Application, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if res.Jobs == nil || res.Shadow == nil {
		return nil, apperrors.NewValidationError("a job store and a shadow store are required")
	}

	opts := []storage.ManagerOption{storage.WithEncryptor(storage.NewEncryptor(&cfg.Encryption))}
	if cfg.Backup.CaptureTimeout > 0 {
		opts = append(opts, storage.WithProviderTimeout(cfg.Backup.CaptureTimeout))
	}
	manager := storage.NewManager(res.Providers, logger, opts...)

	reconciler := reconcile.New(res.Jobs, res.Shadow, reconcile.NewStorageChecker(manager), reconcile.WithLogger(logger))

	check, err := validator.FromConfig(cfg.Validator, res.DB, logger)
	if err != nil {
		return nil, err
	}

	app := &Application{
		Config:          cfg,
		Logger:          logger,
		Jobs:            res.Jobs,
		Storage:         manager,
		Validator:       check,
		Reconciler:      reconciler,
		backupMetrics:   backup.NewMetrics(),
		restoreMetrics:  restore.NewMetrics(),
		shutdownHandler: apperrors.NewGracefulShutdownHandler(),
	}

	backupOpts := []backup.Option{
		backup.WithUploader(manager),
		backup.WithMirror(reconciler),
		backup.WithLogger(logger),
		backup.WithMetrics(app.backupMetrics),
	}
	if res.Sessions != nil {
		backupOpts = append(backupOpts, backup.WithSessions(func(ctx context.Context) (jobs.BackupStore, func() error, error) {
			return res.Sessions(ctx)
		}))
	}
	if res.Runner != nil {
		backupOpts = append(backupOpts, backup.WithLogicalCapturer(
			backup.NewLogicalDumper(res.Runner, cfg.Database, cfg.Backup.DumpCommand, cfg.Backup.CaptureTimeout)))
		var locker backup.Locker
		if res.DB != nil {
			locker = backup.NewGlobalReadLock(res.DB, logger)
		}
		backupOpts = append(backupOpts, backup.WithPhysicalCapturer(backup.NewPhysicalCapturer(res.Runner, backup.PhysicalConfig{
			DockerCommand: cfg.Backup.DockerCommand,
			Container:     cfg.Backup.DatabaseContainer,
			Volume:        cfg.Backup.DataVolume,
			HelperImage:   cfg.Backup.HelperImage,
			Timeout:       cfg.Backup.CaptureTimeout,
		}, locker, logger)))
	}
	app.Backups = backup.New(res.Jobs, cfg.Backup, backupOpts...)

	app.Appliers, err = restore.BuildAppliers(cfg, restore.StrategyDeps{DB: res.ApplyDB, Executor: res.Scripts, Runner: res.Runner})
	if err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}

	restoreOpts := []restore.Option{
		restore.WithValidator(check),
		restore.WithSafetySnapshot(restore.NewBackupSnapshotter(app.Backups, res.Jobs)),
		restore.WithFetcher(manager),
		restore.WithAppliers(app.Appliers...),
		restore.WithFileRoots(cfg.Backup.FilePaths),
		restore.WithLogger(logger),
		restore.WithMetrics(app.restoreMetrics),
	}
	if res.Sessions != nil {
		restoreOpts = append(restoreOpts, restore.WithBookkeeping(func(ctx context.Context) (jobs.RestoreStore, func() error, error) {
			return res.Sessions(ctx)
		}))
	}
	if res.Runner != nil {
		restoreOpts = append(restoreOpts, restore.WithRunner(res.Runner))
	}
	app.Restores = restore.New(res.Jobs, res.Jobs, cfg.Restore, restoreOpts...)
	return app, nil
}

// Registry collects the engine metrics plus the Go runtime collectors
func (app *Application) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		app.backupMetrics,
		app.restoreMetrics,
	)
	return reg
}

// Serve runs the reaper, the periodic reconciliation and, when enabled,
// the metrics endpoint until ctx is done or SIGINT/SIGTERM arrives. Running
// jobs are then given shutdownGrace to finish.
func (app *Application) Serve(ctx context.Context, shutdownGrace time.Duration) error {
	ctx = app.shutdownHandler.Start(ctx)
	app.Logger.Info("Backup orchestrator serving")

	var wg sync.WaitGroup
	loop := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				app.Logger.WithError(err).WithField("loop", name).Error("Background loop stopped")
			}
		}()
	}

	loop("reaper", func(ctx context.Context) error {
		return app.Backups.RunReaper(ctx, app.Config.Backup.ReaperInterval)
	})
	loop("reconcile", func(ctx context.Context) error {
		return app.Reconciler.Run(ctx, app.Config.Reconcile.Interval)
	})

	var server *http.Server
	serverErr := make(chan error, 1)
	if app.Config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(app.Registry(), promhttp.HandlerOpts{}))
		server = &http.Server{
			Addr:              app.Config.Metrics.ListenAddress,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			app.Logger.WithField("address", server.Addr).Info("Metrics endpoint listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-serverErr:
		app.Logger.WithError(err).Error("Metrics endpoint failed")
	}

	app.Logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if server != nil {
		server.Shutdown(shutdownCtx)
	}
	wg.Wait()
	app.drainBackups(shutdownCtx)
	app.Restores.Drain()
	return err
}

// drainBackups lets running backups finish until ctx is done, then cancels
// them. Jobs still running after that are left to the reaper.
func (app *Application) drainBackups(ctx context.Context) {
	drained := make(chan struct{})
	go func() {
		app.Backups.Drain()
		close(drained)
	}()
	select {
	case <-drained:
		return
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Backups.Shutdown(stopCtx); err != nil {
		app.Logger.WithField("active", app.Backups.Active()).Warn("Backup workers still running at shutdown; the reaper will settle them")
	}
}

// Close releases every opened resource, in reverse order
func (app *Application) Close() error {
	app.mu.Lock()
	closers := app.closers
	app.closers = nil
	app.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
