package application

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mysql-backup-orchestrator/internal/backup"
	"mysql-backup-orchestrator/internal/config"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/jobs"
	"mysql-backup-orchestrator/internal/reconcile"
	"mysql-backup-orchestrator/internal/restore"
	"mysql-backup-orchestrator/internal/storage"
)

type testEngine struct {
	app    *Application
	store  *jobs.MemoryStore
	shadow *reconcile.MemoryStore
	roots  string
	remote string
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	base := t.TempDir()
	roots := filepath.Join(base, "uploads")
	require.NoError(t, os.MkdirAll(roots, 0o755))

	cfg := config.GenerateDefaultConfig()
	cfg.Backup.WorkDir = filepath.Join(base, "backups")
	cfg.Backup.FilePaths = []string{roots}
	cfg.Restore.WorkDir = filepath.Join(base, "restore-work")
	cfg.Restore.Bookkeeping = apperrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	cfg.Backup.ReaperInterval = 10 * time.Millisecond
	cfg.Reconcile.Interval = 10 * time.Millisecond

	remote := filepath.Join(base, "remote")
	local, err := storage.NewLocalProvider(&config.LocalConfig{BasePath: remote})
	require.NoError(t, err)

	store := jobs.NewMemoryStore()
	shadow := reconcile.NewMemoryStore()
	app, err := Assemble(cfg, nil, Resources{
		Jobs:      store,
		Shadow:    shadow,
		Providers: []storage.Provider{local},
	})
	require.NoError(t, err)
	return &testEngine{app: app, store: store, shadow: shadow, roots: roots, remote: remote}
}

func TestAssemble_RequiresStores(t *testing.T) {
	cfg := config.GenerateDefaultConfig()
	_, err := Assemble(cfg, nil, Resources{Jobs: jobs.NewMemoryStore()})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestAssemble_WithoutRunnerHasNoProcessStrategies(t *testing.T) {
	e := newTestEngine(t)
	assert.Empty(t, e.app.Appliers)

	ctx := context.Background()
	_, err := e.app.Backups.Submit(ctx, jobs.BackupTypeFull, backup.DefaultOptions())
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeEnvironment), "database capture needs a runner: %v", err)
}

func TestFilesBackupAndRestoreRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	avatar := filepath.Join(e.roots, "avatars", "1.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(avatar), 0o755))
	require.NoError(t, os.WriteFile(avatar, []byte("original"), 0o644))

	backupID, err := e.app.Backups.Submit(ctx, jobs.BackupTypeFull, backup.Options{IncludeFiles: true})
	require.NoError(t, err)
	require.NoError(t, e.app.Backups.Wait(ctx, backupID))

	b, err := e.store.GetBackup(ctx, backupID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, b.Status, b.ErrorMessage)
	assert.NotEmpty(t, b.Checksum)
	assert.Equal(t, 1, b.FilesCount)

	found, err := e.app.Storage.Exists(ctx, backupID)
	require.NoError(t, err)
	assert.True(t, found, "artifact should be uploaded to the local provider")

	rec, err := e.shadow.GetRecord(ctx, backupID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, jobs.StatusCompleted, rec.Status)

	require.NoError(t, os.WriteFile(avatar, []byte("overwritten"), 0o644))

	restoreID, err := e.app.Restores.Submit(ctx, restore.Request{BackupID: backupID, Type: jobs.RestoreTypeFilesOnly, RequestedBy: "test"})
	require.NoError(t, err)
	require.NoError(t, e.app.Restores.Wait(ctx, restoreID))

	r, err := e.store.GetRestore(ctx, restoreID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, r.Status, r.ErrorMessage)
	assert.Equal(t, 100, r.Progress)

	data, err := os.ReadFile(avatar)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	summary, err := e.app.Reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Sync.Conflicts)
}

func TestRegistryGathersEngineMetrics(t *testing.T) {
	e := newTestEngine(t)
	families, err := e.app.Registry().Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "go_goroutines")
}

func TestServeStopsWhenContextEnds(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.app.Serve(ctx, time.Second) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestWorkerBinaryPassesConfig(t *testing.T) {
	got, err := workerBinary("/etc/orchestrator/config.yaml")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got, " --config /etc/orchestrator/config.yaml"), got)

	got, err = workerBinary("")
	require.NoError(t, err)
	assert.NotContains(t, got, "--config")
}

func TestCloseIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	calls := 0
	e.app.closers = []func() error{func() error { calls++; return nil }}

	require.NoError(t, e.app.Close())
	require.NoError(t, e.app.Close())
	assert.Equal(t, 1, calls)
}
