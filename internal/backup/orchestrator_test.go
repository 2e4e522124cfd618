package backup

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mysql-backup-orchestrator/internal/archive"
	"mysql-backup-orchestrator/internal/config"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/jobs"
	"mysql-backup-orchestrator/internal/reconcile"
	"mysql-backup-orchestrator/internal/storage"
)

var sha256Hex = regexp.MustCompile(`^[0-9a-f]{64}$`)

type fakeCapturer struct {
	preflightErr error
	captureErr   error
	calls        int
}

func (f *fakeCapturer) Preflight(context.Context) error { return f.preflightErr }

func (f *fakeCapturer) Capture(_ context.Context, dir string, _ *jobs.BackupJob, _ Options) (*CaptureResult, error) {
	f.calls++
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	path := filepath.Join(dir, "database_20260301_120000.sql")
	dump := "CREATE TABLE `users` (`id` int);\nINSERT INTO `users` VALUES (1);\n"
	if err := os.WriteFile(path, []byte(dump), 0o644); err != nil {
		return nil, err
	}
	return &CaptureResult{Path: path, Size: int64(len(dump)), Databases: 1, Mode: "logical"}, nil
}

type fakeUploader struct {
	mu    sync.Mutex
	ids   []string
	fails bool
}

func (f *fakeUploader) Upload(_ context.Context, path, id string) (storage.UploadResults, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	if f.fails {
		return storage.UploadResults{"S3": {Status: storage.StatusFailed, Error: "bucket gone"}}, nil
	}
	return storage.UploadResults{"LOCAL": {Status: storage.StatusSuccess, Info: storage.Locator{"provider": "LOCAL", "path": path}}}, nil
}

type recordingMirror struct {
	mu       sync.Mutex
	statuses map[string][]jobs.Status
}

func (m *recordingMirror) Mirror(_ context.Context, job *jobs.BackupJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statuses == nil {
		m.statuses = map[string][]jobs.Status{}
	}
	m.statuses[job.ID] = append(m.statuses[job.ID], job.Status)
	return nil
}

func (m *recordingMirror) path(id string) []jobs.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]jobs.Status(nil), m.statuses[id]...)
}

type harness struct {
	store    *jobs.MemoryStore
	capturer *fakeCapturer
	uploader *fakeUploader
	mirror   *recordingMirror
	cfg      config.BackupConfig
	files    string
	orch     *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	root := t.TempDir()
	files := filepath.Join(root, "uploads")
	writeFiles(t, files, map[string]string{
		"a.txt":        "alpha",
		"b.txt":        "bravo",
		"nested/c.txt": "charlie",
	})

	cfg := config.BackupConfig{WorkDir: filepath.Join(root, "work"), FilePaths: []string{files}}
	cfg.SetDefaults()

	h := &harness{
		store:    jobs.NewMemoryStore(),
		capturer: &fakeCapturer{},
		uploader: &fakeUploader{},
		mirror:   &recordingMirror{},
		cfg:      cfg,
		files:    files,
	}
	all := append([]Option{
		WithLogicalCapturer(h.capturer),
		WithUploader(h.uploader),
		WithMirror(h.mirror),
	}, opts...)
	h.orch = New(h.store, cfg, all...)
	t.Cleanup(func() { h.orch.Drain() })
	return h
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

// submitAndWait submits a backup and waits for its worker to exit
func (h *harness) submitAndWait(t *testing.T, backupType jobs.BackupType, opts Options) *jobs.BackupJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := h.orch.Submit(ctx, backupType, opts)
	require.NoError(t, err)
	require.NoError(t, h.orch.Wait(ctx, id))

	job, err := h.store.GetBackup(ctx, id)
	require.NoError(t, err)
	return job
}

func fileEntries(t *testing.T, artifact string) []string {
	t.Helper()
	names, err := archive.List(artifact)
	require.NoError(t, err)
	var files []string
	for _, name := range names {
		if strings.Contains(name, "/"+FilesDir+"/") && !strings.HasSuffix(name, "/") {
			files = append(files, name)
		}
	}
	return files
}

func TestSubmit_FullBackupCompletes(t *testing.T) {
	h := newHarness(t)

	job := h.submitAndWait(t, jobs.BackupTypeFull, DefaultOptions())

	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Greater(t, job.FileSize, int64(0))
	assert.Regexp(t, sha256Hex, job.Checksum)
	assert.Equal(t, 3, job.FilesCount)
	assert.Equal(t, 1, job.DatabasesCount)
	assert.Empty(t, job.ErrorMessage)
	require.NotNil(t, job.CompletedAt)

	require.NoError(t, archive.Verify(job.FilePath, job.Checksum))
	names, err := archive.List(job.FilePath)
	require.NoError(t, err)
	assert.Contains(t, names, job.ID+"/database_20260301_120000.sql")
	assert.Len(t, fileEntries(t, job.FilePath), 3)

	_, err = os.Stat(filepath.Join(h.cfg.WorkDir, job.ID))
	assert.True(t, os.IsNotExist(err), "working directory should be removed after success")

	storageExtra, ok := job.Extra[jobs.ExtraStorage].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, storageExtra, "LOCAL")

	assert.Equal(t, []jobs.Status{jobs.StatusPending, jobs.StatusRunning, jobs.StatusCompleted}, h.mirror.path(job.ID))
}

func TestSubmit_CompletedBackupReconcilesCleanly(t *testing.T) {
	store := jobs.NewMemoryStore()
	shadow := reconcile.NewMemoryStore()
	rec := reconcile.New(store, shadow, reconcile.NewStorageChecker(nil))

	root := t.TempDir()
	files := filepath.Join(root, "uploads")
	writeFiles(t, files, map[string]string{"a.txt": "alpha"})
	cfg := config.BackupConfig{WorkDir: filepath.Join(root, "work"), FilePaths: []string{files}}
	cfg.SetDefaults()
	orch := New(store, cfg, WithLogicalCapturer(&fakeCapturer{}), WithMirror(rec))

	ctx := context.Background()
	id, err := orch.Submit(ctx, jobs.BackupTypeFull, Options{IncludeDatabase: true, IncludeFiles: true})
	require.NoError(t, err)
	require.NoError(t, orch.Wait(ctx, id))

	job, err := store.GetBackup(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Regexp(t, sha256Hex, job.Checksum)

	result, err := rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Conflicts)

	record, err := shadow.GetRecord(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, reconcile.SyncSynced, record.SyncStatus)
	assert.Equal(t, jobs.StatusCompleted, record.Status)
	assert.Empty(t, record.ConflictReason)
}

func TestSubmit_RejectsInvalidOptionsWithoutPersisting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		backupType jobs.BackupType
		opts       Options
		errType    apperrors.ErrorType
	}{
		{"nothing to capture", jobs.BackupTypeFull, Options{}, apperrors.ErrorTypeValidation},
		{"unknown type", jobs.BackupType("weekly"), DefaultOptions(), apperrors.ErrorTypeValidation},
		{"bad codec", jobs.BackupTypeFull, Options{IncludeDatabase: true, Compression: "rar"}, apperrors.ErrorTypeValidation},
		{"physical without database", jobs.BackupTypePhysical, Options{IncludeFiles: true}, apperrors.ErrorTypeValidation},
		{"no physical capturer", jobs.BackupTypePhysical, Options{IncludeDatabase: true}, apperrors.ErrorTypeEnvironment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Submit(ctx, tt.backupType, tt.opts)
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, tt.errType), "got %v", err)
		})
	}

	list, err := h.store.ListBackups(ctx, jobs.BackupFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSubmit_PreflightFailureIsSynchronous(t *testing.T) {
	h := newHarness(t)
	h.capturer.preflightErr = apperrors.NewEnvironmentError("executable \"mysqldump\" not found", nil)

	_, err := h.orch.Submit(context.Background(), jobs.BackupTypeFull, DefaultOptions())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeEnvironment))

	list, err := h.store.ListBackups(context.Background(), jobs.BackupFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSubmit_ResubmitYieldsIndependentJobs(t *testing.T) {
	h := newHarness(t)

	first := h.submitAndWait(t, jobs.BackupTypeFull, DefaultOptions())
	second := h.submitAndWait(t, jobs.BackupTypeFull, DefaultOptions())

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.FilePath, second.FilePath)
	assert.Equal(t, jobs.StatusCompleted, second.Status)

	reloaded, err := h.store.GetBackup(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Checksum, reloaded.Checksum)
	assert.Equal(t, first.FilePath, reloaded.FilePath)
	require.NoError(t, archive.Verify(first.FilePath, first.Checksum))
	require.NoError(t, archive.Verify(second.FilePath, second.Checksum))
}

func TestCancel_BeforeAnyCaptureLeavesNoArtifact(t *testing.T) {
	h := newHarness(t)
	h.orch.phaseHook = func(id, phase string) {
		if phase == PhaseFiles {
			_, err := h.orch.Cancel(context.Background(), id)
			assert.NoError(t, err)
		}
	}

	job := h.submitAndWait(t, jobs.BackupTypeFull, Options{IncludeFiles: true})

	assert.Equal(t, jobs.StatusCancelled, job.Status)
	assert.Empty(t, job.FilePath)
	assert.False(t, job.ExtraBool(jobs.ExtraPartialBackup))
	assert.NotEmpty(t, job.ErrorMessage)
	require.NotNil(t, job.CompletedAt)

	artifacts, err := filepath.Glob(filepath.Join(h.cfg.WorkDir, job.ID+".tar*"))
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestCancel_BeforeArchivePreservesPartialArtifact(t *testing.T) {
	h := newHarness(t)
	h.orch.phaseHook = func(id, phase string) {
		if phase == PhaseArchive {
			ok, err := h.orch.Cancel(context.Background(), id)
			assert.NoError(t, err)
			assert.True(t, ok)
		}
	}

	job := h.submitAndWait(t, jobs.BackupTypeFull, Options{IncludeFiles: true})

	assert.Equal(t, jobs.StatusCancelled, job.Status)
	assert.True(t, job.ExtraBool(jobs.ExtraPartialBackup))
	assert.Contains(t, job.ErrorMessage, "partial artifact")
	require.NotEmpty(t, job.FilePath)
	assert.LessOrEqual(t, len(fileEntries(t, job.FilePath)), 3)
	require.NoError(t, archive.Verify(job.FilePath, job.Checksum))

	_, err := os.Stat(filepath.Join(h.cfg.WorkDir, job.ID))
	assert.NoError(t, err, "cancelled backups keep their working directory")
	assert.Empty(t, h.uploader.ids, "partial artifacts are not uploaded")
}

func TestCancel_PersistedStatusWinsWithoutLocalFlag(t *testing.T) {
	h := newHarness(t)
	h.orch.phaseHook = func(id, phase string) {
		if phase != PhaseDatabase {
			return
		}
		// another process cancels through the store only
		ctx := context.Background()
		job, err := h.store.GetBackup(ctx, id)
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, job.SetStatus(jobs.StatusCancelled, time.Now()))
		assert.NoError(t, h.store.SaveBackup(ctx, job))
	}

	job := h.submitAndWait(t, jobs.BackupTypeFull, DefaultOptions())

	assert.Equal(t, jobs.StatusCancelled, job.Status)
	assert.Equal(t, 0, h.capturer.calls)
	assert.Empty(t, job.FilePath)
}

func TestCancel_FinishedJob(t *testing.T) {
	h := newHarness(t)
	job := h.submitAndWait(t, jobs.BackupTypeFull, DefaultOptions())

	ok, err := h.orch.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.orch.Cancel(context.Background(), "backup-missing")
	assert.True(t, jobs.IsNotFound(err))
}

func TestWorker_FailureDeletesWorkingDirectory(t *testing.T) {
	h := newHarness(t)
	h.capturer.captureErr = apperrors.NewCaptureError("mysqldump exited with code 2: access denied", nil)

	job := h.submitAndWait(t, jobs.BackupTypeFull, DefaultOptions())

	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "access denied")
	assert.Empty(t, job.FilePath)
	require.NotNil(t, job.CompletedAt)

	_, err := os.Stat(filepath.Join(h.cfg.WorkDir, job.ID))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []jobs.Status{jobs.StatusPending, jobs.StatusRunning, jobs.StatusFailed}, h.mirror.path(job.ID))
}

func TestUpload_NoProviderAcceptedKeepsLocalArtifact(t *testing.T) {
	h := newHarness(t)
	h.uploader.fails = true

	job := h.submitAndWait(t, jobs.BackupTypeFull, DefaultOptions())

	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.NotNil(t, job.Extra[jobs.ExtraWarnings])
	_, err := os.Stat(job.FilePath)
	assert.NoError(t, err)
}

func TestIncremental_CopiesOnlyChangedFiles(t *testing.T) {
	h := newHarness(t)

	full := h.submitAndWait(t, jobs.BackupTypeFull, Options{IncludeFiles: true})
	require.Equal(t, jobs.StatusCompleted, full.Status)
	require.Equal(t, 3, full.FilesCount)

	writeFiles(t, h.files, map[string]string{
		"b.txt": "bravo, edited",
		"d.txt": "delta",
	})

	inc := h.submitAndWait(t, jobs.BackupTypeIncremental, Options{IncludeFiles: true})
	require.Equal(t, jobs.StatusCompleted, inc.Status)
	assert.Equal(t, 2, inc.FilesCount)
	assert.Len(t, fileEntries(t, inc.FilePath), 2)
	assert.Equal(t, h.cfg.ManifestPath, inc.ExtraString(jobs.ExtraBaseManifest))

	manifest, err := archive.LoadManifest(h.cfg.ManifestPath)
	require.NoError(t, err)
	assert.Len(t, manifest, 4)

	// nothing changed since the last run
	again := h.submitAndWait(t, jobs.BackupTypeIncremental, Options{IncludeFiles: true})
	assert.Equal(t, 0, again.FilesCount)
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name       string
		backupType jobs.BackupType
		opts       Options
		wantErr    bool
	}{
		{"full default", jobs.BackupTypeFull, DefaultOptions(), false},
		{"database only", jobs.BackupTypeSnapshot, Options{IncludeDatabase: true}, false},
		{"physical cold", jobs.BackupTypePhysical, Options{IncludeDatabase: true, PhysicalMode: PhysicalCold}, false},
		{"zstd", jobs.BackupTypeFull, Options{IncludeFiles: true, Compression: "zstd"}, false},
		{"incremental without files", jobs.BackupTypeIncremental, Options{IncludeDatabase: true}, true},
		{"physical mode on logical", jobs.BackupTypeFull, Options{IncludeDatabase: true, PhysicalMode: PhysicalHot}, true},
		{"unknown physical mode", jobs.BackupTypePhysical, Options{IncludeDatabase: true, PhysicalMode: "warm"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate(tt.backupType)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTransitions_AreMonotone(t *testing.T) {
	h := newHarness(t)
	done := h.submitAndWait(t, jobs.BackupTypeFull, DefaultOptions())

	path := h.mirror.path(done.ID)
	require.NotEmpty(t, path)
	assert.Equal(t, jobs.StatusPending, path[0])
	for i := 1; i < len(path); i++ {
		assert.True(t, jobs.CanTransition(path[i-1], path[i]), "%s -> %s", path[i-1], path[i])
		assert.NotEqual(t, path[i-1], path[i])
	}
	assert.True(t, path[len(path)-1].IsTerminal())
}
