package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mysql-backup-orchestrator/internal/config"
	"mysql-backup-orchestrator/internal/jobs"
	"mysql-backup-orchestrator/internal/restore"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeChecker struct {
	present      map[string]bool
	unverifiable map[string]bool
	err          error
	calls        int
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{present: map[string]bool{}, unverifiable: map[string]bool{}}
}

func (f *fakeChecker) ArtifactExists(_ context.Context, ref ArtifactRef) (bool, bool, error) {
	f.calls++
	if f.err != nil {
		return false, false, f.err
	}
	if f.unverifiable[ref.BackupID] {
		return false, false, nil
	}
	return f.present[ref.BackupID], true, nil
}

type fixture struct {
	primary *jobs.MemoryStore
	shadow  *MemoryStore
	checker *fakeChecker
	clock   *testclock.Clock
	rec     *Reconciler
}

func newFixture() *fixture {
	f := &fixture{
		primary: jobs.NewMemoryStore(),
		shadow:  NewMemoryStore(),
		checker: newFakeChecker(),
		clock:   testclock.NewClock(epoch),
	}
	f.rec = New(f.primary, f.shadow, f.checker, WithClock(f.clock))
	return f
}

// addJob stores a job walked through the state machine to status
func (f *fixture) addJob(t *testing.T, id string, status jobs.Status) *jobs.BackupJob {
	t.Helper()
	ctx := context.Background()
	job := &jobs.BackupJob{ID: id, Type: jobs.BackupTypeFull, Status: jobs.StatusPending, CreatedAt: epoch}
	require.NoError(t, f.primary.CreateBackup(ctx, job))
	if status == jobs.StatusPending {
		return job
	}
	if status != jobs.StatusFailed && status != jobs.StatusCancelled {
		require.NoError(t, job.SetStatus(jobs.StatusRunning, epoch))
		require.NoError(t, f.primary.SaveBackup(ctx, job))
		if status == jobs.StatusRunning {
			return job
		}
	}
	require.NoError(t, job.SetStatus(status, epoch))
	if status == jobs.StatusCompleted {
		job.FilePath = "/backups/" + id + ".tar.gz"
		job.Checksum = "abc"
	}
	require.NoError(t, f.primary.SaveBackup(ctx, job))
	return job
}

// setShadow writes a synced shadow record claiming status
func (f *fixture) setShadow(t *testing.T, job *jobs.BackupJob, status jobs.Status) {
	t.Helper()
	rec := RecordFromJob(job)
	rec.Status = status
	rec.SyncStatus = SyncSynced
	require.NoError(t, f.shadow.UpsertRecord(context.Background(), rec))
}

func TestSync_CreatesMissingShadowRecords(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.addJob(t, "backup-1", jobs.StatusCompleted)

	result, err := f.rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)

	rec, err := f.shadow.GetRecord(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, SyncSynced, rec.SyncStatus)
	assert.Equal(t, jobs.StatusCompleted, rec.Status)
	assert.Equal(t, job.FilePath, rec.FilePath)
	require.NotNil(t, rec.LastSyncAt)
	assert.True(t, rec.LastSyncAt.Equal(epoch))

	entries, err := f.rec.Log(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OpCreate, entries[0].Operation)
}

func TestSync_MatchingRecordsAreNotRelogged(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.addJob(t, "backup-1", jobs.StatusCompleted)

	_, err := f.rec.Sync(ctx)
	require.NoError(t, err)
	result, err := f.rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unchanged)

	entries, err := f.rec.Log(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSync_RefreshesMutableFields(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.addJob(t, "backup-1", jobs.StatusRunning)
	_, err := f.rec.Sync(ctx)
	require.NoError(t, err)

	job.FileSize = 2048
	require.NoError(t, f.primary.SaveBackup(ctx, job))

	result, err := f.rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	rec, err := f.shadow.GetRecord(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), rec.FileSize)
}

func TestSync_ShadowCompletedPrimaryRunning(t *testing.T) {
	tests := []struct {
		name         string
		present      bool
		wantConflict bool
	}{
		{"artifact present is a conflict", true, true},
		{"artifact absent is benign", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			ctx := context.Background()
			job := f.addJob(t, "backup-1", jobs.StatusRunning)
			f.setShadow(t, job, jobs.StatusCompleted)
			f.checker.present[job.ID] = tt.present

			result, err := f.rec.Sync(ctx)
			require.NoError(t, err)

			rec, err := f.shadow.GetRecord(ctx, job.ID)
			require.NoError(t, err)
			if tt.wantConflict {
				assert.Equal(t, 1, result.Conflicts)
				assert.Equal(t, SyncConflict, rec.SyncStatus)
				assert.NotEmpty(t, rec.ConflictReason)
				assert.Equal(t, jobs.StatusCompleted, rec.Status)
				assert.Equal(t, jobs.StatusRunning, rec.PrimaryStatus)
			} else {
				assert.Equal(t, 0, result.Conflicts)
				assert.Equal(t, SyncSynced, rec.SyncStatus)
				assert.Equal(t, jobs.StatusRunning, rec.Status)
			}

			entries, err := f.rec.Log(ctx, job.ID, 1)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			require.NotNil(t, entries[0].FileExists)
			assert.Equal(t, tt.present, *entries[0].FileExists)
		})
	}
}

func TestSync_DisagreementTable(t *testing.T) {
	tests := []struct {
		name         string
		primary      jobs.Status
		shadow       jobs.Status
		present      bool
		wantConflict bool
		wantChecked  bool
	}{
		{"completed primary over running shadow", jobs.StatusCompleted, jobs.StatusRunning, false, false, false},
		{"completed primary without artifact", jobs.StatusCompleted, jobs.StatusFailed, false, true, true},
		{"completed primary with artifact", jobs.StatusCompleted, jobs.StatusFailed, true, false, true},
		{"running primary with artifact", jobs.StatusRunning, jobs.StatusFailed, true, true, true},
		{"pending primary without artifact", jobs.StatusPending, jobs.StatusFailed, false, false, true},
		{"failed primary", jobs.StatusFailed, jobs.StatusRunning, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			ctx := context.Background()
			job := f.addJob(t, "backup-1", tt.primary)
			f.setShadow(t, job, tt.shadow)
			f.checker.present[job.ID] = tt.present

			result, err := f.rec.Sync(ctx)
			require.NoError(t, err)

			rec, err := f.shadow.GetRecord(ctx, job.ID)
			require.NoError(t, err)
			if tt.wantConflict {
				assert.Equal(t, 1, result.Conflicts)
				assert.Equal(t, SyncConflict, rec.SyncStatus)
			} else {
				assert.Equal(t, 1, result.Adopted)
				assert.Equal(t, tt.primary, rec.Status)
				assert.Equal(t, SyncSynced, rec.SyncStatus)
			}
			assert.Equal(t, tt.wantChecked, f.checker.calls > 0)
		})
	}
}

func TestSync_RepeatedConflictLoggedOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.addJob(t, "backup-1", jobs.StatusCompleted)
	f.setShadow(t, job, jobs.StatusFailed)

	_, err := f.rec.Sync(ctx)
	require.NoError(t, err)
	_, err = f.rec.Sync(ctx)
	require.NoError(t, err)

	entries, err := f.rec.Log(ctx, job.ID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSync_CheckerErrorReadsAsAbsent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.addJob(t, "backup-1", jobs.StatusRunning)
	f.setShadow(t, job, jobs.StatusCompleted)
	f.checker.err = errors.New("storage offline")

	result, err := f.rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Conflicts)
}

func TestResolveConflict_TrustsShadowCompletion(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.addJob(t, "backup-1", jobs.StatusRunning)
	f.setShadow(t, job, jobs.StatusCompleted)
	f.checker.present[job.ID] = true
	_, err := f.rec.Sync(ctx)
	require.NoError(t, err)
	checksDuringSync := f.checker.calls

	resolved, err := f.rec.ResolveConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, checksDuringSync, f.checker.calls, "shadow completion is trusted without a re-check")

	rec, err := f.shadow.GetRecord(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, SyncVerified, rec.SyncStatus)
	assert.Equal(t, ResolutionTrustShadow, rec.Resolution)

	written, err := f.rec.ReverseSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	stored, err := f.primary.GetBackup(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
}

func TestReverseSync_CarriesArtifactFields(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.addJob(t, "b1", jobs.StatusRunning)

	completedAt := epoch.Add(time.Minute)
	rec := RecordFromJob(job)
	rec.Status = jobs.StatusCompleted
	rec.CompletedAt = &completedAt
	rec.FilePath = "/backups/b1.tar.gz"
	rec.FileSize = 1234
	rec.Checksum = "deadbeef"
	rec.SyncStatus = SyncSynced
	require.NoError(t, f.shadow.UpsertRecord(ctx, rec))
	f.checker.present[job.ID] = true

	summary, err := f.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ReverseSynced)
	_, err = f.rec.Reconcile(ctx)
	require.NoError(t, err)

	stored, err := f.primary.GetBackup(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, stored.Status)
	assert.Equal(t, "/backups/b1.tar.gz", stored.FilePath)
	assert.Equal(t, int64(1234), stored.FileSize)
	assert.Equal(t, "deadbeef", stored.Checksum)
	require.NotNil(t, stored.CompletedAt)
	assert.True(t, completedAt.Equal(*stored.CompletedAt))

	shadowed, err := f.shadow.GetRecord(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, shadowed.Status)
	assert.Equal(t, "/backups/b1.tar.gz", shadowed.FilePath)
	assert.Equal(t, int64(1234), shadowed.FileSize)
	assert.Equal(t, "deadbeef", shadowed.Checksum)

	restores := restore.New(f.primary, f.primary, config.RestoreConfig{WorkDir: t.TempDir()},
		restore.WithFileRoots([]string{t.TempDir()}))
	id, err := restores.Submit(ctx, restore.Request{BackupID: job.ID, Type: jobs.RestoreTypeFilesOnly})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	restores.Drain()
}

func TestSync_SameStatusKeepsShadowArtifactFields(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.addJob(t, "b1", jobs.StatusRunning)

	rec := RecordFromJob(job)
	rec.FilePath = "/backups/b1.tar.gz"
	rec.Checksum = "deadbeef"
	rec.FileSize = 1234
	rec.ErrorMessage = "stale"
	rec.SyncStatus = SyncSynced
	require.NoError(t, f.shadow.UpsertRecord(ctx, rec))

	result, err := f.rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	got, err := f.shadow.GetRecord(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, "/backups/b1.tar.gz", got.FilePath)
	assert.Equal(t, "deadbeef", got.Checksum)
	assert.Equal(t, int64(1234), got.FileSize)

	result, err = f.rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unchanged)
}

func TestResolveConflict_MissingArtifactFailsCompletedBackup(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.addJob(t, "backup-1", jobs.StatusCompleted)
	f.setShadow(t, job, jobs.StatusFailed)

	summary, err := f.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sync.Conflicts)
	assert.Equal(t, 1, summary.Resolved)
	assert.Equal(t, 1, summary.ReverseSynced)

	stored, err := f.primary.GetBackup(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, stored.Status)
	assert.Equal(t, MissingArtifactMessage, stored.ErrorMessage)

	rec, err := f.shadow.GetRecord(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, SyncSynced, rec.SyncStatus)
	assert.Equal(t, jobs.StatusFailed, rec.PrimaryStatus)

	entries, err := f.rec.Log(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, OpReverseSync, entries[0].Operation)
	assert.Equal(t, OpResolve, entries[1].Operation)
	assert.Equal(t, OpConflict, entries[2].Operation)

	// a second pass finds nothing to do
	summary, err = f.rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sync.Unchanged)
	assert.Equal(t, 0, summary.Resolved)
}

func TestResolveConflict_PresentArtifactCompletesRunningBackup(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.addJob(t, "backup-1", jobs.StatusRunning)
	f.setShadow(t, job, jobs.StatusFailed)
	f.checker.present[job.ID] = true

	_, err := f.rec.Reconcile(ctx)
	require.NoError(t, err)

	stored, err := f.primary.GetBackup(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, stored.Status)

	rec, err := f.shadow.GetRecord(ctx, job.ID)
	require.NoError(t, err)
	assert.NotNil(t, rec.FileVerifiedAt)
}

func TestResolveConflict_UnverifiablePhysicalCountsAsPresent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	rec := &ExternalMetadataRecord{
		BackupID:      "backup-phys",
		Type:          jobs.BackupTypePhysical,
		Status:        jobs.StatusFailed,
		PrimaryStatus: jobs.StatusRunning,
		SyncStatus:    SyncConflict,
		CreatedAt:     epoch,
	}
	f.checker.unverifiable[rec.BackupID] = true

	require.NoError(t, f.rec.ResolveConflict(ctx, rec))
	assert.Equal(t, jobs.StatusCompleted, rec.Status)
	assert.Equal(t, ResolutionMarkedCompleted, rec.Resolution)
}

func TestResolveConflict_NoChangeKeepsPrimaryStatus(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	rec := &ExternalMetadataRecord{
		BackupID:      "backup-1",
		Type:          jobs.BackupTypeFull,
		Status:        jobs.StatusFailed,
		PrimaryStatus: jobs.StatusCompleted,
		SyncStatus:    SyncConflict,
		CreatedAt:     epoch,
	}
	f.checker.present[rec.BackupID] = true

	require.NoError(t, f.rec.ResolveConflict(ctx, rec))
	assert.Equal(t, jobs.StatusCompleted, rec.Status)
	assert.Equal(t, ResolutionNoChange, rec.Resolution)
	assert.Equal(t, SyncVerified, rec.SyncStatus)
}

func TestResolveConflict_CheckerErrorLeavesConflict(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.addJob(t, "backup-1", jobs.StatusCompleted)
	f.setShadow(t, job, jobs.StatusFailed)
	_, err := f.rec.Sync(ctx)
	require.NoError(t, err)

	f.checker.err = errors.New("storage offline")
	resolved, err := f.rec.ResolveConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, resolved)

	rec, err := f.shadow.GetRecord(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, SyncConflict, rec.SyncStatus)
}

func TestMirror_WritesSyncedRecord(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.addJob(t, "backup-1", jobs.StatusRunning)

	require.NoError(t, f.rec.Mirror(ctx, job))
	require.NoError(t, job.SetStatus(jobs.StatusCompleted, epoch))
	require.NoError(t, f.rec.Mirror(ctx, job))

	rec, err := f.shadow.GetRecord(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, rec.Status)
	assert.Equal(t, SyncSynced, rec.SyncStatus)

	entries, err := f.rec.Log(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, jobs.StatusRunning, entries[0].OldStatus)
	assert.Equal(t, jobs.StatusCompleted, entries[0].NewStatus)
}

func TestStorageChecker(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "backup-1.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	remote := remoteFunc(func(id string) (bool, error) { return id == "backup-remote", nil })
	checker := NewStorageChecker(remote)

	tests := []struct {
		name           string
		ref            ArtifactRef
		wantExists     bool
		wantVerifiable bool
	}{
		{"local file", ArtifactRef{BackupID: "backup-1", FilePath: path}, true, true},
		{"remote only", ArtifactRef{BackupID: "backup-remote", FilePath: filepath.Join(dir, "gone")}, true, true},
		{"missing logical", ArtifactRef{BackupID: "backup-2", Type: jobs.BackupTypeFull}, false, true},
		{"missing physical", ArtifactRef{BackupID: "backup-3", Type: jobs.BackupTypePhysical}, false, false},
		{"directory is not an artifact", ArtifactRef{BackupID: "backup-4", FilePath: dir}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exists, verifiable, err := checker.ArtifactExists(ctx, tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.wantExists, exists)
			assert.Equal(t, tt.wantVerifiable, verifiable)
		})
	}
}

type remoteFunc func(id string) (bool, error)

func (f remoteFunc) Exists(_ context.Context, id string) (bool, error) { return f(id) }
