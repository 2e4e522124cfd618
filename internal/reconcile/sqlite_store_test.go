package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mysql-backup-orchestrator/internal/jobs"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_RecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(5 * time.Minute)
	rec := &ExternalMetadataRecord{
		BackupID:      "backup-1",
		Type:          jobs.BackupTypeFull,
		Status:        jobs.StatusCompleted,
		FilePath:      "/backups/backup-1.tar.gz",
		FileSize:      1024,
		Checksum:      "deadbeef",
		CreatedAt:     started,
		StartedAt:     &started,
		CompletedAt:   &completed,
		PrimaryStatus: jobs.StatusCompleted,
		SyncStatus:    SyncSynced,
	}
	if err := store.UpsertRecord(ctx, rec); err != nil {
		t.Fatalf("UpsertRecord() error = %v", err)
	}

	got, err := store.GetRecord(ctx, "backup-1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetRecord() returned nil")
	}
	if got.Status != jobs.StatusCompleted || got.SyncStatus != SyncSynced {
		t.Errorf("status = %s/%s, want completed/synced", got.Status, got.SyncStatus)
	}
	if got.FileSize != 1024 || got.Checksum != "deadbeef" {
		t.Errorf("artifact fields = %d/%s", got.FileSize, got.Checksum)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, completed)
	}
	if got.LastSyncAt != nil {
		t.Errorf("LastSyncAt = %v, want nil", got.LastSyncAt)
	}

	rec.SyncStatus = SyncConflict
	rec.ConflictReason = "artifact missing"
	if err := store.UpsertRecord(ctx, rec); err != nil {
		t.Fatalf("UpsertRecord() update error = %v", err)
	}
	got, err = store.GetRecord(ctx, "backup-1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if got.SyncStatus != SyncConflict || got.ConflictReason != "artifact missing" {
		t.Errorf("after update = %s/%q", got.SyncStatus, got.ConflictReason)
	}
}

func TestSQLiteStore_GetMissingRecord(t *testing.T) {
	store := openTestStore(t)
	got, err := store.GetRecord(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetRecord() = %+v, want nil", got)
	}
}

func TestSQLiteStore_ListRecordsBySyncStatus(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for id, status := range map[string]SyncStatus{"b": SyncConflict, "a": SyncConflict, "c": SyncSynced} {
		rec := &ExternalMetadataRecord{BackupID: id, Type: jobs.BackupTypeFull, Status: jobs.StatusRunning,
			CreatedAt: now, SyncStatus: status}
		if err := store.UpsertRecord(ctx, rec); err != nil {
			t.Fatalf("UpsertRecord(%s) error = %v", id, err)
		}
	}

	conflicts, err := store.ListRecords(ctx, SyncConflict)
	if err != nil {
		t.Fatalf("ListRecords() error = %v", err)
	}
	if len(conflicts) != 2 || conflicts[0].BackupID != "a" || conflicts[1].BackupID != "b" {
		t.Errorf("ListRecords(conflict) = %v", conflicts)
	}

	all, err := store.ListRecords(ctx)
	if err != nil {
		t.Fatalf("ListRecords() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListRecords() returned %d records, want 3", len(all))
	}
}

func TestSQLiteStore_SyncLog(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exists := true

	entries := []*SyncLogEntry{
		{BackupID: "b1", Operation: OpCreate, NewStatus: jobs.StatusRunning, Timestamp: now},
		{BackupID: "b2", Operation: OpCreate, NewStatus: jobs.StatusRunning, Timestamp: now},
		{BackupID: "b1", Operation: OpConflict, OldStatus: jobs.StatusCompleted, NewStatus: jobs.StatusRunning,
			FileExists: &exists, Message: "conflict", Timestamp: now.Add(time.Minute)},
	}
	for _, e := range entries {
		if err := store.AppendLog(ctx, e); err != nil {
			t.Fatalf("AppendLog() error = %v", err)
		}
		if e.ID == 0 {
			t.Error("AppendLog() did not assign an id")
		}
	}

	got, err := store.ListLog(ctx, "b1", 0)
	if err != nil {
		t.Fatalf("ListLog() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListLog(b1) returned %d entries, want 2", len(got))
	}
	if got[0].Operation != OpConflict {
		t.Errorf("newest entry = %s, want %s", got[0].Operation, OpConflict)
	}
	if got[0].FileExists == nil || !*got[0].FileExists {
		t.Errorf("FileExists = %v, want true", got[0].FileExists)
	}
	if got[1].FileExists != nil {
		t.Errorf("FileExists = %v, want nil", got[1].FileExists)
	}

	limited, err := store.ListLog(ctx, "", 1)
	if err != nil {
		t.Fatalf("ListLog() error = %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("ListLog(limit 1) returned %d entries", len(limited))
	}
}

func TestSQLiteStore_ReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shadow.db")

	store, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("OpenSQLiteStore() error = %v", err)
	}
	rec := &ExternalMetadataRecord{BackupID: "b1", Type: jobs.BackupTypeFull, Status: jobs.StatusCompleted,
		CreatedAt: time.Now().UTC(), SyncStatus: SyncSynced}
	if err := store.UpsertRecord(ctx, rec); err != nil {
		t.Fatalf("UpsertRecord() error = %v", err)
	}
	store.Close()

	store, err = OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer store.Close()
	got, err := store.GetRecord(ctx, "b1")
	if err != nil || got == nil {
		t.Fatalf("GetRecord() after reopen = %v, %v", got, err)
	}
}

func TestReconciler_WithSQLiteShadow(t *testing.T) {
	ctx := context.Background()
	shadow := openTestStore(t)
	primary := jobs.NewMemoryStore()
	checker := newFakeChecker()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	job := &jobs.BackupJob{ID: "backup-1", Type: jobs.BackupTypeFull, Status: jobs.StatusPending, CreatedAt: now}
	if err := primary.CreateBackup(ctx, job); err != nil {
		t.Fatal(err)
	}

	rec := New(primary, shadow, checker)
	result, err := rec.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Created != 1 {
		t.Errorf("Created = %d, want 1", result.Created)
	}

	result, err = rec.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Unchanged != 1 {
		t.Errorf("Unchanged = %d, want 1", result.Unchanged)
	}
}
