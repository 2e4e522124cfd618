package jobs

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mysql-backup-orchestrator/internal/errors"
)

var backupColumnNames = []string{
	"id", "type", "status", "created_at", "started_at", "completed_at", "heartbeat_at",
	"file_path", "file_size", "compressed_size", "compression_ratio", "checksum", "files_count",
	"databases_count", "error_message", "extra",
}

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewMySQLStore(db), mock
}

func TestMySQLStore_EnsureSchema(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS backup_jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS restore_jobs").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_CreateBackup(t *testing.T) {
	store, mock := newMockStore(t)
	job := &BackupJob{
		ID:        "backup-1",
		Type:      BackupTypeFull,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		Extra:     map[string]interface{}{ExtraIncludeFiles: true},
	}

	mock.ExpectExec("INSERT INTO backup_jobs").
		WithArgs("backup-1", "full", "pending", sqlmock.AnyArg(), nil, nil, nil,
			nil, int64(0), int64(0), float64(0), nil, 0, 0, nil, `{"include_files":true}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.CreateBackup(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_GetBackup(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	completed := created.Add(time.Minute)

	rows := sqlmock.NewRows(backupColumnNames).AddRow(
		"backup-1", "full", "completed", created, created, completed, nil,
		"/backups/backup-1.tar.gz", int64(2048), int64(1024), 0.5,
		"aa", 3, 1, nil, `{"partial_backup":false}`)
	mock.ExpectQuery(regexp.QuoteMeta("FROM backup_jobs WHERE id = ?")).
		WithArgs("backup-1").
		WillReturnRows(rows)

	job, err := store.GetBackup(context.Background(), "backup-1")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, int64(2048), job.FileSize)
	assert.Equal(t, "/backups/backup-1.tar.gz", job.FilePath)
	require.NotNil(t, job.CompletedAt)
	assert.True(t, job.CompletedAt.Equal(completed))
	assert.Nil(t, job.HeartbeatAt)
	assert.Equal(t, false, job.Extra[ExtraPartialBackup])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_GetBackupNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM backup_jobs").WillReturnRows(sqlmock.NewRows(backupColumnNames))

	_, err := store.GetBackup(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestMySQLStore_SaveBackupGuardsTransition(t *testing.T) {
	store, mock := newMockStore(t)
	job := &BackupJob{ID: "backup-1", Type: BackupTypeFull, Status: StatusCompleted}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM backup_jobs WHERE id = ? FOR UPDATE")).
		WithArgs("backup-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("cancelled"))
	mock.ExpectRollback()

	err := store.SaveBackup(context.Background(), job)
	require.Error(t, err)

	te, ok := AsTransitionError(err)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, te.From)
	assert.Equal(t, StatusCompleted, te.To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_SaveBackup(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	job := &BackupJob{ID: "backup-1", Type: BackupTypeFull, Status: StatusRunning, StartedAt: &now}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM backup_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))
	mock.ExpectExec("UPDATE backup_jobs SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.SaveBackup(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_ListBackupsBuildsFilter(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status IN (?, ?) ORDER BY created_at DESC LIMIT 5")).
		WithArgs("running", "pending").
		WillReturnRows(sqlmock.NewRows(backupColumnNames).
			AddRow("backup-2", "full", "running", time.Now(), time.Now(), nil, nil,
				nil, int64(0), int64(0), 0.0, nil, 0, 0, nil, nil))

	jobs, err := store.ListBackups(context.Background(), BackupFilter{
		Statuses: []Status{StatusRunning, StatusPending},
		Limit:    5,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "backup-2", jobs[0].ID)
	assert.Nil(t, jobs[0].Extra)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_SaveRestore(t *testing.T) {
	store, mock := newMockStore(t)
	job := &RestoreJob{ID: "restore-1", BackupID: "backup-1", Type: RestoreTypeFull, Status: StatusRunning, Progress: 30}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM restore_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectExec("UPDATE restore_jobs SET").
		WithArgs("running", 30, nil, nil, nil, nil, "restore-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.SaveRestore(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_ConnectionErrorsStayRecoverable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(mysql.ErrInvalidConn)

	err := store.SaveRestore(context.Background(), &RestoreJob{ID: "restore-1", Status: StatusRunning})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeConnection, errors.GetErrorType(err))
	assert.True(t, errors.IsRecoverableError(err))
}

func TestMySQLStore_CorrectBackupSkipsGuard(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	job := &BackupJob{ID: "backup-1", Status: StatusFailed, CompletedAt: &now, ErrorMessage: "artifact missing",
		FilePath: "/backups/backup-1.tar.gz", FileSize: 1234, Checksum: "deadbeef"}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE backup_jobs SET status = ?, completed_at = ?, error_message = ?, " +
		"file_path = ?, file_size = ?, checksum = ?, extra = ? WHERE id = ?")).
		WithArgs("failed", sqlmock.AnyArg(), "artifact missing", "/backups/backup-1.tar.gz", int64(1234), "deadbeef", nil, "backup-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.CorrectBackup(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}
