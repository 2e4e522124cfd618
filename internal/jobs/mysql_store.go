package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"mysql-backup-orchestrator/internal/errors"
)

// Table names of the job-tracking schema. Both belong to the protected set
// that restores never touch.
const (
	BackupJobsTable  = "backup_jobs"
	RestoreJobsTable = "restore_jobs"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS backup_jobs (
  id VARCHAR(64) NOT NULL,
  type VARCHAR(16) NOT NULL,
  status VARCHAR(16) NOT NULL,
  created_at DATETIME(6) NOT NULL,
  started_at DATETIME(6) NULL,
  completed_at DATETIME(6) NULL,
  heartbeat_at DATETIME(6) NULL,
  file_path TEXT NULL,
  file_size BIGINT NOT NULL DEFAULT 0,
  compressed_size BIGINT NOT NULL DEFAULT 0,
  compression_ratio DOUBLE NOT NULL DEFAULT 0,
  checksum VARCHAR(64) NULL,
  files_count INT NOT NULL DEFAULT 0,
  databases_count INT NOT NULL DEFAULT 0,
  error_message TEXT NULL,
  extra TEXT NULL,
  PRIMARY KEY (id),
  KEY idx_backup_jobs_status (status)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS restore_jobs (
  id VARCHAR(64) NOT NULL,
  backup_id VARCHAR(64) NOT NULL,
  type VARCHAR(16) NOT NULL,
  status VARCHAR(16) NOT NULL,
  progress INT NOT NULL DEFAULT 0,
  status_message TEXT NULL,
  error_message TEXT NULL,
  requested_by VARCHAR(255) NULL,
  created_at DATETIME(6) NOT NULL,
  started_at DATETIME(6) NULL,
  completed_at DATETIME(6) NULL,
  PRIMARY KEY (id),
  KEY idx_restore_jobs_backup (backup_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

const backupColumns = "id, type, status, created_at, started_at, completed_at, heartbeat_at, " +
	"file_path, file_size, compressed_size, compression_ratio, checksum, files_count, " +
	"databases_count, error_message, extra"

const restoreColumns = "id, backup_id, type, status, progress, status_message, error_message, " +
	"requested_by, created_at, started_at, completed_at"

// MySQLStore keeps job records in the primary database. Each call is a short
// transaction; no lock outlives a single method.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore wraps an open connection pool
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// EnsureSchema creates the job tables when absent
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classify(err, "failed to create job tables")
		}
	}
	return nil
}

// CreateBackup inserts a new job
func (s *MySQLStore) CreateBackup(ctx context.Context, job *BackupJob) error {
	extra, err := encodeExtra(job.Extra)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO backup_jobs ("+backupColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		job.ID, string(job.Type), string(job.Status), job.CreatedAt.UTC(),
		nullTime(job.StartedAt), nullTime(job.CompletedAt), nullTime(job.HeartbeatAt),
		nullString(job.FilePath), job.FileSize, job.CompressedSize, job.CompressionRatio,
		nullString(job.Checksum), job.FilesCount, job.DatabasesCount,
		nullString(job.ErrorMessage), extra)
	if err != nil {
		return classify(err, "failed to insert backup job").WithContext("job_id", job.ID)
	}
	return nil
}

// GetBackup loads one job
func (s *MySQLStore) GetBackup(ctx context.Context, id string) (*BackupJob, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+backupColumns+" FROM backup_jobs WHERE id = ?", id)
	job, err := scanBackup(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("backup", id)
	}
	if err != nil {
		return nil, classify(err, "failed to load backup job").WithContext("job_id", id)
	}
	return job, nil
}

// SaveBackup writes every mutable field after checking the persisted status
func (s *MySQLStore) SaveBackup(ctx context.Context, job *BackupJob) (err error) {
	extra, err := encodeExtra(job.Extra)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM backup_jobs WHERE id = ? FOR UPDATE", job.ID).Scan(&current)
	if stderrors.Is(err, sql.ErrNoRows) {
		return NotFound("backup", job.ID)
	}
	if err != nil {
		return classify(err, "failed to lock backup job").WithContext("job_id", job.ID)
	}
	if !CanTransition(Status(current), job.Status) {
		return &TransitionError{JobID: job.ID, From: Status(current), To: job.Status}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE backup_jobs SET status = ?, started_at = ?, completed_at = ?, heartbeat_at = ?, "+
			"file_path = ?, file_size = ?, compressed_size = ?, compression_ratio = ?, checksum = ?, "+
			"files_count = ?, databases_count = ?, error_message = ?, extra = ? WHERE id = ?",
		string(job.Status), nullTime(job.StartedAt), nullTime(job.CompletedAt), nullTime(job.HeartbeatAt),
		nullString(job.FilePath), job.FileSize, job.CompressedSize, job.CompressionRatio,
		nullString(job.Checksum), job.FilesCount, job.DatabasesCount,
		nullString(job.ErrorMessage), extra, job.ID)
	if err != nil {
		return classify(err, "failed to update backup job").WithContext("job_id", job.ID)
	}

	if err = tx.Commit(); err != nil {
		return classify(err, "failed to commit backup job")
	}
	return nil
}

// CorrectBackup overwrites the status and artifact fields without the guard
func (s *MySQLStore) CorrectBackup(ctx context.Context, job *BackupJob) error {
	extra, err := encodeExtra(job.Extra)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE backup_jobs SET status = ?, completed_at = ?, error_message = ?, "+
			"file_path = ?, file_size = ?, checksum = ?, extra = ? WHERE id = ?",
		string(job.Status), nullTime(job.CompletedAt), nullString(job.ErrorMessage),
		nullString(job.FilePath), job.FileSize, nullString(job.Checksum), extra, job.ID)
	if err != nil {
		return classify(err, "failed to correct backup job").WithContext("job_id", job.ID)
	}
	return nil
}

// ListBackups returns jobs newest first
func (s *MySQLStore) ListBackups(ctx context.Context, filter BackupFilter) ([]*BackupJob, error) {
	query := "SELECT " + backupColumns + " FROM backup_jobs"
	var (
		where []string
		args  []interface{}
	)
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if len(filter.Types) > 0 {
		where = append(where, "type IN ("+placeholders(len(filter.Types))+")")
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "failed to list backup jobs")
	}
	defer rows.Close()

	var out []*BackupJob
	for rows.Next() {
		job, err := scanBackup(rows)
		if err != nil {
			return nil, classify(err, "failed to scan backup job")
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "failed to list backup jobs")
	}
	return out, nil
}

// CreateRestore inserts a new restore job
func (s *MySQLStore) CreateRestore(ctx context.Context, job *RestoreJob) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO restore_jobs ("+restoreColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		job.ID, job.BackupID, string(job.Type), string(job.Status), job.Progress,
		nullString(job.StatusMessage), nullString(job.ErrorMessage), nullString(job.RequestedBy),
		job.CreatedAt.UTC(), nullTime(job.StartedAt), nullTime(job.CompletedAt))
	if err != nil {
		return classify(err, "failed to insert restore job").WithContext("job_id", job.ID)
	}
	return nil
}

// GetRestore loads one restore job
func (s *MySQLStore) GetRestore(ctx context.Context, id string) (*RestoreJob, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+restoreColumns+" FROM restore_jobs WHERE id = ?", id)
	job, err := scanRestore(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("restore", id)
	}
	if err != nil {
		return nil, classify(err, "failed to load restore job").WithContext("job_id", id)
	}
	return job, nil
}

// SaveRestore writes every mutable field after checking the persisted status
func (s *MySQLStore) SaveRestore(ctx context.Context, job *RestoreJob) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM restore_jobs WHERE id = ? FOR UPDATE", job.ID).Scan(&current)
	if stderrors.Is(err, sql.ErrNoRows) {
		return NotFound("restore", job.ID)
	}
	if err != nil {
		return classify(err, "failed to lock restore job").WithContext("job_id", job.ID)
	}
	if !canRestoreTransition(Status(current), job.Status) {
		return &TransitionError{JobID: job.ID, From: Status(current), To: job.Status}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE restore_jobs SET status = ?, progress = ?, status_message = ?, error_message = ?, "+
			"started_at = ?, completed_at = ? WHERE id = ?",
		string(job.Status), job.Progress, nullString(job.StatusMessage), nullString(job.ErrorMessage),
		nullTime(job.StartedAt), nullTime(job.CompletedAt), job.ID)
	if err != nil {
		return classify(err, "failed to update restore job").WithContext("job_id", job.ID)
	}

	if err = tx.Commit(); err != nil {
		return classify(err, "failed to commit restore job")
	}
	return nil
}

// ListRestores returns restore jobs newest first
func (s *MySQLStore) ListRestores(ctx context.Context, limit int) ([]*RestoreJob, error) {
	query := "SELECT " + restoreColumns + " FROM restore_jobs ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err, "failed to list restore jobs")
	}
	defer rows.Close()

	var out []*RestoreJob
	for rows.Next() {
		job, err := scanRestore(rows)
		if err != nil {
			return nil, classify(err, "failed to scan restore job")
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "failed to list restore jobs")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBackup(row scanner) (*BackupJob, error) {
	var (
		job                                BackupJob
		jobType, status                    string
		started, completed, heartbeat      sql.NullTime
		filePath, checksum, errMsg, extras sql.NullString
	)
	err := row.Scan(&job.ID, &jobType, &status, &job.CreatedAt, &started, &completed, &heartbeat,
		&filePath, &job.FileSize, &job.CompressedSize, &job.CompressionRatio, &checksum,
		&job.FilesCount, &job.DatabasesCount, &errMsg, &extras)
	if err != nil {
		return nil, err
	}
	job.Type = BackupType(jobType)
	job.Status = Status(status)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	job.HeartbeatAt = timePtr(heartbeat)
	job.FilePath = filePath.String
	job.Checksum = checksum.String
	job.ErrorMessage = errMsg.String
	if extras.Valid && extras.String != "" {
		if err := json.Unmarshal([]byte(extras.String), &job.Extra); err != nil {
			return nil, fmt.Errorf("decode extra for %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

func scanRestore(row scanner) (*RestoreJob, error) {
	var (
		job                       RestoreJob
		jobType, status           string
		statusMsg, errMsg, reqBy  sql.NullString
		started, completed        sql.NullTime
	)
	err := row.Scan(&job.ID, &job.BackupID, &jobType, &status, &job.Progress, &statusMsg, &errMsg,
		&reqBy, &job.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	job.Type = RestoreType(jobType)
	job.Status = Status(status)
	job.StatusMessage = statusMsg.String
	job.ErrorMessage = errMsg.String
	job.RequestedBy = reqBy.String
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	return &job, nil
}

func encodeExtra(extra map[string]interface{}) (sql.NullString, error) {
	if len(extra) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return sql.NullString{}, errors.NewValidationError(fmt.Sprintf("extra fields are not serializable: %v", err))
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// classify keeps the driver error's category and recoverability under a
// store-level message
func classify(err error, message string) *errors.AppError {
	c := errors.NewErrorClassifier().ClassifyError(err)
	if c.Recoverable {
		return errors.NewRecoverableError(c.Type, message, err)
	}
	return errors.NewAppError(c.Type, message, err)
}
