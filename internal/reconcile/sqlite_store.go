package reconcile

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"mysql-backup-orchestrator/internal/jobs"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore is the production ShadowStore, a SQLite file independent of
// the MySQL database being backed up and restored
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens the shadow database at path and runs migrations.
// ":memory:" gives a private in-memory store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open shadow db: %w", err)
	}
	// One connection serializes writers; an in-memory database also lives
	// only as long as its connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping shadow db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	return nil
}

const recordColumns = "backup_id, type, status, file_path, file_size, checksum, created_at, started_at, " +
	"completed_at, error_message, primary_status, sync_status, conflict_reason, resolution, last_sync_at, file_verified_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*ExternalMetadataRecord, error) {
	var (
		r                                      ExternalMetadataRecord
		typ, status, primary, syncStatus       string
		started, completed, lastSync, verified sql.NullTime
	)
	err := row.Scan(&r.BackupID, &typ, &status, &r.FilePath, &r.FileSize, &r.Checksum, &r.CreatedAt,
		&started, &completed, &r.ErrorMessage, &primary, &syncStatus, &r.ConflictReason, &r.Resolution,
		&lastSync, &verified)
	if err != nil {
		return nil, err
	}
	r.Type = jobs.BackupType(typ)
	r.Status = jobs.Status(status)
	r.PrimaryStatus = jobs.Status(primary)
	r.SyncStatus = SyncStatus(syncStatus)
	r.StartedAt = fromNullTime(started)
	r.CompletedAt = fromNullTime(completed)
	r.LastSyncAt = fromNullTime(lastSync)
	r.FileVerifiedAt = fromNullTime(verified)
	return &r, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, backupID string) (*ExternalMetadataRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM external_backup_metadata WHERE backup_id = ?", backupID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get shadow record %s: %w", backupID, err)
	}
	return r, nil
}

func (s *SQLiteStore) UpsertRecord(ctx context.Context, r *ExternalMetadataRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external_backup_metadata (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(backup_id) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			file_path = excluded.file_path,
			file_size = excluded.file_size,
			checksum = excluded.checksum,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error_message = excluded.error_message,
			primary_status = excluded.primary_status,
			sync_status = excluded.sync_status,
			conflict_reason = excluded.conflict_reason,
			resolution = excluded.resolution,
			last_sync_at = excluded.last_sync_at,
			file_verified_at = excluded.file_verified_at`,
		r.BackupID, string(r.Type), string(r.Status), r.FilePath, r.FileSize, r.Checksum, r.CreatedAt.UTC(),
		toNullTime(r.StartedAt), toNullTime(r.CompletedAt), r.ErrorMessage, string(r.PrimaryStatus),
		string(r.SyncStatus), r.ConflictReason, r.Resolution, toNullTime(r.LastSyncAt), toNullTime(r.FileVerifiedAt))
	if err != nil {
		return fmt.Errorf("upsert shadow record %s: %w", r.BackupID, err)
	}
	return nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, statuses ...SyncStatus) ([]*ExternalMetadataRecord, error) {
	query := "SELECT " + recordColumns + " FROM external_backup_metadata"
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE sync_status IN (" + strings.Join(marks, ", ") + ")"
	}
	query += " ORDER BY backup_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list shadow records: %w", err)
	}
	defer rows.Close()

	var out []*ExternalMetadataRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan shadow record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendLog(ctx context.Context, e *SyncLogEntry) error {
	var fileExists sql.NullBool
	if e.FileExists != nil {
		fileExists = sql.NullBool{Bool: *e.FileExists, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata_sync_log
			(backup_id, operation, old_status, new_status, file_exists, conflict_resolved, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.BackupID, e.Operation, string(e.OldStatus), string(e.NewStatus), fileExists,
		e.ConflictResolved, e.Message, e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append sync log for %s: %w", e.BackupID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListLog returns entries newest first; an empty backupID lists all
func (s *SQLiteStore) ListLog(ctx context.Context, backupID string, limit int) ([]*SyncLogEntry, error) {
	query := "SELECT id, backup_id, operation, old_status, new_status, file_exists, conflict_resolved, message, timestamp " +
		"FROM metadata_sync_log"
	var args []interface{}
	if backupID != "" {
		query += " WHERE backup_id = ?"
		args = append(args, backupID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync log: %w", err)
	}
	defer rows.Close()

	var out []*SyncLogEntry
	for rows.Next() {
		var (
			e                  SyncLogEntry
			oldStatus, newStat string
			fileExists         sql.NullBool
		)
		if err := rows.Scan(&e.ID, &e.BackupID, &e.Operation, &oldStatus, &newStat, &fileExists,
			&e.ConflictResolved, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		e.OldStatus = jobs.Status(oldStatus)
		e.NewStatus = jobs.Status(newStat)
		if fileExists.Valid {
			v := fileExists.Bool
			e.FileExists = &v
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
