package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/logging"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// DatabaseService defines the interface for database operations
type DatabaseService interface {
	Connect(config DatabaseConfig) (*sql.DB, error)
	OpenSession(config DatabaseConfig) (*sql.DB, error)
	ConnectForScripts(config DatabaseConfig) (*sql.DB, error)
	TestConnection(db *sql.DB) error
	Close(db *sql.DB) error
	GetVersion(db *sql.DB) (string, error)
	ExecuteSQL(db *sql.DB, statements []string) error
	ExecuteScript(ctx context.Context, db *sql.DB, statements []string, tolerate func(error) bool) (*ScriptResult, error)
}

// ScriptResult summarizes a non-transactional script run
type ScriptResult struct {
	Executed int
	Skipped  int
	Warnings []string
}

// Service implements the DatabaseService interface
type Service struct {
	connectionTimeout time.Duration
	logger            *logging.Logger
	retryHandler      *errors.RetryHandler
}

// NewService creates a new database service with default settings
func NewService() *Service {
	return NewServiceWithLogger(logging.NewDefaultLogger())
}

// NewServiceWithOptions creates a new database service with custom options
func NewServiceWithOptions(timeout time.Duration, maxRetries int, retryDelay time.Duration, logger *logging.Logger) *Service {
	return &Service{
		connectionTimeout: timeout,
		logger:            logger,
		retryHandler: errors.NewRetryHandler(errors.RetryConfig{
			MaxAttempts: maxRetries,
			BaseDelay:   retryDelay,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
		}),
	}
}

// NewServiceWithLogger creates a new database service with a custom logger
func NewServiceWithLogger(logger *logging.Logger) *Service {
	return NewServiceWithOptions(30*time.Second, 3, 2*time.Second, logger)
}

// Connect establishes a pooled connection for bulk work, with retry logic
func (s *Service) Connect(config DatabaseConfig) (*sql.DB, error) {
	return s.open(config, config.DSN(), 10, 5)
}

// OpenSession opens a small pool that is kept apart from any connection doing
// bulk data movement. Job status writes go through such a session so that a
// restore rolling back cannot take the bookkeeping with it.
func (s *Service) OpenSession(config DatabaseConfig) (*sql.DB, error) {
	return s.open(config, config.DSN(), 2, 1)
}

// ConnectForScripts opens a pool that accepts multi-statement scripts
func (s *Service) ConnectForScripts(config DatabaseConfig) (*sql.DB, error) {
	return s.open(config, config.ScriptDSN(), 2, 1)
}

func (s *Service) open(config DatabaseConfig, dsn string, maxOpen, maxIdle int) (*sql.DB, error) {
	startTime := time.Now()

	s.logger.WithFields(map[string]interface{}{
		"host":     config.Host,
		"database": config.Database,
		"port":     config.Port,
	}).Debug("Attempting database connection")

	ctx, cancel := context.WithTimeout(context.Background(), s.connectionTimeout*2)
	defer cancel()

	var db *sql.DB
	err := s.retryHandler.Retry(ctx, func() error {
		var connectErr error

		db, connectErr = sql.Open("mysql", dsn)
		if connectErr != nil {
			return errors.WrapError(connectErr, "failed to open database connection")
		}

		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxIdle)
		db.SetConnMaxLifetime(5 * time.Minute)

		if testErr := s.TestConnection(db); testErr != nil {
			db.Close()
			return testErr
		}

		return nil
	})

	s.logger.LogDatabaseConnection(config.Host, config.Database, err == nil, time.Since(startTime), err)

	if err != nil {
		return nil, err
	}

	return db, nil
}

// TestConnection verifies that the database connection is working
func (s *Service) TestConnection(db *sql.DB) error {
	if db == nil {
		return errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return errors.WrapError(err, "failed to ping database")
	}

	return nil
}

// Close gracefully closes the database connection
func (s *Service) Close(db *sql.DB) error {
	if db == nil {
		return nil
	}

	if err := db.Close(); err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to close database connection")
		return errors.WrapError(err, "failed to close database connection")
	}

	return nil
}

// GetVersion retrieves the MySQL server version
func (s *Service) GetVersion(db *sql.DB) (string, error) {
	if db == nil {
		return "", errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}

	var version string
	query := "SELECT VERSION()"
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), s.connectionTimeout)
	defer cancel()

	err := db.QueryRowContext(ctx, query).Scan(&version)
	s.logger.LogSQLExecution(query, time.Since(startTime), 1, err)

	if err != nil {
		return "", errors.WrapError(err, "failed to get database version")
	}

	return version, nil
}

// ExecuteSQL executes SQL statements atomically inside one transaction
func (s *Service) ExecuteSQL(db *sql.DB, statements []string) (err error) {
	if db == nil {
		return errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}

	if len(statements) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.WrapError(err, "failed to begin transaction")
	}

	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				s.logger.WithField("error", rollbackErr.Error()).Error("Failed to rollback transaction")
			}
		}
	}()

	for i, stmt := range statements {
		if stmt == "" {
			continue
		}

		startTime := time.Now()
		result, execErr := tx.Exec(stmt)

		var rowsAffected int64
		if result != nil {
			rowsAffected, _ = result.RowsAffected()
		}

		s.logger.LogSQLExecution(logging.SanitizeSQL(stmt), time.Since(startTime), rowsAffected, execErr)

		if execErr != nil {
			return errors.NewErrorClassifier().ClassifyError(execErr).
				WithContext("statement_index", i).
				WithContext("statement", logging.SanitizeSQL(stmt))
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.WrapError(err, "failed to commit transaction")
	}

	return nil
}

// ExecuteScript runs statements one by one on a single pinned connection so
// session settings from the script (foreign key checks, sql_mode) persist
// across statements. A failing statement whose error satisfies tolerate is
// recorded as a warning and the script continues.
func (s *Service) ExecuteScript(ctx context.Context, db *sql.DB, statements []string, tolerate func(error) bool) (*ScriptResult, error) {
	if db == nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, errors.WrapError(err, "failed to acquire connection")
	}
	defer conn.Close()

	result := &ScriptResult{}
	for i, stmt := range statements {
		if stmt == "" {
			result.Skipped++
			continue
		}

		startTime := time.Now()
		res, execErr := conn.ExecContext(ctx, stmt)

		var rowsAffected int64
		if res != nil {
			rowsAffected, _ = res.RowsAffected()
		}
		s.logger.LogSQLExecution(logging.SanitizeSQL(stmt), time.Since(startTime), rowsAffected, execErr)

		if execErr != nil {
			if tolerate != nil && tolerate(execErr) {
				result.Warnings = append(result.Warnings, fmt.Sprintf("statement %d: %v", i+1, execErr))
				continue
			}
			return result, errors.NewCaptureError(fmt.Sprintf("statement %d failed", i+1), execErr).
				WithContext("statement", logging.SanitizeSQL(stmt))
		}
		result.Executed++
	}

	return result, nil
}
