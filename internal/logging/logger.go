package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"github.com/juju/lumberjack/v2"
	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel string

const (
	// LogLevelQuiet suppresses all output except errors
	LogLevelQuiet LogLevel = "quiet"
	// LogLevelNormal shows standard operational messages
	LogLevelNormal LogLevel = "normal"
	// LogLevelVerbose shows detailed operational information
	LogLevelVerbose LogLevel = "verbose"
	// LogLevelDebug shows all debug information
	LogLevelDebug LogLevel = "debug"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// Logger provides structured logging capabilities
type Logger struct {
	logger *logrus.Logger
	level  LogLevel
	closer io.Closer
}

// Config holds logger configuration
type Config struct {
	Level      LogLevel  `yaml:"level"`
	Output     io.Writer `yaml:"-"`
	Format     string    `yaml:"format"` // "text" or "json"
	ShowCaller bool      `yaml:"show_caller"`
	LogFile    string    `yaml:"log_file"`
	// Rotation settings for LogFile, in megabytes and file counts
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

// NewLogger creates a new logger with the specified configuration
func NewLogger(config Config) (*Logger, error) {
	logger := logrus.New()

	var out io.Writer = os.Stdout
	if config.Output != nil {
		out = config.Output
	}
	logger.SetOutput(out)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	logger.SetLevel(toLogrusLevel(config.Level))

	if config.ShowCaller {
		logger.SetReportCaller(true)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				filename := filepath.Base(f.File)
				return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%s:%d", filename, f.Line)
			},
		})
	}

	l := &Logger{
		logger: logger,
		level:  config.Level,
	}

	if config.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory for %s: %w", config.LogFile, err)
		}
		maxSize := config.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		rotator := &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    maxSize,
			MaxBackups: config.MaxBackups,
			Compress:   config.Compress,
		}
		logger.SetOutput(io.MultiWriter(out, rotator))
		l.closer = rotator
	}

	return l, nil
}

// NewDefaultLogger creates a logger with default configuration
func NewDefaultLogger() *Logger {
	logger, _ := NewLogger(Config{
		Level:  LogLevelNormal,
		Output: os.Stderr,
		Format: "text",
	})
	return logger
}

// NewNopLogger returns a logger that discards everything, handy in tests
func NewNopLogger() *Logger {
	logger, _ := NewLogger(Config{
		Level:  LogLevelQuiet,
		Output: io.Discard,
	})
	return logger
}

// Close releases the rotated log file, if any
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// WithContext returns a logger with context fields
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.logger.WithContext(ctx)
	if requestID := GetRequestIDFromContext(ctx); requestID != "" {
		entry = entry.WithField("request_id", requestID)
	}
	return entry
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.logger.WithFields(fields)
}

// WithField returns a logger with a single additional field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.logger.WithField(key, value)
}

// WithError returns a logger carrying err in the "error" field
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.logger.WithError(err)
}

// LogDatabaseConnection logs database connection attempts
func (l *Logger) LogDatabaseConnection(host string, database string, success bool, duration time.Duration, err error) {
	fields := logrus.Fields{
		"operation": "database_connection",
		"host":      host,
		"database":  database,
		"duration":  duration.String(),
		"success":   success,
	}

	if success {
		l.logger.WithFields(fields).Info("Database connection established")
		return
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.logger.WithFields(fields).Error("Database connection failed")
}

// LogSQLExecution logs SQL statement execution
func (l *Logger) LogSQLExecution(sql string, duration time.Duration, rowsAffected int64, err error) {
	fields := logrus.Fields{
		"operation":     "sql_execution",
		"duration":      duration.String(),
		"rows_affected": rowsAffected,
	}

	if len(sql) > 200 {
		fields["sql"] = sql[:200] + "..."
		fields["sql_length"] = len(sql)
	} else {
		fields["sql"] = sql
	}

	if err != nil {
		fields["error"] = err.Error()
		l.logger.WithFields(fields).Error("SQL execution failed")
		return
	}
	l.logger.WithFields(fields).Debug("SQL executed successfully")
}

// LogJobTransition records a job status change
func (l *Logger) LogJobTransition(kind, jobID, from, to string) {
	l.logger.WithFields(logrus.Fields{
		"operation": "job_transition",
		"job_kind":  kind,
		"job_id":    jobID,
		"from":      from,
		"to":        to,
	}).Info("Job status changed")
}

// LogPhase records the outcome of one pipeline phase
func (l *Logger) LogPhase(jobID, phase string, duration time.Duration, err error) {
	fields := logrus.Fields{
		"operation": "job_phase",
		"job_id":    jobID,
		"phase":     phase,
		"duration":  duration.String(),
	}

	if err != nil {
		fields["error"] = err.Error()
		l.logger.WithFields(fields).Warn("Phase failed")
		return
	}
	l.logger.WithFields(fields).Debug("Phase completed")
}

// LogStrategyAttempt records one dump application attempt
func (l *Logger) LogStrategyAttempt(strategy, restoreID string, err error) {
	fields := logrus.Fields{
		"operation":  "apply_strategy",
		"strategy":   strategy,
		"restore_id": restoreID,
	}

	if err != nil {
		fields["error"] = err.Error()
		l.logger.WithFields(fields).Warn("Strategy failed, trying next")
		return
	}
	l.logger.WithFields(fields).Info("Strategy succeeded")
}

// Info logs an info message
func (l *Logger) Info(msg string) {
	l.logger.Info(msg)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) {
	l.logger.Debug(msg)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) {
	l.logger.Warn(msg)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string) {
	l.logger.Error(msg)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) {
	l.logger.Fatal(msg)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf(format, args...)
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	return l.level
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
	l.logger.SetLevel(toLogrusLevel(level))
}

// IsLevelEnabled checks if a log level is enabled
func (l *Logger) IsLevelEnabled(level LogLevel) bool {
	switch level {
	case LogLevelQuiet, LogLevelNormal, LogLevelVerbose, LogLevelDebug:
		return l.logger.IsLevelEnabled(toLogrusLevel(level))
	default:
		return false
	}
}

func toLogrusLevel(level LogLevel) logrus.Level {
	switch level {
	case LogLevelQuiet:
		return logrus.ErrorLevel
	case LogLevelVerbose:
		return logrus.DebugLevel
	case LogLevelDebug:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

// LogOperationStart logs the start of an operation and returns a function to log completion
func (l *Logger) LogOperationStart(operation string, fields map[string]interface{}) func(error) {
	startTime := time.Now()

	logFields := logrus.Fields{
		"operation": operation,
		"status":    "started",
	}
	for k, v := range fields {
		logFields[k] = v
	}

	l.logger.WithFields(logFields).Debug("Operation started")

	return func(err error) {
		logFields["status"] = "completed"
		logFields["duration"] = time.Since(startTime).String()

		if err != nil {
			logFields["error"] = err.Error()
			logFields["success"] = false
			l.logger.WithFields(logFields).Error("Operation failed")
			return
		}
		logFields["success"] = true
		l.logger.WithFields(logFields).Info("Operation completed")
	}
}

// CreateContextWithRequestID creates a context with a request ID for tracing
func CreateContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestIDFromContext extracts request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

var (
	passwordAssign = regexp.MustCompile(`(?i)(password\s*=\s*)('[^']*'|"[^"]*"|\S+)`)
	passwordFlag   = regexp.MustCompile(`(\s-p|--password=)(\S+)`)
	identifiedBy   = regexp.MustCompile(`(?i)(IDENTIFIED\s+BY\s+)('[^']*'|"[^"]*")`)
)

// SanitizeSQL sanitizes SQL or command lines for logging by masking passwords
func SanitizeSQL(sql string) string {
	sql = passwordAssign.ReplaceAllString(sql, "${1}***")
	sql = identifiedBy.ReplaceAllString(sql, "${1}'***'")
	sql = passwordFlag.ReplaceAllString(sql, "${1}***")

	if len(sql) > 500 {
		return sql[:500] + "... [truncated]"
	}
	return sql
}
