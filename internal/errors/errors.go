package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeValidation is returned before any job state is created
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeEnvironment covers a missing container runtime, client binary or target container
	ErrorTypeEnvironment ErrorType = "environment"
	// ErrorTypeCapture covers failures while capturing or applying data
	ErrorTypeCapture ErrorType = "capture"
	// ErrorTypeIntegrity covers checksum mismatches and blocking completeness severities
	ErrorTypeIntegrity ErrorType = "integrity"
	// ErrorTypeBookkeeping covers job status persistence failures
	ErrorTypeBookkeeping ErrorType = "bookkeeping"
	// ErrorTypeConnection represents database connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeSQL represents SQL execution errors
	ErrorTypeSQL ErrorType = "sql"
	// ErrorTypeNotFound represents missing jobs or artifacts
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypePermission represents permission/access errors
	ErrorTypePermission ErrorType = "permission"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInterruption represents cancellation
	ErrorTypeInterruption ErrorType = "interruption"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
	UserMessage string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// IsRecoverable returns whether the error is recoverable
func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithUserMessage sets the message shown to operators
func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: false,
	}
}

// NewRecoverableError creates a new recoverable error
func NewRecoverableError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: true,
	}
}

// NewValidationError creates a validation error, rejected before any state is created
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, message, nil)
}

// NewEnvironmentError creates an environment error caught by pre-flight checks
func NewEnvironmentError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeEnvironment, message, cause)
}

// NewCaptureError creates a capture/apply error
func NewCaptureError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeCapture, message, cause)
}

// NewIntegrityError creates an integrity error
func NewIntegrityError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeIntegrity, message, cause)
}

// NewBookkeepingError creates a recoverable bookkeeping error
func NewBookkeepingError(message string, cause error) *AppError {
	return NewRecoverableError(ErrorTypeBookkeeping, message, cause)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(message string) *AppError {
	return NewAppError(ErrorTypeNotFound, message, nil)
}

// ErrorClassifier provides methods to classify and handle different types of errors
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if mysqlErr := ec.classifyMySQLError(err); mysqlErr != nil {
		return mysqlErr
	}

	if netErr := ec.classifyNetworkError(err); netErr != nil {
		return netErr
	}

	if ctxErr := ec.classifyContextError(err); ctxErr != nil {
		return ctxErr
	}

	if execErr := ec.classifyExecError(err); execErr != nil {
		return execErr
	}

	if fsErr := ec.classifyFileSystemError(err); fsErr != nil {
		return fsErr
	}

	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

// classifyMySQLError classifies MySQL-specific errors
func (ec *ErrorClassifier) classifyMySQLError(err error) *AppError {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1045:
			return NewAppError(ErrorTypePermission,
				"Database access denied - check username and password", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1049:
			return NewAppError(ErrorTypeValidation,
				"Database does not exist", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1146:
			return NewAppError(ErrorTypeSQL,
				"Table does not exist", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1064:
			return NewAppError(ErrorTypeSQL,
				"SQL syntax error", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1205, 1213:
			return NewRecoverableError(ErrorTypeSQL,
				"Lock wait timeout or deadlock - retrying", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 2003:
			return NewRecoverableError(ErrorTypeConnection,
				"Cannot connect to MySQL server - server may be down or unreachable", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 2006, 2013:
			return NewRecoverableError(ErrorTypeConnection,
				"MySQL server connection lost - attempting to reconnect", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		default:
			return NewAppError(ErrorTypeSQL,
				fmt.Sprintf("MySQL error: %s", mysqlErr.Message), err).
				WithContext("mysql_error_code", mysqlErr.Number)
		}
	}

	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return NewRecoverableError(ErrorTypeConnection, "Database connection is closed", err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return NewAppError(ErrorTypeNotFound, "No rows found", err)
	}
	if errors.Is(err, sql.ErrTxDone) {
		return NewAppError(ErrorTypeSQL, "Transaction has already been committed or rolled back", err)
	}

	return nil
}

// classifyNetworkError classifies network-related errors
func (ec *ErrorClassifier) classifyNetworkError(err error) *AppError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewRecoverableError(ErrorTypeTimeout, "Network operation timed out", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return NewRecoverableError(ErrorTypeConnection,
				"Failed to establish network connection", err)
		case "read", "write":
			return NewRecoverableError(ErrorTypeConnection,
				"Network I/O error", err)
		}
	}

	return nil
}

// classifyContextError classifies context-related errors
func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRecoverableError(ErrorTypeTimeout, "Operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeInterruption, "Operation was canceled", err)
	}

	return nil
}

// classifyExecError flags missing binaries as environment problems
func (ec *ErrorClassifier) classifyExecError(err error) *AppError {
	if errors.Is(err, exec.ErrNotFound) {
		return NewAppError(ErrorTypeEnvironment, "Required executable not found in PATH", err)
	}
	return nil
}

// classifyFileSystemError classifies file system errors
func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		switch pathErr.Err {
		case syscall.ENOENT:
			return NewAppError(ErrorTypeNotFound,
				fmt.Sprintf("File or directory not found: %s", pathErr.Path), err)
		case syscall.EACCES:
			return NewAppError(ErrorTypePermission,
				fmt.Sprintf("Permission denied: %s", pathErr.Path), err)
		case syscall.ENOSPC:
			return NewAppError(ErrorTypeCapture,
				"No space left on device", err)
		}
	}

	return nil
}

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryHandler provides retry functionality for operations
type RetryHandler struct {
	config     RetryConfig
	classifier *ErrorClassifier
}

// NewRetryHandler creates a new retry handler
func NewRetryHandler(config RetryConfig) *RetryHandler {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 1
	}
	return &RetryHandler{
		config:     config,
		classifier: NewErrorClassifier(),
	}
}

// NewDefaultRetryHandler creates a retry handler with default configuration
func NewDefaultRetryHandler() *RetryHandler {
	return NewRetryHandler(DefaultRetryConfig())
}

// Retry executes a function with retry logic for recoverable errors
func (rh *RetryHandler) Retry(ctx context.Context, operation func() error) error {
	return rh.retry(ctx, operation, func(appErr *AppError) bool {
		return appErr.IsRecoverable()
	})
}

// RetryAll retries on every error regardless of classification
func (rh *RetryHandler) RetryAll(ctx context.Context, operation func() error) error {
	return rh.retry(ctx, operation, func(*AppError) bool { return true })
}

func (rh *RetryHandler) retry(ctx context.Context, operation func() error, shouldRetry func(*AppError) bool) error {
	var lastErr error

	for attempt := 1; attempt <= rh.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return NewAppError(ErrorTypeInterruption, "Operation canceled", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err
		appErr := rh.classifier.ClassifyError(err)

		if !shouldRetry(appErr) {
			return appErr
		}

		if attempt == rh.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return NewAppError(ErrorTypeInterruption, "Operation canceled during retry", ctx.Err())
		case <-time.After(rh.calculateDelay(attempt)):
		}
	}

	return rh.classifier.ClassifyError(lastErr).
		WithContext("attempts", rh.config.MaxAttempts)
}

// calculateDelay calculates the delay for a given attempt using exponential backoff
func (rh *RetryHandler) calculateDelay(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= rh.config.Multiplier
	}

	delay := time.Duration(float64(rh.config.BaseDelay) * multiplier)

	if rh.config.MaxDelay > 0 && delay > rh.config.MaxDelay {
		delay = rh.config.MaxDelay
	}

	return delay
}

// GracefulShutdownHandler cancels a root context on SIGINT/SIGTERM and runs
// registered shutdown functions in reverse order
type GracefulShutdownHandler struct {
	shutdownFuncs []func() error
	signalChan    chan os.Signal
	done          chan struct{}
}

// NewGracefulShutdownHandler creates a new graceful shutdown handler
func NewGracefulShutdownHandler() *GracefulShutdownHandler {
	return &GracefulShutdownHandler{
		shutdownFuncs: make([]func() error, 0),
		signalChan:    make(chan os.Signal, 1),
		done:          make(chan struct{}),
	}
}

// RegisterShutdownFunc registers a function to be called during shutdown
func (gsh *GracefulShutdownHandler) RegisterShutdownFunc(fn func() error) {
	gsh.shutdownFuncs = append(gsh.shutdownFuncs, fn)
}

// Start starts listening for shutdown signals and returns a context that is
// canceled when one arrives
func (gsh *GracefulShutdownHandler) Start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	signal.Notify(gsh.signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-gsh.signalChan:
		case <-ctx.Done():
		}
		cancel()
		gsh.shutdown()
	}()

	return ctx
}

// WaitForShutdown waits for shutdown to complete
func (gsh *GracefulShutdownHandler) WaitForShutdown() {
	<-gsh.done
}

func (gsh *GracefulShutdownHandler) shutdown() {
	defer close(gsh.done)
	signal.Stop(gsh.signalChan)

	for i := len(gsh.shutdownFuncs) - 1; i >= 0; i-- {
		if err := gsh.shutdownFuncs[i](); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	}
}

// IsRecoverableError checks if an error is recoverable
func IsRecoverableError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.IsRecoverable()
	}
	return false
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// IsType reports whether err is an AppError of the given type
func IsType(err error, errorType ErrorType) bool {
	return GetErrorType(err) == errorType
}

// FormatUserError formats an error for display to users
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.GetUserMessage()
	}

	return "An unexpected error occurred. Please check the logs for more details."
}

// WrapError wraps an existing error with additional context
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		wrapped := NewAppError(appErr.Type, message, err)
		wrapped.Recoverable = appErr.Recoverable
		return wrapped
	}

	classified := NewErrorClassifier().ClassifyError(err)
	wrapped := NewAppError(classified.Type, message, err)
	wrapped.Recoverable = classified.Recoverable
	return wrapped
}
