package execution

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"

	"mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/logging"
)

// maxCapture bounds how much child output is kept in memory
const maxCapture = 1 << 20

// ExecutionConfig holds child process limits
type ExecutionConfig struct {
	DefaultTimeout time.Duration
	// KillGrace is how long a child gets between SIGTERM and SIGKILL
	KillGrace time.Duration
	Logger    *logging.Logger
}

// Command describes one child process invocation
type Command struct {
	Name    string
	Args    []string
	Env     []string
	Dir     string
	Stdin   io.Reader
	Stdout  io.Writer // when nil, stdout is captured into the result
	Timeout time.Duration
}

// String renders the command for logs, with passwords masked
func (c Command) String() string {
	return logging.SanitizeSQL(shellquote.Join(append([]string{c.Name}, c.Args...)...))
}

// ExecutionResult holds the outcome of a finished child process
type ExecutionResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Runner runs child processes
type Runner interface {
	Run(ctx context.Context, cmd Command) (*ExecutionResult, error)
	LookPath(name string) (string, error)
}

// Executor runs child processes with a hard wall-clock timeout
type Executor struct {
	config ExecutionConfig
	logger *logging.Logger
}

// NewExecutor creates an executor, filling in defaults
func NewExecutor(config ExecutionConfig) *Executor {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Minute
	}
	if config.KillGrace <= 0 {
		config.KillGrace = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Executor{config: config, logger: logger}
}

// LookPath resolves an executable, classifying a miss as an environment error
func (e *Executor) LookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", errors.NewEnvironmentError(fmt.Sprintf("executable %q not found", name), err)
	}
	return path, nil
}

// Run starts the command and waits for it. A non-zero exit returns both the
// result and a capture error carrying the stderr text. Exceeding the timeout
// sends SIGTERM, then SIGKILL after the grace period.
func (e *Executor) Run(ctx context.Context, c Command) (*ExecutionResult, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.config.KillGrace

	stdout := &tailBuffer{limit: maxCapture}
	stderr := &tailBuffer{limit: maxCapture}
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = stdout
	}
	cmd.Stderr = stderr

	e.logger.WithField("command", c.String()).Debug("Starting child process")

	start := time.Now()
	err := cmd.Run()
	result := &ExecutionResult{
		ExitCode: exitCode(cmd, err),
		Stdout:   stdout.String(),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
		TimedOut: stderrors.Is(runCtx.Err(), context.DeadlineExceeded),
	}

	if err == nil {
		return result, nil
	}

	if stderrors.Is(err, exec.ErrNotFound) {
		return result, errors.NewEnvironmentError(fmt.Sprintf("executable %q not found", c.Name), err)
	}

	if result.TimedOut {
		return result, errors.NewAppError(errors.ErrorTypeTimeout,
			fmt.Sprintf("%s exceeded %s and was terminated", c.Name, timeout), err)
	}

	if ctx.Err() != nil {
		return result, errors.NewAppError(errors.ErrorTypeInterruption,
			fmt.Sprintf("%s was interrupted", c.Name), ctx.Err())
	}

	msg := result.Stderr
	if msg == "" {
		msg = err.Error()
	}
	return result, errors.NewCaptureError(fmt.Sprintf("%s exited with code %d: %s", c.Name, result.ExitCode, msg), err).
		WithContext("exit_code", result.ExitCode)
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// ParseCommandLine splits a configured command line into argv
func ParseCommandLine(line string) ([]string, error) {
	argv, err := shellquote.Split(line)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid command line %q: %v", line, err))
	}
	if len(argv) == 0 {
		return nil, errors.NewValidationError("command line is empty")
	}
	return argv, nil
}

// tailBuffer keeps at most limit bytes, discarding the oldest output
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.limit {
		t.buf.Reset()
		t.buf.Write(p[len(p)-t.limit:])
		return n, nil
	}
	if over := t.buf.Len() + len(p) - t.limit; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
