package restore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"mysql-backup-orchestrator/internal/database"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/execution"
	"mysql-backup-orchestrator/internal/logging"
	"mysql-backup-orchestrator/internal/sqlscript"
)

// Result is what one strategy reports after applying a dump
type Result struct {
	Strategy string
	Executed int
	// Warnings are failures matched by the acceptable error list
	Warnings []string
}

// Applier applies a filtered dump file to the target database
type Applier interface {
	Name() string
	ApplyDump(ctx context.Context, path string) (*Result, error)
}

// Tolerance is a set of substrings that turn an apply error into a warning
type Tolerance []string

// Matches reports whether text contains any acceptable substring
func (t Tolerance) Matches(text string) bool {
	lower := strings.ToLower(text)
	for _, s := range t {
		if s != "" && strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// StderrErrors splits client stderr into its ERROR lines and reports
// whether all of them are acceptable
func (t Tolerance) StderrErrors(stderr string) ([]string, bool) {
	var lines []string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "ERROR") {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, false
	}
	for _, line := range lines {
		if !t.Matches(line) {
			return lines, false
		}
	}
	return lines, true
}

// ScriptExecutor runs statements on one connection
type ScriptExecutor interface {
	ExecuteScript(ctx context.Context, db *sql.DB, statements []string, tolerate func(error) bool) (*database.ScriptResult, error)
}

// DirectApplier executes the dump through this process's own driver
type DirectApplier struct {
	db        *sql.DB
	exec      ScriptExecutor
	tolerance Tolerance
}

// NewDirectApplier creates an applier over a multi-statement capable pool
func NewDirectApplier(db *sql.DB, exec ScriptExecutor, tolerance Tolerance) *DirectApplier {
	return &DirectApplier{db: db, exec: exec, tolerance: tolerance}
}

func (a *DirectApplier) Name() string { return "direct" }

func (a *DirectApplier) ApplyDump(ctx context.Context, path string) (*Result, error) {
	if a.db == nil {
		return nil, apperrors.NewEnvironmentError("direct strategy has no database connection", nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewCaptureError("failed to read dump", err)
	}
	stmts := sqlscript.Bodies(sqlscript.Split(string(data)))
	res, err := a.exec.ExecuteScript(ctx, a.db, stmts, func(err error) bool {
		return a.tolerance.Matches(err.Error())
	})
	if err != nil {
		return nil, err
	}
	return &Result{Strategy: a.Name(), Executed: res.Executed, Warnings: res.Warnings}, nil
}

// ClientConfig is what client-based strategies need to reach the server
type ClientConfig struct {
	Command  string
	Database database.DatabaseConfig
	Timeout  time.Duration
}

func clientArgs(cfg ClientConfig, withHost bool) ([]string, error) {
	argv, err := execution.ParseCommandLine(cfg.Command)
	if err != nil {
		return nil, err
	}
	// --force keeps going past errors so every failure can be checked
	// against the tolerance list
	argv = append(argv, "--force")
	if withHost {
		if cfg.Database.Host != "" {
			argv = append(argv, "--host="+cfg.Database.Host)
		}
		if cfg.Database.Port != 0 {
			argv = append(argv, fmt.Sprintf("--port=%d", cfg.Database.Port))
		}
	}
	if cfg.Database.Username != "" {
		argv = append(argv, "--user="+cfg.Database.Username)
	}
	return append(argv, cfg.Database.Database), nil
}

func passwordEnv(db database.DatabaseConfig) []string {
	if db.Password == "" {
		return nil
	}
	return []string{"MYSQL_PWD=" + db.Password}
}

// judge turns a client failure into warnings when every reported error is acceptable
func judge(name string, tolerance Tolerance, res *execution.ExecutionResult, runErr error) (*Result, error) {
	if runErr == nil {
		return &Result{Strategy: name}, nil
	}
	if res != nil && !res.TimedOut {
		if lines, ok := tolerance.StderrErrors(res.Stderr); ok {
			return &Result{Strategy: name, Warnings: lines}, nil
		}
	}
	return nil, runErr
}

// ClientApplier pipes the dump into a locally installed client binary
type ClientApplier struct {
	runner    execution.Runner
	cfg       ClientConfig
	tolerance Tolerance
}

// NewClientApplier creates an applier running cfg.Command on this host
func NewClientApplier(runner execution.Runner, cfg ClientConfig, tolerance Tolerance) *ClientApplier {
	return &ClientApplier{runner: runner, cfg: cfg, tolerance: tolerance}
}

func (a *ClientApplier) Name() string { return "client" }

func (a *ClientApplier) ApplyDump(ctx context.Context, path string) (*Result, error) {
	argv, err := clientArgs(a.cfg, true)
	if err != nil {
		return nil, err
	}
	if _, err := a.runner.LookPath(argv[0]); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.NewCaptureError("failed to open dump", err)
	}
	defer f.Close()

	res, runErr := a.runner.Run(ctx, execution.Command{
		Name:    argv[0],
		Args:    argv[1:],
		Env:     passwordEnv(a.cfg.Database),
		Stdin:   f,
		Timeout: a.cfg.Timeout,
	})
	return judge(a.Name(), a.tolerance, res, runErr)
}

// ContainerApplier runs the client inside the database container. The dump
// is copied in and read from a temp file; when the copy fails it is
// streamed over stdin instead.
type ContainerApplier struct {
	runner    execution.Runner
	docker    string
	container string
	cfg       ClientConfig
	tolerance Tolerance
}

// NewContainerApplier creates an applier using docker exec against container
func NewContainerApplier(runner execution.Runner, docker, container string, cfg ClientConfig, tolerance Tolerance) *ContainerApplier {
	return &ContainerApplier{runner: runner, docker: docker, container: container, cfg: cfg, tolerance: tolerance}
}

func (a *ContainerApplier) Name() string { return "container" }

func (a *ContainerApplier) ApplyDump(ctx context.Context, path string) (*Result, error) {
	docker, err := execution.ParseCommandLine(a.docker)
	if err != nil {
		return nil, err
	}
	if _, err := a.runner.LookPath(docker[0]); err != nil {
		return nil, err
	}
	client, err := clientArgs(a.cfg, false)
	if err != nil {
		return nil, err
	}

	remote := remoteDumpPath(ctx, path)
	cp := append(append([]string(nil), docker[1:]...), "cp", path, a.container+":"+remote)
	if _, err := a.runner.Run(ctx, execution.Command{Name: docker[0], Args: cp, Timeout: a.cfg.Timeout}); err == nil {
		defer a.cleanup(docker, remote)
		script := shellquote.Join(client...) + " < " + shellquote.Join(remote)
		args := append(append([]string(nil), docker[1:]...), "exec", "-e", "MYSQL_PWD", a.container, "sh", "-c", script)
		res, runErr := a.runner.Run(ctx, execution.Command{
			Name:    docker[0],
			Args:    args,
			Env:     passwordEnv(a.cfg.Database),
			Timeout: a.cfg.Timeout,
		})
		return judge(a.Name(), a.tolerance, res, runErr)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.NewCaptureError("failed to open dump", err)
	}
	defer f.Close()
	args := append(append([]string(nil), docker[1:]...), "exec", "-i", "-e", "MYSQL_PWD", a.container)
	res, runErr := a.runner.Run(ctx, execution.Command{
		Name:    docker[0],
		Args:    append(args, client...),
		Env:     passwordEnv(a.cfg.Database),
		Stdin:   f,
		Timeout: a.cfg.Timeout,
	})
	return judge(a.Name(), a.tolerance, res, runErr)
}

// remoteDumpPath names the in-container copy after the restore carried by
// ctx, or a random id when there is none
func remoteDumpPath(ctx context.Context, path string) string {
	id := logging.GetRequestIDFromContext(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	return "/tmp/restore_" + filepath.Base(id) + "_" + filepath.Base(path)
}

func (a *ContainerApplier) cleanup(docker []string, remote string) {
	args := append(append([]string(nil), docker[1:]...), "exec", a.container, "rm", "-f", remote)
	a.runner.Run(context.Background(), execution.Command{Name: docker[0], Args: args, Timeout: time.Minute})
}
