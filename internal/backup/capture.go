package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"

	"mysql-backup-orchestrator/internal/database"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/execution"
	"mysql-backup-orchestrator/internal/jobs"
	"mysql-backup-orchestrator/internal/logging"
)

// Artifact member names
const (
	PhysicalDataFile = "mysql_data.tar.gz"
	PhysicalSidecar  = "backup_metadata.json"
	FilesDir         = "files"
)

// CaptureResult describes what a database capture wrote into the job directory
type CaptureResult struct {
	Path      string
	Size      int64
	Databases int
	Mode      string
}

// DatabaseCapturer captures the database into a job directory. Preflight
// runs at submission time and reports missing tools as environment errors.
type DatabaseCapturer interface {
	Preflight(ctx context.Context) error
	Capture(ctx context.Context, dir string, job *jobs.BackupJob, opts Options) (*CaptureResult, error)
}

// LogicalDumper captures with the configured dump client, streaming its
// stdout into database_<timestamp>.sql
type LogicalDumper struct {
	runner  execution.Runner
	db      database.DatabaseConfig
	command string
	timeout time.Duration
	clock   clock.Clock
}

// NewLogicalDumper creates a dumper for db using command, e.g. "mysqldump --single-transaction"
func NewLogicalDumper(runner execution.Runner, db database.DatabaseConfig, command string, timeout time.Duration) *LogicalDumper {
	return &LogicalDumper{runner: runner, db: db, command: command, timeout: timeout, clock: clock.WallClock}
}

func (d *LogicalDumper) argv() ([]string, error) {
	argv, err := execution.ParseCommandLine(d.command)
	if err != nil {
		return nil, err
	}
	if d.db.Host != "" {
		argv = append(argv, "--host="+d.db.Host)
	}
	if d.db.Port != 0 {
		argv = append(argv, fmt.Sprintf("--port=%d", d.db.Port))
	}
	if d.db.Username != "" {
		argv = append(argv, "--user="+d.db.Username)
	}
	return append(argv, d.db.Database), nil
}

func (d *LogicalDumper) Preflight(_ context.Context) error {
	argv, err := d.argv()
	if err != nil {
		return err
	}
	_, err = d.runner.LookPath(argv[0])
	return err
}

func (d *LogicalDumper) Capture(ctx context.Context, dir string, _ *jobs.BackupJob, _ Options) (*CaptureResult, error) {
	argv, err := d.argv()
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("database_%s.sql", d.clock.Now().UTC().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	out, err := os.Create(path)
	if err != nil {
		return nil, apperrors.NewCaptureError("failed to create dump file", err)
	}

	cmd := execution.Command{
		Name:    argv[0],
		Args:    argv[1:],
		Stdout:  out,
		Timeout: d.timeout,
	}
	// MYSQL_PWD keeps the password off the command line
	if d.db.Password != "" {
		cmd.Env = []string{"MYSQL_PWD=" + d.db.Password}
	}

	_, runErr := d.runner.Run(ctx, cmd)
	closeErr := out.Close()
	if runErr == nil && closeErr != nil {
		runErr = apperrors.NewCaptureError("failed to write dump file", closeErr)
	}
	if runErr != nil {
		os.Remove(path)
		return nil, runErr
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, apperrors.NewCaptureError("dump file vanished", err)
	}
	if info.Size() == 0 {
		os.Remove(path)
		return nil, apperrors.NewCaptureError("dump client produced no output", nil)
	}
	return &CaptureResult{Path: path, Size: info.Size(), Databases: 1, Mode: "logical"}, nil
}

// Locker holds a server-wide read lock until release is called
type Locker interface {
	Lock(ctx context.Context) (release func(), err error)
}

// GlobalReadLock takes FLUSH TABLES WITH READ LOCK on a dedicated session
type GlobalReadLock struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewGlobalReadLock creates a locker over db
func NewGlobalReadLock(db *sql.DB, logger *logging.Logger) *GlobalReadLock {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &GlobalReadLock{db: db, logger: logger}
}

func (g *GlobalReadLock) Lock(ctx context.Context) (func(), error) {
	conn, err := g.db.Conn(ctx)
	if err != nil {
		return nil, apperrors.NewCaptureError("failed to open lock session", err)
	}
	if _, err := conn.ExecContext(ctx, "FLUSH TABLES WITH READ LOCK"); err != nil {
		conn.Close()
		return nil, apperrors.NewCaptureError("failed to acquire global read lock", err)
	}
	return func() {
		if _, err := conn.ExecContext(context.Background(), "UNLOCK TABLES"); err != nil {
			g.logger.WithError(err).Warn("Failed to release global read lock")
		}
		conn.Close()
	}, nil
}

// PhysicalCapturer copies the database's data volume with a throwaway
// container that mounts the volume read-only and runs tar
type PhysicalCapturer struct {
	runner      execution.Runner
	docker      string
	container   string
	volume      string
	helperImage string
	timeout     time.Duration
	locker      Locker
	clock       clock.Clock
	logger      *logging.Logger
}

// PhysicalConfig configures a PhysicalCapturer
type PhysicalConfig struct {
	DockerCommand string
	Container     string
	Volume        string
	HelperImage   string
	Timeout       time.Duration
}

// NewPhysicalCapturer creates a capturer; locker may be nil when no cold
// fallback is possible
func NewPhysicalCapturer(runner execution.Runner, cfg PhysicalConfig, locker Locker, logger *logging.Logger) *PhysicalCapturer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &PhysicalCapturer{
		runner:      runner,
		docker:      cfg.DockerCommand,
		container:   cfg.Container,
		volume:      cfg.Volume,
		helperImage: cfg.HelperImage,
		timeout:     cfg.Timeout,
		locker:      locker,
		clock:       clock.WallClock,
		logger:      logger,
	}
}

func (p *PhysicalCapturer) dockerArgv() ([]string, error) {
	return execution.ParseCommandLine(p.docker)
}

func (p *PhysicalCapturer) Preflight(ctx context.Context) error {
	argv, err := p.dockerArgv()
	if err != nil {
		return err
	}
	if _, err := p.runner.LookPath(argv[0]); err != nil {
		return err
	}

	args := append(argv[1:], "inspect", "--format", "{{.State.Running}}", p.container)
	res, err := p.runner.Run(ctx, execution.Command{Name: argv[0], Args: args, Timeout: 30 * time.Second})
	if err != nil {
		return apperrors.NewEnvironmentError(fmt.Sprintf("database container %q not found", p.container), err)
	}
	if strings.TrimSpace(res.Stdout) != "true" {
		return apperrors.NewEnvironmentError(fmt.Sprintf("database container %q is not running", p.container), nil)
	}
	return nil
}

// PhysicalMetadata is the backup_metadata.json sidecar
type PhysicalMetadata struct {
	BackupID        string    `json:"backup_id"`
	Mode            string    `json:"mode"`
	Container       string    `json:"container"`
	Volume          string    `json:"volume"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	SizeBytes       int64     `json:"size_bytes"`
	ThroughputMBps  float64   `json:"throughput_mb_per_sec"`
	Compression     string    `json:"compression"`
}

func (p *PhysicalCapturer) Capture(ctx context.Context, dir string, job *jobs.BackupJob, opts Options) (*CaptureResult, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, apperrors.NewCaptureError("failed to resolve capture directory", err)
	}

	started := p.clock.Now().UTC()
	mode := opts.PhysicalMode
	switch mode {
	case PhysicalHot:
		err = p.copyVolume(ctx, absDir)
	case PhysicalCold:
		err = p.lockedCopy(ctx, absDir)
	default:
		mode = PhysicalHot
		if err = p.copyVolume(ctx, absDir); err != nil && p.locker != nil && ctx.Err() == nil {
			p.logger.WithField("backup_id", job.ID).WithError(err).Warn("Hot volume copy failed, retrying under a global read lock")
			mode = PhysicalCold
			err = p.lockedCopy(ctx, absDir)
		}
	}
	if err != nil {
		os.Remove(filepath.Join(absDir, PhysicalDataFile))
		return nil, err
	}

	dataPath := filepath.Join(absDir, PhysicalDataFile)
	info, err := os.Stat(dataPath)
	if err != nil {
		return nil, apperrors.NewCaptureError("volume copy produced no archive", err)
	}

	completed := p.clock.Now().UTC()
	meta := PhysicalMetadata{
		BackupID:        job.ID,
		Mode:            string(mode),
		Container:       p.container,
		Volume:          p.volume,
		StartedAt:       started,
		CompletedAt:     completed,
		DurationSeconds: completed.Sub(started).Seconds(),
		SizeBytes:       info.Size(),
		Compression:     "gzip",
	}
	if meta.DurationSeconds > 0 {
		meta.ThroughputMBps = float64(info.Size()) / (1024 * 1024) / meta.DurationSeconds
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, apperrors.NewCaptureError("failed to encode physical metadata", err)
	}
	if err := os.WriteFile(filepath.Join(absDir, PhysicalSidecar), raw, 0o644); err != nil {
		return nil, apperrors.NewCaptureError("failed to write physical metadata", err)
	}

	return &CaptureResult{Path: dataPath, Size: info.Size(), Databases: 1, Mode: string(mode)}, nil
}

func (p *PhysicalCapturer) lockedCopy(ctx context.Context, dir string) error {
	if p.locker == nil {
		return apperrors.NewEnvironmentError("cold physical backup needs a database connection for the read lock", nil)
	}
	release, err := p.locker.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()
	return p.copyVolume(ctx, dir)
}

func (p *PhysicalCapturer) copyVolume(ctx context.Context, dir string) error {
	argv, err := p.dockerArgv()
	if err != nil {
		return err
	}
	args := append(argv[1:],
		"run", "--rm",
		"-v", p.volume+":/var/lib/mysql:ro",
		"-v", dir+":/backup",
		p.helperImage,
		"tar", "czf", "/backup/"+PhysicalDataFile, "-C", "/var/lib/mysql", ".",
	)
	_, err = p.runner.Run(ctx, execution.Command{Name: argv[0], Args: args, Timeout: p.timeout})
	return err
}
