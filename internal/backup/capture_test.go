package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"mysql-backup-orchestrator/internal/database"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/execution"
	"mysql-backup-orchestrator/internal/jobs"
)

// scriptedRunner answers commands from a handler and records them
type scriptedRunner struct {
	mu      sync.Mutex
	cmds    []execution.Command
	missing map[string]bool
	handle  func(cmd execution.Command) (*execution.ExecutionResult, error)
}

func (r *scriptedRunner) Run(_ context.Context, cmd execution.Command) (*execution.ExecutionResult, error) {
	r.mu.Lock()
	r.cmds = append(r.cmds, cmd)
	r.mu.Unlock()
	if r.handle == nil {
		return &execution.ExecutionResult{}, nil
	}
	return r.handle(cmd)
}

func (r *scriptedRunner) LookPath(name string) (string, error) {
	if r.missing[name] {
		return "", apperrors.NewEnvironmentError(fmt.Sprintf("executable %q not found", name), nil)
	}
	return "/usr/bin/" + name, nil
}

func (r *scriptedRunner) commands() []execution.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]execution.Command(nil), r.cmds...)
}

type countingLocker struct {
	locks    int
	releases int
}

func (l *countingLocker) Lock(context.Context) (func(), error) {
	l.locks++
	return func() { l.releases++ }, nil
}

func TestLogicalDumperWritesDumpFile(t *testing.T) {
	runner := &scriptedRunner{handle: func(cmd execution.Command) (*execution.ExecutionResult, error) {
		io.WriteString(cmd.Stdout, "CREATE TABLE `t` (`id` int);\n")
		return &execution.ExecutionResult{}, nil
	}}
	db := database.DatabaseConfig{Host: "db", Port: 3307, Username: "backup", Password: "s3cret", Database: "app"}
	dumper := NewLogicalDumper(runner, db, "mysqldump --single-transaction", 0)

	dir := t.TempDir()
	result, err := dumper.Capture(context.Background(), dir, &jobs.BackupJob{ID: "backup-1"}, DefaultOptions())
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if result.Mode != "logical" || result.Size == 0 {
		t.Errorf("unexpected result %+v", result)
	}
	if !strings.HasPrefix(filepath.Base(result.Path), "database_") || filepath.Ext(result.Path) != ".sql" {
		t.Errorf("unexpected dump name %s", result.Path)
	}

	cmds := runner.commands()
	if len(cmds) != 1 {
		t.Fatalf("expected one command, got %d", len(cmds))
	}
	want := []string{"--single-transaction", "--host=db", "--port=3307", "--user=backup", "app"}
	if strings.Join(cmds[0].Args, " ") != strings.Join(want, " ") {
		t.Errorf("args = %v, want %v", cmds[0].Args, want)
	}
	if strings.Contains(strings.Join(cmds[0].Args, " "), "s3cret") {
		t.Error("password leaked into argv")
	}
	if len(cmds[0].Env) != 1 || cmds[0].Env[0] != "MYSQL_PWD=s3cret" {
		t.Errorf("env = %v", cmds[0].Env)
	}
}

func TestLogicalDumperRemovesEmptyOrFailedDumps(t *testing.T) {
	tests := []struct {
		name   string
		handle func(cmd execution.Command) (*execution.ExecutionResult, error)
	}{
		{"empty output", func(execution.Command) (*execution.ExecutionResult, error) {
			return &execution.ExecutionResult{}, nil
		}},
		{"client failure", func(cmd execution.Command) (*execution.ExecutionResult, error) {
			io.WriteString(cmd.Stdout, "-- partial")
			return &execution.ExecutionResult{ExitCode: 2}, apperrors.NewCaptureError("mysqldump exited with code 2", nil)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dumper := NewLogicalDumper(&scriptedRunner{handle: tt.handle}, database.DatabaseConfig{Database: "app"}, "mysqldump", 0)
			dir := t.TempDir()
			if _, err := dumper.Capture(context.Background(), dir, &jobs.BackupJob{ID: "backup-1"}, DefaultOptions()); err == nil {
				t.Fatal("expected an error")
			}
			entries, _ := os.ReadDir(dir)
			if len(entries) != 0 {
				t.Errorf("expected no leftover files, found %d", len(entries))
			}
		})
	}
}

func TestLogicalDumperPreflight(t *testing.T) {
	runner := &scriptedRunner{missing: map[string]bool{"mysqldump": true}}
	dumper := NewLogicalDumper(runner, database.DatabaseConfig{}, "mysqldump --routines", 0)

	err := dumper.Preflight(context.Background())
	if !apperrors.IsType(err, apperrors.ErrorTypeEnvironment) {
		t.Errorf("Preflight() error = %v, want environment error", err)
	}
}

// volumeCopy fakes the helper container by writing the data archive into
// the directory mounted at /backup
func volumeCopy(fail func(attempt int) bool) func(cmd execution.Command) (*execution.ExecutionResult, error) {
	attempt := 0
	return func(cmd execution.Command) (*execution.ExecutionResult, error) {
		if len(cmd.Args) > 0 && cmd.Args[0] == "inspect" {
			return &execution.ExecutionResult{Stdout: "true\n"}, nil
		}
		attempt++
		if fail != nil && fail(attempt) {
			return &execution.ExecutionResult{ExitCode: 1}, apperrors.NewCaptureError("tar: file changed as we read it", nil)
		}
		for _, arg := range cmd.Args {
			if dir, ok := strings.CutSuffix(arg, ":/backup"); ok {
				if err := os.WriteFile(filepath.Join(dir, PhysicalDataFile), []byte("volume-bytes"), 0o644); err != nil {
					return nil, err
				}
			}
		}
		return &execution.ExecutionResult{}, nil
	}
}

func physicalConfig() PhysicalConfig {
	return PhysicalConfig{DockerCommand: "docker", Container: "mysql", Volume: "mysql_data", HelperImage: "alpine:3.20"}
}

func TestPhysicalCapturerHotCopy(t *testing.T) {
	runner := &scriptedRunner{handle: volumeCopy(nil)}
	locker := &countingLocker{}
	capturer := NewPhysicalCapturer(runner, physicalConfig(), locker, nil)

	dir := t.TempDir()
	result, err := capturer.Capture(context.Background(), dir, &jobs.BackupJob{ID: "backup-9"}, Options{IncludeDatabase: true})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if result.Mode != string(PhysicalHot) {
		t.Errorf("mode = %s, want hot", result.Mode)
	}
	if locker.locks != 0 {
		t.Errorf("hot copy should not lock, locked %d times", locker.locks)
	}

	raw, err := os.ReadFile(filepath.Join(dir, PhysicalSidecar))
	if err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	var meta PhysicalMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatalf("sidecar decode: %v", err)
	}
	if meta.BackupID != "backup-9" || meta.Volume != "mysql_data" || meta.SizeBytes != int64(len("volume-bytes")) {
		t.Errorf("unexpected sidecar %+v", meta)
	}

	args := strings.Join(runner.commands()[0].Args, " ")
	if !strings.Contains(args, "mysql_data:/var/lib/mysql:ro") {
		t.Errorf("volume must be mounted read-only: %s", args)
	}
}

func TestPhysicalCapturerFallsBackToLockedCopy(t *testing.T) {
	runner := &scriptedRunner{handle: volumeCopy(func(attempt int) bool { return attempt == 1 })}
	locker := &countingLocker{}
	capturer := NewPhysicalCapturer(runner, physicalConfig(), locker, nil)

	result, err := capturer.Capture(context.Background(), t.TempDir(), &jobs.BackupJob{ID: "backup-9"}, Options{IncludeDatabase: true})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if result.Mode != string(PhysicalCold) {
		t.Errorf("mode = %s, want cold", result.Mode)
	}
	if locker.locks != 1 || locker.releases != 1 {
		t.Errorf("locks = %d, releases = %d", locker.locks, locker.releases)
	}
}

func TestPhysicalCapturerHotModeDoesNotFallBack(t *testing.T) {
	runner := &scriptedRunner{handle: volumeCopy(func(int) bool { return true })}
	locker := &countingLocker{}
	capturer := NewPhysicalCapturer(runner, physicalConfig(), locker, nil)

	_, err := capturer.Capture(context.Background(), t.TempDir(), &jobs.BackupJob{ID: "backup-9"},
		Options{IncludeDatabase: true, PhysicalMode: PhysicalHot})
	if err == nil {
		t.Fatal("expected the hot copy failure")
	}
	if locker.locks != 0 {
		t.Errorf("explicit hot mode must not lock")
	}
}

func TestPhysicalCapturerPreflight(t *testing.T) {
	tests := []struct {
		name    string
		runner  *scriptedRunner
		wantErr bool
	}{
		{
			name:   "running container",
			runner: &scriptedRunner{handle: volumeCopy(nil)},
		},
		{
			name:    "no docker binary",
			runner:  &scriptedRunner{missing: map[string]bool{"docker": true}},
			wantErr: true,
		},
		{
			name: "stopped container",
			runner: &scriptedRunner{handle: func(execution.Command) (*execution.ExecutionResult, error) {
				return &execution.ExecutionResult{Stdout: "false\n"}, nil
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewPhysicalCapturer(tt.runner, physicalConfig(), nil, nil).Preflight(context.Background())
			if tt.wantErr {
				if !apperrors.IsType(err, apperrors.ErrorTypeEnvironment) {
					t.Errorf("Preflight() error = %v, want environment error", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Preflight() error = %v", err)
			}
		})
	}
}
