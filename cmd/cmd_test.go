package cmd

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"mysql-backup-orchestrator/internal/backup"
	"mysql-backup-orchestrator/internal/config"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/jobs"
	"mysql-backup-orchestrator/internal/reconcile"
	"mysql-backup-orchestrator/internal/restore"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		verbose, quiet = false, false
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestCommandTree(t *testing.T) {
	want := []string{
		"backup submit", "backup list", "backup show", "backup cancel",
		"restore submit", "restore list", "restore show", "restore cancel",
		restore.WorkerCommand,
		"reconcile", "reconcile records", "reconcile log",
		"validate", "storage check", "serve", "version", "config", "config validate",
	}
	for _, path := range want {
		c, _, err := rootCmd.Find(strings.Fields(path))
		if assert.NoError(t, err, path) {
			assert.Equal(t, strings.Fields(path)[len(strings.Fields(path))-1], c.Name(), path)
		}
	}
}

func TestPersistentFlags(t *testing.T) {
	for _, name := range []string{"config", "verbose", "quiet", "no-color", "output", "log-file"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), name)
	}
	assert.Equal(t, "table", rootCmd.PersistentFlags().Lookup("output").DefValue)
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.2.3", "2026-03-01", "abc123", "go1.25")
	t.Cleanup(func() { SetVersionInfo("dev", "unknown", "unknown", "unknown") })

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "mysql-backup-orchestrator version 1.2.3")
	assert.Contains(t, out, "Commit: abc123")
}

func TestVerboseAndQuietAreExclusive(t *testing.T) {
	_, err := execute(t, "version", "--verbose", "--quiet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestConfigCommandPrintsLoadableDefaults(t *testing.T) {
	out, err := execute(t, "config")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "# MySQL Backup Orchestrator configuration"))

	var cfg config.EngineConfig
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, config.GenerateDefaultConfig().Restore.Strategies, cfg.Restore.Strategies)
	assert.Equal(t, config.DefaultProtectedTables, cfg.Restore.ProtectedTables)
}

func TestParseStatuses(t *testing.T) {
	got, err := parseStatuses([]string{"completed, FAILED", "cancelled"})
	require.NoError(t, err)
	assert.Equal(t, []jobs.Status{jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled}, got)

	_, err = parseStatuses([]string{"done"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestParseSyncStatuses(t *testing.T) {
	got, err := parseSyncStatuses([]string{"conflict,verified"})
	require.NoError(t, err)
	assert.Equal(t, []reconcile.SyncStatus{reconcile.SyncConflict, reconcile.SyncVerified}, got)

	_, err = parseSyncStatuses([]string{"stale"})
	assert.Error(t, err)
}

func TestBackupOptionsFromFlags(t *testing.T) {
	backupType, backupNoFiles, backupPhysicalMode = "PHYSICAL", true, "Cold"
	t.Cleanup(func() { backupType, backupNoFiles, backupPhysicalMode = string(jobs.BackupTypeFull), false, "" })

	bt, opts := backupOptions()
	assert.Equal(t, jobs.BackupTypePhysical, bt)
	assert.True(t, opts.IncludeDatabase)
	assert.False(t, opts.IncludeFiles)
	assert.Equal(t, backup.PhysicalCold, opts.PhysicalMode)
	assert.NoError(t, opts.Validate(bt))
}

func TestSubmitRejectsBadTypesBeforeConnecting(t *testing.T) {
	_, err := execute(t, "restore", "submit", "backup-1", "--type", "everything")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation), "%v", err)
	restoreType = string(jobs.RestoreTypeFull)

	_, err = execute(t, "backup", "submit", "--no-database", "--no-files")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation), "%v", err)
	backupNoDatabase, backupNoFiles = false, false
}

func TestReportErrorAddsHints(t *testing.T) {
	var buf bytes.Buffer
	reportError(&buf, apperrors.NewIntegrityError("checksum mismatch", nil))
	assert.Contains(t, buf.String(), "Error: integrity: checksum mismatch")
	assert.Contains(t, buf.String(), "Troubleshooting hints:")

	buf.Reset()
	reportError(&buf, errors.New("plain failure"))
	assert.Equal(t, "Error: plain failure\n", buf.String())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(apperrors.NewValidationError("bad")))
	assert.Equal(t, 3, exitCode(jobs.NotFound("backup", "b1")))
	assert.Equal(t, 4, exitCode(apperrors.NewIntegrityError("bad", nil)))
	assert.Equal(t, 1, exitCode(errors.New("other")))
}

func TestHealthDocsSorted(t *testing.T) {
	docs := healthDocs(map[string]error{"S3": errors.New("denied"), "LOCAL": nil})
	require.Len(t, docs, 2)
	assert.Equal(t, healthDoc{Provider: "LOCAL", Healthy: true}, docs[0])
	assert.Equal(t, healthDoc{Provider: "S3", Error: "denied"}, docs[1])
}
