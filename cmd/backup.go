package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mysql-backup-orchestrator/internal/application"
	"mysql-backup-orchestrator/internal/backup"
	"mysql-backup-orchestrator/internal/display"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/jobs"
)

var (
	// Backup submission flags
	backupType         string
	backupNoDatabase   bool
	backupNoFiles      bool
	backupPaths        []string
	backupCompression  string
	backupPhysicalMode string
	backupSkipUpload   bool

	// Backup listing flags
	backupListStatus []string
	backupListTypes  []string
	backupListLimit  int
)

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run and inspect backup jobs",
	Long: `Submit, list, inspect and cancel backup jobs.

A backup captures the database (a logical dump, or a physical copy of the
data volume) and the configured file roots, archives them, records a
checksum and uploads the artifact to every configured storage provider.

Examples:
  # Full backup of database and files
  mysql-backup-orchestrator backup submit

  # Database only, kept on local disk
  mysql-backup-orchestrator backup submit --type snapshot --no-files --skip-upload

  # Files changed since the last full backup
  mysql-backup-orchestrator backup submit --type incremental --no-database

  # Completed and failed backups as JSON
  mysql-backup-orchestrator backup list --status completed,failed -o json`,
}

var backupSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Start a backup and wait for it to finish",
	Long: `Start a backup job and wait for it to finish.

The job runs inside this process. Interrupting the command cancels the job;
its partial state is recorded and any captured files are kept.`,
	Args: cobra.NoArgs,
	RunE: runBackupSubmit,
}

var backupListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List backup jobs, newest first",
	Args:    cobra.NoArgs,
	RunE:    runBackupList,
}

var backupShowCmd = &cobra.Command{
	Use:   "show <backup-id>",
	Short: "Show one backup job",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupShow,
}

var backupCancelCmd = &cobra.Command{
	Use:   "cancel <backup-id>",
	Short: "Cancel a pending or running backup",
	Long: `Cancel a pending or running backup.

The cancellation is recorded immediately; the worker stops at its next phase
boundary, wherever it runs.`,
	Args: cobra.ExactArgs(1),
	RunE: runBackupCancel,
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupSubmitCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupShowCmd)
	backupCmd.AddCommand(backupCancelCmd)

	backupSubmitCmd.Flags().StringVarP(&backupType, "type", "t", string(jobs.BackupTypeFull), "backup type (full, incremental, snapshot, physical)")
	backupSubmitCmd.Flags().BoolVar(&backupNoDatabase, "no-database", false, "leave the database out")
	backupSubmitCmd.Flags().BoolVar(&backupNoFiles, "no-files", false, "leave companion files out")
	backupSubmitCmd.Flags().StringSliceVar(&backupPaths, "paths", nil, "file roots to capture instead of the configured ones")
	backupSubmitCmd.Flags().StringVar(&backupCompression, "compression", "", "archive compression (gzip, zstd, lz4); default from config")
	backupSubmitCmd.Flags().StringVar(&backupPhysicalMode, "physical-mode", "", "physical capture mode (hot, cold); default tries hot then cold")
	backupSubmitCmd.Flags().BoolVar(&backupSkipUpload, "skip-upload", false, "keep the artifact on local disk only")

	backupListCmd.Flags().StringSliceVar(&backupListStatus, "status", nil, "filter by status (pending, running, completed, failed, cancelled)")
	backupListCmd.Flags().StringSliceVar(&backupListTypes, "type", nil, "filter by backup type")
	backupListCmd.Flags().IntVar(&backupListLimit, "limit", 20, "maximum number of backups to list (0 for all)")
}

// backupOptions builds the job options from the submit flags
func backupOptions() (jobs.BackupType, backup.Options) {
	opts := backup.Options{
		IncludeDatabase: !backupNoDatabase,
		IncludeFiles:    !backupNoFiles,
		FilePaths:       backupPaths,
		Compression:     backupCompression,
		PhysicalMode:    backup.PhysicalMode(strings.ToLower(backupPhysicalMode)),
		SkipUpload:      backupSkipUpload,
	}
	return jobs.BackupType(strings.ToLower(backupType)), opts
}

func runBackupSubmit(cmd *cobra.Command, args []string) error {
	t, opts := backupOptions()
	if err := opts.Validate(t); err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, app *application.Application, out *output) error {
		waitCtx := apperrors.NewGracefulShutdownHandler().Start(ctx)

		id, err := app.Backups.Submit(ctx, t, opts)
		if err != nil {
			return err
		}
		out.note(display.ColorInfo, "backup %s submitted, waiting for it to finish", id)

		if err := app.Backups.Wait(waitCtx, id); err != nil {
			out.note(display.ColorWarning, "interrupted, cancelling backup %s", id)
			if _, cerr := app.Backups.Cancel(context.Background(), id); cerr != nil {
				return cerr
			}
			app.Backups.Drain()
		}

		job, err := app.Jobs.GetBackup(ctx, id)
		if err != nil {
			return err
		}
		if err := out.emit(job, func() error { out.printer.Backup(job); return nil }); err != nil {
			return err
		}
		if job.Status != jobs.StatusCompleted {
			return apperrors.NewCaptureError(fmt.Sprintf("backup %s ended %s", id, job.Status), nil)
		}
		return nil
	})
}

func runBackupList(cmd *cobra.Command, args []string) error {
	statuses, err := parseStatuses(backupListStatus)
	if err != nil {
		return err
	}
	filter := jobs.BackupFilter{Statuses: statuses, Limit: backupListLimit}
	for _, t := range backupListTypes {
		bt := jobs.BackupType(strings.ToLower(t))
		if !jobs.IsValidBackupType(bt) {
			return apperrors.NewValidationError(fmt.Sprintf("unknown backup type %q", t))
		}
		filter.Types = append(filter.Types, bt)
	}

	return withApp(cmd, func(ctx context.Context, app *application.Application, out *output) error {
		list, err := app.Jobs.ListBackups(ctx, filter)
		if err != nil {
			return err
		}
		return out.emit(list, func() error { return out.printer.Backups(list) })
	})
}

func runBackupShow(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *application.Application, out *output) error {
		job, err := app.Jobs.GetBackup(ctx, args[0])
		if err != nil {
			return err
		}
		return out.emit(job, func() error { out.printer.Backup(job); return nil })
	})
}

func runBackupCancel(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *application.Application, out *output) error {
		cancelled, err := app.Backups.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		if !cancelled {
			out.printer.Line(display.ColorWarning, "backup %s had already finished", args[0])
			return nil
		}
		out.printer.Line(display.ColorSuccess, "backup %s cancelled", args[0])
		return nil
	})
}
