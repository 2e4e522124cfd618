package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mysql-backup-orchestrator/internal/application"
	"mysql-backup-orchestrator/internal/display"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/jobs"
	"mysql-backup-orchestrator/internal/restore"
)

var (
	restoreType      string
	restoreListLimit int
)

// errWorkerFailed reports a failed out-of-process apply; the details are in
// the result document already printed
var errWorkerFailed = errors.New("restore worker failed")

// restoreCmd represents the restore command
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Run and inspect restore jobs",
	Long: `Submit, list, inspect and cancel restore jobs.

A restore verifies the backup artifact against its recorded checksum, checks
the dump for missing tables, takes a safety snapshot of the current database,
strips the job-tracking tables out of the dump and applies it with the first
strategy that succeeds. Companion files are copied back into place.

Examples:
  # Restore database and files
  mysql-backup-orchestrator restore submit backup_20260301_120000_ab12cd34

  # Database only
  mysql-backup-orchestrator restore submit backup_20260301_120000_ab12cd34 --type database_only

  # Follow recent restores
  mysql-backup-orchestrator restore list --limit 5`,
}

var restoreSubmitCmd = &cobra.Command{
	Use:   "submit <backup-id>",
	Short: "Start a restore and wait for it to finish",
	Long: `Start a restore job and wait for it to finish.

Interrupting the command cancels the restore as long as dump application has
not started. Once it has, the restore runs to completion.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestoreSubmit,
}

var restoreListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List restore jobs, newest first",
	Args:    cobra.NoArgs,
	RunE:    runRestoreList,
}

var restoreShowCmd = &cobra.Command{
	Use:   "show <restore-id>",
	Short: "Show one restore job",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestoreShow,
}

var restoreCancelCmd = &cobra.Command{
	Use:   "cancel <restore-id>",
	Short: "Cancel a restore that has not started applying",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestoreCancel,
}

// restoreWorkerCmd is the child side of out-of-process restores
var restoreWorkerCmd = &cobra.Command{
	Use:    restore.WorkerCommand + " <dump-path> <restore-id>",
	Short:  "Apply a dump and print one JSON result document",
	Hidden: true,
	Args:   cobra.ExactArgs(2),
	RunE:   runRestoreWorker,
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(restoreWorkerCmd)
	restoreCmd.AddCommand(restoreSubmitCmd)
	restoreCmd.AddCommand(restoreListCmd)
	restoreCmd.AddCommand(restoreShowCmd)
	restoreCmd.AddCommand(restoreCancelCmd)

	restoreSubmitCmd.Flags().StringVarP(&restoreType, "type", "t", string(jobs.RestoreTypeFull), "restore type (full, database_only, files_only, partial)")
	restoreListCmd.Flags().IntVar(&restoreListLimit, "limit", 20, "maximum number of restores to list (0 for all)")
}

func runRestoreSubmit(cmd *cobra.Command, args []string) error {
	t := jobs.RestoreType(strings.ToLower(restoreType))
	if !jobs.IsValidRestoreType(t) {
		return apperrors.NewValidationError(fmt.Sprintf("unknown restore type %q", restoreType))
	}

	return withApp(cmd, func(ctx context.Context, app *application.Application, out *output) error {
		waitCtx := apperrors.NewGracefulShutdownHandler().Start(ctx)

		id, err := app.Restores.Submit(ctx, restore.Request{BackupID: args[0], Type: t, RequestedBy: requestedBy()})
		if err != nil {
			return err
		}
		out.note(display.ColorInfo, "restore %s of backup %s submitted, waiting for it to finish", id, args[0])

		if err := app.Restores.Wait(waitCtx, id); err != nil {
			cancelled, cerr := app.Restores.Cancel(context.Background(), id)
			switch {
			case cerr != nil:
				return cerr
			case cancelled:
				out.note(display.ColorWarning, "interrupted, restore %s cancelled", id)
			default:
				out.note(display.ColorWarning, "interrupted, but restore %s is already applying; waiting for it", id)
			}
			app.Restores.Drain()
		}

		job, err := app.Jobs.GetRestore(ctx, id)
		if err != nil {
			return err
		}
		if err := out.emit(job, func() error { out.printer.Restore(job); return nil }); err != nil {
			return err
		}
		if job.Status != jobs.StatusCompleted {
			return apperrors.NewCaptureError(fmt.Sprintf("restore %s ended %s", id, job.Status), nil)
		}
		return nil
	})
}

func runRestoreList(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *application.Application, out *output) error {
		list, err := app.Jobs.ListRestores(ctx, restoreListLimit)
		if err != nil {
			return err
		}
		return out.emit(list, func() error { return out.printer.Restores(list) })
	})
}

func runRestoreShow(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *application.Application, out *output) error {
		job, err := app.Jobs.GetRestore(ctx, args[0])
		if err != nil {
			return err
		}
		return out.emit(job, func() error { out.printer.Restore(job); return nil })
	})
}

func runRestoreCancel(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *application.Application, out *output) error {
		cancelled, err := app.Restores.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		if !cancelled {
			out.printer.Line(display.ColorWarning, "restore %s has finished or is already applying", args[0])
			return nil
		}
		out.printer.Line(display.ColorSuccess, "restore %s cancelled", args[0])
		return nil
	})
}

func runRestoreWorker(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *application.Application, out *output) error {
		code := restore.RunWorker(ctx, out.w, args[0], args[1], app.Restores.Filter(), app.Appliers, app.Logger)
		if code != 0 {
			return errWorkerFailed
		}
		return nil
	})
}
