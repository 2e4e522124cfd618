package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mysql-backup-orchestrator/internal/application"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/reconcile"
)

var (
	reconcileRecordStatus []string
	reconcileLogLimit     int
)

// reconcileCmd runs one reconciliation pass
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile backup job records with the shadow metadata store",
	Long: `Run one reconciliation pass between the backup job table and the shadow
metadata store.

The pass mirrors new and changed jobs into the shadow store, flags records
that disagree, settles each conflict by checking whether the artifact still
exists, and writes the settled status back to the job table.

Examples:
  # One pass, summary as a table
  mysql-backup-orchestrator reconcile

  # Records still in conflict
  mysql-backup-orchestrator reconcile records --status conflict

  # Decision history for one backup
  mysql-backup-orchestrator reconcile log backup_20260301_120000_ab12cd34`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

var reconcileRecordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List shadow metadata records",
	Args:  cobra.NoArgs,
	RunE:  runReconcileRecords,
}

var reconcileLogCmd = &cobra.Command{
	Use:   "log <backup-id>",
	Short: "Show the reconciliation history of one backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runReconcileLog,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.AddCommand(reconcileRecordsCmd)
	reconcileCmd.AddCommand(reconcileLogCmd)

	reconcileRecordsCmd.Flags().StringSliceVar(&reconcileRecordStatus, "status", nil, "filter by sync status (pending, synced, conflict, verified)")
	reconcileLogCmd.Flags().IntVar(&reconcileLogLimit, "limit", 50, "maximum number of entries (0 for all)")
}

func parseSyncStatuses(list []string) ([]reconcile.SyncStatus, error) {
	var out []reconcile.SyncStatus
	for _, raw := range list {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(strings.ToLower(s))
			if s == "" {
				continue
			}
			status := reconcile.SyncStatus(s)
			switch status {
			case reconcile.SyncPending, reconcile.SyncSynced, reconcile.SyncConflict, reconcile.SyncVerified:
			default:
				return nil, apperrors.NewValidationError(fmt.Sprintf("unknown sync status %q", s))
			}
			out = append(out, status)
		}
	}
	return out, nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *application.Application, out *output) error {
		summary, err := app.Reconciler.Reconcile(ctx)
		if err != nil {
			return err
		}
		return out.emit(summary, func() error { out.printer.Reconciliation(summary); return nil })
	})
}

func runReconcileRecords(cmd *cobra.Command, args []string) error {
	statuses, err := parseSyncStatuses(reconcileRecordStatus)
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, app *application.Application, out *output) error {
		records, err := app.Reconciler.Records(ctx, statuses...)
		if err != nil {
			return err
		}
		return out.emit(records, func() error { return out.printer.Records(records) })
	})
}

func runReconcileLog(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *application.Application, out *output) error {
		entries, err := app.Reconciler.Log(ctx, args[0], reconcileLogLimit)
		if err != nil {
			return err
		}
		return out.emit(entries, func() error { return out.printer.SyncLog(entries) })
	})
}
