package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mysql-backup-orchestrator/internal/application"
	"mysql-backup-orchestrator/internal/display"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/jobs"
	"mysql-backup-orchestrator/internal/logging"
)

// output bundles the chosen format with a printer for table output
type output struct {
	w       io.Writer
	format  display.OutputFormat
	printer *display.Printer
}

func newOutput(cmd *cobra.Command) (*output, error) {
	format, err := display.ParseFormat(viper.GetString("output"))
	if err != nil {
		return nil, err
	}
	w := cmd.OutOrStdout()
	palette := display.NewPalette(w, !viper.GetBool("no_color"))
	return &output{w: w, format: format, printer: display.NewPrinter(w, palette)}, nil
}

// emit encodes v as JSON or YAML, or calls table for table output
func (o *output) emit(v interface{}, table func() error) error {
	if o.format != display.FormatTable {
		return display.Encode(o.w, o.format, v)
	}
	return table()
}

// note prints a progress line in table mode only
func (o *output) note(c display.Color, format string, args ...interface{}) {
	if o.format == display.FormatTable {
		o.printer.Line(c, format, args...)
	}
}

// withApp loads configuration, assembles the engine and runs fn. Running
// jobs are waited for before the engine is closed.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *application.Application, out *output) error) error {
	out, err := newOutput(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadEngineConfig()
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := application.New(ctx, cfg, configPath(), logger)
	if err != nil {
		return err
	}
	defer func() {
		app.Backups.Drain()
		app.Restores.Drain()
		app.Close()
	}()

	return fn(ctx, app, out)
}

// reportError prints an error with hints for the common failure classes
func reportError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return
	}
	hints := troubleshootingHints(appErr.Type)
	if len(hints) == 0 {
		return
	}
	fmt.Fprintf(w, "\nTroubleshooting hints:\n")
	for _, h := range hints {
		fmt.Fprintf(w, "- %s\n", h)
	}
}

func troubleshootingHints(t apperrors.ErrorType) []string {
	switch t {
	case apperrors.ErrorTypeConnection:
		return []string{
			"Check that the database server is running",
			"Verify the host and port are correct",
			"Ensure network connectivity to the database server",
		}
	case apperrors.ErrorTypePermission:
		return []string{
			"Verify the username and password are correct",
			"Check that the user may run mysqldump and FLUSH TABLES WITH READ LOCK",
		}
	case apperrors.ErrorTypeEnvironment:
		return []string{
			"Check that the mysql and mysqldump clients are installed and on PATH",
			"Check that the container runtime is reachable and the database container is running",
		}
	case apperrors.ErrorTypeIntegrity:
		return []string{
			"Run the validate command against the dump to see which tables are missing",
			"Take a fresh backup if the artifact checksum no longer matches",
		}
	case apperrors.ErrorTypeTimeout:
		return []string{
			"Try increasing backup.capture_timeout or restore.apply_timeout",
		}
	}
	return nil
}

// exitCode maps error classes onto distinct process exit codes
func exitCode(err error) int {
	switch apperrors.GetErrorType(err) {
	case apperrors.ErrorTypeValidation:
		return 2
	case apperrors.ErrorTypeNotFound:
		return 3
	case apperrors.ErrorTypeIntegrity:
		return 4
	default:
		return 1
	}
}

// parseStatuses turns a comma separated --status value into job statuses
func parseStatuses(list []string) ([]jobs.Status, error) {
	var out []jobs.Status
	for _, raw := range list {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(strings.ToLower(s))
			if s == "" {
				continue
			}
			status := jobs.Status(s)
			switch status {
			case jobs.StatusPending, jobs.StatusRunning, jobs.StatusCompleted,
				jobs.StatusFailed, jobs.StatusCancelled, jobs.StatusPartial:
			default:
				return nil, apperrors.NewValidationError(fmt.Sprintf("unknown status %q", s))
			}
			out = append(out, status)
		}
	}
	return out, nil
}

// requestedBy names the operator for restore audit fields
func requestedBy() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
