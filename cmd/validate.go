package cmd

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"mysql-backup-orchestrator/internal/database"
	"mysql-backup-orchestrator/internal/display"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/logging"
	"mysql-backup-orchestrator/internal/validator"
)

var (
	validateSchemaFile    string
	validateMigrationsDir string
	validateLive          bool
)

// validateCmd checks a dump for missing tables
var validateCmd = &cobra.Command{
	Use:   "validate <dump.sql>",
	Short: "Check a SQL dump for missing tables",
	Long: `Check a SQL dump against the expected table set and report what is missing,
grouped by importance tier.

Expected tables come from the configured schema file and migrations
directory. With --live, tables of the running database that neither
declares are expected as well. The command exits non-zero when the missing
tables would block a restore.

Examples:
  mysql-backup-orchestrator validate ./database_20260301_120000.sql
  mysql-backup-orchestrator validate dump.sql --schema-file ./schema.sql -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateSchemaFile, "schema-file", "", "schema definition file (overrides validator.schema_file)")
	validateCmd.Flags().StringVar(&validateMigrationsDir, "migrations-dir", "", "migrations directory (overrides validator.migrations_dir)")
	validateCmd.Flags().BoolVar(&validateLive, "live", false, "also expect the tables of the live database")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out, err := newOutput(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadEngineConfig()
	if err != nil {
		return err
	}
	if validateSchemaFile != "" {
		cfg.Validator.SchemaFile = validateSchemaFile
	}
	if validateMigrationsDir != "" {
		cfg.Validator.MigrationsDir = validateMigrationsDir
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	var db *sql.DB
	if validateLive {
		svc := database.NewServiceWithLogger(logger)
		db, err = svc.Connect(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	v, err := validator.FromConfig(cfg.Validator, db, logger)
	if err != nil {
		return err
	}
	report, err := v.ValidateFile(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if err := out.emit(report, func() error { return out.printer.Report(report) }); err != nil {
		return err
	}
	if report.Severity.Blocking() {
		return apperrors.NewIntegrityError(fmt.Sprintf("dump would be refused: %s", report.Summary()), nil)
	}
	if !report.Complete {
		out.note(display.ColorWarning, "dump is incomplete but would be restored with warnings")
	}
	return nil
}
