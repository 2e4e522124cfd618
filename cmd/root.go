package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"mysql-backup-orchestrator/internal/config"
	"mysql-backup-orchestrator/internal/logging"
)

var cfgFile string

// Global flag variables
var (
	verbose      bool
	quiet        bool
	noColor      bool
	outputFormat string
	logFile      string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mysql-backup-orchestrator",
	Short: "Back up and restore a MySQL database and its companion files",
	Long: `MySQL Backup Orchestrator runs backup and restore jobs for a MySQL database
and the files that belong with it (uploads, attachments).

Backups are tracked as jobs, archived, checksummed and fanned out to the
configured storage providers. Restores verify the artifact, refuse dumps that
are missing critical tables, protect the job-tracking tables and fall back
across several apply strategies. A shadow metadata store is reconciled with
the job records so that a restore rolling back the database cannot lose the
backup history.

Examples:
  # Take a full backup and wait for it
  mysql-backup-orchestrator backup submit --type full

  # Restore only the database from a backup
  mysql-backup-orchestrator restore submit backup_20260301_120000_ab12cd34 --type database_only

  # Check a dump for missing tables before restoring it
  mysql-backup-orchestrator validate ./database_20260301_120000.sql

  # Run the reaper, reconciliation and metrics endpoint
  mysql-backup-orchestrator serve --config /etc/backup-orchestrator.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose && quiet {
			return fmt.Errorf("--verbose and --quiet flags are mutually exclusive")
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		reportError(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mysql-backup-orchestrator.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	flags.BoolVarP(&quiet, "quiet", "q", false, "log errors only")
	flags.BoolVar(&noColor, "no-color", false, "disable color output")
	flags.StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	flags.StringVar(&logFile, "log-file", "", "also write logs to this file")

	viper.BindPFlag("verbose", flags.Lookup("verbose"))
	viper.BindPFlag("quiet", flags.Lookup("quiet"))
	viper.BindPFlag("no_color", flags.Lookup("no-color"))
	viper.BindPFlag("output", flags.Lookup("output"))
	viper.BindPFlag("log_file", flags.Lookup("log-file"))

	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())
}

// initConfig locates the config file and binds environment variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".mysql-backup-orchestrator")
	}

	viper.SetEnvPrefix("BACKUP_ORCHESTRATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// configPath is the file the engine configuration is loaded from, or empty
// for defaults plus environment
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return viper.ConfigFileUsed()
}

// loadEngineConfig loads the engine configuration and applies the logging flags
func loadEngineConfig() (*config.EngineConfig, error) {
	cfg, err := config.NewConfigLoader(configPath()).LoadConfig()
	if err != nil {
		return nil, err
	}
	applyLoggingFlags(&cfg.Logging)
	return cfg, nil
}

func applyLoggingFlags(cfg *logging.Config) {
	switch {
	case viper.GetBool("quiet"):
		cfg.Level = logging.LogLevelQuiet
	case viper.GetBool("verbose"):
		cfg.Level = logging.LogLevelVerbose
	}
	if f := viper.GetString("log_file"); f != "" {
		cfg.LogFile = f
	}
	// Logs go to stderr so stdout stays machine readable
	cfg.Output = os.Stderr
}

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Long:  "Print the version information for mysql-backup-orchestrator",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mysql-backup-orchestrator version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Go version: %s\n", goVersion)
		},
	}
}

const configHeader = `# MySQL Backup Orchestrator configuration
#
# Every value below is a default. Secrets are better supplied through the
# environment than stored here:
#   BACKUP_DB_PASSWORD        database password
#   BACKUP_ENCRYPTION_KEY     hex key or passphrase (see encryption.key_env_var)
#   AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY for S3
#
# Set restrictive permissions on this file: chmod 600
`

// createConfigCommand creates the config subcommand
func createConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print a configuration file with every default filled in",
		Long: `Print a complete configuration file with every default filled in.

Redirect the output to a file and adjust it for your environment.

Examples:
  mysql-backup-orchestrator config > /etc/backup-orchestrator.yaml
  mysql-backup-orchestrator config validate --config /etc/backup-orchestrator.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(config.GenerateDefaultConfig())
			if err != nil {
				return fmt.Errorf("failed to render default config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, configHeader)
			_, err = out.Write(data)
			return err
		},
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadEngineConfig(); err != nil {
				return err
			}
			source := configPath()
			if source == "" {
				source = "defaults and environment"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration from %s is valid\n", source)
			return nil
		},
	})
	return configCmd
}
