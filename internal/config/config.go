package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mysql-backup-orchestrator/internal/database"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/logging"
)

// EngineConfig represents the complete backup/restore engine configuration
type EngineConfig struct {
	Database   database.DatabaseConfig `yaml:"database"`
	Shadow     ShadowConfig            `yaml:"shadow"`
	Storage    StorageConfig           `yaml:"storage"`
	Encryption EncryptionConfig        `yaml:"encryption"`
	Backup     BackupConfig            `yaml:"backup"`
	Restore    RestoreConfig           `yaml:"restore"`
	Validator  ValidatorConfig         `yaml:"validator"`
	Reconcile  ReconcileConfig         `yaml:"reconcile"`
	Logging    logging.Config          `yaml:"logging"`
	Metrics    MetricsConfig           `yaml:"metrics"`
}

// ShadowConfig locates the independent metadata store
type ShadowConfig struct {
	Path string `yaml:"path"`
}

// BackupConfig drives capture
type BackupConfig struct {
	WorkDir           string        `yaml:"work_dir"`
	ManifestPath      string        `yaml:"manifest_path"`
	FilePaths         []string      `yaml:"file_paths"`
	DumpCommand       string        `yaml:"dump_command"`
	DockerCommand     string        `yaml:"docker_command"`
	DatabaseContainer string        `yaml:"database_container"`
	DataVolume        string        `yaml:"data_volume"`
	HelperImage       string        `yaml:"helper_image"`
	Compression       string        `yaml:"compression"` // "gzip", "zstd", "lz4"
	CaptureTimeout    time.Duration `yaml:"capture_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReaperTimeout     time.Duration `yaml:"reaper_timeout"`
	ReaperInterval    time.Duration `yaml:"reaper_interval"`
}

// RestoreConfig drives dump application
type RestoreConfig struct {
	WorkDir            string                `yaml:"work_dir"`
	ClientCommand      string                `yaml:"client_command"`
	Strategies         []string              `yaml:"strategies"`
	ProtectedTables    []string              `yaml:"protected_tables"`
	AcceptableErrors   []string              `yaml:"acceptable_errors"`
	ApplyTimeout       time.Duration         `yaml:"apply_timeout"`
	SkipSafetySnapshot bool                  `yaml:"skip_safety_snapshot"`
	IndependentProcess bool                  `yaml:"independent_process"`
	WorkerBinary       string                `yaml:"worker_binary"`
	KeepWorkDir        bool                  `yaml:"keep_work_dir"`
	Bookkeeping        apperrors.RetryConfig `yaml:"bookkeeping_retry"`
}

// ValidatorConfig locates the expected-table sources
type ValidatorConfig struct {
	SchemaFile    string              `yaml:"schema_file"`
	MigrationsDir string              `yaml:"migrations_dir"`
	TierPatterns  map[string][]string `yaml:"tier_patterns,omitempty"`
}

// ReconcileConfig schedules the periodic shadow sync
type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// MetricsConfig exposes Prometheus metrics from the serve command
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// Apply strategy names
const (
	StrategyDirect    = "direct"
	StrategyContainer = "container"
	StrategyClient    = "client"
)

// DefaultProtectedTables are never touched by a restore
var DefaultProtectedTables = []string{
	"backup_jobs",
	"restore_jobs",
	"backup_schedules",
	"admin_credentials",
	"audit_log",
}

// DefaultAcceptableErrors downgrade apply failures to warnings
var DefaultAcceptableErrors = []string{
	"doesn't exist",
	"Unknown table",
}

// Validate validates the EngineConfig
func (ec *EngineConfig) Validate() error {
	var errors ValidationErrors

	errors.Merge("database", ec.Database.Validate())
	if ec.Shadow.Path == "" {
		errors.Add("shadow.path", "shadow store path is required", nil)
	}
	errors.Merge("storage", ec.Storage.Validate())
	errors.Merge("encryption", ec.Encryption.Validate())
	errors.Merge("backup", ec.Backup.Validate())
	errors.Merge("restore", ec.Restore.Validate())
	if ec.Reconcile.Interval < 0 {
		errors.Add("reconcile.interval", "interval cannot be negative", ec.Reconcile.Interval)
	}
	if ec.Metrics.Enabled && ec.Metrics.ListenAddress == "" {
		errors.Add("metrics.listen_address", "listen address is required when metrics are enabled", nil)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for every section
func (ec *EngineConfig) SetDefaults() {
	if ec.Database.Port == 0 {
		ec.Database.Port = 3306
	}
	if ec.Database.Host == "" {
		ec.Database.Host = "localhost"
	}
	if ec.Database.Timeout == 0 {
		ec.Database.Timeout = 30 * time.Second
	}
	if ec.Shadow.Path == "" {
		ec.Shadow.Path = "./backup_metadata.db"
	}
	ec.Storage.SetDefaults()
	ec.Encryption.SetDefaults()
	ec.Backup.SetDefaults()
	ec.Restore.SetDefaults()
	if ec.Reconcile.Interval == 0 {
		ec.Reconcile.Interval = 10 * time.Minute
	}
	if ec.Logging.Level == "" {
		ec.Logging.Level = logging.LogLevelNormal
	}
	if ec.Logging.Format == "" {
		ec.Logging.Format = "text"
	}
	if ec.Metrics.ListenAddress == "" {
		ec.Metrics.ListenAddress = ":9102"
	}
}

// LoadFromEnvironment loads configuration values from environment variables
func (ec *EngineConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_DB_HOST"); val != "" {
		ec.Database.Host = val
	}
	if val := os.Getenv("BACKUP_DB_PORT"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			ec.Database.Port = parsed
		}
	}
	if val := os.Getenv("BACKUP_DB_USER"); val != "" {
		ec.Database.Username = val
	}
	if val := os.Getenv("BACKUP_DB_PASSWORD"); val != "" {
		ec.Database.Password = val
	}
	if val := os.Getenv("BACKUP_DB_NAME"); val != "" {
		ec.Database.Database = val
	}
	if val := os.Getenv("BACKUP_SHADOW_PATH"); val != "" {
		ec.Shadow.Path = val
	}
	ec.Storage.LoadFromEnvironment()
	ec.Encryption.LoadFromEnvironment()
	ec.Backup.LoadFromEnvironment()
	ec.Restore.LoadFromEnvironment()
	if val := os.Getenv("BACKUP_LOG_LEVEL"); val != "" {
		ec.Logging.Level = logging.LogLevel(strings.ToLower(val))
	}
	if val := os.Getenv("BACKUP_LOG_FILE"); val != "" {
		ec.Logging.LogFile = val
	}
	if val := os.Getenv("BACKUP_METRICS_ENABLED"); val != "" {
		ec.Metrics.Enabled = strings.ToLower(val) == "true"
	}
}

// Validate validates the BackupConfig
func (bc *BackupConfig) Validate() error {
	var errors ValidationErrors

	if bc.WorkDir == "" {
		errors.Add("work_dir", "work directory is required", nil)
	}
	switch bc.Compression {
	case "gzip", "zstd", "lz4":
	default:
		errors.Add("compression", "compression must be 'gzip', 'zstd' or 'lz4'", bc.Compression)
	}
	if bc.CaptureTimeout <= 0 {
		errors.Add("capture_timeout", "capture timeout must be positive", bc.CaptureTimeout)
	}
	if bc.HeartbeatInterval <= 0 {
		errors.Add("heartbeat_interval", "heartbeat interval must be positive", bc.HeartbeatInterval)
	}
	if bc.ReaperTimeout <= 0 {
		errors.Add("reaper_timeout", "reaper timeout must be positive", bc.ReaperTimeout)
	}
	if bc.ReaperTimeout > 0 && bc.ReaperTimeout < bc.CaptureTimeout {
		errors.Add("reaper_timeout", "reaper timeout must not be shorter than the capture timeout", bc.ReaperTimeout)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for backup configuration
func (bc *BackupConfig) SetDefaults() {
	if bc.WorkDir == "" {
		bc.WorkDir = "./backup-work"
	}
	if bc.ManifestPath == "" {
		bc.ManifestPath = filepath.Join(bc.WorkDir, "incremental_manifest.json")
	}
	if bc.DumpCommand == "" {
		bc.DumpCommand = "mysqldump --single-transaction --routines --triggers"
	}
	if bc.DockerCommand == "" {
		bc.DockerCommand = "docker"
	}
	if bc.DatabaseContainer == "" {
		bc.DatabaseContainer = "mysql"
	}
	if bc.DataVolume == "" {
		bc.DataVolume = "mysql_data"
	}
	if bc.HelperImage == "" {
		bc.HelperImage = "alpine:3.20"
	}
	if bc.Compression == "" {
		bc.Compression = "gzip"
	}
	if bc.CaptureTimeout == 0 {
		bc.CaptureTimeout = 30 * time.Minute
	}
	if bc.HeartbeatInterval == 0 {
		bc.HeartbeatInterval = 30 * time.Second
	}
	if bc.ReaperTimeout == 0 {
		bc.ReaperTimeout = 6 * time.Hour
	}
	if bc.ReaperInterval == 0 {
		bc.ReaperInterval = 5 * time.Minute
	}
}

// LoadFromEnvironment loads backup configuration from environment variables
func (bc *BackupConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_WORK_DIR"); val != "" {
		bc.WorkDir = val
	}
	if val := os.Getenv("BACKUP_FILE_PATHS"); val != "" {
		bc.FilePaths = strings.Split(val, string(os.PathListSeparator))
	}
	if val := os.Getenv("BACKUP_DUMP_COMMAND"); val != "" {
		bc.DumpCommand = val
	}
	if val := os.Getenv("BACKUP_DB_CONTAINER"); val != "" {
		bc.DatabaseContainer = val
	}
	if val := os.Getenv("BACKUP_DATA_VOLUME"); val != "" {
		bc.DataVolume = val
	}
	if val := os.Getenv("BACKUP_COMPRESSION"); val != "" {
		bc.Compression = strings.ToLower(val)
	}
	if val := os.Getenv("BACKUP_CAPTURE_TIMEOUT"); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			bc.CaptureTimeout = parsed
		}
	}
	if val := os.Getenv("BACKUP_REAPER_TIMEOUT"); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			bc.ReaperTimeout = parsed
		}
	}
}

// Validate validates the RestoreConfig
func (rc *RestoreConfig) Validate() error {
	var errors ValidationErrors

	if rc.WorkDir == "" {
		errors.Add("work_dir", "work directory is required", nil)
	}
	if len(rc.Strategies) == 0 {
		errors.Add("strategies", "at least one apply strategy is required", nil)
	}
	for _, s := range rc.Strategies {
		switch s {
		case StrategyDirect, StrategyContainer, StrategyClient:
		default:
			errors.Add("strategies", "unknown apply strategy", s)
		}
	}
	if rc.ApplyTimeout <= 0 {
		errors.Add("apply_timeout", "apply timeout must be positive", rc.ApplyTimeout)
	}
	if rc.Bookkeeping.MaxAttempts <= 0 {
		errors.Add("bookkeeping_retry.max_attempts", "max attempts must be positive", rc.Bookkeeping.MaxAttempts)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for restore configuration
func (rc *RestoreConfig) SetDefaults() {
	if rc.WorkDir == "" {
		rc.WorkDir = "./restore-work"
	}
	if rc.ClientCommand == "" {
		rc.ClientCommand = "mysql"
	}
	if len(rc.Strategies) == 0 {
		rc.Strategies = []string{StrategyDirect, StrategyContainer, StrategyClient}
	}
	if rc.ProtectedTables == nil {
		rc.ProtectedTables = append([]string(nil), DefaultProtectedTables...)
	}
	if rc.AcceptableErrors == nil {
		rc.AcceptableErrors = append([]string(nil), DefaultAcceptableErrors...)
	}
	if rc.ApplyTimeout == 0 {
		rc.ApplyTimeout = time.Hour
	}
	if rc.Bookkeeping.MaxAttempts == 0 {
		rc.Bookkeeping = apperrors.RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Multiplier:  2.0,
		}
	}
}

// LoadFromEnvironment loads restore configuration from environment variables
func (rc *RestoreConfig) LoadFromEnvironment() {
	if val := os.Getenv("BACKUP_RESTORE_WORK_DIR"); val != "" {
		rc.WorkDir = val
	}
	if val := os.Getenv("BACKUP_RESTORE_CLIENT_COMMAND"); val != "" {
		rc.ClientCommand = val
	}
	if val := os.Getenv("BACKUP_RESTORE_STRATEGIES"); val != "" {
		rc.Strategies = strings.Split(val, ",")
	}
	if val := os.Getenv("BACKUP_RESTORE_INDEPENDENT_PROCESS"); val != "" {
		rc.IndependentProcess = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("BACKUP_RESTORE_SKIP_SAFETY_SNAPSHOT"); val != "" {
		rc.SkipSafetySnapshot = strings.ToLower(val) == "true"
	}
}
