// Package backup runs backup jobs: capture of the database and companion
// files, archiving, checksumming and upload, with cooperative cancellation,
// heartbeats and a reaper for jobs whose worker died.
package backup

import (
	"fmt"

	"mysql-backup-orchestrator/internal/archive"
	apperrors "mysql-backup-orchestrator/internal/errors"
	"mysql-backup-orchestrator/internal/jobs"
)

// PhysicalMode selects how a physical capture treats the running server
type PhysicalMode string

const (
	// PhysicalAuto tries a hot copy and falls back to a locked copy
	PhysicalAuto PhysicalMode = ""
	PhysicalHot  PhysicalMode = "hot"
	PhysicalCold PhysicalMode = "cold"
)

// Options describe what one backup job captures
type Options struct {
	IncludeDatabase bool
	IncludeFiles    bool
	// FilePaths overrides the configured companion file roots
	FilePaths    []string
	Compression  string
	PhysicalMode PhysicalMode
	// SkipUpload keeps the artifact on local disk only
	SkipUpload bool
}

// DefaultOptions captures everything
func DefaultOptions() Options {
	return Options{IncludeDatabase: true, IncludeFiles: true}
}

// Validate rejects option sets no worker could run
func (o Options) Validate(backupType jobs.BackupType) error {
	if !jobs.IsValidBackupType(backupType) {
		return apperrors.NewValidationError(fmt.Sprintf("unknown backup type %q", backupType))
	}
	if !o.IncludeDatabase && !o.IncludeFiles {
		return apperrors.NewValidationError("backup must include the database, files or both")
	}
	if backupType == jobs.BackupTypePhysical && !o.IncludeDatabase {
		return apperrors.NewValidationError("physical backups must include the database")
	}
	if backupType == jobs.BackupTypeIncremental && !o.IncludeFiles {
		return apperrors.NewValidationError("incremental backups must include files")
	}
	switch o.PhysicalMode {
	case PhysicalAuto, PhysicalHot, PhysicalCold:
	default:
		return apperrors.NewValidationError(fmt.Sprintf("unknown physical mode %q", o.PhysicalMode))
	}
	if o.PhysicalMode != PhysicalAuto && backupType != jobs.BackupTypePhysical {
		return apperrors.NewValidationError("physical mode applies only to physical backups")
	}
	if _, err := archive.ParseCodec(o.Compression); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	return nil
}

// extra renders the options into the job's extra map
func (o Options) extra(codec archive.Codec) map[string]interface{} {
	extra := map[string]interface{}{
		jobs.ExtraIncludeDatabase: o.IncludeDatabase,
		jobs.ExtraIncludeFiles:    o.IncludeFiles,
		jobs.ExtraCompression:     string(codec),
	}
	if o.PhysicalMode != PhysicalAuto {
		extra[jobs.ExtraPhysicalMode] = string(o.PhysicalMode)
	}
	return extra
}
