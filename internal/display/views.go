package display

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"mysql-backup-orchestrator/internal/jobs"
	"mysql-backup-orchestrator/internal/reconcile"
	"mysql-backup-orchestrator/internal/validator"
)

// Printer renders views to one writer
type Printer struct {
	w       io.Writer
	palette *Palette
	now     func() time.Time
}

// NewPrinter creates a printer. A nil palette prints plain text.
func NewPrinter(w io.Writer, palette *Palette) *Printer {
	if palette == nil {
		palette = PlainPalette()
	}
	return &Printer{w: w, palette: palette, now: time.Now}
}

func (p *Printer) status(s jobs.Status) Cell {
	return Cell{Text: string(s), Color: StatusColor(s)}
}

func (p *Printer) field(name, value string) {
	fmt.Fprintf(p.w, "%-14s %s\n", p.palette.Sprint(ColorMuted, name+":"), value)
}

// Line prints a colored one-line message
func (p *Printer) Line(c Color, format string, args ...interface{}) {
	fmt.Fprintln(p.w, p.palette.Sprintf(c, format, args...))
}

// Backups lists backup jobs newest first
func (p *Printer) Backups(list []*jobs.BackupJob) error {
	if len(list) == 0 {
		p.Line(ColorMuted, "no backups")
		return nil
	}
	now := p.now()
	t := NewTable(p.palette, "id", "type", "status", "size", "files", "created", "took")
	t.SetAlignment(3, AlignRight)
	t.SetAlignment(4, AlignRight)
	for _, j := range list {
		created := j.CreatedAt
		t.AddCells(
			Cell{Text: j.ID},
			Cell{Text: string(j.Type)},
			p.status(j.Status),
			Cell{Text: Bytes(j.FileSize)},
			Cell{Text: fmt.Sprint(j.FilesCount)},
			Cell{Text: Age(&created, now)},
			Cell{Text: Elapsed(j.StartedAt, j.CompletedAt)},
		)
	}
	return t.Render(p.w)
}

// Backup prints one backup job in full
func (p *Printer) Backup(j *jobs.BackupJob) {
	now := p.now()
	created := j.CreatedAt
	p.field("ID", j.ID)
	p.field("Type", string(j.Type))
	p.field("Status", p.palette.Sprint(StatusColor(j.Status), string(j.Status)))
	p.field("Created", fmt.Sprintf("%s (%s)", j.CreatedAt.Format(time.RFC3339), Age(&created, now)))
	p.field("Duration", Elapsed(j.StartedAt, j.CompletedAt))
	if j.HeartbeatAt != nil {
		p.field("Heartbeat", Age(j.HeartbeatAt, now))
	}
	if j.FilePath != "" {
		p.field("Artifact", j.FilePath)
		p.field("Size", fmt.Sprintf("%s (ratio %.2f)", Bytes(j.FileSize), j.CompressionRatio))
	}
	if j.Checksum != "" {
		p.field("Checksum", j.Checksum)
	}
	p.field("Contents", fmt.Sprintf("%d database dump(s), %d files", j.DatabasesCount, j.FilesCount))
	if j.ExtraBool(jobs.ExtraPartialBackup) {
		p.field("Partial", p.palette.Sprint(ColorWarning, "yes"))
	}
	if stored, ok := j.Extra[jobs.ExtraStorage].(map[string]interface{}); ok {
		names := make([]string, 0, len(stored))
		for name := range stored {
			names = append(names, name)
		}
		sort.Strings(names)
		p.field("Stored in", strings.Join(names, ", "))
	}
	if j.ErrorMessage != "" {
		p.field("Error", p.palette.Sprint(ColorError, j.ErrorMessage))
	}
}

// Restores lists restore jobs
func (p *Printer) Restores(list []*jobs.RestoreJob) error {
	if len(list) == 0 {
		p.Line(ColorMuted, "no restores")
		return nil
	}
	now := p.now()
	t := NewTable(p.palette, "id", "backup", "type", "status", "progress", "created", "message")
	t.SetAlignment(4, AlignRight)
	for _, j := range list {
		created := j.CreatedAt
		msg := j.StatusMessage
		if j.Status == jobs.StatusFailed && j.ErrorMessage != "" {
			msg = j.ErrorMessage
		}
		t.AddCells(
			Cell{Text: j.ID},
			Cell{Text: j.BackupID},
			Cell{Text: string(j.Type)},
			p.status(j.Status),
			Cell{Text: fmt.Sprintf("%d%%", j.Progress)},
			Cell{Text: Age(&created, now)},
			Cell{Text: msg},
		)
	}
	return t.Render(p.w)
}

// Restore prints one restore job in full
func (p *Printer) Restore(j *jobs.RestoreJob) {
	p.field("ID", j.ID)
	p.field("Backup", j.BackupID)
	p.field("Type", string(j.Type))
	p.field("Status", p.palette.Sprint(StatusColor(j.Status), string(j.Status)))
	p.field("Progress", fmt.Sprintf("%d%%", j.Progress))
	if j.RequestedBy != "" {
		p.field("Requested by", j.RequestedBy)
	}
	p.field("Duration", Elapsed(j.StartedAt, j.CompletedAt))
	if j.StatusMessage != "" {
		p.field("Message", j.StatusMessage)
	}
	if j.ErrorMessage != "" {
		p.field("Error", p.palette.Sprint(ColorError, j.ErrorMessage))
	}
}

// Report prints a completeness report, missing tables grouped by tier
func (p *Printer) Report(r *validator.Report) error {
	verdict := p.palette.Sprint(ColorSuccess, "complete")
	if !r.Complete {
		c := ColorWarning
		if r.Severity.Blocking() {
			c = ColorError
		}
		verdict = p.palette.Sprintf(c, "incomplete (severity %s)", r.Severity)
	}
	p.field("Verdict", verdict)
	p.field("Expected", fmt.Sprintf("%d tables from %s", len(r.Expected), strings.Join(r.Sources, ", ")))
	p.field("Found", fmt.Sprintf("%d tables, %d with data", len(r.Found), len(r.TablesWithData)))
	if r.Complete {
		return nil
	}

	fmt.Fprintln(p.w)
	t := NewTable(p.palette, "tier", "missing")
	for _, tier := range validator.Tiers {
		missing := r.MissingByTier[tier]
		if len(missing) == 0 {
			continue
		}
		c := ColorMuted
		switch validator.SeverityFor(tier) {
		case validator.SeverityCritical, validator.SeverityHigh:
			c = ColorError
		case validator.SeverityMedium:
			c = ColorWarning
		}
		t.AddCells(Cell{Text: string(tier), Color: c}, Cell{Text: strings.Join(missing, ", ")})
	}
	return t.Render(p.w)
}

// Records lists shadow metadata records
func (p *Printer) Records(list []*reconcile.ExternalMetadataRecord) error {
	if len(list) == 0 {
		p.Line(ColorMuted, "no shadow records")
		return nil
	}
	now := p.now()
	t := NewTable(p.palette, "backup", "status", "primary", "sync", "synced", "reason")
	for _, r := range list {
		sync := Cell{Text: string(r.SyncStatus)}
		if r.SyncStatus == reconcile.SyncConflict {
			sync.Color = ColorError
		}
		primary := Cell{Text: "-"}
		if r.PrimaryStatus != "" {
			primary = p.status(r.PrimaryStatus)
		}
		t.AddCells(
			Cell{Text: r.BackupID},
			p.status(r.Status),
			primary,
			sync,
			Cell{Text: Age(r.LastSyncAt, now)},
			Cell{Text: r.ConflictReason},
		)
	}
	return t.Render(p.w)
}

// Reconciliation prints the outcome of a reconcile pass
func (p *Printer) Reconciliation(s *reconcile.Summary) {
	p.field("Created", fmt.Sprint(s.Sync.Created))
	p.field("Updated", fmt.Sprint(s.Sync.Updated))
	p.field("Adopted", fmt.Sprint(s.Sync.Adopted))
	p.field("Unchanged", fmt.Sprint(s.Sync.Unchanged))
	conflicts := fmt.Sprint(s.Sync.Conflicts)
	if s.Sync.Conflicts > 0 {
		conflicts = p.palette.Sprint(ColorWarning, conflicts)
	}
	p.field("Conflicts", conflicts)
	p.field("Resolved", fmt.Sprint(s.Resolved))
	p.field("Written back", fmt.Sprint(s.ReverseSynced))
}

// Health prints one line per storage provider
func (p *Printer) Health(results map[string]error) error {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	t := NewTable(p.palette, "provider", "status", "detail")
	for _, name := range names {
		if err := results[name]; err != nil {
			t.AddCells(Cell{Text: name}, Cell{Text: "unhealthy", Color: ColorError}, Cell{Text: err.Error()})
			continue
		}
		t.AddCells(Cell{Text: name}, Cell{Text: "ok", Color: ColorSuccess}, Cell{})
	}
	return t.Render(p.w)
}

// SyncLog lists reconciliation decisions for one backup, oldest first
func (p *Printer) SyncLog(entries []*reconcile.SyncLogEntry) error {
	if len(entries) == 0 {
		p.Line(ColorMuted, "no reconciliation history")
		return nil
	}
	t := NewTable(p.palette, "time", "operation", "from", "to", "file", "message")
	for _, e := range entries {
		file := "-"
		if e.FileExists != nil {
			file = "missing"
			if *e.FileExists {
				file = "present"
			}
		}
		op := Cell{Text: e.Operation}
		if e.Operation == reconcile.OpConflict {
			op.Color = ColorError
		}
		t.AddCells(
			Cell{Text: e.Timestamp.Format(time.RFC3339)},
			op,
			Cell{Text: string(e.OldStatus)},
			Cell{Text: string(e.NewStatus)},
			Cell{Text: file},
			Cell{Text: e.Message},
		)
	}
	return t.Render(p.w)
}
