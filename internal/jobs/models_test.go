package jobs

import (
	"regexp"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPartial, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCancelled, StatusRunning, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCancelled, StatusCancelled, true},
		{StatusRunning, StatusRunning, true},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestBackupJob_SetStatusMaintainsTimestamps(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &BackupJob{ID: "b1", Status: StatusPending}

	if err := job.SetStatus(StatusRunning, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.StartedAt == nil || !job.StartedAt.Equal(now) {
		t.Errorf("expected StartedAt to be set, got %v", job.StartedAt)
	}
	if job.CompletedAt != nil {
		t.Error("CompletedAt must stay nil while running")
	}

	later := now.Add(time.Minute)
	if err := job.SetStatus(StatusCompleted, later); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.CompletedAt == nil || !job.CompletedAt.Equal(later) {
		t.Errorf("expected CompletedAt to be set, got %v", job.CompletedAt)
	}
	if !job.StartedAt.Equal(now) {
		t.Error("StartedAt must not move")
	}

	err := job.SetStatus(StatusRunning, later)
	if err == nil {
		t.Fatal("expected re-entering running to fail")
	}
	if te, ok := AsTransitionError(err); !ok || te.From != StatusCompleted {
		t.Errorf("expected a TransitionError from completed, got %v", err)
	}
}

func TestRestoreJob_RejectsPartial(t *testing.T) {
	job := &RestoreJob{ID: "r1", Status: StatusRunning}
	if err := job.SetStatus(StatusPartial, time.Now()); err == nil {
		t.Error("restore jobs must not become partial")
	}
	if err := job.SetStatus(StatusCancelled, time.Now()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if job.CompletedAt == nil {
		t.Error("expected CompletedAt on a terminal restore")
	}
}

func TestNewBackupID(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)
	pattern := regexp.MustCompile(`^backup-20260301-123045-[0-9a-f]{8}$`)

	a, b := NewBackupID(now), NewBackupID(now)
	if !pattern.MatchString(a) {
		t.Errorf("unexpected id format %q", a)
	}
	if a == b {
		t.Error("ids generated at the same instant must differ")
	}
	if !regexp.MustCompile(`^restore-`).MatchString(NewRestoreID(now)) {
		t.Error("restore ids must carry the restore prefix")
	}
}

func TestBackupJob_CloneIsDeep(t *testing.T) {
	now := time.Now()
	job := &BackupJob{ID: "b1", StartedAt: &now}
	job.SetExtra(ExtraPartialBackup, true)

	c := job.Clone()
	c.SetExtra(ExtraPartialBackup, false)
	*c.StartedAt = now.Add(time.Hour)

	if !job.ExtraBool(ExtraPartialBackup) {
		t.Error("clone shares the extra map")
	}
	if !job.StartedAt.Equal(now) {
		t.Error("clone shares timestamps")
	}
}

func TestBackupFilter_Matches(t *testing.T) {
	job := &BackupJob{Type: BackupTypeFull, Status: StatusRunning}

	if !(BackupFilter{}).Matches(job) {
		t.Error("empty filter should match")
	}
	if !(BackupFilter{Statuses: []Status{StatusRunning}}).Matches(job) {
		t.Error("status filter should match")
	}
	if (BackupFilter{Statuses: []Status{StatusCompleted}}).Matches(job) {
		t.Error("status filter should not match")
	}
	if (BackupFilter{Types: []BackupType{BackupTypePhysical}}).Matches(job) {
		t.Error("type filter should not match")
	}
}
