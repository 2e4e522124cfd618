package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store with the same transition guard as
// MySQLStore, for tests and embedders without a MySQL job store.
type MemoryStore struct {
	mu        sync.Mutex
	backups   map[string]*BackupJob
	restores  map[string]*RestoreJob
	failSaves int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		backups:  make(map[string]*BackupJob),
		restores: make(map[string]*RestoreJob),
	}
}

// FailNextSaves makes the next n Save calls fail, to exercise retry paths
func (m *MemoryStore) FailNextSaves(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSaves = n
}

func (m *MemoryStore) injectedFailure() error {
	if m.failSaves > 0 {
		m.failSaves--
		return fmt.Errorf("injected store failure")
	}
	return nil
}

// CreateBackup inserts a new job
func (m *MemoryStore) CreateBackup(_ context.Context, job *BackupJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.backups[job.ID]; exists {
		return fmt.Errorf("backup job %s already exists", job.ID)
	}
	m.backups[job.ID] = job.Clone()
	return nil
}

// GetBackup loads one job
func (m *MemoryStore) GetBackup(_ context.Context, id string) (*BackupJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.backups[id]
	if !ok {
		return nil, NotFound("backup", id)
	}
	return job.Clone(), nil
}

// SaveBackup writes the job when the persisted status allows it
func (m *MemoryStore) SaveBackup(_ context.Context, job *BackupJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injectedFailure(); err != nil {
		return err
	}
	current, ok := m.backups[job.ID]
	if !ok {
		return NotFound("backup", job.ID)
	}
	if !CanTransition(current.Status, job.Status) {
		return &TransitionError{JobID: job.ID, From: current.Status, To: job.Status}
	}
	m.backups[job.ID] = job.Clone()
	return nil
}

// CorrectBackup overwrites the status and artifact fields without the guard
func (m *MemoryStore) CorrectBackup(_ context.Context, job *BackupJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.backups[job.ID]
	if !ok {
		return NotFound("backup", job.ID)
	}
	updated := current.Clone()
	updated.Status = job.Status
	updated.CompletedAt = job.CompletedAt
	updated.ErrorMessage = job.ErrorMessage
	updated.FilePath = job.FilePath
	updated.FileSize = job.FileSize
	updated.Checksum = job.Checksum
	updated.Extra = job.Clone().Extra
	m.backups[job.ID] = updated
	return nil
}

// ListBackups returns matching jobs newest first
func (m *MemoryStore) ListBackups(_ context.Context, filter BackupFilter) ([]*BackupJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*BackupJob
	for _, job := range m.backups {
		if filter.Matches(job) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CreateRestore inserts a new restore job
func (m *MemoryStore) CreateRestore(_ context.Context, job *RestoreJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.restores[job.ID]; exists {
		return fmt.Errorf("restore job %s already exists", job.ID)
	}
	m.restores[job.ID] = job.Clone()
	return nil
}

// GetRestore loads one restore job
func (m *MemoryStore) GetRestore(_ context.Context, id string) (*RestoreJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.restores[id]
	if !ok {
		return nil, NotFound("restore", id)
	}
	return job.Clone(), nil
}

// SaveRestore writes the restore job when the persisted status allows it
func (m *MemoryStore) SaveRestore(_ context.Context, job *RestoreJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injectedFailure(); err != nil {
		return err
	}
	current, ok := m.restores[job.ID]
	if !ok {
		return NotFound("restore", job.ID)
	}
	if !canRestoreTransition(current.Status, job.Status) {
		return &TransitionError{JobID: job.ID, From: current.Status, To: job.Status}
	}
	m.restores[job.ID] = job.Clone()
	return nil
}

// ListRestores returns restore jobs newest first
func (m *MemoryStore) ListRestores(_ context.Context, limit int) ([]*RestoreJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*RestoreJob, 0, len(m.restores))
	for _, job := range m.restores {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
