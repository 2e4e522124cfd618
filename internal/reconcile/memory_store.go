package reconcile

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process ShadowStore for tests
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]ExternalMetadataRecord
	log     []SyncLogEntry
}

// NewMemoryStore creates an empty shadow store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]ExternalMetadataRecord)}
}

func (m *MemoryStore) GetRecord(_ context.Context, backupID string) (*ExternalMetadataRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[backupID]
	if !ok {
		return nil, nil
	}
	return cloneRecord(&r), nil
}

func (m *MemoryStore) UpsertRecord(_ context.Context, record *ExternalMetadataRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.BackupID] = *cloneRecord(record)
	return nil
}

func (m *MemoryStore) ListRecords(_ context.Context, statuses ...SyncStatus) ([]*ExternalMetadataRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*ExternalMetadataRecord
	for _, r := range m.records {
		r := r
		if len(statuses) > 0 && !hasSyncStatus(statuses, r.SyncStatus) {
			continue
		}
		out = append(out, cloneRecord(&r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackupID < out[j].BackupID })
	return out, nil
}

func (m *MemoryStore) AppendLog(_ context.Context, entry *SyncLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *entry
	e.ID = int64(len(m.log) + 1)
	entry.ID = e.ID
	m.log = append(m.log, e)
	return nil
}

// ListLog returns entries newest first
func (m *MemoryStore) ListLog(_ context.Context, backupID string, limit int) ([]*SyncLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*SyncLogEntry
	for i := len(m.log) - 1; i >= 0; i-- {
		e := m.log[i]
		if backupID != "" && e.BackupID != backupID {
			continue
		}
		out = append(out, &e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func hasSyncStatus(list []SyncStatus, s SyncStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneRecord(r *ExternalMetadataRecord) *ExternalMetadataRecord {
	c := *r
	c.StartedAt = copyTime(r.StartedAt)
	c.CompletedAt = copyTime(r.CompletedAt)
	c.LastSyncAt = copyTime(r.LastSyncAt)
	c.FileVerifiedAt = copyTime(r.FileVerifiedAt)
	return &c
}
