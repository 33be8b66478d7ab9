package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory DocumentStore for development and tests. It
// additionally counts checkpoint calls so tests can assert that session
// teardown persisted the document.
type MemoryStore struct {
	mu          sync.RWMutex
	snapshots   map[string]*Snapshot
	operations  map[string][]*OperationRecord
	checkpoints map[string]int
	connected   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:   make(map[string]*Snapshot),
		operations:  make(map[string][]*OperationRecord),
		checkpoints: make(map[string]int),
	}
}

func (m *MemoryStore) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MemoryStore) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MemoryStore) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MemoryStore) HealthCheck(ctx context.Context) (bool, error) {
	return true, nil
}

func (m *MemoryStore) LoadSnapshot(ctx context.Context, documentID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[documentID]
	if !ok {
		return nil, nil
	}
	copied := *snap
	return &copied, nil
}

func (m *MemoryStore) SaveCheckpoint(ctx context.Context, snapshot *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *snapshot
	copied.UpdatedAt = time.Now()
	m.snapshots[snapshot.DocumentID] = &copied
	m.checkpoints[snapshot.DocumentID]++
	return nil
}

func (m *MemoryStore) SaveOperation(ctx context.Context, record *OperationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *record
	m.operations[record.DocumentID] = append(m.operations[record.DocumentID], &copied)
	return nil
}

func (m *MemoryStore) GetOperations(ctx context.Context, documentID string, limit int) ([]*OperationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.operations[documentID]
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]*OperationRecord, len(records))
	for i, r := range records {
		copied := *r
		out[i] = &copied
	}
	return out, nil
}

// CheckpointCount reports how many checkpoints were saved for a document.
func (m *MemoryStore) CheckpointCount(documentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoints[documentID]
}
