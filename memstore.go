// This file contains MemoryPresenceStore, an in-process PresenceStore for
// single-node deployments and tests. Production deployments use a durable
// backend such as gormstore.
package beacon

import (
	"context"
	"sync"
	"time"
)

type MemoryPresenceStore struct {
	mutex   sync.RWMutex
	records map[string]PresenceRecord
}

// NewMemoryPresenceStore creates an empty in-memory presence store.
func NewMemoryPresenceStore() *MemoryPresenceStore {
	return &MemoryPresenceStore{
		records: make(map[string]PresenceRecord),
	}
}

func (m *MemoryPresenceStore) GetPresence(_ context.Context, identity string) (PresenceRecord, bool, error) {
	m.mutex.RLock()

	defer m.mutex.RUnlock()

	record, exists := m.records[identity]

	return record, exists, nil
}

func (m *MemoryPresenceStore) SetPresence(_ context.Context, identity string, online bool, lastActive time.Time) error {
	m.mutex.Lock()

	defer m.mutex.Unlock()

	m.records[identity] = PresenceRecord{
		Identity:     identity,
		IsOnline:     online,
		LastActiveAt: lastActive,
	}
	return nil
}

func (m *MemoryPresenceStore) FindStaleOnline(_ context.Context, threshold time.Time) ([]string, error) {
	m.mutex.RLock()

	defer m.mutex.RUnlock()

	var stale []string
	for identity, record := range m.records {
		if record.IsOnline && record.LastActiveAt.Before(threshold) {
			stale = append(stale, identity)
		}
	}
	return stale, nil
}

func (m *MemoryPresenceStore) BatchSetActivity(_ context.Context, identities []string, at time.Time) error {
	m.mutex.Lock()

	defer m.mutex.Unlock()

	for _, identity := range identities {
		m.records[identity] = PresenceRecord{
			Identity:     identity,
			IsOnline:     true,
			LastActiveAt: at,
		}
	}
	return nil
}
