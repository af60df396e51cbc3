package memory

import (
	"context"
	"sync"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/store"
)

type MemoryStore struct {
	mu      sync.RWMutex
	filings map[string]filing.CachedFiling
}

func New() *MemoryStore {
	return &MemoryStore{
		filings: map[string]filing.CachedFiling{},
	}
}

func (m *MemoryStore) Lookup(ctx context.Context, fp filing.Fingerprint) (filing.CachedFiling, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.filings[fp.Key()]
	if !ok {
		return filing.CachedFiling{}, store.ErrNotFound
	}
	return record, nil
}

func (m *MemoryStore) Store(ctx context.Context, record filing.CachedFiling) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filings[record.Fingerprint.Key()] = record
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]filing.CachedFiling, error) {
	m.mu.RLock()
	records := make([]filing.CachedFiling, 0, len(m.filings))
	for _, record := range m.filings {
		records = append(records, record)
	}
	m.mu.RUnlock()
	store.SortByRetrieved(records)
	return records, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
