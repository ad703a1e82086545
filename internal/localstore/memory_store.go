package localstore

import (
	"context"
	"sync"

	"github.com/jangji/backend/internal/models"
)

// MemoryStore is an in-memory Store. Records are cloned on the way in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.ProgressRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*models.ProgressRecord),
	}
}

func (s *MemoryStore) Get(ctx context.Context, ownerID string) (*models.ProgressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[ownerID].Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, record *models.ProgressRecord) error {
	if err := checkPut(record); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.OwnerID] = record.Clone()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
