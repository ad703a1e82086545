// Package localstore persists the device's reading progress.
//
// Records are keyed by owner. Put replaces the whole record in one statement so
// concurrent readers see either the old or the new record, never a mix.
package localstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jangji/backend/internal/models"
)

// Backend names accepted by NewStore
const (
	BackendSqlite = "sqlite"
	BackendMemory = "memory"
)

// FileName is the database file created inside the data directory
const FileName = "progress.sqlite"

// Store is the device-side progress store
type Store interface {
	// Get returns the record of an owner or nil when there is none
	Get(ctx context.Context, ownerID string) (*models.ProgressRecord, error)
	// Put overwrites the record keyed by record.OwnerID
	Put(ctx context.Context, record *models.ProgressRecord) error
	Close() error
}

// NewStore opens the store for a backend. An empty backend means sqlite.
func NewStore(backend, dir string) (Store, error) {
	switch backend {
	case "", BackendSqlite:
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := NewSqliteStore(filepath.Join(dir, FileName))
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}

func checkPut(record *models.ProgressRecord) error {
	if record == nil {
		return fmt.Errorf("progress record is required")
	}
	if record.OwnerID == "" {
		return fmt.Errorf("owner id is required")
	}
	return nil
}
