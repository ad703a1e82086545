// Package cache keeps recently synced progress records in Redis in front of the MySQL store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jangji/backend/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	keyPrefix = "progress:"

	// maxSetAttempts bounds optimistic retries when the key changes under a WATCH
	maxSetAttempts = 3
)

// ProgressStore is the authoritative store behind the cache
type ProgressStore interface {
	// Method Fetch returns the record of an owner or nil when there is none
	Fetch(ctx context.Context, ownerID string) (*models.ProgressRecord, error)
	// Method Upsert inserts or updates the record of an owner atomically
	Upsert(ctx context.Context, ownerID string, record *models.ProgressRecord) error
}

// CachedProgressRepository is a read-through cache over a ProgressStore.
//
// The cached value only moves forward on lastReadAt, the same way the store does,
// so a slow load can never replace a record written by a later upsert.
// Absent records are not cached. Redis failures never fail a call the store served.
type CachedProgressRepository struct {
	store  ProgressStore
	redis  *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

// NewCachedProgressRepository creates a new cached progress repository
func NewCachedProgressRepository(store ProgressStore, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedProgressRepository {
	return &CachedProgressRepository{
		store:  store,
		redis:  rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// Key returns the Redis key holding an owner's record
func Key(ownerID string) string {
	return keyPrefix + ownerID
}

// Fetch returns the cached record, loading it from the store on a miss.
// Concurrent misses for the same owner share one store read.
// Redis failures fall back to the store.
func (c *CachedProgressRepository) Fetch(ctx context.Context, ownerID string) (*models.ProgressRecord, error) {
	data, err := c.redis.Get(ctx, Key(ownerID)).Bytes()
	switch {
	case err == nil:
		record := &models.ProgressRecord{}
		if jsonErr := json.Unmarshal(data, record); jsonErr == nil {
			return record, nil
		}
		c.logger.Warn("Dropping corrupted cache entry", zap.String("owner_id", ownerID))
		c.redis.Del(ctx, Key(ownerID))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("Failed to read progress cache", zap.String("owner_id", ownerID), zap.Error(err))
	}

	v, err, _ := c.group.Do(ownerID, func() (any, error) {
		record, err := c.store.Fetch(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		if record != nil {
			if err := c.setIfNewer(ctx, ownerID, record, false); err != nil {
				c.logger.Warn("Failed to write progress cache", zap.String("owner_id", ownerID), zap.Error(err))
			}
		}
		return record, nil
	})
	if err != nil {
		return nil, err
	}

	record, _ := v.(*models.ProgressRecord)
	// Callers that shared the load must not share the pointer
	return record.Clone(), nil
}

// Upsert writes to the store and then caches the row as it stands after the write.
// The store may have kept a newer row than record, so the row is read back.
// Once the store write succeeded, cache failures are logged and the entry dropped.
func (c *CachedProgressRepository) Upsert(ctx context.Context, ownerID string, record *models.ProgressRecord) error {
	if err := c.store.Upsert(ctx, ownerID, record); err != nil {
		return err
	}

	stored, err := c.store.Fetch(ctx, ownerID)
	if err == nil && stored != nil {
		err = c.setIfNewer(ctx, ownerID, stored, true)
	}
	if err != nil {
		c.logger.Warn("Failed to refresh progress cache", zap.String("owner_id", ownerID), zap.Error(err))
		if delErr := c.redis.Del(ctx, Key(ownerID)).Err(); delErr != nil {
			c.logger.Warn("Failed to invalidate progress cache", zap.String("owner_id", ownerID), zap.Error(delErr))
		}
	}

	return nil
}

// setIfNewer caches record unless the cached one has a greater lastReadAt.
// With replaceEqual false an equal lastReadAt keeps the cached record too.
// An unreadable cached value is overwritten.
func (c *CachedProgressRepository) setIfNewer(ctx context.Context, ownerID string, record *models.ProgressRecord, replaceEqual bool) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	key := Key(ownerID)

	txf := func(tx *redis.Tx) error {
		cached, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var current models.ProgressRecord
			if json.Unmarshal(cached, &current) == nil {
				if current.LastReadAt > record.LastReadAt || (current.LastReadAt == record.LastReadAt && !replaceEqual) {
					return nil
				}
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxSetAttempts; i++ {
		err = c.redis.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("failed to update progress cache: %w", err)
}
