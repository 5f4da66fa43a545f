package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/portfolio-briefing/internal/errors"
	"github.com/portfolio-briefing/internal/logging"
	"github.com/portfolio-briefing/internal/models"
	"github.com/redis/go-redis/v9"
)

// SnapshotBackend is the persistent store a CachedSnapshotStore fronts
type SnapshotBackend interface {
	Get(ctx context.Context, ownerID string, date time.Time) (*models.Snapshot, error)
	Put(ctx context.Context, ownerID string, date time.Time, snapshot *models.Snapshot) error
}

type snapshotPruner interface {
	DeleteOlderThan(ctx context.Context, ownerID string, cutoff time.Time) (int64, error)
}

type snapshotLister interface {
	ListDates(ctx context.Context, ownerID string, limit int) ([]time.Time, error)
}

// CachedSnapshotStore is a read-through, write-through Redis cache over a backend.
// The backend is the source of truth: cache failures are logged and ignored,
// and a cache miss or failure never hides a stored snapshot.
type CachedSnapshotStore struct {
	backend SnapshotBackend
	cache   *RedisCache
	ttl     time.Duration
}

// NewCachedSnapshotStore wraps backend with a Redis cache whose entries live for ttl
func NewCachedSnapshotStore(backend SnapshotBackend, cache *RedisCache, ttl time.Duration) *CachedSnapshotStore {
	return &CachedSnapshotStore{
		backend: backend,
		cache:   cache,
		ttl:     ttl,
	}
}

func cacheKey(ownerID string, date time.Time) string {
	return fmt.Sprintf("snapshot:%s:%s", ownerID, models.DateKey(date))
}

// Get reads from the cache and falls back to the backend on a miss or cache error
func (c *CachedSnapshotStore) Get(ctx context.Context, ownerID string, date time.Time) (*models.Snapshot, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"owner_id": ownerID,
		"date":     models.DateKey(date),
	})
	key := cacheKey(ownerID, date)

	data, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		snapshot, decodeErr := decodeSnapshot(data)
		if decodeErr == nil {
			return snapshot, nil
		}
		logger.WithError(decodeErr).Warn("Discarding unreadable cached snapshot")
		_ = c.cache.Del(ctx, key)
	case errors.Is(err, redis.Nil):
	default:
		logger.WithError(apperrors.NewCacheError("get snapshot", err)).Warn("Snapshot cache read failed, using backing store")
	}

	snapshot, err := c.backend.Get(ctx, ownerID, date)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, nil
	}

	c.fill(ctx, logger, ownerID, date, snapshot)
	return snapshot, nil
}

// Put writes to the backend first, then refreshes the cache entry
func (c *CachedSnapshotStore) Put(ctx context.Context, ownerID string, date time.Time, snapshot *models.Snapshot) error {
	if err := c.backend.Put(ctx, ownerID, date, snapshot); err != nil {
		// drop a possibly stale entry so readers go to the backend
		_ = c.cache.Del(ctx, cacheKey(ownerID, date))
		return err
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"owner_id": ownerID,
		"date":     models.DateKey(date),
	})
	c.fill(ctx, logger, ownerID, date, snapshot)
	return nil
}

func (c *CachedSnapshotStore) fill(ctx context.Context, logger *logging.Logger, ownerID string, date time.Time, snapshot *models.Snapshot) {
	data, err := encodeSnapshot(ownerID, date, snapshot)
	if err != nil {
		logger.WithError(err).Warn("Failed to encode snapshot for cache")
		return
	}
	if err := c.cache.Set(ctx, cacheKey(ownerID, date), data, c.ttl); err != nil {
		logger.WithError(apperrors.NewCacheError("set snapshot", err)).Warn("Snapshot cache write failed")
	}
}

// ListDates delegates to the backend when it can list dates
func (c *CachedSnapshotStore) ListDates(ctx context.Context, ownerID string, limit int) ([]time.Time, error) {
	lister, ok := c.backend.(snapshotLister)
	if !ok {
		return nil, fmt.Errorf("snapshot backend %T cannot list dates", c.backend)
	}
	return lister.ListDates(ctx, ownerID, limit)
}

// DeleteOlderThan prunes the backend and evicts matching cache entries
func (c *CachedSnapshotStore) DeleteOlderThan(ctx context.Context, ownerID string, cutoff time.Time) (int64, error) {
	pruner, ok := c.backend.(snapshotPruner)
	if !ok {
		return 0, fmt.Errorf("snapshot backend %T does not support retention", c.backend)
	}

	deleted, err := pruner.DeleteOlderThan(ctx, ownerID, cutoff)
	if err != nil {
		return deleted, err
	}

	prefix := fmt.Sprintf("snapshot:%s:", ownerID)
	keys, err := c.cache.Scan(ctx, prefix+"*")
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to scan snapshot cache for eviction")
		return deleted, nil
	}

	cutoffKey := models.DateKey(cutoff)
	var stale []string
	for _, key := range keys {
		if strings.TrimPrefix(key, prefix) < cutoffKey {
			stale = append(stale, key)
		}
	}
	if err := c.cache.Del(ctx, stale...); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to evict pruned snapshots from cache")
	}

	return deleted, nil
}
