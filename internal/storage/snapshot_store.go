package storage

import (
	"context"
	"fmt"

	"github.com/portfolio-briefing/internal/config"
	"github.com/portfolio-briefing/internal/types"
)

// OpenSnapshotStore builds the snapshot store selected by cfg.Backend.
// pg is required for the postgres backend; the s3 bucket must be reachable.
// cache may be nil, in which case cfg.CacheEnabled is ignored.
func OpenSnapshotStore(ctx context.Context, cfg config.StoreConfig, pg *PostgresDB, cache *RedisCache) (SnapshotBackend, error) {
	var backend SnapshotBackend

	switch cfg.Backend {
	case types.StoreBackendPostgres:
		if pg == nil {
			return nil, fmt.Errorf("postgres snapshot store requires a database connection")
		}
		backend = NewSnapshotRepository(pg.Pool())
	case types.StoreBackendS3:
		s3Store, err := NewS3SnapshotStore(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		if err := s3Store.Health(ctx); err != nil {
			return nil, err
		}
		backend = s3Store
	case types.StoreBackendMemory:
		backend = NewMemorySnapshotStore()
	default:
		return nil, fmt.Errorf("unknown snapshot store backend: %s", cfg.Backend)
	}

	if cfg.CacheEnabled && cache != nil {
		return NewCachedSnapshotStore(backend, cache, cfg.CacheTTL), nil
	}
	return backend, nil
}
