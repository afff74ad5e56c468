package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-ingest/core"
)

const checkpointCacheKeyPrefix = "go-ingest::checkpoint::v1"

// CachedCheckpointStore layers a read-through cache over a checkpoint store.
// The runtime reads a checkpoint once per source per pull, but status
// surfaces poll them constantly; the cache keeps that traffic off the
// database. Writes invalidate before anyone can observe a stale cursor.
type CachedCheckpointStore struct {
	base  core.CheckpointStore
	cache repositorycache.CacheService
}

func NewCachedCheckpointStore(base core.CheckpointStore, cacheService repositorycache.CacheService) (*CachedCheckpointStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base checkpoint store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: checkpoint cache service is required")
	}
	return &CachedCheckpointStore{base: base, cache: cacheService}, nil
}

// CheckpointCacheKey returns the deterministic cache key for one checkpoint:
// go-ingest::checkpoint::v1::<connector_id>::<source_key>, with each segment
// URL-path escaped.
func CheckpointCacheKey(connectorID string, sourceKey string) (string, error) {
	connectorID = strings.TrimSpace(connectorID)
	sourceKey = strings.TrimSpace(sourceKey)
	if connectorID == "" || sourceKey == "" {
		return "", fmt.Errorf("sqlstore: connector id and source key are required")
	}
	return strings.Join([]string{
		checkpointCacheKeyPrefix,
		url.PathEscape(connectorID),
		url.PathEscape(sourceKey),
	}, "::"), nil
}

func (s *CachedCheckpointStore) Get(ctx context.Context, connectorID string, sourceKey string) (core.Checkpoint, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Checkpoint{}, fmt.Errorf("sqlstore: cached checkpoint store is not configured")
	}
	cacheKey, err := CheckpointCacheKey(connectorID, sourceKey)
	if err != nil {
		return core.Checkpoint{}, err
	}
	return repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.Checkpoint, error) {
		return s.base.Get(ctx, connectorID, sourceKey)
	})
}

func (s *CachedCheckpointStore) Set(ctx context.Context, checkpoint core.Checkpoint) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached checkpoint store is not configured")
	}
	if err := s.base.Set(ctx, checkpoint); err != nil {
		return err
	}
	return s.invalidate(ctx, checkpoint.ConnectorID, checkpoint.SourceKey)
}

func (s *CachedCheckpointStore) Delete(ctx context.Context, connectorID string, sourceKey string) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached checkpoint store is not configured")
	}
	if err := s.base.Delete(ctx, connectorID, sourceKey); err != nil {
		return err
	}
	return s.invalidate(ctx, connectorID, sourceKey)
}

func (s *CachedCheckpointStore) invalidate(ctx context.Context, connectorID string, sourceKey string) error {
	cacheKey, err := CheckpointCacheKey(connectorID, sourceKey)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

var _ core.CheckpointStore = (*CachedCheckpointStore)(nil)
