package checkpoint

import (
	"context"
	"strings"
	"sync"

	"github.com/goliatone/go-ingest/core"
)

// MemoryStore keeps checkpoints in process memory. Useful for tests and
// single-shot runs; anything that must survive a restart uses the file or
// SQL store.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]core.Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]core.Checkpoint)}
}

func (s *MemoryStore) Get(_ context.Context, connectorID string, sourceKey string) (core.Checkpoint, error) {
	if s == nil {
		return core.Checkpoint{}, core.NewInternalError("checkpoint: store is nil")
	}
	key, err := storeKey(connectorID, sourceKey)
	if err != nil {
		return core.Checkpoint{}, err
	}
	s.mu.RLock()
	checkpoint, ok := s.checkpoints[key]
	s.mu.RUnlock()
	if !ok {
		return core.Checkpoint{}, core.ErrCheckpointNotFound
	}
	return checkpoint, nil
}

func (s *MemoryStore) Set(_ context.Context, checkpoint core.Checkpoint) error {
	if s == nil {
		return core.NewInternalError("checkpoint: store is nil")
	}
	if err := checkpoint.Validate(); err != nil {
		return core.WrapValidationError(err, "checkpoint: set rejected")
	}
	key, err := storeKey(checkpoint.ConnectorID, checkpoint.SourceKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.checkpoints[key] = checkpoint
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, connectorID string, sourceKey string) error {
	if s == nil {
		return core.NewInternalError("checkpoint: store is nil")
	}
	key, err := storeKey(connectorID, sourceKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.checkpoints, key)
	s.mu.Unlock()
	return nil
}

func storeKey(connectorID string, sourceKey string) (string, error) {
	connectorID = strings.TrimSpace(connectorID)
	sourceKey = strings.TrimSpace(sourceKey)
	if connectorID == "" || sourceKey == "" {
		return "", core.NewValidationError("checkpoint: connector id and source key are required")
	}
	return connectorID + "\x00" + sourceKey, nil
}

var _ core.CheckpointStore = (*MemoryStore)(nil)
