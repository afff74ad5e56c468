package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/goliatone/go-ingest/core"
)

// FileStore persists one file per (connector, source) key under a root
// directory. Writes go to a temp file, fsync, then rename, so a crash never
// leaves a torn checkpoint; the previous payload survives until the rename
// lands.
type FileStore struct {
	root string
	mu   sync.Mutex
}

func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, core.NewValidationError("checkpoint: file store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, core.WrapInternalError(err, "checkpoint: create root directory")
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Get(_ context.Context, connectorID string, sourceKey string) (core.Checkpoint, error) {
	if s == nil {
		return core.Checkpoint{}, core.NewInternalError("checkpoint: store is nil")
	}
	path, err := s.pathFor(connectorID, sourceKey)
	if err != nil {
		return core.Checkpoint{}, err
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return core.Checkpoint{}, core.ErrCheckpointNotFound
		}
		return core.Checkpoint{}, core.WrapInternalError(err, "checkpoint: read file")
	}
	checkpoint, ok := Decode(payload)
	if !ok {
		// Unknown version or corrupt payload reads as absent.
		return core.Checkpoint{}, core.ErrCheckpointNotFound
	}
	return checkpoint, nil
}

func (s *FileStore) Set(_ context.Context, checkpoint core.Checkpoint) error {
	if s == nil {
		return core.NewInternalError("checkpoint: store is nil")
	}
	payload, err := Encode(checkpoint)
	if err != nil {
		return err
	}
	path, err := s.pathFor(checkpoint.ConnectorID, checkpoint.SourceKey)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.root, "checkpoint-*.tmp")
	if err != nil {
		return core.WrapInternalError(err, "checkpoint: create temp file")
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(payload); err != nil {
		cleanup()
		return core.WrapInternalError(err, "checkpoint: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return core.WrapInternalError(err, "checkpoint: fsync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return core.WrapInternalError(err, "checkpoint: close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return core.WrapInternalError(err, "checkpoint: rename into place")
	}
	return s.syncDir()
}

func (s *FileStore) Delete(_ context.Context, connectorID string, sourceKey string) error {
	if s == nil {
		return core.NewInternalError("checkpoint: store is nil")
	}
	path, err := s.pathFor(connectorID, sourceKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return core.WrapInternalError(err, "checkpoint: delete file")
	}
	return s.syncDir()
}

// pathFor hashes the composite key so arbitrary connector ids and source
// keys never escape the root or collide with path separators.
func (s *FileStore) pathFor(connectorID string, sourceKey string) (string, error) {
	key, err := storeKey(connectorID, sourceKey)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.root, hex.EncodeToString(sum[:])+".json"), nil
}

func (s *FileStore) syncDir() error {
	dir, err := os.Open(s.root)
	if err != nil {
		return core.WrapInternalError(err, "checkpoint: open root for fsync")
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return core.WrapInternalError(err, "checkpoint: fsync root")
	}
	return nil
}

var _ core.CheckpointStore = (*FileStore)(nil)
