package runtime

import (
	"strings"
	"sync"

	"github.com/goliatone/go-ingest/core"
)

// MemoryLocker serializes pulls per (instance, source) within one process.
// Multi-replica deployments layer a LeaderLock on top of the scheduler; the
// locker only guards against overlap inside the runtime itself.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]struct{}{}}
}

func (l *MemoryLocker) TryLock(instanceID string, sourceKey string) (core.LockHandle, error) {
	if l == nil {
		return nil, core.NewInternalError("runtime: locker is nil")
	}
	key := lockKey(instanceID, sourceKey)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return nil, core.NewAlreadyRunningError(instanceID, sourceKey)
	}
	l.held[key] = struct{}{}
	return &memoryLockHandle{locker: l, key: key}, nil
}

type memoryLockHandle struct {
	locker *MemoryLocker
	once   sync.Once
	key    string
}

// Release is idempotent; double release is a no-op.
func (h *memoryLockHandle) Release() {
	if h == nil || h.locker == nil {
		return
	}
	h.once.Do(func() {
		h.locker.mu.Lock()
		delete(h.locker.held, h.key)
		h.locker.mu.Unlock()
	})
}

func lockKey(instanceID string, sourceKey string) string {
	return strings.TrimSpace(instanceID) + "\x00" + strings.TrimSpace(sourceKey)
}

var _ core.InstanceLocker = (*MemoryLocker)(nil)
var _ core.LockHandle = (*memoryLockHandle)(nil)
