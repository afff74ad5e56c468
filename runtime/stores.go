package runtime

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-ingest/core"
)

// MemoryInstanceStore keeps connector instances in process memory. The SQL
// store replaces it in deployments that survive restarts.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]core.ConnectorInstance
}

func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{instances: map[string]core.ConnectorInstance{}}
}

func (s *MemoryInstanceStore) Save(_ context.Context, instance core.ConnectorInstance) error {
	if s == nil {
		return core.NewInternalError("runtime: instance store is nil")
	}
	id := strings.TrimSpace(instance.ID)
	if id == "" {
		return core.NewValidationError("runtime: instance id is required")
	}
	s.mu.Lock()
	s.instances[id] = instance
	s.mu.Unlock()
	return nil
}

func (s *MemoryInstanceStore) Get(_ context.Context, id string) (core.ConnectorInstance, error) {
	if s == nil {
		return core.ConnectorInstance{}, core.NewInternalError("runtime: instance store is nil")
	}
	s.mu.RLock()
	instance, ok := s.instances[strings.TrimSpace(id)]
	s.mu.RUnlock()
	if !ok {
		return core.ConnectorInstance{}, core.ErrInstanceNotFound
	}
	return instance, nil
}

func (s *MemoryInstanceStore) List(_ context.Context) ([]core.ConnectorInstance, error) {
	if s == nil {
		return nil, core.NewInternalError("runtime: instance store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	instances := make([]core.ConnectorInstance, 0, len(ids))
	for _, id := range ids {
		instances = append(instances, s.instances[id])
	}
	return instances, nil
}

func (s *MemoryInstanceStore) Delete(_ context.Context, id string) error {
	if s == nil {
		return core.NewInternalError("runtime: instance store is nil")
	}
	s.mu.Lock()
	delete(s.instances, strings.TrimSpace(id))
	s.mu.Unlock()
	return nil
}

// MemoryJobStore keeps job records in process memory.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]core.Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: map[string]core.Job{}}
}

func (s *MemoryJobStore) Save(_ context.Context, job core.Job) error {
	if s == nil {
		return core.NewInternalError("runtime: job store is nil")
	}
	id := strings.TrimSpace(job.ID)
	if id == "" {
		return core.NewValidationError("runtime: job id is required")
	}
	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (core.Job, error) {
	if s == nil {
		return core.Job{}, core.NewInternalError("runtime: job store is nil")
	}
	s.mu.RLock()
	job, ok := s.jobs[strings.TrimSpace(id)]
	s.mu.RUnlock()
	if !ok {
		return core.Job{}, core.ErrJobNotFound
	}
	return job, nil
}

// ListByInstance returns the newest jobs first, capped at limit when positive.
func (s *MemoryJobStore) ListByInstance(_ context.Context, instanceID string, limit int) ([]core.Job, error) {
	if s == nil {
		return nil, core.NewInternalError("runtime: job store is nil")
	}
	instanceID = strings.TrimSpace(instanceID)
	s.mu.RLock()
	matched := make([]core.Job, 0)
	for _, job := range s.jobs {
		if job.ConnectorInstanceID == instanceID {
			matched = append(matched, job)
		}
	}
	s.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

var _ core.InstanceStore = (*MemoryInstanceStore)(nil)
var _ core.JobStore = (*MemoryJobStore)(nil)
