package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/robfig/cron/v3"

	"github.com/goliatone/go-ingest/core"
)

// PullRunner is the slice of the runtime the scheduler drives.
type PullRunner interface {
	RunPull(ctx context.Context, instanceID string, params core.SyncParams) (core.Job, error)
}

// Scheduler fires instance pulls on cron expressions or fixed intervals.
// Ticks that land while the previous pull is still running are skipped and
// counted, never queued. Replicas contend on the leader lock so only one
// process fires a given tick.
type Scheduler struct {
	cron    *cron.Cron
	runner  PullRunner
	leader  core.LeaderLock
	logger  core.Logger
	metrics core.MetricsRecorder

	mu       sync.Mutex
	entries  map[string]cron.EntryID
	skipped  map[string]int
	location *time.Location

	Now func() time.Time
}

type Option func(*Scheduler)

func WithLeaderLock(lock core.LeaderLock) Option {
	return func(s *Scheduler) {
		if lock != nil {
			s.leader = lock
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(s *Scheduler) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

func New(cfg core.SchedulerConfig, runner PullRunner, options ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, core.NewValidationError("scheduler: pull runner is required")
	}
	location := time.UTC
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loaded, err := time.LoadLocation(tz)
		if err != nil {
			return nil, core.WrapValidationError(err, "scheduler: invalid timezone")
		}
		location = loaded
	}

	_, logger := glog.Resolve("scheduler", nil, nil)
	scheduler := &Scheduler{
		cron:     cron.New(cron.WithLocation(location)),
		runner:   runner,
		leader:   NewMemoryLeaderLock(),
		logger:   glog.Ensure(logger),
		metrics:  core.NopMetricsRecorder{},
		entries:  map[string]cron.EntryID{},
		skipped:  map[string]int{},
		location: location,
		Now:      func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(scheduler)
	}
	return scheduler, nil
}

// Register wires an instance's schedule. Cron expressions use the standard
// 5-field form in the scheduler's timezone; intervals fire on a fixed period.
func (s *Scheduler) Register(instanceID string, spec core.ScheduleSpec) error {
	if s == nil {
		return core.NewInternalError("scheduler: scheduler is nil")
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return core.NewValidationError("scheduler: instance id is required")
	}
	if err := spec.Validate(); err != nil {
		return core.NewValidationError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[instanceID]; exists {
		return core.NewValidationError("scheduler: instance " + instanceID + " already scheduled")
	}

	tick := func() { s.fire(instanceID) }
	var entryID cron.EntryID
	if cronExpr := strings.TrimSpace(spec.Cron); cronExpr != "" {
		var err error
		entryID, err = s.cron.AddFunc(cronExpr, tick)
		if err != nil {
			return core.WrapValidationError(err, "scheduler: invalid cron expression")
		}
	} else {
		entryID = s.cron.Schedule(cron.Every(spec.Interval), cron.FuncJob(tick))
	}
	s.entries[instanceID] = entryID
	return nil
}

// Unregister removes an instance's schedule; a missing entry is a no-op.
func (s *Scheduler) Unregister(instanceID string) {
	if s == nil {
		return
	}
	instanceID = strings.TrimSpace(instanceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[instanceID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, instanceID)
	}
}

func (s *Scheduler) Start() {
	if s != nil {
		s.cron.Start()
	}
}

// Stop halts tick dispatch and waits for in-flight fires to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SkippedTicks reports how many ticks were dropped for an instance because a
// pull was still running or leadership was held elsewhere.
func (s *Scheduler) SkippedTicks(instanceID string) int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped[strings.TrimSpace(instanceID)]
}

// fire runs one scheduled tick end to end. It never panics the cron loop;
// pull failures are observed and left for the next tick.
func (s *Scheduler) fire(instanceID string) {
	ctx := context.Background()
	startedAt := s.Now()

	lockName := "scheduler:" + instanceID
	held, err := s.leader.Acquire(ctx, lockName)
	if err != nil {
		core.LogError(ctx, s.logger, "leader lock acquire failed", map[string]any{
			"connector_instance_id": instanceID,
			"error":                 err.Error(),
		})
		return
	}
	if !held {
		s.countSkip(ctx, instanceID, "leadership_held_elsewhere")
		return
	}
	defer func() {
		if err := s.leader.Release(ctx, lockName); err != nil {
			core.LogWarn(ctx, s.logger, "leader lock release failed", map[string]any{
				"connector_instance_id": instanceID,
				"error":                 err.Error(),
			})
		}
	}()

	job, err := s.runner.RunPull(ctx, instanceID, core.SyncParams{})
	if core.Kind(err) == core.IngestErrorAlreadyRunning {
		s.countSkip(ctx, instanceID, "pull_still_running")
		return
	}

	fields := map[string]any{"connector_instance_id": instanceID}
	if job.ID != "" {
		fields["job_id"] = job.ID
		fields["records_uploaded"] = job.Stats.RecordsUploaded
	}
	core.ObserveOperation(ctx, s.logger, s.metrics, startedAt, "scheduled_pull", err, fields)
}

func (s *Scheduler) countSkip(ctx context.Context, instanceID string, reason string) {
	s.mu.Lock()
	s.skipped[instanceID]++
	total := s.skipped[instanceID]
	s.mu.Unlock()

	s.metrics.IncCounter(ctx, "ingest.scheduler_skipped_ticks.total", 1, map[string]string{
		"connector_instance_id": instanceID,
		"reason":                reason,
	})
	core.LogWarn(ctx, s.logger, "scheduled tick skipped", map[string]any{
		"connector_instance_id": instanceID,
		"reason":                reason,
		"skipped_total":         total,
	})
}

// MemoryLeaderLock is the single-process leader election: the lock is always
// free unless this process already holds it.
type MemoryLeaderLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLeaderLock() *MemoryLeaderLock {
	return &MemoryLeaderLock{held: map[string]struct{}{}}
}

func (l *MemoryLeaderLock) Acquire(_ context.Context, name string) (bool, error) {
	if l == nil {
		return false, core.NewInternalError("scheduler: leader lock is nil")
	}
	name = strings.TrimSpace(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[name]; taken {
		return false, nil
	}
	l.held[name] = struct{}{}
	return true, nil
}

func (l *MemoryLeaderLock) Release(_ context.Context, name string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	delete(l.held, strings.TrimSpace(name))
	l.mu.Unlock()
	return nil
}

var _ core.LeaderLock = (*MemoryLeaderLock)(nil)
