package runtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/goliatone/go-ingest/core"
)

// errSoftCap stops a pull gracefully once the job exceeds its wall-clock
// budget. It is a control signal, never surfaced as a job failure.
var errSoftCap = errors.New("runtime: job soft cap reached")

// Runner executes incremental pulls. One job covers every source of an
// instance; sources run concurrently up to the configured bound, each with
// its own checkpoint. A checkpoint only ever advances past records whose
// upload was acknowledged, so a crash mid-job replays at most one
// checkpoint interval and the gateway's idempotency absorbs the overlap.
type Runner struct {
	registry    core.DefinitionRegistry
	instances   core.InstanceStore
	jobs        core.JobStore
	checkpoints core.CheckpointStore
	transformer core.Transformer
	gateway     core.UploadGateway
	locker      core.InstanceLocker

	sourceConcurrency int
	checkpointEvery   int
	jobSoftCap        time.Duration
	inFlight          *semaphore.Weighted

	activeMu sync.Mutex
	active   map[string]context.CancelFunc

	logger  core.Logger
	metrics core.MetricsRecorder

	Now func() time.Time
}

type Option func(*Runner)

func WithLocker(locker core.InstanceLocker) Option {
	return func(r *Runner) {
		if locker != nil {
			r.locker = locker
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(r *Runner) {
		if recorder != nil {
			r.metrics = recorder
		}
	}
}

func WithJobStore(store core.JobStore) Option {
	return func(r *Runner) {
		if store != nil {
			r.jobs = store
		}
	}
}

func NewRunner(
	cfg core.RuntimeConfig,
	registry core.DefinitionRegistry,
	instances core.InstanceStore,
	checkpoints core.CheckpointStore,
	transformer core.Transformer,
	gateway core.UploadGateway,
	options ...Option,
) (*Runner, error) {
	if registry == nil {
		return nil, core.NewValidationError("runtime: definition registry is required")
	}
	if instances == nil {
		return nil, core.NewValidationError("runtime: instance store is required")
	}
	if checkpoints == nil {
		return nil, core.NewValidationError("runtime: checkpoint store is required")
	}
	if transformer == nil {
		return nil, core.NewValidationError("runtime: transformer is required")
	}
	if gateway == nil {
		return nil, core.NewValidationError("runtime: upload gateway is required")
	}

	defaults := core.DefaultConfig().Runtime
	if cfg.SourceConcurrency < 1 {
		cfg.SourceConcurrency = defaults.SourceConcurrency
	}
	if cfg.CheckpointEvery < 1 {
		cfg.CheckpointEvery = defaults.CheckpointEvery
	}
	if cfg.MaxInFlightPulls < 1 {
		cfg.MaxInFlightPulls = defaults.MaxInFlightPulls
	}
	if cfg.JobSoftCapMs <= 0 {
		cfg.JobSoftCapMs = defaults.JobSoftCapMs
	}

	_, logger := glog.Resolve("runtime", nil, nil)
	runner := &Runner{
		registry:          registry,
		instances:         instances,
		jobs:              NewMemoryJobStore(),
		checkpoints:       checkpoints,
		transformer:       transformer,
		gateway:           gateway,
		locker:            NewMemoryLocker(),
		sourceConcurrency: cfg.SourceConcurrency,
		checkpointEvery:   cfg.CheckpointEvery,
		jobSoftCap:        time.Duration(cfg.JobSoftCapMs) * time.Millisecond,
		inFlight:          semaphore.NewWeighted(int64(cfg.MaxInFlightPulls)),
		active:            map[string]context.CancelFunc{},
		logger:            glog.Ensure(logger),
		metrics:           core.NopMetricsRecorder{},
		Now:               func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(runner)
	}
	return runner, nil
}

// Jobs exposes the runner's job store for status queries.
func (r *Runner) Jobs() core.JobStore {
	return r.jobs
}

// RunPull executes one incremental pull for an instance and returns the
// terminal job record. Overlapping pulls for the same instance are rejected
// with INGEST_ALREADY_RUNNING; the caller decides whether to requeue.
func (r *Runner) RunPull(ctx context.Context, instanceID string, params core.SyncParams) (core.Job, error) {
	if r == nil {
		return core.Job{}, core.NewInternalError("runtime: runner is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	startedAt := r.Now()

	instance, err := r.instances.Get(ctx, instanceID)
	if err != nil {
		return core.Job{}, err
	}
	if instance.State == core.InstanceStatePaused || instance.State == core.InstanceStateTerminated {
		return core.Job{}, core.NewValidationError(
			"runtime: instance " + instance.ID + " is " + string(instance.State) + " and cannot pull")
	}
	definition, ok := r.registry.Get(instance.DefinitionName)
	if !ok {
		return core.Job{}, core.ErrDefinitionNotFound
	}
	if definition.Handler.Pull == nil {
		return core.Job{}, core.NewValidationError(
			"runtime: definition " + definition.Name + " has no pull capability")
	}

	handle, err := r.locker.TryLock(instance.ID, "")
	if err != nil {
		return core.Job{}, err
	}
	defer handle.Release()

	if err := r.inFlight.Acquire(ctx, 1); err != nil {
		return core.Job{}, err
	}
	defer r.inFlight.Release(1)

	if strings.TrimSpace(params.TraceID) == "" {
		params.TraceID = uuid.NewString()
	}

	job := core.Job{
		ID:                  uuid.NewString(),
		ConnectorInstanceID: instance.ID,
		TraceID:             params.TraceID,
		StartedAt:           startedAt,
		Status:              core.JobStatusPending,
	}
	if err := r.jobs.Save(ctx, job); err != nil {
		return core.Job{}, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.trackJob(job.ID, cancel)
	defer func() {
		cancel()
		r.untrackJob(job.ID)
	}()

	_ = job.TransitionTo(core.JobStatusRunning, r.Now())
	_ = r.jobs.Save(ctx, job)
	r.markInstance(ctx, &instance, core.InstanceStateRunning, "")

	pullErr := r.pullAllSources(runCtx, definition, instance, params, &job)

	switch {
	case pullErr == nil:
		_ = job.TransitionTo(core.JobStatusCompleted, r.Now())
		r.markInstance(ctx, &instance, core.InstanceStateInitialized, "")
	case errors.Is(pullErr, context.Canceled) || errors.Is(pullErr, context.DeadlineExceeded):
		_ = job.TransitionTo(core.JobStatusCancelled, r.Now())
		r.markInstance(ctx, &instance, core.InstanceStateInitialized, "")
	default:
		_ = job.TransitionTo(core.JobStatusFailed, r.Now())
		r.markInstance(ctx, &instance, core.InstanceStateErrored, pullErr.Error())
	}
	_ = r.jobs.Save(ctx, job)

	core.ObserveOperation(ctx, r.logger, r.metrics, startedAt, "run_pull", pullErr, map[string]any{
		"connector_instance_id": instance.ID,
		"job_id":                job.ID,
		"trace_id":              job.TraceID,
		"records_read":          job.Stats.RecordsRead,
		"records_uploaded":      job.Stats.RecordsUploaded,
		"records_failed":        job.Stats.RecordsFailed,
	})
	if pullErr != nil && !errors.Is(pullErr, context.Canceled) && !errors.Is(pullErr, context.DeadlineExceeded) {
		return job, pullErr
	}
	return job, nil
}

func (r *Runner) trackJob(jobID string, cancel context.CancelFunc) {
	r.activeMu.Lock()
	r.active[jobID] = cancel
	r.activeMu.Unlock()
}

func (r *Runner) untrackJob(jobID string) {
	r.activeMu.Lock()
	delete(r.active, jobID)
	r.activeMu.Unlock()
}

// CancelJob stops an in-flight pull. The job drains cooperatively: the
// current record finishes, the checkpoint lands, and the job record ends up
// cancelled. Cancelling a job that already reached a terminal state is a
// no-op.
func (r *Runner) CancelJob(ctx context.Context, jobID string) error {
	if r == nil {
		return core.NewInternalError("runtime: runner is nil")
	}
	r.activeMu.Lock()
	cancel, running := r.active[jobID]
	r.activeMu.Unlock()
	if running {
		cancel()
		return nil
	}
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	return core.NewValidationError("runtime: job " + jobID + " is not running")
}

func (r *Runner) pullAllSources(
	ctx context.Context,
	definition core.ConnectorDefinition,
	instance core.ConnectorInstance,
	params core.SyncParams,
	job *core.Job,
) error {
	sources := instance.Config.Sources
	if len(sources) == 0 {
		return core.NewValidationError("runtime: instance " + instance.ID + " declares no sources")
	}

	deadline := r.Now().Add(r.jobSoftCap)
	var jobMu sync.Mutex
	var firstErr error

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.sourceConcurrency)
	for _, source := range sources {
		source := source
		group.Go(func() error {
			err := r.pullSource(groupCtx, definition, instance, source, params, deadline, job, &jobMu)
			if err == nil || errors.Is(err, errSoftCap) {
				return nil
			}
			jobMu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			jobMu.Unlock()
			// Cancellation stops the whole job; a single failed source does
			// not tear down its siblings.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	return firstErr
}

// pullSource drains one source's batch sequence page by page. Each page is
// transformed, uploaded as one best-effort batch, and checkpointed every
// checkpointEvery acknowledged uploads and at the page boundary. A page
// already fetched when the job is cancelled still gets uploaded and
// checkpointed; cancellation is only honored between pages.
func (r *Runner) pullSource(
	ctx context.Context,
	definition core.ConnectorDefinition,
	instance core.ConnectorInstance,
	source core.SourceSpec,
	params core.SyncParams,
	deadline time.Time,
	job *core.Job,
	jobMu *sync.Mutex,
) error {
	checkpoint, since, err := r.resolveCheckpoint(ctx, instance.ID, source.Key, params)
	if err != nil {
		r.recordJobError(job, jobMu, source.Key, err)
		return err
	}

	sourceParams := params
	sourceParams.Since = since
	sourceParams.Params = core.CloneFields(params.Params)
	sourceParams.Params["source_key"] = source.Key

	sequence, err := definition.Handler.Pull(ctx, instance, sourceParams)
	if err != nil {
		r.recordJobError(job, jobMu, source.Key, err)
		return err
	}

	progress := sourceProgress{checkpoint: checkpoint, watermark: since}
	for {
		if err := ctx.Err(); err != nil {
			r.persistCheckpoint(ctx, &progress, source.Key)
			return err
		}
		if r.Now().After(deadline) {
			r.persistCheckpoint(ctx, &progress, source.Key)
			core.LogWarn(ctx, r.logger, "job soft cap reached, stopping source early", map[string]any{
				"connector_instance_id": instance.ID,
				"source_key":            source.Key,
				"job_id":                job.ID,
			})
			return errSoftCap
		}

		batch, done, err := sequence.Next(ctx)
		if err != nil {
			r.persistCheckpoint(ctx, &progress, source.Key)
			r.recordJobError(job, jobMu, source.Key, err)
			return err
		}

		envelopes := make([]core.UploadEnvelope, 0, len(batch.Records))
		for _, record := range batch.Records {
			jobMu.Lock()
			job.Stats.RecordsRead++
			jobMu.Unlock()

			expanded, err := r.transformer.Transform(ctx, instance, source, record)
			if err != nil {
				// Malformed records are skipped; they never block the source.
				jobMu.Lock()
				job.Stats.RecordsFailed++
				jobMu.Unlock()
				r.recordJobError(job, jobMu, source.Key, err)
				continue
			}
			// A filtered record yields no envelopes: read, not uploaded, not
			// an error.
			envelopes = append(envelopes, expanded...)
		}
		if len(batch.Records) > 0 {
			progress.sawRecords = true
		}

		if len(envelopes) > 0 {
			// The page is already fetched; its upload outlives the job
			// context so a cancellation does not drop in-hand work.
			result, err := r.gateway.UploadBatch(
				context.WithoutCancel(ctx), envelopes, core.UploadOptions{TraceID: params.TraceID})
			if err != nil {
				r.persistCheckpoint(ctx, &progress, source.Key)
				r.recordJobError(job, jobMu, source.Key, err)
				return err
			}
			for _, uploaded := range r.applyBatchResult(job, jobMu, source.Key, envelopes, result) {
				progress.advance(uploaded, 1)
				if progress.sinceFlush >= r.checkpointEvery {
					r.persistCheckpoint(ctx, &progress, source.Key)
				}
			}
		}

		if cursor := strings.TrimSpace(batch.Cursor); cursor != "" && progress.watermark == nil {
			progress.checkpoint.Cursor = cursor
			progress.dirty = true
		}
		r.persistCheckpoint(ctx, &progress, source.Key)

		if done {
			// A run that saw nothing still moves the watermark so the next
			// pull does not rescan history.
			if !progress.sawRecords {
				progress.checkpoint.Cursor = r.Now().Format(time.RFC3339)
				progress.dirty = true
				r.persistCheckpoint(ctx, &progress, source.Key)
			}
			return nil
		}
	}
}

// applyBatchResult folds per-item outcomes into the job stats and returns
// the envelopes whose upload was acknowledged, in result order. An item
// failure counts against the job without stopping the source. A gateway
// that reports no per-item breakdown acknowledged the whole batch.
func (r *Runner) applyBatchResult(
	job *core.Job,
	jobMu *sync.Mutex,
	sourceKey string,
	envelopes []core.UploadEnvelope,
	result core.BatchResult,
) []core.UploadEnvelope {
	if len(result.Items) == 0 {
		jobMu.Lock()
		job.Stats.RecordsUploaded += len(envelopes)
		jobMu.Unlock()
		return envelopes
	}
	uploaded := make([]core.UploadEnvelope, 0, len(result.Items))
	for _, item := range result.Items {
		if item.Index < 0 || item.Index >= len(envelopes) {
			continue
		}
		if item.Err != nil {
			jobMu.Lock()
			job.Stats.RecordsFailed++
			jobMu.Unlock()
			r.recordJobError(job, jobMu, sourceKey, item.Err)
			continue
		}
		jobMu.Lock()
		job.Stats.RecordsUploaded++
		jobMu.Unlock()
		uploaded = append(uploaded, envelopes[item.Index])
	}
	return uploaded
}

type sourceProgress struct {
	checkpoint core.Checkpoint
	watermark  *time.Time
	sinceFlush int
	sawRecords bool
	dirty      bool
}

// advance moves the in-memory watermark after one acknowledged upload. The
// watermark is monotonic; an out-of-order record never regresses it.
func (p *sourceProgress) advance(envelope core.UploadEnvelope, uploaded int) {
	p.sawRecords = true
	p.sinceFlush += uploaded
	p.checkpoint.RecordsProcessed += uploaded
	p.dirty = true

	raw, ok := envelope.Metadata[core.MetadataKeySourceUpdatedAt].(string)
	if !ok {
		return
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return
	}
	if p.watermark == nil || parsed.After(*p.watermark) {
		utc := parsed.UTC()
		p.watermark = &utc
		p.checkpoint.Cursor = utc.Format(time.RFC3339)
	}
}

func (r *Runner) persistCheckpoint(ctx context.Context, progress *sourceProgress, sourceKey string) {
	if !progress.dirty {
		return
	}
	progress.checkpoint.SourceKey = sourceKey
	progress.checkpoint.UpdatedAt = r.Now()
	// Persist outlives the job's context so a cancelled pull still lands its
	// final checkpoint.
	if err := r.checkpoints.Set(context.WithoutCancel(ctx), progress.checkpoint); err != nil {
		core.LogError(ctx, r.logger, "checkpoint persist failed", map[string]any{
			"connector_instance_id": progress.checkpoint.ConnectorID,
			"source_key":            sourceKey,
			"error":                 err.Error(),
		})
		return
	}
	progress.sinceFlush = 0
	progress.dirty = false
}

// resolveCheckpoint loads the stored cursor and derives the Since watermark.
// A missing or unreadable checkpoint, or an explicit FullSync, means the pull
// starts from the beginning.
func (r *Runner) resolveCheckpoint(
	ctx context.Context,
	instanceID string,
	sourceKey string,
	params core.SyncParams,
) (core.Checkpoint, *time.Time, error) {
	base := core.Checkpoint{ConnectorID: instanceID, SourceKey: sourceKey}
	if params.FullSync {
		return base, nil, nil
	}

	stored, err := r.checkpoints.Get(ctx, instanceID, sourceKey)
	if errors.Is(err, core.ErrCheckpointNotFound) {
		return base, params.Since, nil
	}
	if err != nil {
		return base, nil, err
	}

	if params.Since != nil {
		stored.Cursor = params.Since.UTC().Format(time.RFC3339)
		return stored, params.Since, nil
	}
	if parsed, parseErr := time.Parse(time.RFC3339, stored.Cursor); parseErr == nil {
		utc := parsed.UTC()
		return stored, &utc, nil
	}
	return stored, nil, nil
}

func (r *Runner) recordJobError(job *core.Job, jobMu *sync.Mutex, sourceKey string, err error) {
	if err == nil {
		return
	}
	jobMu.Lock()
	job.RecordError(core.JobError{
		When:      r.Now(),
		Where:     sourceKey,
		Kind:      core.Kind(err),
		Message:   err.Error(),
		Retryable: core.IsRetryable(err),
	})
	jobMu.Unlock()
}

func (r *Runner) markInstance(ctx context.Context, instance *core.ConnectorInstance, state core.InstanceState, reason string) {
	if err := instance.TransitionTo(state, reason, r.Now()); err != nil {
		core.LogWarn(ctx, r.logger, "instance state transition rejected", map[string]any{
			"connector_instance_id": instance.ID,
			"target_state":          string(state),
			"error":                 err.Error(),
		})
		return
	}
	if err := r.instances.Save(context.WithoutCancel(ctx), *instance); err != nil {
		core.LogError(ctx, r.logger, "instance save failed", map[string]any{
			"connector_instance_id": instance.ID,
			"error":                 err.Error(),
		})
	}
}

// Teardown runs the definition's teardown hook and marks the instance
// terminated. The instance's checkpoints are removed so a re-created
// instance starts from a full sync.
func (r *Runner) Teardown(ctx context.Context, instanceID string) error {
	if r == nil {
		return core.NewInternalError("runtime: runner is nil")
	}
	instance, err := r.instances.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	definition, ok := r.registry.Get(instance.DefinitionName)
	if ok && definition.Handler.Teardown != nil {
		if err := definition.Handler.Teardown(ctx, instance); err != nil {
			return err
		}
	}
	for _, source := range instance.Config.Sources {
		if err := r.checkpoints.Delete(ctx, instance.ID, source.Key); err != nil &&
			!errors.Is(err, core.ErrCheckpointNotFound) {
			return err
		}
	}
	r.markInstance(ctx, &instance, core.InstanceStateTerminated, "")
	return nil
}
