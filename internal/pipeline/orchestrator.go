package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bitriver-vod/internal/artifacts"
	"bitriver-vod/internal/events"
	"bitriver-vod/internal/jobs"
	"bitriver-vod/internal/ladder"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/publish"
)

const (
	persistTimeout = 10 * time.Second
	successMessage = "video processed and published"

	stageTranscode = "transcode"
	stageDiscover  = "discover"
	stagePublish   = "publish"
)

// Transcoder encodes source into an HLS tree under outputDir.
type Transcoder interface {
	Transcode(ctx context.Context, jobID, source, outputDir string) error
}

// Publisher uploads a discovered rendition set.
type Publisher interface {
	Publish(ctx context.Context, jobID string, list []artifacts.Artifact) (publish.Result, error)
}

// Metrics receives job and stage observations.
type Metrics interface {
	JobStarted()
	JobFinished(outcome string, duration time.Duration)
	ObserveStage(stage string, duration time.Duration)
	ObservePublished(objects int, bytes int64)
}

// Config wires an Orchestrator.
type Config struct {
	WorkDir    string
	JobTimeout time.Duration
	KeepOutput bool
	Ladder     ladder.Ladder
	Packaging  ladder.Packaging
	Store      jobs.Store
	Events     events.Sink
	Metrics    Metrics
	Logger     *slog.Logger
	Now        func() time.Time
	// Owner stamps created records with this instance's id so a restart
	// only recovers its own jobs.
	Owner      string
}

// Result is the terminal outcome of a job.
type Result struct {
	JobID          string
	State          jobs.State
	Message        string
	MasterPlaylist string
	Category       Category
	Err            error
	Objects        int
	Bytes          int64
	Duration       time.Duration
}

// Succeeded reports whether the rendition set is playable.
func (r Result) Succeeded() bool {
	return r.State == jobs.StateSucceeded
}

// Orchestrator drives jobs through the stage machine.
type Orchestrator struct {
	transcoder Transcoder
	publisher  Publisher
	store      jobs.Store
	events     events.Sink
	metrics    Metrics
	logger     *slog.Logger
	now        func() time.Time
	workDir    string
	timeout    time.Duration
	keepOutput bool
	required   []string
	owner      string
}

// New validates cfg and returns an Orchestrator.
func New(transcoder Transcoder, publisher Publisher, cfg Config) (*Orchestrator, error) {
	if transcoder == nil {
		return nil, errors.New("transcoder is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	workDir := strings.TrimSpace(cfg.WorkDir)
	if workDir == "" {
		return nil, errors.New("work dir is required")
	}
	l := cfg.Ladder
	if len(l) == 0 {
		l = ladder.Default()
	}
	packaging := cfg.Packaging.WithDefaults()
	required := make([]string, 0, len(l)+1)
	required = append(required, packaging.MasterPlaylist)
	for i := range l {
		required = append(required, packaging.VariantPlaylistPath(i))
	}

	o := &Orchestrator{
		transcoder: transcoder,
		publisher:  publisher,
		store:      cfg.Store,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        cfg.Now,
		workDir:    workDir,
		timeout:    cfg.JobTimeout,
		keepOutput: cfg.KeepOutput,
		required:   required,
		owner:      strings.TrimSpace(cfg.Owner),
	}
	if o.store == nil {
		o.store = jobs.NewMemoryStore()
	}
	if o.events == nil {
		o.events = events.Noop{}
	}
	if o.metrics == nil {
		o.metrics = noopMetrics{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = logging.WithComponent(o.logger, "pipeline")
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Store exposes the job record store.
func (o *Orchestrator) Store() jobs.Store {
	return o.store
}

// OutputDir is the local directory a job encodes into.
func (o *Orchestrator) OutputDir(jobID string) string {
	return filepath.Join(o.workDir, jobID)
}

// Run processes req to a terminal state. It never panics on stage failures;
// every error is classified into the returned Result.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	ctx = logging.ContextWithJobID(ctx, req.JobID)
	logger := logging.WithContext(ctx, o.logger)
	start := o.now().UTC()

	if err := ValidateJobID(req.JobID); err != nil {
		return o.reject(logger, req.JobID, &InputError{JobID: req.JobID, Err: err}, start)
	}

	job := &Job{
		ID:         req.JobID,
		SourcePath: req.SourcePath,
		OutputDir:  o.OutputDir(req.JobID),
		Owner:      o.owner,
		State:      jobs.StatePending,
		CreatedAt:  start,
		UpdatedAt:  start,
	}
	if err := o.store.Create(ctx, job.Record()); err != nil {
		if errors.Is(err, jobs.ErrJobExists) {
			return o.reject(logger, req.JobID, &InputError{JobID: req.JobID, Err: ErrDuplicateJob}, start)
		}
		return o.reject(logger, req.JobID, fmt.Errorf("create job record: %w", err), start)
	}
	o.metrics.JobStarted()
	o.emit(ctx, job, "")
	logger.Info("job accepted", "source", req.SourcePath, "output", job.OutputDir)

	if err := checkSource(req.SourcePath); err != nil {
		return o.fail(ctx, logger, job, &InputError{JobID: req.JobID, Err: err})
	}

	runCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	if !o.keepOutput {
		defer o.removeOutput(logger, job.OutputDir)
	}

	if err := o.execute(runCtx, logger, job); err != nil {
		return o.fail(ctx, logger, job, err)
	}
	return o.succeed(ctx, logger, job)
}

func (o *Orchestrator) execute(ctx context.Context, logger *slog.Logger, job *Job) error {
	if err := os.RemoveAll(job.OutputDir); err != nil {
		return fmt.Errorf("remove stale output: %w", err)
	}

	if err := o.advance(ctx, job, jobs.StateTranscoding); err != nil {
		return err
	}
	stageStart := time.Now()
	if err := o.transcoder.Transcode(ctx, job.ID, job.SourcePath, job.OutputDir); err != nil {
		return stageError(ctx, err)
	}
	o.metrics.ObserveStage(stageTranscode, time.Since(stageStart))

	if err := o.advance(ctx, job, jobs.StateDiscovering); err != nil {
		return err
	}
	stageStart = time.Now()
	list, err := artifacts.Discover(job.OutputDir)
	if err != nil {
		return err
	}
	if err := artifacts.Require(job.OutputDir, list, o.required...); err != nil {
		return err
	}
	o.metrics.ObserveStage(stageDiscover, time.Since(stageStart))
	logger.Info("rendition set discovered", "artifacts", len(list), "bytes", artifacts.TotalSize(list))

	if err := o.advance(ctx, job, jobs.StatePublishing); err != nil {
		return err
	}
	stageStart = time.Now()
	result, err := o.publisher.Publish(ctx, job.ID, list)
	if err != nil {
		return stageError(ctx, err)
	}
	o.metrics.ObserveStage(stagePublish, time.Since(stageStart))
	o.metrics.ObservePublished(len(result.Objects), result.Bytes())

	job.MasterURL = result.MasterURL
	job.Objects = len(result.Objects)
	job.Bytes = result.Bytes()
	return nil
}

// advance refuses to start a new stage once the job context has ended, then
// persists and announces the transition.
func (o *Orchestrator) advance(ctx context.Context, job *Job, to jobs.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	previous := job.State
	if err := job.transition(to, o.now().UTC()); err != nil {
		return err
	}
	if err := o.persist(ctx, job); err != nil {
		return err
	}
	o.emit(ctx, job, previous)
	return nil
}

func (o *Orchestrator) succeed(ctx context.Context, logger *slog.Logger, job *Job) Result {
	previous := job.State
	if err := job.transition(jobs.StateSucceeded, o.now().UTC()); err != nil {
		return o.fail(ctx, logger, job, err)
	}
	if err := o.persist(ctx, job); err != nil {
		logger.Error("failed to persist job result", "error", err)
	}
	o.emit(ctx, job, previous)
	duration := job.CompletedAt.Sub(job.CreatedAt)
	o.metrics.JobFinished(string(jobs.StateSucceeded), duration)
	logger.Info("job succeeded", "master_url", job.MasterURL, "objects", job.Objects, "bytes", job.Bytes, "duration", duration)
	return Result{
		JobID:          job.ID,
		State:          job.State,
		Message:        successMessage,
		MasterPlaylist: job.MasterURL,
		Objects:        job.Objects,
		Bytes:          job.Bytes,
		Duration:       duration,
	}
}

func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, job *Job, err error) Result {
	category := Classify(err)
	previous := job.State
	job.Category = category
	job.Err = err
	job.MasterURL = ""
	if transitionErr := job.transition(jobs.StateFailed, o.now().UTC()); transitionErr != nil {
		logger.Error("job already terminal", "state", job.State, "error", transitionErr)
	}
	if persistErr := o.persist(ctx, job); persistErr != nil {
		logger.Error("failed to persist job failure", "error", persistErr)
	}
	o.emit(ctx, job, previous)
	duration := job.CompletedAt.Sub(job.CreatedAt)
	o.metrics.JobFinished(string(category), duration)

	level := slog.LevelError
	if category == CategoryInput || category == CategoryCanceled {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "job failed", "stage", previous, "category", category, "error", err, "duration", duration)
	return Result{
		JobID:    job.ID,
		State:    jobs.StateFailed,
		Message:  category.Message(),
		Category: category,
		Err:      err,
		Duration: duration,
	}
}

// reject answers requests that never got a job record of their own.
func (o *Orchestrator) reject(logger *slog.Logger, jobID string, err error, start time.Time) Result {
	category := Classify(err)
	logger.Warn("job rejected", "category", category, "error", err)
	return Result{
		JobID:    jobID,
		State:    jobs.StateFailed,
		Message:  category.Message(),
		Category: category,
		Err:      err,
		Duration: o.now().UTC().Sub(start),
	}
}

// persist writes the record even when the job context has ended, so a
// canceled job still reaches its terminal state in the store.
func (o *Orchestrator) persist(ctx context.Context, job *Job) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.store.Update(persistCtx, job.Record()); err != nil {
		return fmt.Errorf("update job record: %w", err)
	}
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, job *Job, previous jobs.State) {
	event := events.Event{
		JobID:     job.ID,
		State:     string(job.State),
		Previous:  string(previous),
		Category:  string(job.Category),
		MasterURL: job.MasterURL,
		At:        job.UpdatedAt,
	}
	if job.Err != nil {
		event.Error = job.Err.Error()
	}
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.events.Publish(emitCtx, event); err != nil {
		logging.WithContext(ctx, o.logger).Warn("failed to publish job event", "state", job.State, "error", err)
	}
}

func (o *Orchestrator) removeOutput(logger *slog.Logger, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("failed to remove job output", "output", dir, "error", err)
	}
}

// stageError ties a stage failure to the job context when that context has
// ended, so deadline and cancellation are classified ahead of the stage.
func stageError(ctx context.Context, err error) error {
	ctxErr := ctx.Err()
	if ctxErr == nil || errors.Is(err, ctxErr) {
		return err
	}
	return fmt.Errorf("%w: %w", ctxErr, err)
}

type noopMetrics struct{}

func (noopMetrics) JobStarted() {}

func (noopMetrics) JobFinished(string, time.Duration) {}

func (noopMetrics) ObserveStage(string, time.Duration) {}

func (noopMetrics) ObservePublished(int, int64) {}
