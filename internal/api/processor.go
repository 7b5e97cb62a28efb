package api

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"bitriver-vod/internal/jobs"
	"bitriver-vod/internal/pipeline"
)

// Runner executes one job to completion.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
}

// QueueGauge receives the number of jobs waiting for a worker.
type QueueGauge interface {
	SetQueueDepth(depth int)
}

type ProcessorConfig struct {
	Runner    Runner
	Store     jobs.Store
	Workers   int
	QueueSize int
	Gauge     QueueGauge
	Logger    *slog.Logger
	// Recovery decides which unfinished records Start fails.
	Recovery  jobs.Recovery
}

var (
	ErrQueueFull       = errors.New("job queue is full")
	ErrProcessorClosed = errors.New("job processor is shut down")
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 64
)

// Ticket tracks a submitted job until its terminal result is known.
type Ticket struct {
	JobID  string
	done   chan struct{}
	result pipeline.Result
}

// Done is closed once the job has finished.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the terminal result. It is only meaningful after Done.
func (t *Ticket) Result() pipeline.Result {
	<-t.done
	return t.result
}

type task struct {
	req     pipeline.Request
	ctx     context.Context
	cancel  context.CancelFunc
	ticket  *Ticket
	cleanup func()
}

// Processor runs submitted jobs on a bounded number of workers behind a
// bounded queue. Every queued or running job can be canceled by id.
type Processor struct {
	runner   Runner
	store    jobs.Store
	gauge    QueueGauge
	logger   *slog.Logger
	recovery jobs.Recovery

	ctx    context.Context
	cancel context.CancelFunc

	queue chan *task
	sem   *semaphore.Weighted
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]*task
	started  bool
	closed   bool
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		runner:   cfg.Runner,
		store:    cfg.Store,
		gauge:    cfg.Gauge,
		logger:   logger.With("component", "processor"),
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan *task, queueSize),
		sem:      semaphore.NewWeighted(int64(workers)),
		inFlight: make(map[string]*task),
		recovery: cfg.Recovery,
	}
}

// Start fails jobs left unfinished by a previous process and begins
// dispatching queued work.
func (p *Processor) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.recoverInterrupted()

	p.wg.Add(1)
	go p.dispatch()
}

// Shutdown stops accepting work, cancels queued and running jobs and waits
// for them to record their terminal state.
func (p *Processor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues req. cleanup, when set, runs after the job finishes or when
// it is rejected here.
func (p *Processor) Submit(req pipeline.Request, cleanup func()) (*Ticket, error) {
	id := strings.TrimSpace(req.JobID)
	req.JobID = id
	p.mu.Lock()
	if p.closed || p.ctx.Err() != nil {
		p.mu.Unlock()
		runCleanup(cleanup)
		return nil, ErrProcessorClosed
	}
	if _, exists := p.inFlight[id]; exists {
		p.mu.Unlock()
		runCleanup(cleanup)
		return nil, &pipeline.InputError{JobID: id, Err: pipeline.ErrDuplicateJob}
	}
	ctx, cancel := context.WithCancel(p.ctx)
	t := &task{
		req:     req,
		ctx:     ctx,
		cancel:  cancel,
		ticket:  &Ticket{JobID: id, done: make(chan struct{})},
		cleanup: cleanup,
	}
	select {
	case p.queue <- t:
		p.inFlight[id] = t
	default:
		p.mu.Unlock()
		cancel()
		runCleanup(cleanup)
		return nil, ErrQueueFull
	}
	p.mu.Unlock()
	p.reportDepth()
	p.logger.Debug("job queued", "job_id", id)
	return t.ticket, nil
}

// Cancel aborts a queued or running job. It reports false when no such job
// is in flight.
func (p *Processor) Cancel(jobID string) bool {
	p.mu.Lock()
	t, ok := p.inFlight[strings.TrimSpace(jobID)]
	p.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	p.logger.Info("job cancellation requested", "job_id", jobID)
	return true
}

// InFlight reports whether jobID is queued or running.
func (p *Processor) InFlight(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[strings.TrimSpace(jobID)]
	return ok
}

// HoldsSource reports whether a queued or running job reads from path.
func (p *Processor) HoldsSource(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.inFlight {
		if t.req.SourcePath == path {
			return true
		}
	}
	return false
}

func (p *Processor) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case t := <-p.queue:
			p.reportDepth()
			if err := p.sem.Acquire(p.ctx, 1); err != nil {
				p.execute(t)
				p.drain()
				return
			}
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				defer p.sem.Release(1)
				p.execute(t)
			}()
		}
	}
}

// drain finishes whatever is still queued after shutdown. The job contexts
// are already canceled, so each run records a canceled job promptly.
func (p *Processor) drain() {
	for {
		select {
		case t := <-p.queue:
			p.execute(t)
		default:
			p.reportDepth()
			return
		}
	}
}

func (p *Processor) execute(t *task) {
	defer func() {
		t.cancel()
		p.mu.Lock()
		delete(p.inFlight, t.ticket.JobID)
		p.mu.Unlock()
		runCleanup(t.cleanup)
		close(t.ticket.done)
	}()
	t.ticket.result = p.runner.Run(t.ctx, t.req)
}

func (p *Processor) recoverInterrupted() {
	if p.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()
	interrupted, err := jobs.MarkInterrupted(ctx, p.store, p.recovery, time.Now())
	if err != nil {
		p.logger.Error("failed to recover interrupted jobs", "error", err)
		return
	}
	for _, rec := range interrupted {
		p.logger.Warn("job interrupted by restart marked failed", "job_id", rec.ID, "source", rec.SourcePath)
	}
}

func (p *Processor) reportDepth() {
	if p.gauge != nil {
		p.gauge.SetQueueDepth(len(p.queue))
	}
}

func runCleanup(cleanup func()) {
	if cleanup != nil {
		cleanup()
	}
}
