package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bitriver-vod/internal/jobs"
	"bitriver-vod/internal/pipeline"
)

type fakeRunner struct {
	mu       sync.Mutex
	requests []pipeline.Request
	started  chan string
	release  chan struct{}
	block    bool
}

func newFakeRunner(block bool) *fakeRunner {
	return &fakeRunner{
		started: make(chan string, 16),
		release: make(chan struct{}),
		block:   block,
	}
}

func (r *fakeRunner) Run(ctx context.Context, req pipeline.Request) pipeline.Result {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	r.started <- req.JobID
	if r.block {
		select {
		case <-ctx.Done():
			return pipeline.Result{
				JobID:    req.JobID,
				State:    jobs.StateFailed,
				Category: pipeline.CategoryCanceled,
				Message:  pipeline.CategoryCanceled.Message(),
				Err:      ctx.Err(),
			}
		case <-r.release:
		}
	}
	return pipeline.Result{
		JobID:          req.JobID,
		State:          jobs.StateSucceeded,
		Message:        "video processed and published",
		MasterPlaylist: "https://cdn.example.com/videos/" + req.JobID + "/master.m3u8",
	}
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type depthGauge struct {
	last atomic.Int64
}

func (g *depthGauge) SetQueueDepth(depth int) { g.last.Store(int64(depth)) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForStart(t *testing.T, runner *fakeRunner, want string) {
	t.Helper()
	select {
	case got := <-runner.started:
		if got != want {
			t.Fatalf("expected %s to start, got %s", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job %s never started", want)
	}
}

func waitTicket(t *testing.T, ticket *Ticket) pipeline.Result {
	t.Helper()
	select {
	case <-ticket.Done():
		return ticket.Result()
	case <-time.After(2 * time.Second):
		t.Fatalf("job %s never finished", ticket.JobID)
	}
	return pipeline.Result{}
}

func shutdownProcessor(t *testing.T, p *Processor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestProcessorRunsSubmittedJob(t *testing.T) {
	runner := newFakeRunner(false)
	gauge := &depthGauge{}
	p := NewProcessor(ProcessorConfig{Runner: runner, Workers: 1, QueueSize: 4, Gauge: gauge, Logger: discardLogger()})
	p.Start()
	defer shutdownProcessor(t, p)

	var cleaned atomic.Bool
	ticket, err := p.Submit(pipeline.Request{JobID: "job-1", SourcePath: "/tmp/in.mp4"}, func() { cleaned.Store(true) })
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	result := waitTicket(t, ticket)
	if !result.Succeeded() || result.JobID != "job-1" {
		t.Fatalf("unexpected result %+v", result)
	}
	if !cleaned.Load() {
		t.Fatal("expected cleanup to run after the job")
	}
	if p.InFlight("job-1") {
		t.Fatal("expected job to leave the in-flight set")
	}
	if gauge.last.Load() != 0 {
		t.Fatalf("expected empty queue, got depth %d", gauge.last.Load())
	}
}

func TestProcessorRejectsWhenQueueFull(t *testing.T) {
	runner := newFakeRunner(false)
	p := NewProcessor(ProcessorConfig{Runner: runner, Workers: 1, QueueSize: 1, Logger: discardLogger()})

	if _, err := p.Submit(pipeline.Request{JobID: "first"}, nil); err != nil {
		t.Fatalf("submit first: %v", err)
	}
	var cleaned bool
	_, err := p.Submit(pipeline.Request{JobID: "second"}, func() { cleaned = true })
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if !cleaned {
		t.Fatal("expected cleanup for rejected job")
	}
	if p.InFlight("second") {
		t.Fatal("rejected job must not be tracked")
	}

	p.Start()
	shutdownProcessor(t, p)
}

func TestProcessorRejectsDuplicateInFlightID(t *testing.T) {
	p := NewProcessor(ProcessorConfig{Runner: newFakeRunner(false), QueueSize: 4, Logger: discardLogger()})
	if _, err := p.Submit(pipeline.Request{JobID: "dup"}, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err := p.Submit(pipeline.Request{JobID: "dup"}, nil)
	if !errors.Is(err, pipeline.ErrDuplicateJob) {
		t.Fatalf("expected duplicate job error, got %v", err)
	}
	if pipeline.Classify(err) != pipeline.CategoryInput {
		t.Fatalf("expected input category, got %s", pipeline.Classify(err))
	}
	p.Start()
	shutdownProcessor(t, p)
}

func TestProcessorCancel(t *testing.T) {
	runner := newFakeRunner(true)
	p := NewProcessor(ProcessorConfig{Runner: runner, Workers: 1, Logger: discardLogger()})
	p.Start()
	defer shutdownProcessor(t, p)

	ticket, err := p.Submit(pipeline.Request{JobID: "slow"}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStart(t, runner, "slow")

	if p.Cancel("unknown") {
		t.Fatal("expected cancel of unknown job to report false")
	}
	if !p.Cancel("slow") {
		t.Fatal("expected cancel to find running job")
	}
	result := waitTicket(t, ticket)
	if result.Category != pipeline.CategoryCanceled {
		t.Fatalf("expected canceled result, got %+v", result)
	}
}

func TestProcessorBoundsConcurrency(t *testing.T) {
	runner := newFakeRunner(true)
	p := NewProcessor(ProcessorConfig{Runner: runner, Workers: 1, QueueSize: 4, Logger: discardLogger()})
	p.Start()
	defer shutdownProcessor(t, p)

	first, err := p.Submit(pipeline.Request{JobID: "a"}, nil)
	if err != nil {
		t.Fatalf("submit a: %v", err)
	}
	second, err := p.Submit(pipeline.Request{JobID: "b"}, nil)
	if err != nil {
		t.Fatalf("submit b: %v", err)
	}
	waitForStart(t, runner, "a")

	select {
	case id := <-runner.started:
		t.Fatalf("job %s started while the only worker was busy", id)
	case <-time.After(50 * time.Millisecond):
	}

	runner.release <- struct{}{}
	waitTicket(t, first)
	waitForStart(t, runner, "b")
	runner.release <- struct{}{}
	if result := waitTicket(t, second); !result.Succeeded() {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestProcessorShutdownCancelsWork(t *testing.T) {
	runner := newFakeRunner(true)
	p := NewProcessor(ProcessorConfig{Runner: runner, Workers: 1, QueueSize: 4, Logger: discardLogger()})
	p.Start()

	running, err := p.Submit(pipeline.Request{JobID: "running"}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStart(t, runner, "running")
	queued, err := p.Submit(pipeline.Request{JobID: "queued"}, nil)
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}

	shutdownProcessor(t, p)

	for _, ticket := range []*Ticket{running, queued} {
		result := waitTicket(t, ticket)
		if result.Category != pipeline.CategoryCanceled {
			t.Fatalf("expected %s canceled, got %+v", ticket.JobID, result)
		}
	}
	if _, err := p.Submit(pipeline.Request{JobID: "late"}, nil); !errors.Is(err, ErrProcessorClosed) {
		t.Fatalf("expected closed processor, got %v", err)
	}
	if runner.count() != 2 {
		t.Fatalf("expected both jobs to reach the runner, got %d", runner.count())
	}
}

func TestProcessorStartMarksInterruptedJobs(t *testing.T) {
	store := jobs.NewMemoryStore()
	now := time.Now().UTC()
	ctx := context.Background()
	if err := store.Create(ctx, jobs.Record{ID: "stale", Owner: "node-a", State: jobs.StateTranscoding, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	done := now
	if err := store.Create(ctx, jobs.Record{ID: "done", Owner: "node-a", State: jobs.StateSucceeded, CreatedAt: now, UpdatedAt: now, CompletedAt: &done}); err != nil {
		t.Fatalf("create: %v", err)
	}

	p := NewProcessor(ProcessorConfig{
		Runner:   newFakeRunner(false),
		Store:    store,
		Logger:   discardLogger(),
		Recovery: jobs.Recovery{Owner: "node-a", StaleAfter: time.Hour},
	})
	p.Start()
	defer shutdownProcessor(t, p)

	stale, err := store.Get(ctx, "stale")
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if stale.State != jobs.StateFailed || stale.Category != "internal" || stale.CompletedAt == nil {
		t.Fatalf("expected stale job failed, got %+v", stale)
	}
	finished, err := store.Get(ctx, "done")
	if err != nil {
		t.Fatalf("get done: %v", err)
	}
	if finished.State != jobs.StateSucceeded {
		t.Fatalf("expected finished job untouched, got %s", finished.State)
	}
}

func TestProcessorStartLeavesOtherReplicasJobs(t *testing.T) {
	store := jobs.NewMemoryStore()
	ctx := context.Background()

	runnerA := newFakeRunner(true)
	replicaA := NewProcessor(ProcessorConfig{
		Runner:   runnerA,
		Store:    store,
		Logger:   discardLogger(),
		Recovery: jobs.Recovery{Owner: "node-a", StaleAfter: time.Hour},
	})
	replicaA.Start()
	defer shutdownProcessor(t, replicaA)

	ticket, err := replicaA.Submit(pipeline.Request{JobID: "live1"}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStart(t, runnerA, "live1")

	now := time.Now().UTC()
	old := now.Add(-2 * time.Hour)
	for _, rec := range []jobs.Record{
		{ID: "live1", Owner: "node-a", State: jobs.StateTranscoding, CreatedAt: now, UpdatedAt: now},
		{ID: "orphan", Owner: "node-c", State: jobs.StatePublishing, CreatedAt: old, UpdatedAt: old},
	} {
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("create %s: %v", rec.ID, err)
		}
	}

	replicaB := NewProcessor(ProcessorConfig{
		Runner:   newFakeRunner(false),
		Store:    store,
		Logger:   discardLogger(),
		Recovery: jobs.Recovery{Owner: "node-b", StaleAfter: time.Hour},
	})
	replicaB.Start()
	defer shutdownProcessor(t, replicaB)

	live, err := store.Get(ctx, "live1")
	if err != nil {
		t.Fatalf("get live1: %v", err)
	}
	if live.State != jobs.StateTranscoding || live.Error != "" {
		t.Fatalf("expected node-a's running job untouched, got state=%s error=%q", live.State, live.Error)
	}
	orphan, err := store.Get(ctx, "orphan")
	if err != nil {
		t.Fatalf("get orphan: %v", err)
	}
	if orphan.State != jobs.StateFailed {
		t.Fatalf("expected abandoned job failed, got %s", orphan.State)
	}

	close(runnerA.release)
	if res := waitTicket(t, ticket); res.State != jobs.StateSucceeded {
		t.Fatalf("expected live1 to finish on node-a, got %+v", res)
	}
}

func TestProcessorSubmitTrimsJobID(t *testing.T) {
	runner := newFakeRunner(true)
	p := NewProcessor(ProcessorConfig{Runner: runner, Workers: 1, QueueSize: 4, Logger: discardLogger()})
	p.Start()
	defer shutdownProcessor(t, p)

	ticket, err := p.Submit(pipeline.Request{JobID: "  job-padded "}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStart(t, runner, "job-padded")
	if !p.InFlight("job-padded") || !p.InFlight(" job-padded") {
		t.Fatal("expected trimmed id to be tracked")
	}
	close(runner.release)
	if res := waitTicket(t, ticket); res.JobID != "job-padded" {
		t.Fatalf("expected runner to see the trimmed id, got %q", res.JobID)
	}
}

func TestProcessorHoldsSourceWhileInFlight(t *testing.T) {
	runner := newFakeRunner(true)
	p := NewProcessor(ProcessorConfig{Runner: runner, Workers: 1, QueueSize: 4, Logger: discardLogger()})
	p.Start()
	defer shutdownProcessor(t, p)

	ticket, err := p.Submit(pipeline.Request{JobID: "job-held", SourcePath: "/uploads/job-held-clip.mp4"}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStart(t, runner, "job-held")
	if !p.HoldsSource("/uploads/job-held-clip.mp4") {
		t.Fatal("expected running job to hold its source")
	}
	if p.HoldsSource("/uploads/other.mp4") {
		t.Fatal("unexpected hold on unrelated path")
	}

	close(runner.release)
	waitTicket(t, ticket)
	if p.HoldsSource("/uploads/job-held-clip.mp4") {
		t.Fatal("expected source released after the job finished")
	}
}
