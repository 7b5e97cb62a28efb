// Package transcode drives ffmpeg through a multi-variant HLS encode.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bitriver-vod/internal/ladder"
)

const (
	defaultBinary      = "ffmpeg"
	defaultKillTimeout = 5 * time.Second
	diagnosticLines    = 20
)

// Config configures the ffmpeg adapter.
type Config struct {
	Binary      string
	Ladder      ladder.Ladder
	Packaging   ladder.Packaging
	Options     Options
	KillTimeout time.Duration
	Logger      *slog.Logger
}

// FFmpeg starts ffmpeg processes for a fixed ladder.
type FFmpeg struct {
	binary      string
	ladder      ladder.Ladder
	packaging   ladder.Packaging
	options     Options
	killTimeout time.Duration
	logger      *slog.Logger
}

// New validates the ladder and returns an adapter ready to start jobs.
func New(cfg Config) (*FFmpeg, error) {
	l := cfg.Ladder
	if len(l) == 0 {
		l = ladder.Default()
	}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("transcode ladder: %w", err)
	}
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = defaultBinary
	}
	killTimeout := cfg.KillTimeout
	if killTimeout <= 0 {
		killTimeout = defaultKillTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{
		binary:      binary,
		ladder:      l.Normalize(),
		packaging:   cfg.Packaging.WithDefaults(),
		options:     cfg.Options,
		killTimeout: killTimeout,
		logger:      logger,
	}, nil
}

// Ladder returns the rendition set the adapter encodes.
func (f *FFmpeg) Ladder() ladder.Ladder { return f.ladder.Clone() }

// Packaging returns the HLS packaging parameters.
func (f *FFmpeg) Packaging() ladder.Packaging { return f.packaging }

// Plan builds the invocation for one job without starting it.
func (f *FFmpeg) Plan(source, outputDir string) (*Plan, error) {
	return BuildPlan(source, outputDir, f.ladder, f.packaging, f.options)
}

// Process is a running ffmpeg invocation.
type Process struct {
	jobID  string
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// JobID identifies the job the process encodes.
func (p *Process) JobID() string { return p.jobID }

// Done is closed once ffmpeg has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit result. It is only meaningful after Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Cancel terminates ffmpeg. It is safe to call more than once.
func (p *Process) Cancel() { p.cancel() }

// Wait blocks until ffmpeg exits. If ctx ends first the process is
// terminated and the context error is reported.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return p.err
	}
}

// Start launches ffmpeg for plan. The process runs until it exits, ctx ends
// or Cancel is called.
func (f *FFmpeg) Start(ctx context.Context, jobID string, plan *Plan) (*Process, error) {
	if plan == nil {
		return nil, fmt.Errorf("transcode plan is required")
	}
	if err := prepareOutput(plan); err != nil {
		return nil, &EngineError{JobID: jobID, Err: fmt.Errorf("prepare output: %w", err)}
	}
	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, f.binary, plan.Args...)
	cmd.Cancel = func() error { return terminate(cmd) }
	cmd.WaitDelay = f.killTimeout
	logger := f.logger.With("job_id", jobID)
	stdout := newLogWriter(logger, "stdout", 0)
	stderr := newLogWriter(logger, "stderr", diagnosticLines)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &EngineError{JobID: jobID, Err: fmt.Errorf("start %s: %w", f.binary, err)}
	}
	logger.Info("ffmpeg started", "pid", cmd.Process.Pid, "variants", len(plan.Playlists), "output", plan.OutputDir)

	proc := &Process{jobID: jobID, cmd: cmd, cancel: cancel, done: make(chan struct{})}
	go func() {
		waitErr := cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		proc.err = f.exitError(procCtx, ctx, jobID, waitErr, stderr.Tail())
		if proc.err != nil {
			logger.Warn("ffmpeg exited with error", "error", proc.err)
		} else {
			logger.Info("ffmpeg completed")
		}
		cancel()
		close(proc.done)
	}()
	return proc, nil
}

// Transcode encodes source into outputDir and blocks until ffmpeg finishes.
func (f *FFmpeg) Transcode(ctx context.Context, jobID, source, outputDir string) error {
	plan, err := f.Plan(source, outputDir)
	if err != nil {
		return &EngineError{JobID: jobID, Err: err}
	}
	proc, err := f.Start(ctx, jobID, plan)
	if err != nil {
		return err
	}
	return proc.Wait(ctx)
}

func (f *FFmpeg) exitError(procCtx, parent context.Context, jobID string, waitErr error, diagnostic string) error {
	if waitErr == nil {
		return nil
	}
	engineErr := &EngineError{JobID: jobID, Diagnostic: diagnostic, Err: waitErr}
	if err := parent.Err(); err != nil {
		engineErr.Err = err
		return engineErr
	}
	if procCtx.Err() != nil {
		engineErr.Err = context.Canceled
		return engineErr
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		engineErr.ExitCode = exitErr.ExitCode()
	}
	return engineErr
}

func prepareOutput(plan *Plan) error {
	if err := os.MkdirAll(plan.OutputDir, 0o755); err != nil {
		return err
	}
	for _, playlist := range plan.Playlists {
		dir := filepath.Join(plan.OutputDir, filepath.Dir(filepath.FromSlash(playlist)))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// logWriter forwards process output line by line into the structured log
// and keeps the last few lines for error reporting.
type logWriter struct {
	logger *slog.Logger
	stream string
	keep   int

	mu      sync.Mutex
	partial []byte
	lines   []string
}

func newLogWriter(logger *slog.Logger, stream string, keep int) *logWriter {
	return &logWriter{logger: logger, stream: stream, keep: keep}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	data := append(w.partial, p...)
	for {
		idx := bytes.IndexAny(data, "\r\n")
		if idx == -1 {
			break
		}
		w.emit(data[:idx])
		data = data[idx+1:]
	}
	w.partial = append([]byte(nil), data...)
	return total, nil
}

// Flush emits any buffered partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
}

// Tail returns the retained lines joined by newlines.
func (w *logWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.lines, "\n")
}

func (w *logWriter) emit(raw []byte) {
	line := string(bytes.TrimSpace(raw))
	if line == "" {
		return
	}
	w.logger.Debug(line, "stream", w.stream)
	if w.keep <= 0 {
		return
	}
	w.lines = append(w.lines, line)
	if len(w.lines) > w.keep {
		w.lines = w.lines[len(w.lines)-w.keep:]
	}
}
