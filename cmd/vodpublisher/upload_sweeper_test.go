package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func writeAged(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("video"), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
	return path
}

func TestUploadSweeperRemovesStaleFiles(t *testing.T) {
	dir := t.TempDir()
	stale := writeAged(t, dir, "old-job-clip.mp4", 48*time.Hour)
	fresh := writeAged(t, dir, "new-job-clip.mp4", time.Minute)
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	removed, err := newUploadSweeper(dir, 24*time.Hour, nil).Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale upload removed, stat err %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("expected fresh upload kept: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "nested")); err != nil {
		t.Fatalf("expected directory kept: %v", err)
	}
}

func TestUploadSweeperSkipsSourcesInUse(t *testing.T) {
	dir := t.TempDir()
	queued := writeAged(t, dir, "queued-job-clip.mp4", 48*time.Hour)
	inUse := func(path string) bool { return path == queued }

	removed, err := newUploadSweeper(dir, time.Hour, inUse).Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected nothing removed, got %d", removed)
	}
	if _, err := os.Stat(queued); err != nil {
		t.Fatalf("expected in-use source kept: %v", err)
	}
}

func TestUploadSweeperMissingDir(t *testing.T) {
	removed, err := newUploadSweeper(filepath.Join(t.TempDir(), "absent"), time.Hour, nil).Sweep()
	if err != nil || removed != 0 {
		t.Fatalf("expected no-op, got %d, %v", removed, err)
	}
}

func TestNewUploadSweeperDisabled(t *testing.T) {
	if s := newUploadSweeper(t.TempDir(), 0, nil); s != nil {
		t.Fatal("expected nil sweeper for zero retention")
	}
	if s := newUploadSweeper("", time.Hour, nil); s != nil {
		t.Fatal("expected nil sweeper without a directory")
	}
}

func TestSweepInterval(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		0:               0,
		2 * time.Minute: time.Minute,
		24 * time.Hour:  6 * time.Hour,
	}
	for retention, want := range cases {
		if got := sweepInterval(retention); got != want {
			t.Errorf("sweepInterval(%s) = %s, want %s", retention, got, want)
		}
	}
}

func TestStartUploadSweepWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	stale := writeAged(t, dir, "crashed-job-clip.mp4", 2*time.Hour)

	ticker := newManualTicker()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stop := startUploadSweepWorkerWithTicker(ctx, logger, newUploadSweeper(dir, time.Hour, nil), time.Minute, func(time.Duration) sweepTicker {
		return ticker
	})

	ticker.Tick()
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := os.Stat(stale); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected sweep to remove the stale upload")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	stop()

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after context cancellation")
	}
}

func TestStartUploadSweepWorkerDisabled(t *testing.T) {
	stop := startUploadSweepWorker(context.Background(), nil, nil, time.Minute)
	stop()
}
