package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// uploadSweeper removes staged uploads older than maxAge. Uploads are
// normally deleted when their job finishes, so anything this old was left
// behind by a crash. Files a live job still reads are skipped.
type uploadSweeper struct {
	dir    string
	maxAge time.Duration
	inUse  func(path string) bool
	now    func() time.Time
}

func newUploadSweeper(dir string, maxAge time.Duration, inUse func(path string) bool) *uploadSweeper {
	if dir == "" || maxAge <= 0 {
		return nil
	}
	return &uploadSweeper{dir: dir, maxAge: maxAge, inUse: inUse, now: time.Now}
}

// Sweep returns the number of files removed.
func (s *uploadSweeper) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read upload dir: %w", err)
	}
	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if s.inUse != nil && s.inUse(path) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// sweepInterval checks a few times per retention window, at most once a
// minute.
func sweepInterval(retention time.Duration) time.Duration {
	if retention <= 0 {
		return 0
	}
	interval := retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	return interval
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

func startUploadSweepWorker(ctx context.Context, logger *slog.Logger, sweeper *uploadSweeper, interval time.Duration) func() {
	return startUploadSweepWorkerWithTicker(ctx, logger, sweeper, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startUploadSweepWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sweeper *uploadSweeper,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if sweeper == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				removed, err := sweeper.Sweep()
				if err != nil && logger != nil {
					logger.Error("failed to sweep stale uploads", "error", err)
				}
				if removed > 0 && logger != nil {
					logger.Info("removed stale uploads", "count", removed)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
