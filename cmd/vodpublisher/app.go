package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"bitriver-vod/internal/api"
	"bitriver-vod/internal/auth"
	"bitriver-vod/internal/config"
	"bitriver-vod/internal/events"
	"bitriver-vod/internal/jobs"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/observability/metrics"
	"bitriver-vod/internal/pipeline"
	"bitriver-vod/internal/publish"
	"bitriver-vod/internal/server"
	"bitriver-vod/internal/storage"
	"bitriver-vod/internal/transcode"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// app holds every long-lived component so they can be released in order.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     jobs.Store
	sink      events.Sink
	processor *api.Processor
	server    *server.Server
	stopSweep func()
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, stopSweep: func() {}}
	defer func() {
		if err != nil {
			a.closeBackends(context.WithoutCancel(ctx))
		}
	}()

	for _, dir := range []string{cfg.Pipeline.WorkDir, cfg.API.UploadDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if a.store, err = openJobStore(ctx, cfg); err != nil {
		return nil, err
	}
	if a.sink, err = openEventSink(ctx, cfg, logging.WithComponent(logger, "events")); err != nil {
		return nil, err
	}

	blobs, err := storage.New(cfg.Store(logging.WithComponent(logger, "storage")))
	if err != nil {
		return nil, fmt.Errorf("configure storage: %w", err)
	}
	publisher := publish.New(blobs, cfg.Publisher(logging.WithComponent(logger, "publish")))
	engine, err := transcode.New(cfg.FFmpeg(logging.WithComponent(logger, "transcode")))
	if err != nil {
		return nil, fmt.Errorf("configure ffmpeg: %w", err)
	}

	recorder := metrics.Default()
	orchestrator, err := pipeline.New(engine, publisher, pipeline.Config{
		WorkDir:    cfg.Pipeline.WorkDir,
		JobTimeout: cfg.Pipeline.JobTimeout,
		KeepOutput: cfg.Pipeline.KeepOutput,
		Ladder:     cfg.Transcode.Ladder,
		Packaging:  cfg.Transcode.Packaging.WithDefaults(),
		Store:      a.store,
		Events:     a.sink,
		Metrics:    recorder,
		Logger:     logger,
		Owner:      cfg.InstanceID(),
	})
	if err != nil {
		return nil, fmt.Errorf("configure pipeline: %w", err)
	}

	a.processor = api.NewProcessor(api.ProcessorConfig{
		Runner:    orchestrator,
		Store:     a.store,
		Workers:   cfg.Pipeline.Workers,
		QueueSize: cfg.Pipeline.QueueSize,
		Gauge:     recorder,
		Logger:    logger,
		Recovery:  cfg.Recovery(),
	})

	tokens, err := auth.NewVerifier(cfg.API.TokenHashes)
	if err != nil {
		return nil, fmt.Errorf("load api tokens: %w", err)
	}
	if !tokens.Enabled() {
		logger.Warn("no api token hashes configured, api is unauthenticated")
	}

	handler := &api.Handler{
		Processor:      a.processor,
		Jobs:           a.store,
		UploadDir:      cfg.API.UploadDir,
		MaxUploadBytes: cfg.API.MaxUploadBytes,
		HealthChecks:   healthChecks(cfg, a.store, a.sink),
		Logger:         logging.WithComponent(logger, "api"),
	}
	a.server, err = server.New(handler, server.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		Tokens:       tokens,
		MediaDir:     mediaDir(cfg),
		Logger:       logger,
		Metrics:      recorder,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// start launches the worker pool and the upload sweeper.
func (a *app) start(ctx context.Context) {
	a.processor.Start()
	a.stopSweep = startUploadSweepWorker(ctx, logging.WithComponent(a.logger, "sweeper"),
		newUploadSweeper(a.cfg.API.UploadDir, a.cfg.API.UploadRetention, a.processor.HoldsSource),
		sweepInterval(a.cfg.API.UploadRetention))
}

// shutdown runs after the HTTP server has drained. It stops the workers and
// then releases the event sink and the job store.
func (a *app) shutdown(ctx context.Context) error {
	a.stopSweep()
	var errs []error
	if err := a.processor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop processor: %w", err))
	}
	if err := a.closeBackends(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) closeBackends(ctx context.Context) error {
	var errs []error
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.logger.Warn("failed to close event sink", "error", err)
			errs = append(errs, fmt.Errorf("close event sink: %w", err))
		}
	}
	if closer, ok := a.store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			a.logger.Warn("failed to close job store", "error", err)
			errs = append(errs, fmt.Errorf("close job store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func openJobStore(ctx context.Context, cfg config.Config) (jobs.Store, error) {
	switch strings.ToLower(cfg.Jobs.Driver) {
	case config.JobsDriverJSON:
		store, err := jobs.NewJSONStore(cfg.Jobs.Dir)
		if err != nil {
			return nil, fmt.Errorf("open json job store: %w", err)
		}
		return store, nil
	case config.JobsDriverPostgres:
		store, err := jobs.NewPostgresStore(ctx, cfg.Postgres())
		if err != nil {
			return nil, fmt.Errorf("open postgres job store: %w", err)
		}
		return store, nil
	default:
		return jobs.NewMemoryStore(jobs.WithRetention(cfg.Jobs.Retention)), nil
	}
}

func openEventSink(ctx context.Context, cfg config.Config, logger *slog.Logger) (events.Sink, error) {
	if strings.ToLower(cfg.Events.Driver) != config.EventsDriverRedis {
		return events.Noop{}, nil
	}
	sink, err := events.NewRedisSink(ctx, cfg.Redis(logger))
	if err != nil {
		return nil, fmt.Errorf("open redis event sink: %w", err)
	}
	return sink, nil
}

func healthChecks(cfg config.Config, store jobs.Store, sink events.Sink) []api.HealthCheck {
	checks := []api.HealthCheck{{
		Component: "ffmpeg",
		Ping: func(context.Context) error {
			_, err := exec.LookPath(cfg.Transcode.FFmpegPath)
			return err
		},
	}}
	if p, ok := store.(pinger); ok {
		checks = append(checks, api.HealthCheck{Component: "jobs", Ping: p.Ping})
	}
	if p, ok := sink.(pinger); ok {
		checks = append(checks, api.HealthCheck{Component: "events", Ping: p.Ping})
	}
	return checks
}

// mediaDir returns the directory to expose under /media/, if any.
func mediaDir(cfg config.Config) string {
	if strings.ToLower(cfg.Storage.Driver) == storage.DriverFilesystem && cfg.Storage.ServeLocal {
		return cfg.Storage.Dir
	}
	return ""
}
