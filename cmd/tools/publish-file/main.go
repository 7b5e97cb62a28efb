// Command publish-file transcodes one local video and publishes it with the
// same configuration the service uses, without starting the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"bitriver-vod/internal/config"
	"bitriver-vod/internal/jobs"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/pipeline"
	"bitriver-vod/internal/publish"
	"bitriver-vod/internal/storage"
	"bitriver-vod/internal/transcode"
)

type output struct {
	JobID          string `json:"jobId"`
	State          string `json:"state"`
	Message        string `json:"message"`
	MasterPlaylist string `json:"masterPlaylist,omitempty"`
	Category       string `json:"category,omitempty"`
	Error          string `json:"error,omitempty"`
	Objects        int    `json:"objects,omitempty"`
	Bytes          int64  `json:"bytes,omitempty"`
	DurationMS     int64  `json:"durationMs"`
}

func main() {
	configPath := flag.String("config", os.Getenv("BITRIVER_VOD_CONFIG"), "path to YAML configuration file")
	source := flag.String("source", "", "video file to publish")
	jobID := flag.String("job-id", "", "job identifier (defaults to a random UUID)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	flag.Parse()

	if *source == "" {
		fatalf("--source is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fatalf("invalid configuration: %v", err)
	}
	// Logs go to stderr so stdout carries only the result document.
	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Writer: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id := *jobID
	if id == "" {
		id = uuid.NewString()
	}
	result, err := publishFile(ctx, cfg, logger, pipeline.Request{JobID: id, SourcePath: *source})
	if err != nil {
		fatalf("%v", err)
	}
	if err := writeOutput(os.Stdout, result); err != nil {
		fatalf("write result: %v", err)
	}
	if !result.Succeeded() {
		os.Exit(1)
	}
}

func publishFile(ctx context.Context, cfg config.Config, logger *slog.Logger, req pipeline.Request) (pipeline.Result, error) {
	blobs, err := storage.New(cfg.Store(logging.WithComponent(logger, "storage")))
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("configure storage: %w", err)
	}
	engine, err := transcode.New(cfg.FFmpeg(logging.WithComponent(logger, "transcode")))
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("configure ffmpeg: %w", err)
	}
	orchestrator, err := pipeline.New(engine, publish.New(blobs, cfg.Publisher(logging.WithComponent(logger, "publish"))), pipeline.Config{
		WorkDir:    cfg.Pipeline.WorkDir,
		JobTimeout: cfg.Pipeline.JobTimeout,
		KeepOutput: cfg.Pipeline.KeepOutput,
		Ladder:     cfg.Transcode.Ladder,
		Packaging:  cfg.Transcode.Packaging.WithDefaults(),
		Store:      jobs.NewMemoryStore(),
		Logger:     logger,
	})
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("configure pipeline: %w", err)
	}
	return orchestrator.Run(ctx, req), nil
}

func writeOutput(w io.Writer, result pipeline.Result) error {
	out := output{
		JobID:          result.JobID,
		State:          string(result.State),
		Message:        result.Message,
		MasterPlaylist: result.MasterPlaylist,
		Category:       string(result.Category),
		Objects:        result.Objects,
		Bytes:          result.Bytes,
		DurationMS:     result.Duration.Milliseconds(),
	}
	if result.Err != nil {
		out.Error = result.Err.Error()
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
