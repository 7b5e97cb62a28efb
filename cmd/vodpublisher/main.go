// Command vodpublisher runs the HTTP service that transcodes uploaded videos
// into HLS renditions and publishes them to blob storage.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitriver-vod/internal/config"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/serverutil"
)

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "vodpublisher:", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	configPath    string
	addr          string
	logLevel      string
	logFormat     string
	ffmpegPath    string
	workDir       string
	storageDriver string
	jobsDriver    string
	workers       int
	jobTimeout    time.Duration
	keepOutput    bool
}

func parseFlags(args []string, output io.Writer) (*flag.FlagSet, *cliFlags, error) {
	fs := flag.NewFlagSet("vodpublisher", flag.ContinueOnError)
	fs.SetOutput(output)
	f := &cliFlags{}
	fs.StringVar(&f.configPath, "config", os.Getenv("BITRIVER_VOD_CONFIG"), "path to YAML configuration file")
	fs.StringVar(&f.addr, "addr", "", "HTTP listen address")
	fs.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "", "log format (json or text)")
	fs.StringVar(&f.ffmpegPath, "ffmpeg", "", "path to the ffmpeg binary")
	fs.StringVar(&f.workDir, "work-dir", "", "directory for per-job transcode output")
	fs.StringVar(&f.storageDriver, "storage-driver", "", "blob storage driver (s3 or filesystem)")
	fs.StringVar(&f.jobsDriver, "jobs-driver", "", "job record driver (memory, json or postgres)")
	fs.IntVar(&f.workers, "workers", 0, "number of jobs transcoded concurrently")
	fs.DurationVar(&f.jobTimeout, "job-timeout", 0, "deadline for a single job")
	fs.BoolVar(&f.keepOutput, "keep-output", false, "keep local transcode output after a job finishes")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return fs, f, nil
}

// applyFlags overlays only the flags given on the command line.
func applyFlags(cfg *config.Config, fs *flag.FlagSet, f *cliFlags) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "addr":
			cfg.Server.Addr = f.addr
		case "log-level":
			cfg.Logging.Level = f.logLevel
		case "log-format":
			cfg.Logging.Format = f.logFormat
		case "ffmpeg":
			cfg.Transcode.FFmpegPath = f.ffmpegPath
		case "work-dir":
			cfg.Pipeline.WorkDir = f.workDir
		case "storage-driver":
			cfg.Storage.Driver = f.storageDriver
		case "jobs-driver":
			cfg.Jobs.Driver = f.jobsDriver
		case "workers":
			cfg.Pipeline.Workers = f.workers
		case "job-timeout":
			cfg.Pipeline.JobTimeout = f.jobTimeout
		case "keep-output":
			cfg.Pipeline.KeepOutput = f.keepOutput
		}
	})
}

func run(args []string, output io.Writer) error {
	fs, f, err := parseFlags(args, output)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	applyFlags(&cfg, fs, f)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return err
	}
	app.start(ctx)

	runErr := serverutil.Run(ctx, serverutil.Config{
		Server: app.server.HTTPServer(),
		TLS: serverutil.TLSConfig{
			CertFile: cfg.Server.TLSCert,
			KeyFile:  cfg.Server.TLSKey,
		},
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		OnShutdown:      app.shutdown,
		Logger:          logger,
	})
	if runErr != nil {
		logger.Error("server stopped with error", "error", runErr)
		return runErr
	}
	logger.Info("server stopped")
	return nil
}
